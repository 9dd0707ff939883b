package markdown

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
)

// Elements removed together with their content.
var dropped = map[string]bool{
	"script":   true,
	"style":    true,
	"iframe":   true,
	"object":   true,
	"embed":    true,
	"frame":    true,
	"frameset": true,
	"form":     true,
	"base":     true,
	"meta":     true,
	"link":     true,
}

var urlAttrs = map[string]bool{"href": true, "src": true, "action": true, "formaction": true, "xlink:href": true}

// Sanitize strips active content from an HTML fragment: dropped elements,
// event handler attributes and javascript:, vbscript: or data: URLs
// outside images.
func Sanitize(fragment string) (string, error) {
	z := html.NewTokenizer(strings.NewReader(fragment))
	var out bytes.Buffer
	skipDepth := 0
	skipTag := ""

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if errors.Is(z.Err(), io.EOF) {
				return out.String(), nil
			}
			return "", fmt.Errorf("sanitize html: %w", z.Err())
		}

		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			if skipDepth > 0 {
				if tok.Data == skipTag && tt == html.StartTagToken {
					skipDepth++
				}
				continue
			}
			if dropped[tok.Data] {
				if tt == html.StartTagToken && !voidElement(tok.Data) {
					skipDepth, skipTag = 1, tok.Data
				}
				continue
			}
			tok.Attr = cleanAttrs(tok.Data, tok.Attr)
			out.WriteString(tok.String())
		case html.EndTagToken:
			tok := z.Token()
			if skipDepth > 0 {
				if tok.Data == skipTag {
					skipDepth--
				}
				continue
			}
			if dropped[tok.Data] {
				continue
			}
			out.WriteString(tok.String())
		default:
			if skipDepth == 0 {
				out.Write(z.Raw())
			}
		}
	}
}

func cleanAttrs(tag string, attrs []html.Attribute) []html.Attribute {
	kept := attrs[:0]
	for _, a := range attrs {
		key := strings.ToLower(a.Key)
		if strings.HasPrefix(key, "on") || key == "style" || key == "srcdoc" {
			continue
		}
		if urlAttrs[key] && unsafeURL(tag, a.Val) {
			continue
		}
		kept = append(kept, a)
	}
	return kept
}

func unsafeURL(tag, val string) bool {
	v := strings.ToLower(strings.Join(strings.Fields(val), ""))
	switch {
	case strings.HasPrefix(v, "javascript:"), strings.HasPrefix(v, "vbscript:"):
		return true
	case strings.HasPrefix(v, "data:"):
		return tag != "img" || !strings.HasPrefix(v, "data:image/")
	}
	return false
}

func voidElement(tag string) bool {
	switch tag {
	case "base", "meta", "link", "embed":
		return true
	}
	return false
}
