package docinfo

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"golang.org/x/net/html"
)

type markdownInspector struct{}

func (markdownInspector) inspect(r io.Reader, _ int64, info *Info) error {
	src, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	doc := goldmark.New().Parser().Parse(text.NewReader(src))
	err = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			title := strings.TrimSpace(string(node.Text(src)))
			info.Outline = append(info.Outline, Heading{Level: node.Level, Text: title})
			if node.Level == 1 && info.Title == "" {
				info.Title = title
			}
		case *ast.Text:
			info.Words += countWords(string(node.Segment.Value(src)))
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			lines := n.Lines()
			for i := range lines.Len() {
				seg := lines.At(i)
				info.Words += countWords(string(seg.Value(src)))
			}
		}
		return ast.WalkContinue, nil
	})
	return err
}

type htmlInspector struct{}

func (htmlInspector) inspect(r io.Reader, _ int64, info *Info) error {
	doc, err := html.Parse(r)
	if err != nil {
		return fmt.Errorf("parse html: %w", err)
	}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "template":
				return
			case "title":
				if info.Title == "" {
					info.Title = textContent(n)
				}
				return
			case "h1", "h2", "h3", "h4", "h5", "h6":
				t := textContent(n)
				info.Outline = append(info.Outline, Heading{Level: int(n.Data[1] - '0'), Text: t})
				info.Words += countWords(t)
				return
			}
		}
		if n.Type == html.TextNode {
			info.Words += countWords(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return nil
}

func textContent(n *html.Node) string {
	var buf strings.Builder
	var extract func(*html.Node)
	extract = func(n *html.Node) {
		if n.Type == html.TextNode {
			buf.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			extract(c)
		}
	}
	extract(n)
	return strings.TrimSpace(buf.String())
}

type csvInspector struct{}

// inspect counts data rows; the first record is the header.
func (csvInspector) inspect(r io.Reader, _ int64, info *Info) error {
	reader := csv.NewReader(r)
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	first := true
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("parse csv: %w", err)
		}
		if first {
			first = false
			continue
		}
		info.Rows++
		for _, cell := range rec {
			info.Words += countWords(cell)
		}
	}
	return nil
}

type textInspector struct{}

// inspect takes the first non-blank line as the title.
func (textInspector) inspect(r io.Reader, _ int64, info *Info) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if info.Title == "" {
			info.Title = string(line)
		}
		info.Words += len(bytes.Fields(line))
	}
	return scanner.Err()
}
