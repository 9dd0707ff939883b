package docinfo

import (
	"fmt"
	"io"
	"strings"

	"github.com/fumiama/go-docx"
)

type docxInspector struct{}

func (docxInspector) inspect(r io.Reader, size int64, info *Info) error {
	ra, ok := r.(io.ReaderAt)
	if !ok {
		return fmt.Errorf("docx source is not seekable")
	}
	doc, err := docx.Parse(ra, size)
	if err != nil {
		return fmt.Errorf("parse docx: %w", err)
	}

	for _, item := range doc.Document.Body.Items {
		para, ok := item.(*docx.Paragraph)
		if !ok {
			continue
		}
		text := paragraphText(para)
		if text == "" {
			continue
		}
		info.Words += countWords(text)
		style := paragraphStyle(para)
		if strings.EqualFold(style, "Title") && info.Title == "" {
			info.Title = text
			continue
		}
		if level := headingLevel(style); level > 0 {
			info.Outline = append(info.Outline, Heading{Level: level, Text: text})
			if level == 1 && info.Title == "" {
				info.Title = text
			}
		}
	}
	return nil
}

func paragraphStyle(para *docx.Paragraph) string {
	if para.Properties == nil || para.Properties.Style == nil {
		return ""
	}
	return para.Properties.Style.Val
}

// headingLevel maps "Heading1" or "heading 1" style names to 1..6.
func headingLevel(style string) int {
	s := strings.ToLower(strings.ReplaceAll(style, " ", ""))
	if !strings.HasPrefix(s, "heading") || len(s) != len("heading")+1 {
		return 0
	}
	d := s[len(s)-1]
	if d < '1' || d > '6' {
		return 0
	}
	return int(d - '0')
}

func paragraphText(para *docx.Paragraph) string {
	var buf strings.Builder
	for _, child := range para.Children {
		run, ok := child.(*docx.Run)
		if !ok {
			continue
		}
		for _, rc := range run.Children {
			if t, ok := rc.(*docx.Text); ok {
				buf.WriteString(t.Text)
			}
		}
	}
	return strings.TrimSpace(buf.String())
}
