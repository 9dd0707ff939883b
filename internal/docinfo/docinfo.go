// Package docinfo inspects local documents before they are uploaded: page
// counts, titles, outlines and word counts for the formats the extraction
// service accepts.
package docinfo

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/dgallion1/splore/internal/apierr"
)

// Heading is one entry of a document outline.
type Heading struct {
	Level int
	Text  string
}

// Info summarizes a document. Zero fields mean the format does not carry
// that property.
type Info struct {
	MIMEType string
	Pages    int
	Title    string
	Words    int
	Rows     int
	Outline  []Heading
}

// ErrUnreadable marks a document whose format parser rejected it.
var ErrUnreadable = errors.New("unreadable document")

type inspector interface {
	inspect(r io.Reader, size int64, info *Info) error
}

// SupportedExtensions lists extensions with a format-specific inspector.
var SupportedExtensions = map[string]bool{
	".txt":      true,
	".md":       true,
	".markdown": true,
	".csv":      true,
	".html":     true,
	".htm":      true,
	".pdf":      true,
	".docx":     true,
}

func forFile(name string) inspector {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt":
		return textInspector{}
	case ".md", ".markdown":
		return markdownInspector{}
	case ".csv":
		return csvInspector{}
	case ".html", ".htm":
		return htmlInspector{}
	case ".pdf":
		return pdfInspector{}
	case ".docx":
		return docxInspector{}
	}
	return nil
}

// Inspect reads the file at path. Unknown formats report the MIME type
// only. A file the format parser cannot read yields an error wrapping
// ErrUnreadable.
func Inspect(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return Info{}, fmt.Errorf("stat %s: %w", filepath.Base(path), err)
	}

	info := Info{MIMEType: detectMIME(path)}
	ins := forFile(path)
	if ins == nil {
		return info, nil
	}
	if err := ins.inspect(f, st.Size(), &info); err != nil {
		return info, fmt.Errorf("%w: %s: %v", ErrUnreadable, filepath.Base(path), err)
	}
	if info.Title == "" {
		base := filepath.Base(path)
		info.Title = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return info, nil
}

// UploadMetadata adapts Inspect for the uploader: it returns the pageCount
// metadata entry when the format has pages, and a ValidationError for
// unreadable documents.
func UploadMetadata(path string) (map[string]string, error) {
	info, err := Inspect(path)
	if err != nil {
		if errors.Is(err, ErrUnreadable) {
			return nil, apierr.Invalid("file", "%v", err)
		}
		return nil, err
	}
	meta := map[string]string{}
	if info.Pages > 0 {
		meta["pageCount"] = strconv.Itoa(info.Pages)
	}
	return meta, nil
}

func detectMIME(path string) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); t != "" {
		if mt, _, err := mime.ParseMediaType(t); err == nil {
			return mt
		}
	}
	m, err := mimetype.DetectFile(path)
	if err != nil {
		return "application/octet-stream"
	}
	mt, _, err := mime.ParseMediaType(m.String())
	if err != nil {
		return m.String()
	}
	return mt
}

func countWords(s string) int { return len(strings.Fields(s)) }
