// Package markdown renders Markdown, such as extracted responses, to HTML.
package markdown

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"

	"github.com/dgallion1/splore/internal/logging"
)

// Options selects rendering features. Safe drops raw HTML from the input,
// enables typographic punctuation and sanitizes the rendered output.
type Options struct {
	Tables      bool
	Safe        bool
	Typographer bool
	// Extensions are appended to the defaults.
	Extensions []goldmark.Extender
}

// DefaultOptions is tables on, safe mode on.
func DefaultOptions() Options {
	return Options{Tables: true, Safe: true}
}

type Converter struct {
	log *slog.Logger
}

func NewConverter(log *slog.Logger) *Converter {
	if log == nil {
		log = logging.Discard()
	}
	return &Converter{log: log}
}

// Convert renders src. Empty input renders as the empty string.
func (c *Converter) Convert(src string, opts Options) (string, error) {
	if strings.TrimSpace(src) == "" {
		return "", nil
	}

	exts := []goldmark.Extender{extension.DefinitionList, extension.Footnote, extension.Strikethrough}
	if opts.Tables {
		exts = append(exts, extension.Table)
	}
	if opts.Safe || opts.Typographer {
		exts = append(exts, extension.Typographer)
	}
	exts = append(exts, opts.Extensions...)

	var rendererOpts []goldmark.Option
	if !opts.Safe {
		rendererOpts = append(rendererOpts, goldmark.WithRendererOptions(html.WithUnsafe()))
	} else {
		src = escapeScripts(src)
	}

	md := goldmark.New(append(rendererOpts, goldmark.WithExtensions(exts...))...)
	c.log.Debug("converting markdown", "bytes", len(src), "extensions", len(exts), "safe", opts.Safe)

	var buf bytes.Buffer
	if err := md.Convert([]byte(src), &buf); err != nil {
		return "", fmt.Errorf("convert markdown: %w", err)
	}
	out := buf.String()
	if opts.Safe {
		clean, err := Sanitize(out)
		if err != nil {
			return "", err
		}
		out = clean
	}
	return out, nil
}

// ToHTML converts with DefaultOptions.
func ToHTML(src string) (string, error) {
	return NewConverter(nil).Convert(src, DefaultOptions())
}

func escapeScripts(s string) string {
	r := strings.NewReplacer("<script", "&lt;script", "</script>", "&lt;/script&gt;")
	return r.Replace(s)
}
