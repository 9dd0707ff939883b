package markdown

import (
	"strings"
	"testing"
)

func TestToHTML_Basic(t *testing.T) {
	src := `
# Heading 1
## Heading 2

This is a paragraph with **bold** and *italic* text.

- List item 1
- List item 2

` + "```\nCode block\n```" + `

[Link](https://example.com)
`
	out, err := ToHTML(src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{
		"<h1>Heading 1</h1>",
		"<h2>Heading 2</h2>",
		"<strong>bold</strong>",
		"<em>italic</em>",
		"<li>List item 1</li>",
		"<pre>",
		`<a href="https://example.com">Link</a>`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestToHTML_Empty(t *testing.T) {
	for _, in := range []string{"", "   \n"} {
		out, err := ToHTML(in)
		if err != nil || out != "" {
			t.Errorf("ToHTML(%q): expected empty output, got %q, %v", in, out, err)
		}
	}
}

func TestToHTML_Table(t *testing.T) {
	src := "| Metric | Value |\n|--------|-------|\n| Revenue | $10,000 |\n"
	out, err := ToHTML(src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "<table>") || !strings.Contains(out, "<td>Revenue</td>") {
		t.Errorf("expected a rendered table, got:\n%s", out)
	}

	noTables, err := NewConverter(nil).Convert(src, Options{Safe: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(noTables, "<table>") {
		t.Errorf("tables disabled but rendered:\n%s", noTables)
	}
}

func TestConvert_SafeModeEscapesScripts(t *testing.T) {
	out, err := NewConverter(nil).Convert("<script>alert('XSS');</script>", DefaultOptions())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(out, "<script") {
		t.Errorf("script tag survived: %q", out)
	}
	if !strings.Contains(out, "&lt;") {
		t.Errorf("expected escaped markup, got %q", out)
	}
}

func TestConvert_UnsafeKeepsRawHTML(t *testing.T) {
	out, err := NewConverter(nil).Convert("<div class=\"x\">raw</div>", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, `<div class="x">raw</div>`) {
		t.Errorf("expected raw html passthrough, got %q", out)
	}
}

func TestConvert_SafeModeDropsJavascriptLinks(t *testing.T) {
	out, err := ToHTML("[click](javascript:alert(1))")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(strings.ToLower(out), "javascript:") {
		t.Errorf("javascript url survived: %q", out)
	}
}

func TestSanitize(t *testing.T) {
	cases := []struct{ in, want string }{
		{`<p onclick="x()">hi</p>`, `<p>hi</p>`},
		{`<p>a<script>evil()</script>b</p>`, `<p>ab</p>`},
		{`<a href="javascript:alert(1)">x</a>`, `<a>x</a>`},
		{`<a href=" JaVaScRiPt:alert(1)">x</a>`, `<a>x</a>`},
		{`<img src="data:image/png;base64,AAAA">`, `<img src="data:image/png;base64,AAAA">`},
		{`<img src="data:text/html,boom"/>`, `<img/>`},
		{`<iframe src="https://x"><p>in</p></iframe><p>out</p>`, `<p>out</p>`},
		{`<p>&lt;script&gt; stays text</p>`, `<p>&lt;script&gt; stays text</p>`},
	}
	for _, tc := range cases {
		got, err := Sanitize(tc.in)
		if err != nil {
			t.Fatalf("Sanitize(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("Sanitize(%q): expected %q, got %q", tc.in, tc.want, got)
		}
	}
}
