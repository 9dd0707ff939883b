package docinfo

import (
	"fmt"
	"io"
	"strings"

	pdflib "github.com/ledongthuc/pdf"
)

type pdfInspector struct{}

func (pdfInspector) inspect(r io.Reader, size int64, info *Info) (err error) {
	ra, ok := r.(io.ReaderAt)
	if !ok {
		return fmt.Errorf("pdf source is not seekable")
	}
	// The parser panics on some malformed cross-reference tables.
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("parse pdf: %v", p)
		}
	}()

	reader, err := pdflib.NewReader(ra, size)
	if err != nil {
		return fmt.Errorf("parse pdf: %w", err)
	}
	info.Pages = reader.NumPage()
	if info.Pages == 0 {
		return fmt.Errorf("pdf has no pages")
	}
	if title := reader.Trailer().Key("Info").Key("Title").Text(); title != "" {
		info.Title = strings.TrimSpace(title)
	}
	info.Words = pdfWords(reader)
	return nil
}

// pdfWords counts words page by page, skipping pages whose content cannot
// be decoded.
func pdfWords(reader *pdflib.Reader) int {
	words := 0
	for i := 1; i <= reader.NumPage(); i++ {
		words += pageWords(reader.Page(i))
	}
	return words
}

func pageWords(page pdflib.Page) (n int) {
	defer func() {
		if recover() != nil {
			n = 0
		}
	}()
	if page.V.IsNull() || page.V.Key("Contents").IsNull() {
		return 0
	}
	text, err := page.GetPlainText(nil)
	if err != nil {
		return 0
	}
	return countWords(text)
}
