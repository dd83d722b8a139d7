package ocr

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	pdf "github.com/ledongthuc/pdf"
)

// ErrNoTextLayer reports a PDF whose pages carry no embedded text. Scanners
// that write image-only PDFs produce these; the text path cannot serve them
// and the job fails with a reason the caller can act on.
var ErrNoTextLayer = errors.New("pdf has no text layer")

// pdfPageTexts returns the embedded text of each page, one entry per page.
// Pages the reader cannot resolve contribute an empty entry so indices keep
// lining up with the document.
func pdfPageTexts(data []byte) ([]string, error) {
	doc, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	texts := make([]string, 0, doc.NumPage())
	for n := 1; n <= doc.NumPage(); n++ {
		p := doc.Page(n)
		if p.V.IsNull() {
			texts = append(texts, "")
			continue
		}
		content, err := p.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("extract pdf page %d: %w", n, err)
		}
		texts = append(texts, content)
	}
	return texts, nil
}

func extractPDFText(data []byte) (string, error) {
	texts, err := pdfPageTexts(data)
	if err != nil {
		return "", err
	}
	return joinPageTexts(texts)
}

// joinPageTexts assembles per-page text into the document the invoice parser
// consumes. Pages are separated by a form feed on its own line; the parser
// trims and skips it, so boundaries never merge the last line of one page
// with the first line of the next. A document with no text at all is a
// scanned PDF, reported as ErrNoTextLayer.
func joinPageTexts(texts []string) (string, error) {
	if strings.TrimSpace(strings.Join(texts, "")) == "" {
		return "", ErrNoTextLayer
	}
	return strings.Join(texts, "\n\f\n"), nil
}
