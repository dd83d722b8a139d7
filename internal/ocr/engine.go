// Package ocr turns stored page bytes into text and text into an invoice
// result payload. It runs inside the worker, entirely outside the pipeline
// core.
package ocr

import (
	"context"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"
)

// Engine recognizes the text of one stored page.
type Engine interface {
	RecognizePage(ctx context.Context, data []byte, contentType string) (string, error)
}

// Tesseract is the default Engine: PDF pages go through the embedded-text
// path, images are preprocessed and handed to tesseract.
type Tesseract struct {
	lang string
}

// NewTesseract constructs a Tesseract engine for the given language
// ("eng", "deu", ...).
func NewTesseract(lang string) *Tesseract {
	if lang == "" {
		lang = "eng"
	}
	return &Tesseract{lang: lang}
}

// RecognizePage extracts the text of one page.
func (t *Tesseract) RecognizePage(ctx context.Context, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.HasPrefix(contentType, "application/pdf") {
		return extractPDFText(data)
	}
	img, err := preprocess(data)
	if err != nil {
		return "", fmt.Errorf("preprocess page: %w", err)
	}
	client := gosseract.NewClient()
	defer client.Close()
	if err := client.SetLanguage(t.lang); err != nil {
		return "", fmt.Errorf("set ocr language: %w", err)
	}
	if err := client.SetImageFromBytes(img); err != nil {
		return "", fmt.Errorf("set ocr image: %w", err)
	}
	text, err := client.Text()
	if err != nil {
		return "", fmt.Errorf("recognize text: %w", err)
	}
	return text, nil
}
