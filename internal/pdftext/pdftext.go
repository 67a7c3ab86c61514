// Package pdftext extracts inline text and page images from PDF bytes.
// Inline extraction is the OCR fast path: only pages without an embedded
// text layer incur an external OCR call.
package pdftext

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"strings"

	"github.com/gen2brain/go-fitz"
	pdfcpu "github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/rs/zerolog/log"
)

// Document wraps an open PDF. Close must be called when done.
type Document struct {
	doc *fitz.Document
}

// Open parses PDF bytes.
func Open(data []byte) (*Document, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("open PDF: %w", err)
	}
	return &Document{doc: doc}, nil
}

func (d *Document) Close() error { return d.doc.Close() }

// PageCount returns the number of pages.
func (d *Document) PageCount() int { return d.doc.NumPage() }

// PageText extracts the inline text layer of a page (0-based index).
func (d *Document) PageText(pageIndex int) (string, error) {
	if pageIndex < 0 || pageIndex >= d.doc.NumPage() {
		return "", fmt.Errorf("page %d out of range (document has %d pages)", pageIndex, d.doc.NumPage())
	}
	raw, err := d.doc.Text(pageIndex)
	if err != nil {
		return "", fmt.Errorf("extract text from page %d: %w", pageIndex, err)
	}
	return cleanText(raw), nil
}

// HasInlineText reports whether a page carries a usable embedded text
// layer. Scanned pages come back (near) empty and need real OCR.
func (d *Document) HasInlineText(pageIndex int) bool {
	text, err := d.PageText(pageIndex)
	if err != nil {
		return false
	}
	return len(strings.TrimSpace(text)) >= 32
}

// RenderJPEG rasterizes a page (0-based index) to a grayscale JPEG for the
// external OCR engine.
func (d *Document) RenderJPEG(pageIndex, dpi, quality int) ([]byte, error) {
	img, err := d.doc.ImageDPI(pageIndex, float64(dpi))
	if err != nil {
		return nil, fmt.Errorf("render page %d: %w", pageIndex, err)
	}

	bounds := img.Bounds()
	gray := image.NewGray(bounds)
	draw.Draw(gray, bounds, img, image.Point{}, draw.Src)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, gray, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode JPEG: %w", err)
	}

	log.Debug().
		Int("page", pageIndex).
		Int("width", bounds.Dx()).
		Int("height", bounds.Dy()).
		Int("jpeg_size", buf.Len()).
		Msg("rendered page for OCR")

	return buf.Bytes(), nil
}

// PageCount counts pages without keeping a document open. pdfcpu validates
// the cross-reference table while counting, which catches truncated
// uploads early.
func PageCount(data []byte) (int, error) {
	n, err := pdfcpu.PageCount(bytes.NewReader(data), nil)
	if err != nil {
		return 0, fmt.Errorf("pdf page count: %w", err)
	}
	return n, nil
}

// cleanText drops empty lines and trims whitespace artifacts left by the
// extraction engine.
func cleanText(text string) string {
	lines := strings.Split(text, "\n")
	var out []string
	for _, line := range lines {
		trimmed := strings.TrimRight(line, " \t\r")
		if strings.TrimSpace(trimmed) == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return strings.Join(out, "\n")
}
