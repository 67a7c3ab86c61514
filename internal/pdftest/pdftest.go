// Package pdftest builds tiny but structurally valid PDF files for tests
// that need to pass the real intake validation instead of a fake.
package pdftest

import (
	"bytes"
	"fmt"
)

// OnePage returns a single blank page. The xref offsets are computed
// while writing, so the output satisfies strict cross-reference checks.
func OnePage() []byte {
	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	// Padding comment: pdfcpu locates startxref by scanning a fixed-size
	// buffer from the end of the file, and files shorter than that buffer
	// fail the scan. Keep the fixture comfortably past that minimum.
	buf.WriteString("% " + string(bytes.Repeat([]byte{'p'}, 512)) + "\n")

	var offsets []int
	obj := func(body string) {
		offsets = append(offsets, buf.Len())
		buf.WriteString(body)
	}
	obj("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")
	obj("2 0 obj\n<< /Type /Pages /Kids [3 0 R] /Count 1 >>\nendobj\n")
	obj("3 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << >> >>\nendobj\n")

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(offsets)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return buf.Bytes()
}
