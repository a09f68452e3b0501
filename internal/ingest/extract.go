// Package ingest turns documents and datasets into collection chunks.
package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// Content types accepted by ExtractText.
const (
	ContentText = "text/plain"
	ContentHTML = "text/html"
	ContentPDF  = "application/pdf"
)

var ErrUnsupportedContent = errors.New("unsupported content type")

// ExtractText returns the plain text of a document. The bytes are sniffed
// first; contentType decides only when sniffing is inconclusive.
func ExtractText(contentType string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("empty document")
	}
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}

	switch {
	case isPDF(data):
		return extractPDF(data)
	case ct == ContentPDF:
		return "", fmt.Errorf("document claims %s but has no %%PDF header", ContentPDF)
	case ct == ContentHTML || looksLikeHTML(data):
		return extractHTML(data)
	case ct == ContentText || ct == "" || ct == "text/markdown":
		return collapseWhitespace(string(data)), nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedContent, contentType)
}

func isPDF(b []byte) bool {
	return bytes.HasPrefix(b, []byte("%PDF-"))
}

func looksLikeHTML(b []byte) bool {
	head := strings.ToLower(strings.TrimSpace(string(b[:min(len(b), 2048)])))
	return strings.HasPrefix(head, "<!doctype html") || strings.HasPrefix(head, "<html")
}

func extractPDF(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	b, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return collapseWhitespace(string(b)), nil
}

// extractHTML keeps text nodes outside script, style and head elements.
func extractHTML(data []byte) (string, error) {
	z := html.NewTokenizer(bytes.NewReader(data))
	var out strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			if err := z.Err(); err != io.EOF {
				return "", fmt.Errorf("parsing html: %w", err)
			}
			return collapseWhitespace(out.String()), nil
		case html.StartTagToken:
			if skipped(z) {
				skip++
			}
		case html.EndTagToken:
			if skipped(z) && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				out.Write(z.Text())
				out.WriteByte(' ')
			}
		}
	}
}

func skipped(z *html.Tokenizer) bool {
	name, _ := z.TagName()
	switch string(name) {
	case "script", "style", "head", "noscript":
		return true
	}
	return false
}

func collapseWhitespace(s string) string {
	s = strings.ReplaceAll(s, "\u00a0", " ")
	return strings.Join(strings.Fields(s), " ")
}
