package retrieval

import (
	"fmt"
	"strings"
	"unicode"
)

// Validate checks that the policy can split text.
func (p ChunkPolicy) Validate() error {
	switch p.Kind {
	case PolicyNone:
		return nil
	case PolicyFixed:
		if p.Length <= 0 {
			return fmt.Errorf("fixed chunking needs a positive length, got %d", p.Length)
		}
	case PolicyWindow:
		if p.Length <= 0 {
			return fmt.Errorf("window chunking needs a positive length, got %d", p.Length)
		}
		if p.Overlap < 0 || p.Overlap >= p.Length {
			return fmt.Errorf("window overlap must be in [0, %d), got %d", p.Length, p.Overlap)
		}
	default:
		return fmt.Errorf("unknown chunk policy %q", p.Kind)
	}
	return nil
}

// Split cuts text into chunks. Lengths count runes. A cut that would land
// inside a word is moved back to the preceding whitespace when one exists in
// the second half of the chunk. Blank chunks are dropped.
func Split(text string, p ChunkPolicy) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if p.Kind == PolicyNone {
		return []string{text}
	}

	step := p.Length
	if p.Kind == PolicyWindow {
		step = p.Length - p.Overlap
	}

	runes := []rune(text)
	var chunks []string
	for start := 0; start < len(runes); {
		end := start + p.Length
		if end >= len(runes) {
			end = len(runes)
		} else if cut := wordBoundary(runes, start, end); cut > 0 {
			end = cut
		}

		if chunk := strings.TrimSpace(string(runes[start:end])); chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end == len(runes) {
			break
		}

		next := start + step
		if p.Kind == PolicyFixed || next > end {
			next = end
		}
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

// wordBoundary returns the index just after the last whitespace in
// runes[start:end], or 0 when there is none in the second half.
func wordBoundary(runes []rune, start, end int) int {
	if unicode.IsSpace(runes[end]) {
		return end
	}
	min := start + (end-start)/2
	for i := end - 1; i > min; i-- {
		if unicode.IsSpace(runes[i]) {
			return i + 1
		}
	}
	return 0
}
