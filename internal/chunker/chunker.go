// Package chunker splits extracted document text into overlapping,
// boundary-aware segments.
package chunker

import (
	"errors"
	"strings"
)

const (
	DefaultChunkSize = 2000
	DefaultOverlap   = 200
)

// ErrInvalidParams is returned when the window would never advance.
var ErrInvalidParams = errors.New("invalid chunking parameters")

type span struct {
	start, end int
}

// Split cuts text into windows of at most size characters, consecutive
// windows sharing overlap characters. A window that does not reach the end of
// the text is shortened to its last sentence end (". ") or line break when
// that boundary lies past the window midpoint. Chunks are whitespace-trimmed
// and whitespace-only windows are dropped.
func Split(text string, size, overlap int) ([]string, error) {
	if size <= 0 || overlap < 0 || overlap >= size {
		return nil, ErrInvalidParams
	}
	runes := []rune(text)
	var chunks []string
	for _, sp := range spans(runes, size, overlap) {
		chunk := strings.TrimSpace(string(runes[sp.start:sp.end]))
		if chunk == "" {
			continue
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

func spans(runes []rune, size, overlap int) []span {
	var out []span
	for start := 0; start < len(runes); {
		end := start + size
		if end >= len(runes) {
			out = append(out, span{start, len(runes)})
			break
		}

		keep := size
		if cut := splitPoint(runes[start:end]); cut > size/2 {
			keep = cut + 1
		}
		out = append(out, span{start, start + keep})

		// Step back by overlap from where this chunk actually ended so a
		// shortened chunk never leaves a gap before the next window.
		next := start + keep - overlap
		if next <= start {
			next = start + keep
		}
		start = next
	}
	return out
}

// splitPoint returns the index of the later of the last ". " and the last
// "\n" in window, or -1 when neither occurs.
func splitPoint(window []rune) int {
	lastStop, lastBreak := -1, -1
	for i := len(window) - 1; i >= 0; i-- {
		if lastBreak < 0 && window[i] == '\n' {
			lastBreak = i
		}
		if lastStop < 0 && window[i] == '.' && i+1 < len(window) && window[i+1] == ' ' {
			lastStop = i
		}
		if lastStop >= 0 && lastBreak >= 0 {
			break
		}
	}
	return max(lastStop, lastBreak)
}
