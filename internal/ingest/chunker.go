package ingest

import (
	"strings"
	"unicode/utf8"

	"github.com/calmdesk/calmdesk/engine/pkg/models"
)

// separators are tried in order; the first one present in the text wins.
// The empty separator is a character-level fallback for pathological input.
var separators = []string{"\n\n", "\n", ". ", " ", ""}

// SplitText splits text into overlapping chunks of at most chunkSize runes.
// Text that already fits comes back as a single trimmed chunk; empty input
// yields no chunks.
func SplitText(text string, chunkSize, overlap int) []string {
	if chunkSize <= 0 {
		chunkSize = models.DefaultChunkSize
	}
	if overlap < 0 {
		overlap = 0
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if utf8.RuneCountInString(trimmed) <= chunkSize {
		return []string{trimmed}
	}

	var parts []string
	sep := ""
	for _, s := range separators {
		if s == "" {
			parts = splitByRunes(text, chunkSize)
			break
		}
		if split := strings.Split(text, s); len(split) > 1 {
			parts = split
			sep = s
			break
		}
	}

	var chunks []string
	var current strings.Builder
	for _, part := range parts {
		grown := utf8.RuneCountInString(current.String()) + utf8.RuneCountInString(sep) + utf8.RuneCountInString(part)
		if grown > chunkSize && current.Len() > 0 {
			chunk := strings.TrimSpace(current.String())
			if chunk != "" {
				chunks = append(chunks, chunk)
			}
			// Seed the next chunk with the tail of this one so boundary
			// sentences stay retrievable from both sides.
			tail := overlapTail(current.String(), overlap)
			current.Reset()
			if tail != "" {
				current.WriteString(tail)
				current.WriteString(sep)
			}
			current.WriteString(part)
			continue
		}
		if current.Len() > 0 {
			current.WriteString(sep)
		}
		current.WriteString(part)
	}
	if chunk := strings.TrimSpace(current.String()); chunk != "" {
		chunks = append(chunks, chunk)
	}
	return chunks
}

// overlapTail returns the last n runes of s.
func overlapTail(s string, n int) string {
	runes := []rune(s)
	if n >= len(runes) {
		return s
	}
	return string(runes[len(runes)-n:])
}

// splitByRunes cuts text into segments of at most n runes.
func splitByRunes(text string, n int) []string {
	runes := []rune(text)
	var segments []string
	for i := 0; i < len(runes); i += n {
		end := i + n
		if end > len(runes) {
			end = len(runes)
		}
		segments = append(segments, string(runes[i:end]))
	}
	return segments
}
