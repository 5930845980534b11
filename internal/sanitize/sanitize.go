// Package sanitize bounds and cleans raw engine output before it reaches
// the agent.
package sanitize

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// EmptyOutput replaces blank output.
const EmptyOutput = "(Empty Output)"

// NoiseMarkers are substrings of exception-unwind sections that drown real
// results in listings.
var NoiseMarkers = []string{".eh_frame", ".gcc_except_table", "libunwind"}

// CharsMarker is appended after character truncation.
func CharsMarker(maxChars int) string {
	return fmt.Sprintf("\n\n[SYSTEM: output exceeded %d chars and was truncated. Narrow the query.]", maxChars)
}

// LinesMarker is appended after line truncation.
func LinesMarker(maxLines, total int) string {
	return fmt.Sprintf("\n\n[SYSTEM: output exceeded %d lines (total %d) and was truncated. Use a filter.]", maxLines, total)
}

// Sanitize filters and truncates raw. Character truncation wins over line
// truncation; a non-positive budget disables that check.
func Sanitize(raw string, maxLines, maxChars int, filterNoise bool) string {
	if strings.TrimSpace(raw) == "" {
		return EmptyOutput
	}

	out := raw
	if filterNoise {
		out = FilterLines(out, NoiseMarkers)
		if strings.TrimSpace(out) == "" {
			return EmptyOutput
		}
	}

	if maxChars > 0 && utf8.RuneCountInString(out) > maxChars {
		return truncateRunes(out, maxChars) + CharsMarker(maxChars)
	}

	if maxLines > 0 {
		lines := strings.Split(out, "\n")
		if len(lines) > maxLines {
			return strings.Join(lines[:maxLines], "\n") + LinesMarker(maxLines, len(lines))
		}
	}
	return out
}

// FilterLines drops every line containing one of markers.
func FilterLines(s string, markers []string) string {
	lines := strings.Split(s, "\n")
	kept := lines[:0]
next:
	for _, line := range lines {
		for _, m := range markers {
			if strings.Contains(line, m) {
				continue next
			}
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

// Truncated reports whether s carries a truncation marker.
func Truncated(s string) bool {
	return strings.Contains(s, "\n\n[SYSTEM: output exceeded ")
}

func truncateRunes(s string, n int) string {
	i := 0
	for idx := range s {
		if i == n {
			return s[:idx]
		}
		i++
	}
	return s
}
