// Package query analyzes and expands legal search queries.
package query

import (
	"strings"
)

// Query length bounds. Longer input is truncated; shorter input is malformed.
const (
	MinQueryLength = 2
	MaxQueryLength = 500
)

// Normalize lowercases raw, collapses whitespace and expands known legal
// abbreviations using the default thesaurus. It is idempotent.
func Normalize(raw string) string {
	return DefaultThesaurus().Normalize(raw)
}

// Normalize is the thesaurus-specific form of the package-level Normalize.
func (t *Thesaurus) Normalize(raw string) string {
	fields := strings.Fields(strings.ToLower(raw))
	if len(fields) == 0 {
		return ""
	}
	for i, f := range fields {
		fields[i] = t.expandToken(f)
	}
	return strings.Join(fields, " ")
}

// trailing punctuation kept around an expanded abbreviation
const tokenSuffixes = ",;:)"

func (t *Thesaurus) expandToken(tok string) string {
	core := strings.TrimRight(tok, tokenSuffixes)
	suffix := tok[len(core):]

	if full, ok := t.lookupAbbreviation(core); ok {
		return full + suffix
	}
	return tok
}

func (t *Thesaurus) lookupAbbreviation(tok string) (string, bool) {
	if full, ok := t.Abbreviations[tok]; ok {
		return full, true
	}
	if trimmed := strings.TrimSuffix(tok, "."); trimmed != tok {
		if full, ok := t.Abbreviations[trimmed]; ok {
			return full, true
		}
	}
	return "", false
}

// Truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// words splits normalized text into bare words for vocabulary matching.
func words(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r > 127)
	})
}
