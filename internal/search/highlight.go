package search

import (
	"html"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/Aman-CERP/lexsearch/internal/index"
	"github.com/Aman-CERP/lexsearch/internal/query"
)

const (
	markOpen     = "<mark>"
	markClose    = "</mark>"
	snippetWidth = 240
	// snippetLead is how much text precedes the first match in a snippet.
	snippetLead = 60
)

type highlighter struct {
	re *regexp.Regexp
}

// newHighlighter matches the query's tokens as whole words, longest first.
// It returns nil when the query has no usable token.
func newHighlighter(info query.Info) *highlighter {
	seen := make(map[string]bool)
	var terms []string
	for _, src := range []string{info.Original, info.Normalized} {
		for _, t := range index.Tokenize(src) {
			if utf8.RuneCountInString(t) < 2 || seen[t] {
				continue
			}
			seen[t] = true
			terms = append(terms, regexp.QuoteMeta(t))
		}
	}
	if len(terms) == 0 {
		return nil
	}
	sort.Slice(terms, func(i, j int) bool {
		if len(terms[i]) != len(terms[j]) {
			return len(terms[i]) > len(terms[j])
		}
		return terms[i] < terms[j]
	})
	return &highlighter{re: regexp.MustCompile(`(?i)\b(?:` + strings.Join(terms, "|") + `)\b`)}
}

// mark wraps every match in text and HTML-escapes everything else, so the
// only markup in the result is the mark tags. ok is false when nothing
// matched.
func (h *highlighter) mark(text string) (string, bool) {
	locs := h.re.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return "", false
	}
	var b strings.Builder
	prev := 0
	for _, loc := range locs {
		b.WriteString(html.EscapeString(text[prev:loc[0]]))
		b.WriteString(markOpen)
		b.WriteString(html.EscapeString(text[loc[0]:loc[1]]))
		b.WriteString(markClose)
		prev = loc[1]
	}
	b.WriteString(html.EscapeString(text[prev:]))
	return b.String(), true
}

// snippet cuts a window of text around the first match and marks it.
func (h *highlighter) snippet(text string) (string, bool) {
	loc := h.re.FindStringIndex(text)
	if loc == nil {
		return "", false
	}
	start := max(loc[0]-snippetLead, 0)
	for start > 0 && !utf8.RuneStart(text[start]) {
		start--
	}
	end := min(start+snippetWidth, len(text))
	for end < len(text) && !utf8.RuneStart(text[end]) {
		end++
	}

	window := strings.TrimSpace(text[start:end])
	marked, ok := h.mark(window)
	if !ok {
		marked = html.EscapeString(window)
	}
	if start > 0 {
		marked = "…" + marked
	}
	if end < len(text) {
		marked += "…"
	}
	return marked, true
}
