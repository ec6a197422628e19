package index

import (
	"regexp"
	"strings"
)

// rawTokenPattern keeps dotted abbreviations (w.p., p.p.c.) and slashed
// case numbers (123/2024) together so they can be folded as a unit.
var rawTokenPattern = regexp.MustCompile(`[a-z0-9]+(?:[./][a-z0-9]+)*\.?`)

var caseNumberPattern = regexp.MustCompile(`^\d+/\d{4}$`)

// DefaultStopWords are dropped from every field.
var DefaultStopWords = []string{
	"a", "an", "and", "are", "as", "at", "be", "by", "for", "from", "has", "in",
	"is", "it", "no", "of", "on", "or", "that", "the", "this", "to", "v", "vs",
	"versus", "was", "were", "with",
}

var stopWords = buildStopWordMap(DefaultStopWords)

// token is a term with its byte span in the lowercased input.
type token struct {
	term  string
	start int
	end   int
}

// Tokenize splits legal text into index terms. It lowercases, folds dotted
// case-type abbreviations ("W.P." becomes "wp"), emits case numbers n/yyyy
// whole and as parts, and drops stop words.
func Tokenize(text string) []string {
	spans := tokenize(text)
	out := make([]string, len(spans))
	for i, s := range spans {
		out[i] = s.term
	}
	return out
}

func tokenize(text string) []token {
	lower := strings.ToLower(text)
	locs := rawTokenPattern.FindAllStringIndex(lower, -1)

	tokens := make([]token, 0, len(locs))
	for _, loc := range locs {
		raw := strings.TrimSuffix(lower[loc[0]:loc[1]], ".")
		start, end := loc[0], loc[0]+len(raw)

		switch {
		case strings.Contains(raw, "/"):
			if caseNumberPattern.MatchString(raw) {
				tokens = append(tokens, token{term: raw, start: start, end: end})
			}
			for _, part := range strings.Split(raw, "/") {
				tokens = appendToken(tokens, foldDots(part), start, end)
			}
		case strings.Contains(raw, "."):
			if isNumeric(strings.ReplaceAll(raw, ".", "")) {
				for _, part := range strings.Split(raw, ".") {
					tokens = appendToken(tokens, part, start, end)
				}
				continue
			}
			tokens = appendToken(tokens, foldDots(raw), start, end)
		default:
			tokens = appendToken(tokens, raw, start, end)
		}
	}
	return tokens
}

func appendToken(tokens []token, term string, start, end int) []token {
	if term == "" {
		return tokens
	}
	if len(term) < 2 && !isNumeric(term) {
		return tokens
	}
	if _, stop := stopWords[term]; stop {
		return tokens
	}
	return append(tokens, token{term: term, start: start, end: end})
}

// FoldCaseNumber lowercases a case number, drops dots and collapses
// whitespace: "W.P. No.  123/2024" becomes "wp no 123/2024".
func FoldCaseNumber(s string) string {
	return strings.Join(strings.Fields(foldDots(strings.ToLower(s))), " ")
}

func foldDots(s string) string {
	return strings.ReplaceAll(s, ".", "")
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func buildStopWordMap(words []string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[strings.ToLower(w)] = struct{}{}
	}
	return m
}
