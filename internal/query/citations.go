package query

import (
	"regexp"
	"sort"
	"strings"
)

// CitationKind identifies which pattern produced a citation.
type CitationKind string

const (
	CitationYearReporter CitationKind = "year_reporter"
	CitationReporterYear CitationKind = "reporter_year"
	CitationNumberOfYear CitationKind = "number_of_year"
	CitationAbbrevNumber CitationKind = "abbrev_number"
	CitationStatute      CitationKind = "statute_section"
)

// Citation is a span of query text recognised as a legal citation.
type Citation struct {
	Text  string       `json:"text"`
	Kind  CitationKind `json:"kind"`
	Start int          `json:"start"`
	End   int          `json:"end"`
	// Canonical is the comparison form: lowercase, single-spaced, or
	// "statute:section" for statute references.
	Canonical string `json:"canonical"`
}

const reporterAlt = `pld|plj|scmr|mld|clc|ylr|pcrlj|p\.?\s?cr\.?\s?l\.?\s?j|cld|ptd|plc|nlr|scr|clj`

const statuteAlt = `p\.?p\.?c|cr\.?p\.?c|c\.?p\.?c|qso`

var (
	// 2024 SCMR 123
	yearReporterPattern = regexp.MustCompile(`(?i)\b(\d{4})\s*(` + reporterAlt + `)\.?\s*(\d+)\b`)

	// PLD 2019 SC 456, PLD 2019 Lahore 456, PLD 2019 456
	reporterYearPattern = regexp.MustCompile(`(?i)\b(` + reporterAlt + `)\.?\s*(\d{4})\s+(?:([a-z]+(?:\s+[a-z]+){0,2})\s+)?(\d+)\b`)

	// 123 of 2024
	numberOfYearPattern = regexp.MustCompile(`(?i)\b(\d+)\s+of\s+(\d{4})\b`)

	// W.P. No. 55, Crl.A. No 12/2023
	abbrevNumberPattern = regexp.MustCompile(`(?i)\b([a-z](?:[a-z.]*[a-z])?)\.?\s+no\.?\s*(\d+(?:/\d{4})?)\b`)

	// PPC 302, 302 PPC, section 302 PPC, s. 497 Cr.P.C.
	statuteFirstPattern = regexp.MustCompile(`(?i)\b(` + statuteAlt + `)\.?\s*(?:section|sec\.?|s\.)?\s*(\d+(?:-?[a-z])?)\b`)
	sectionFirstPattern = regexp.MustCompile(`(?i)\b(?:section|sec\.?|s\.|u/s)?\s*(\d+(?:-?[a-z])?)\s*(?:of\s+(?:the\s+)?)?(` + statuteAlt + `)\b`)

	// 123/2024, Petition No. 123/2024
	exactIdentifierPattern = regexp.MustCompile(`(?i)\b(?:(?:application|petition|appeal|revision|misc|const)\.?\s+(?:no\.?\s*)?)?(\d{1,6}/\d{4})\b`)

	whitespaceRun = regexp.MustCompile(`\s+`)
)

// DetectCitations returns the citations found in text, ordered by position.
// Overlapping matches keep the earliest, longest span.
func DetectCitations(text string) []Citation {
	var found []Citation

	for _, m := range yearReporterPattern.FindAllStringSubmatchIndex(text, -1) {
		found = append(found, Citation{
			Text:      text[m[0]:m[1]],
			Kind:      CitationYearReporter,
			Start:     m[0],
			End:       m[1],
			Canonical: canonicalReporter(text[m[2]:m[3]], text[m[4]:m[5]], text[m[6]:m[7]]),
		})
	}
	for _, m := range reporterYearPattern.FindAllStringSubmatchIndex(text, -1) {
		found = append(found, Citation{
			Text:      text[m[0]:m[1]],
			Kind:      CitationReporterYear,
			Start:     m[0],
			End:       m[1],
			Canonical: canonicalReporter(text[m[4]:m[5]], text[m[2]:m[3]], text[m[8]:m[9]]),
		})
	}
	for _, m := range numberOfYearPattern.FindAllStringSubmatchIndex(text, -1) {
		found = append(found, Citation{
			Text:      text[m[0]:m[1]],
			Kind:      CitationNumberOfYear,
			Start:     m[0],
			End:       m[1],
			Canonical: text[m[2]:m[3]] + "/" + text[m[4]:m[5]],
		})
	}
	for _, m := range statuteFirstPattern.FindAllStringSubmatchIndex(text, -1) {
		found = append(found, statuteCitation(text, m, text[m[2]:m[3]], text[m[4]:m[5]]))
	}
	for _, m := range sectionFirstPattern.FindAllStringSubmatchIndex(text, -1) {
		found = append(found, statuteCitation(text, m, text[m[4]:m[5]], text[m[2]:m[3]]))
	}
	for _, m := range abbrevNumberPattern.FindAllStringSubmatchIndex(text, -1) {
		found = append(found, Citation{
			Text:      text[m[0]:m[1]],
			Kind:      CitationAbbrevNumber,
			Start:     m[0],
			End:       m[1],
			Canonical: canonicalText(text[m[0]:m[1]]),
		})
	}

	return dropOverlaps(found)
}

func statuteCitation(text string, m []int, statute, section string) Citation {
	return Citation{
		Text:      strings.TrimSpace(text[m[0]:m[1]]),
		Kind:      CitationStatute,
		Start:     m[0],
		End:       m[1],
		Canonical: CanonicalStatute(statute) + ":" + strings.ToLower(strings.ReplaceAll(section, "-", "")),
	}
}

// CanonicalStatute maps statute spellings (P.P.C., ppc) to one short name.
func CanonicalStatute(s string) string {
	s = strings.ToLower(strings.ReplaceAll(s, ".", ""))
	s = strings.ReplaceAll(s, " ", "")
	return s
}

func canonicalReporter(year, reporter, page string) string {
	r := strings.ToLower(reporter)
	r = strings.NewReplacer(".", "", " ", "").Replace(r)
	return year + " " + r + " " + page
}

func canonicalText(s string) string {
	return whitespaceRun.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), " ")
}

func dropOverlaps(found []Citation) []Citation {
	if len(found) == 0 {
		return nil
	}
	sort.SliceStable(found, func(i, j int) bool {
		if found[i].Start != found[j].Start {
			return found[i].Start < found[j].Start
		}
		return found[i].End > found[j].End
	})

	out := found[:0]
	lastEnd := -1
	for _, c := range found {
		if c.Start < lastEnd {
			continue
		}
		out = append(out, c)
		lastEnd = c.End
	}
	return out
}

// ExactIdentifiers extracts case-number identifiers such as "123/2024".
func ExactIdentifiers(text string) []string {
	var ids []string
	seen := make(map[string]bool)
	for _, m := range exactIdentifierPattern.FindAllStringSubmatch(text, -1) {
		id := m[1]
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}
