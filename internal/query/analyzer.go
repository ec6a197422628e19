package query

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Type is the query classification that drives downstream weighting.
type Type string

const (
	TypeCitation      Type = "citation"
	TypeCaseParties   Type = "case_parties"
	TypeLegalConcept  Type = "legal_concept"
	TypeCourtSpecific Type = "court_specific"
	TypeGeneral       Type = "general"
)

// Status reports whether a query could be analyzed.
type Status string

const (
	StatusOK        Status = "ok"
	StatusMalformed Status = "malformed_query"
)

// Info is the result of analyzing a raw query. Slices are shared with the
// analyzer cache and must be treated as read-only.
type Info struct {
	Original          string     `json:"original"`
	Normalized        string     `json:"normalized"`
	Citations         []Citation `json:"citations"`
	ExactIdentifiers  []string   `json:"exact_identifiers"`
	Parties           []string   `json:"parties,omitempty"`
	LegalTerms        []string   `json:"legal_terms,omitempty"`
	Abbreviations     []string   `json:"abbreviations,omitempty"`
	HasCaseParties    bool       `json:"has_case_parties"`
	HasLegalTerms     bool       `json:"has_legal_terms"`
	HasCourtReference bool       `json:"has_court_reference"`
	Type              Type       `json:"type"`
	Status            Status     `json:"status"`
	Message           string     `json:"message,omitempty"`
	Truncated         bool       `json:"truncated,omitempty"`
}

// Malformed reports whether the query normalized to nothing.
func (i Info) Malformed() bool {
	return i.Status == StatusMalformed
}

// HasCitations reports whether any citation or exact identifier was found.
func (i Info) HasCitations() bool {
	return len(i.Citations) > 0 || len(i.ExactIdentifiers) > 0
}

var partySplit = regexp.MustCompile(`(?i)\s+(?:v|vs|versus)\.?\s+`)

// Analyzer turns raw query text into Info. Safe for concurrent use.
type Analyzer struct {
	thesaurus *Thesaurus
	cache     *lru.Cache[string, Info]
}

// AnalyzerOption configures an Analyzer.
type AnalyzerOption func(*Analyzer)

// WithThesaurus replaces the default thesaurus.
func WithThesaurus(t *Thesaurus) AnalyzerOption {
	return func(a *Analyzer) {
		if t != nil {
			a.thesaurus = t
		}
	}
}

// WithCacheSize sets the analysis cache size; 0 disables caching.
func WithCacheSize(n int) AnalyzerOption {
	return func(a *Analyzer) {
		if n <= 0 {
			a.cache = nil
			return
		}
		c, err := lru.New[string, Info](n)
		if err == nil {
			a.cache = c
		}
	}
}

// NewAnalyzer creates an Analyzer with a 1000-entry cache.
func NewAnalyzer(opts ...AnalyzerOption) *Analyzer {
	a := &Analyzer{thesaurus: DefaultThesaurus()}
	WithCacheSize(1000)(a)
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Thesaurus returns the analyzer's vocabulary.
func (a *Analyzer) Thesaurus() *Thesaurus {
	return a.thesaurus
}

// Analyze never fails: empty input yields Status malformed_query.
func (a *Analyzer) Analyze(raw string) Info {
	if a.cache != nil {
		if info, ok := a.cache.Get(raw); ok {
			return info
		}
	}

	info := a.analyze(raw)

	if a.cache != nil {
		a.cache.Add(raw, info)
	}
	return info
}

func (a *Analyzer) analyze(raw string) Info {
	original := strings.TrimSpace(raw)
	info := Info{Original: original, Type: TypeGeneral, Status: StatusOK}

	if len(original) > MaxQueryLength {
		slog.Warn("query_truncated", slog.Int("length", len(original)), slog.Int("max", MaxQueryLength))
		original = Truncate(original, MaxQueryLength)
		info.Original = original
		info.Truncated = true
	}

	if len(original) < MinQueryLength {
		info.Status = StatusMalformed
		info.Message = fmt.Sprintf("query must be at least %d characters", MinQueryLength)
		return info
	}

	info.Normalized = a.thesaurus.Normalize(original)
	if info.Normalized == "" {
		info.Status = StatusMalformed
		info.Message = "query is empty after normalization"
		return info
	}

	info.Citations = DetectCitations(original)
	info.ExactIdentifiers = ExactIdentifiers(original)
	info.Abbreviations = a.abbreviationsIn(original)

	if parts := partySplit.Split(info.Normalized, -1); len(parts) > 1 {
		info.HasCaseParties = true
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				info.Parties = append(info.Parties, p)
			}
		}
	}

	info.LegalTerms = a.conceptsIn(info.Normalized)
	info.HasLegalTerms = len(info.LegalTerms) > 0
	info.HasCourtReference = a.mentionsCourt(info.Normalized)

	switch {
	case info.HasCitations():
		info.Type = TypeCitation
	case info.HasCaseParties:
		info.Type = TypeCaseParties
	case info.HasLegalTerms:
		info.Type = TypeLegalConcept
	case info.HasCourtReference:
		info.Type = TypeCourtSpecific
	}
	return info
}

// conceptsIn returns thesaurus concepts present as whole words, in thesaurus order.
func (a *Analyzer) conceptsIn(normalized string) []string {
	present := make(map[string]bool)
	for _, w := range words(normalized) {
		present[w] = true
	}
	var found []string
	for _, c := range a.thesaurus.Concepts {
		if present[c.Term] {
			found = append(found, c.Term)
		}
	}
	return found
}

func (a *Analyzer) mentionsCourt(normalized string) bool {
	padded := " " + strings.Join(words(normalized), " ") + " "
	for _, term := range a.thesaurus.CourtTerms {
		if strings.Contains(padded, " "+term+" ") {
			return true
		}
	}
	return false
}

func (a *Analyzer) abbreviationsIn(original string) []string {
	var found []string
	seen := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(original)) {
		core := strings.TrimRight(tok, tokenSuffixes)
		if _, ok := a.thesaurus.lookupAbbreviation(core); ok {
			key := strings.TrimSuffix(core, ".")
			if !seen[key] {
				seen[key] = true
				found = append(found, key)
			}
		}
	}
	return found
}
