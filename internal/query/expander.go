package query

import (
	"fmt"
	"strings"
)

// Mode controls expansion breadth.
type Mode string

const (
	ModeConservative Mode = "conservative"
	ModeBalanced     Mode = "balanced"
	ModeAggressive   Mode = "aggressive"
)

// ParseMode validates a mode name; empty means balanced.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeBalanced:
		return ModeBalanced, nil
	case ModeConservative:
		return ModeConservative, nil
	case ModeAggressive:
		return ModeAggressive, nil
	}
	return "", fmt.Errorf("unknown expansion mode %q", s)
}

// MaxSynonyms is the per-concept synonym limit for the mode.
func (m Mode) MaxSynonyms() int {
	switch m {
	case ModeConservative:
		return 2
	case ModeAggressive:
		return 5
	default:
		return 3
	}
}

// Strategy selects the vector/keyword weighting used by fusion.
type Strategy string

const (
	StrategyKeywordPrimary  Strategy = "keyword_primary"
	StrategyHybridBalanced  Strategy = "hybrid_balanced"
	StrategySemanticPrimary Strategy = "semantic_primary"
	StrategyHybrid          Strategy = "hybrid"
)

// Expansion holds the extra vocabulary derived from a query.
type Expansion struct {
	// Synonyms maps each detected concept to its (mode-limited) synonyms.
	Synonyms map[string][]string `json:"synonyms"`
	// SynonymOrder lists Synonyms keys in thesaurus order.
	SynonymOrder           []string          `json:"-"`
	AbbreviationExpansions map[string]string `json:"abbreviation_expansions"`
	LegalVariations        []string          `json:"legal_variations,omitempty"`
	ContextualTerms        []string          `json:"contextual_terms"`
}

// FlatSynonyms returns all synonyms in concept order.
func (e Expansion) FlatSynonyms() []string {
	var out []string
	for _, c := range e.SynonymOrder {
		out = append(out, e.Synonyms[c]...)
	}
	return out
}

// BoostTerm is a query term that earns a fusion boost when a case matches it.
type BoostTerm struct {
	Term   string  `json:"term"`
	Weight float64 `json:"weight"`
	Source string  `json:"source"`
}

// Boost term weights by source.
const (
	CitationBoostWeight = 3.0
	ConceptBoostWeight  = 2.0
	PartyBoostWeight    = 1.5
)

// Expander derives expansions, variants, boost terms and strategy from Info.
type Expander struct {
	thesaurus *Thesaurus
}

// NewExpander creates an Expander; a nil thesaurus means the default one.
func NewExpander(t *Thesaurus) *Expander {
	if t == nil {
		t = DefaultThesaurus()
	}
	return &Expander{thesaurus: t}
}

// Expand collects synonyms, abbreviation expansions and contextual terms.
func (e *Expander) Expand(info Info, mode Mode) Expansion {
	exp := Expansion{
		Synonyms:               make(map[string][]string),
		AbbreviationExpansions: make(map[string]string),
	}
	if info.Malformed() {
		return exp
	}

	limit := mode.MaxSynonyms()
	for _, concept := range info.LegalTerms {
		syns := e.thesaurus.Synonyms(concept)
		if len(syns) > limit {
			syns = syns[:limit]
		}
		if len(syns) == 0 {
			continue
		}
		exp.Synonyms[concept] = append([]string(nil), syns...)
		exp.SynonymOrder = append(exp.SynonymOrder, concept)
	}

	for _, abbr := range info.Abbreviations {
		if full, ok := e.thesaurus.Abbreviations[abbr]; ok {
			exp.AbbreviationExpansions[abbr] = full
		}
	}

	exp.LegalVariations = append(exp.LegalVariations, e.thesaurus.Variations[info.Type]...)

	seen := make(map[string]bool)
	for _, w := range strings.Fields(info.Normalized) {
		for _, term := range e.thesaurus.Contextual[w] {
			if !seen[term] {
				seen[term] = true
				exp.ContextualTerms = append(exp.ContextualTerms, term)
			}
		}
	}
	return exp
}

// BuildVariants returns original, original plus its top two synonyms,
// the abbreviation-expanded form and original plus the top two contextual
// terms. Duplicates (case-insensitive) are dropped, first occurrence wins.
func (e *Expander) BuildVariants(original string, exp Expansion) []string {
	original = strings.Join(strings.Fields(original), " ")
	if original == "" {
		return nil
	}
	candidates := []string{original}

	syns := exp.FlatSynonyms()
	if len(syns) > 2 {
		syns = syns[:2]
	}
	for _, s := range syns {
		candidates = append(candidates, original+" "+s)
	}

	candidates = append(candidates, e.thesaurus.Normalize(original))

	if len(exp.ContextualTerms) > 0 {
		ctx := exp.ContextualTerms
		if len(ctx) > 2 {
			ctx = ctx[:2]
		}
		candidates = append(candidates, original+" "+strings.Join(ctx, " "))
	}

	var variants []string
	seen := make(map[string]bool)
	for _, c := range candidates {
		key := strings.ToLower(c)
		if c == "" || seen[key] {
			continue
		}
		seen[key] = true
		variants = append(variants, c)
	}
	return variants
}

// BoostTerms weights citations 3.0, legal concepts 2.0 and party names 1.5.
// A term appearing under several sources keeps its highest weight.
func (e *Expander) BoostTerms(info Info) []BoostTerm {
	var terms []BoostTerm
	index := make(map[string]int)
	add := func(term string, weight float64, source string) {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" {
			return
		}
		if i, ok := index[term]; ok {
			if weight > terms[i].Weight {
				terms[i].Weight = weight
				terms[i].Source = source
			}
			return
		}
		index[term] = len(terms)
		terms = append(terms, BoostTerm{Term: term, Weight: weight, Source: source})
	}

	for _, c := range info.Citations {
		add(c.Canonical, CitationBoostWeight, "citation")
	}
	for _, id := range info.ExactIdentifiers {
		add(id, CitationBoostWeight, "citation")
	}
	for _, concept := range info.LegalTerms {
		add(concept, ConceptBoostWeight, "concept")
	}
	if info.HasCaseParties {
		for _, p := range info.Parties {
			if len(p) > 3 {
				add(p, PartyBoostWeight, "party")
			}
		}
	}
	return terms
}

// RecommendStrategy maps the query type to a fusion strategy.
func (e *Expander) RecommendStrategy(info Info) Strategy {
	switch info.Type {
	case TypeCitation:
		return StrategyKeywordPrimary
	case TypeCaseParties:
		return StrategyHybridBalanced
	case TypeLegalConcept:
		return StrategySemanticPrimary
	default:
		return StrategyHybrid
	}
}
