package query

// Concept is a legal concept with ranked synonyms (most useful first).
type Concept struct {
	Term     string
	Synonyms []string
}

// Thesaurus is the single source of legal vocabulary used by normalization,
// citation detection, classification and expansion.
type Thesaurus struct {
	// Concepts keeps declaration order so expansion output is stable.
	Concepts []Concept
	// Abbreviations maps a lowercase token (with or without its trailing dot)
	// to its expansion. No expansion contains a key as a whole token.
	Abbreviations map[string]string
	// Phrases are connective variants that are not concepts (vs, versus).
	Phrases map[string][]string
	// Contextual maps a domain word to terms commonly co-searched with it.
	Contextual map[string][]string
	// Variations maps a query type to generic legal variations.
	Variations map[Type][]string
	CourtTerms []string
	Reporters  []string
	Statutes   map[string]string

	concepts map[string][]string
}

// Synonyms returns the synonyms of term, or nil.
func (t *Thesaurus) Synonyms(term string) []string {
	return t.concepts[term]
}

// IsConcept reports whether term is a known legal concept.
func (t *Thesaurus) IsConcept(term string) bool {
	_, ok := t.concepts[term]
	return ok
}

var defaultThesaurus = buildDefault()

// DefaultThesaurus returns the shared built-in thesaurus. Callers must not mutate it.
func DefaultThesaurus() *Thesaurus {
	return defaultThesaurus
}

func buildDefault() *Thesaurus {
	t := &Thesaurus{
		Concepts: []Concept{
			{"appeal", []string{"appellate", "revision", "review", "challenge"}},
			{"petition", []string{"application", "plea", "request", "motion"}},
			{"bail", []string{"custody", "detention", "remand", "release"}},
			{"writ", []string{"mandamus", "certiorari", "prohibition", "habeas corpus", "quo warranto"}},
			{"civil", []string{"suit", "claim", "dispute", "matter"}},
			{"criminal", []string{"crl", "crime", "offence", "prosecution"}},
			{"constitutional", []string{"fundamental rights", "basic rights", "charter"}},
			{"contract", []string{"agreement", "covenant", "deed", "instrument"}},
			{"property", []string{"land", "real estate", "possession", "title"}},
			{"family", []string{"matrimonial", "domestic", "personal law"}},
			{"commercial", []string{"business", "trade", "mercantile", "corporate"}},
			{"tax", []string{"revenue", "customs", "excise", "duty"}},
			{"court", []string{"tribunal", "bench", "forum", "judiciary"}},
			{"judge", []string{"justice", "magistrate", "adjudicator"}},
			{"judgment", []string{"order", "decree", "ruling", "decision"}},
			{"hearing", []string{"proceeding", "trial", "session"}},
			{"injunction", []string{"restraint", "stay", "prohibition"}},
			{"damages", []string{"compensation", "reparation", "restitution"}},
			{"acquittal", []string{"discharge", "exoneration", "absolution"}},
			{"conviction", []string{"sentence", "punishment", "penalty"}},
			{"murder", []string{"qatl", "homicide", "killing"}},
			{"evidence", []string{"testimony", "witness", "proof"}},
			{"revision", []string{"review", "reconsideration"}},
		},
		Abbreviations: map[string]string{
			"crl.a":   "criminal appeal",
			"crl.rev": "criminal revision",
			"crl.p":   "criminal petition",
			"cr.p":    "criminal petition",
			"w.p":     "writ petition",
			"c.p":     "civil petition",
			"c.r":     "civil revision",
			"f.a.o":   "first appeal",
			"r.f.a":   "regular first appeal",
			"c.o.s":   "civil original suit",
			"i.c.a":   "intra court appeal",
			"r.a":     "review application",
			"t.a":     "transfer application",
			"j.s.a":   "jail sentence appeal",
			"ex.pet":  "execution petition",
			"cr.p.c":  "crpc",
			"p.p.c":   "ppc",
			"c.p.c":   "cpc",
			"pet":     "petition",
			"app":     "appeal",
			"rev":     "revision",
			"misc":    "miscellaneous",
			"const":   "constitutional",
			"admin":   "administrative",
		},
		Phrases: map[string][]string{
			"vs":      {"versus", "against", "v"},
			"versus":  {"vs", "against", "v"},
			"v":       {"vs", "versus", "against"},
			"section": {"sec", "s"},
		},
		Contextual: map[string][]string{
			"civil":    {"suit", "claim", "damages"},
			"criminal": {"prosecution", "defence", "trial"},
			"family":   {"custody", "maintenance", "dissolution"},
			"tax":      {"assessment", "refund", "levy"},
		},
		Variations: map[Type][]string{
			TypeCitation:     {"case law", "precedent", "authority"},
			TypeCaseParties:  {"litigation", "dispute", "matter"},
			TypeLegalConcept: {"law", "legal principle", "doctrine"},
		},
		CourtTerms: []string{"court", "tribunal", "bench", "justice", "judge", "supreme", "high court"},
		Reporters:  []string{"pld", "plj", "scmr", "mld", "clc", "ylr", "pcrlj", "p.cr.l.j", "cld", "ptd", "plc", "nlr", "scr", "clj"},
		Statutes: map[string]string{
			"ppc":    "ppc",
			"p.p.c":  "ppc",
			"crpc":   "crpc",
			"cr.p.c": "crpc",
			"cpc":    "cpc",
			"c.p.c":  "cpc",
			"qso":    "qso",
		},
	}
	t.concepts = make(map[string][]string, len(t.Concepts))
	for _, c := range t.Concepts {
		t.concepts[c.Term] = c.Synonyms
	}
	return t
}
