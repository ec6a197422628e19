// Package facet folds raw vocabulary occurrences into canonical facet terms
// and serves them to fusion (boosts), suggestions and result facets.
package facet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Aman-CERP/lexsearch/internal/config"
	lexerrors "github.com/Aman-CERP/lexsearch/internal/errors"
	"github.com/Aman-CERP/lexsearch/internal/store"
)

// Facet types.
const (
	TypeCitation   = "citation"
	TypeSection    = "section"
	TypeJudge      = "judge"
	TypeCourt      = "court"
	TypeParty      = "party"
	TypeAdvocate   = "advocate"
	TypeCaseType   = "case_type"
	TypeYear       = "year"
	TypeStatus     = "status"
	TypeBenchType  = "bench_type"
	TypeLegalIssue = "legal_issue"
)

// CoreTypes are built by default.
var CoreTypes = []string{TypeCitation, TypeSection, TypeJudge, TypeCourt, TypeParty}

var knownTypes = map[string]bool{
	TypeCitation: true, TypeSection: true, TypeJudge: true, TypeCourt: true, TypeParty: true,
	TypeAdvocate: true, TypeCaseType: true, TypeYear: true, TypeStatus: true,
	TypeBenchType: true, TypeLegalIssue: true,
}

// topTermsLimit is the number of terms reported by Stats.
const topTermsLimit = 10

// ValidType reports whether t is a known facet type.
func ValidType(t string) bool {
	return knownTypes[t]
}

// CanonicalTerm lowercases, trims, collapses whitespace and strips trailing
// punctuation. "PPC  302." and "ppc 302" both become "ppc 302". The colon
// of a statute:section key is treated as a separator.
func CanonicalTerm(s string) string {
	s = strings.ReplaceAll(strings.ToLower(s), ":", " ")
	s = strings.Join(strings.Fields(s), " ")
	return strings.TrimRight(s, ".,;:!? ")
}

// Store is the record store view the facet service needs.
type Store interface {
	TermOccurrences(ctx context.Context, facetType string) ([]store.TermOccurrence, error)
	FacetTerms(ctx context.Context, facetType string) ([]*store.FacetTerm, error)
	TopFacetTerms(ctx context.Context, facetType string, limit int) ([]*store.FacetTerm, error)
	SuggestFacetTerms(ctx context.Context, facetType, prefix string, limit int) ([]*store.FacetTerm, error)
	SaveFacetTerm(ctx context.Context, term *store.FacetTerm, mappings []store.FacetMapping) (int64, error)
	ClearFacetType(ctx context.Context, facetType string) error
	FacetCounts(ctx context.Context, facetType string) (terms, mappings int, err error)
	FacetTypes(ctx context.Context) ([]string, error)
	CaseFacets(ctx context.Context, caseIDs []int64) ([]store.CaseFacet, error)
	CasesForTerm(ctx context.Context, facetType, canonical string) ([]int64, error)
	CaseBoostsForTerm(ctx context.Context, facetType, canonical string) (map[int64]float64, error)
	CleanupFacets(ctx context.Context, boostScale float64) (int, error)
	GetState(ctx context.Context, key string) (string, error)
	SetState(ctx context.Context, key, value string) error
}

// BuildOptions controls a facet build. The zero value is an incremental
// build: only terms that are new or changed since the last build of the
// type are rewritten, under that build's version tag.
type BuildOptions struct {
	// Force clears the type and regenerates every term under a new version.
	Force bool
}

// BuildStats reports a facet build.
type BuildStats struct {
	FacetType string        `json:"facet_type"`
	Version   string        `json:"version"`
	Processed int           `json:"processed"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Mappings  int           `json:"mappings"`
	Errors    []string      `json:"errors,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Stats summarizes one facet type.
type Stats struct {
	FacetType     string             `json:"facet_type"`
	TotalTerms    int                `json:"total_terms"`
	TotalMappings int                `json:"total_mappings"`
	TopTerms      []*store.FacetTerm `json:"top_terms"`
	Version       string             `json:"version,omitempty"`
}

// Count is one facet value with the number of cases carrying it.
type Count struct {
	Term    string `json:"term"`
	Display string `json:"display"`
	Count   int    `json:"count"`
}

// Service builds and reads facet indexes.
type Service struct {
	store   Store
	dataDir string
	cfg     config.FacetsConfig
}

// NewService creates a facet service. Build locks live under dataDir.
func NewService(st Store, dataDir string, cfg config.FacetsConfig) *Service {
	if cfg.BoostScale <= 0 {
		cfg.BoostScale = 1.0
	}
	if len(cfg.Types) == 0 {
		cfg.Types = CoreTypes
	}
	return &Service{store: st, dataDir: dataDir, cfg: cfg}
}

// Types returns the configured facet types.
func (s *Service) Types() []string {
	return s.cfg.Types
}

// folded is one canonical term accumulated across occurrences.
type folded struct {
	canonical   string
	display     string
	displayFreq map[string]int
	occurrences int
	cases       map[int64]int
}

// BuildFacets folds the raw occurrences of facetType into canonical terms
// and mappings. Running it twice over the same occurrences yields the same
// terms and mappings. A concurrent build of the same type fails with
// ErrCodeFacetBuildConflict.
func (s *Service) BuildFacets(ctx context.Context, facetType string, opts BuildOptions) (BuildStats, error) {
	start := time.Now()
	if !ValidType(facetType) {
		return BuildStats{}, lexerrors.New(lexerrors.ErrCodeInvalidInput,
			fmt.Sprintf("unknown facet type %q", facetType), nil)
	}

	lock := store.NewFileLock(s.dataDir, "facet-"+facetType)
	ok, err := lock.TryLock()
	if err != nil {
		return BuildStats{}, err
	}
	if !ok {
		return BuildStats{}, lexerrors.FacetBuildConflict(facetType)
	}
	defer func() { _ = lock.Unlock() }()

	versionKey := store.StateKeyFacetVersionPrefix + facetType
	lastVersion, err := s.store.GetState(ctx, versionKey)
	if err != nil {
		return BuildStats{}, fmt.Errorf("read facet version: %w", err)
	}

	if opts.Force {
		if err := s.store.ClearFacetType(ctx, facetType); err != nil {
			return BuildStats{}, fmt.Errorf("clear facet type: %w", err)
		}
	}

	occ, err := s.store.TermOccurrences(ctx, facetType)
	if err != nil {
		return BuildStats{}, err
	}
	terms := fold(occ)

	existing := make(map[string]*store.FacetTerm)
	if !opts.Force {
		current, err := s.store.FacetTerms(ctx, facetType)
		if err != nil {
			return BuildStats{}, err
		}
		for _, t := range current {
			existing[t.CanonicalTerm] = t
		}
	}

	// An incremental run extends the last full build's version.
	version := lastVersion
	if opts.Force || version == "" {
		version = uuid.New().String()
	}
	stats := BuildStats{FacetType: facetType, Version: version}
	for _, f := range terms {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Processed++

		if prev, ok := existing[f.canonical]; ok && prev.Version == lastVersion &&
			prev.OccurrenceCount == f.occurrences && prev.CaseCount == len(f.cases) {
			stats.Skipped++
			continue
		}

		term := &store.FacetTerm{
			FacetType:       facetType,
			CanonicalTerm:   f.canonical,
			DisplayTerm:     f.display,
			OccurrenceCount: f.occurrences,
			CaseCount:       len(f.cases),
			BoostFactor:     s.cfg.BoostScale / float64(len(f.cases)),
			Version:         version,
		}
		if _, err := s.store.SaveFacetTerm(ctx, term, f.mappings()); err != nil {
			stats.Failed++
			stats.Errors = append(stats.Errors, fmt.Sprintf("%s: %v", f.canonical, err))
			continue
		}
		stats.Succeeded++
		stats.Mappings += len(f.cases)
	}

	if err := s.store.SetState(ctx, versionKey, version); err != nil {
		return stats, fmt.Errorf("save facet version: %w", err)
	}
	stats.Duration = time.Since(start)

	slog.Info("facet_build_complete",
		slog.String("facet_type", facetType),
		slog.String("version", version),
		slog.Bool("force", opts.Force),
		slog.Bool("incremental", opts.Incremental),
		slog.Int("terms", stats.Succeeded),
		slog.Int("skipped", stats.Skipped),
		slog.Int("failed", stats.Failed),
		slog.Duration("duration", stats.Duration))
	return stats, nil
}

// BuildAll builds every configured facet type. A failing type does not stop
// the others; the errors are joined.
func (s *Service) BuildAll(ctx context.Context, opts BuildOptions) ([]BuildStats, error) {
	var (
		out  []BuildStats
		errs []error
	)
	for _, t := range s.cfg.Types {
		stats, err := s.BuildFacets(ctx, t, opts)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t, err))
			continue
		}
		out = append(out, stats)
	}
	return out, errors.Join(errs...)
}

// fold groups occurrences by canonical term in canonical order.
func fold(occ []store.TermOccurrence) []*folded {
	byTerm := make(map[string]*folded)
	for _, o := range occ {
		canonical := CanonicalTerm(o.Term)
		if canonical == "" {
			continue
		}
		f, ok := byTerm[canonical]
		if !ok {
			f = &folded{canonical: canonical, displayFreq: make(map[string]int), cases: make(map[int64]int)}
			byTerm[canonical] = f
		}
		count := o.Count
		if count <= 0 {
			count = 1
		}
		f.occurrences += count
		f.cases[o.CaseID] += count
		f.displayFreq[strings.Join(strings.Fields(o.Term), " ")] += count
	}

	out := make([]*folded, 0, len(byTerm))
	for _, f := range byTerm {
		f.display = pickDisplay(f.displayFreq)
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].canonical < out[j].canonical })
	return out
}

// pickDisplay returns the most frequent spelling, ties broken lexically.
func pickDisplay(freq map[string]int) string {
	best, bestN := "", -1
	for d, n := range freq {
		if n > bestN || (n == bestN && d < best) {
			best, bestN = d, n
		}
	}
	return best
}

func (f *folded) mappings() []store.FacetMapping {
	ids := make([]int64, 0, len(f.cases))
	for id := range f.cases {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]store.FacetMapping, len(ids))
	for i, id := range ids {
		out[i] = store.FacetMapping{CaseID: id, OccurrenceCount: f.cases[id]}
	}
	return out
}

// Stats reports term and mapping counts plus the top terms by case count.
func (s *Service) Stats(ctx context.Context, facetType string) (Stats, error) {
	st := Stats{FacetType: facetType}
	var err error
	if st.TotalTerms, st.TotalMappings, err = s.store.FacetCounts(ctx, facetType); err != nil {
		return st, fmt.Errorf("count facets: %w", err)
	}
	if st.TopTerms, err = s.store.TopFacetTerms(ctx, facetType, topTermsLimit); err != nil {
		return st, err
	}
	if st.Version, err = s.store.GetState(ctx, store.StateKeyFacetVersionPrefix+facetType); err != nil {
		return st, err
	}
	return st, nil
}

// BuiltTypes returns the facet types with at least one term.
func (s *Service) BuiltTypes(ctx context.Context) ([]string, error) {
	return s.store.FacetTypes(ctx)
}

// Cleanup removes mappings to deleted cases, recounts the affected terms and
// drops terms left without cases. It returns the number of mappings removed.
func (s *Service) Cleanup(ctx context.Context) (int, error) {
	removed, err := s.store.CleanupFacets(ctx, s.cfg.BoostScale)
	if err != nil {
		return 0, fmt.Errorf("cleanup facets: %w", err)
	}
	slog.Info("facet_cleanup_complete", slog.Int("removed_mappings", removed))
	return removed, nil
}

// Suggest returns canonical terms starting with prefix, most widely used
// first. An empty facetType searches every configured type.
func (s *Service) Suggest(ctx context.Context, prefix, facetType string, limit int) ([]*store.FacetTerm, error) {
	prefix = CanonicalTerm(prefix)
	if prefix == "" || limit <= 0 {
		return nil, nil
	}

	types := s.cfg.Types
	if facetType != "" {
		types = []string{facetType}
	}
	var out []*store.FacetTerm
	for _, t := range types {
		terms, err := s.store.SuggestFacetTerms(ctx, t, prefix, limit)
		if err != nil {
			return nil, err
		}
		out = append(out, terms...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CaseCount != out[j].CaseCount {
			return out[i].CaseCount > out[j].CaseCount
		}
		return out[i].CanonicalTerm < out[j].CanonicalTerm
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CaseFacets aggregates facet values over a result set: facet type to
// values ordered by case count, then term.
func (s *Service) CaseFacets(ctx context.Context, caseIDs []int64) (map[string][]Count, error) {
	out := make(map[string][]Count)
	if len(caseIDs) == 0 {
		return out, nil
	}
	rows, err := s.store.CaseFacets(ctx, caseIDs)
	if err != nil {
		return nil, err
	}

	type key struct{ facetType, term string }
	counts := make(map[key]*Count)
	for _, r := range rows {
		k := key{r.FacetType, r.CanonicalTerm}
		c, ok := counts[k]
		if !ok {
			c = &Count{Term: r.CanonicalTerm, Display: r.DisplayTerm}
			counts[k] = c
		}
		c.Count++
	}
	for k, c := range counts {
		out[k.facetType] = append(out[k.facetType], *c)
	}
	for t := range out {
		values := out[t]
		sort.Slice(values, func(i, j int) bool {
			if values[i].Count != values[j].Count {
				return values[i].Count > values[j].Count
			}
			return values[i].Term < values[j].Term
		})
	}
	return out, nil
}

// CasesForTerm returns the cases mapped to term after canonicalization.
func (s *Service) CasesForTerm(ctx context.Context, facetType, term string) ([]int64, error) {
	canonical := CanonicalTerm(term)
	if canonical == "" {
		return nil, nil
	}
	return s.store.CasesForTerm(ctx, facetType, canonical)
}

// MatchCases returns the cases mapped to term in any configured type, each
// with the term's boost factor. Rarer terms carry larger factors; a case
// reached through several types keeps the largest.
func (s *Service) MatchCases(ctx context.Context, term string) (map[int64]float64, error) {
	out := make(map[int64]float64)
	canonical := CanonicalTerm(term)
	if canonical == "" {
		return out, nil
	}
	for _, t := range s.cfg.Types {
		boosts, err := s.store.CaseBoostsForTerm(ctx, t, canonical)
		if err != nil {
			return nil, err
		}
		for id, b := range boosts {
			if b > out[id] {
				out[id] = b
			}
		}
	}
	return out, nil
}
