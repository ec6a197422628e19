package index

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Aman-CERP/lexsearch/internal/config"
	lexerrors "github.com/Aman-CERP/lexsearch/internal/errors"
	"github.com/Aman-CERP/lexsearch/internal/store"
)

// Lexical backends accepted in lexical.backend.
const (
	BackendMemory = "memory"
	BackendBleve  = "bleve"
)

// Fallback substring scores per field.
const (
	fallbackCaseNumberScore = 10.0
	fallbackTitleScore      = 5.0
	fallbackPartiesScore    = 3.0
	fallbackBodyScore       = 2.0
)

// retireDelay is how long a replaced generation stays open.
const retireDelay = time.Minute

// Case-number pre-match multipliers.
const (
	exactCaseNumberMultiplier   = 10.0
	partialCaseNumberMultiplier = 5.0
)

// LexicalSource is the record store view a lexical build reads.
type LexicalSource interface {
	ListCases(ctx context.Context) ([]*store.Case, error)
	ListChunks(ctx context.Context, pendingOnly bool) ([]*store.Chunk, error)
	Revision(ctx context.Context) (int64, error)
}

// LexicalDoc is one case as the lexical index sees it.
type LexicalDoc struct {
	CaseID     int64    `json:"case_id"`
	CaseNumber string   `json:"case_number"`
	Title      string   `json:"title"`
	Parties    []string `json:"parties,omitempty"`
	Court      string   `json:"court"`
	Body       string   `json:"body"`
}

type field int

const (
	fieldCaseNumber field = iota
	fieldTitle
	fieldParties
	fieldCourt
	fieldBody
	numFields
)

var fieldNames = [numFields]string{"case_number", "title", "parties", "court", "body"}

func (d *LexicalDoc) text(f field) string {
	switch f {
	case fieldCaseNumber:
		return d.CaseNumber
	case fieldTitle:
		return d.Title
	case fieldParties:
		return strings.Join(d.Parties, " ")
	case fieldCourt:
		return d.Court
	case fieldBody:
		return d.Body
	}
	return ""
}

// scorer ranks documents of one generation. Scores are keyed by document
// position in the generation.
type scorer interface {
	score(ctx context.Context, text string) (map[int]float64, error)
}

type lexicalSnapshot struct {
	Generation store.Generation `json:"generation"`
	Docs       []LexicalDoc     `json:"docs"`
}

// lexicalGeneration is immutable once published.
type lexicalGeneration struct {
	gen    store.Generation
	docs   []LexicalDoc
	scorer scorer

	// lowercased copies for the substring fallback
	caseNumbers []string // folded
	titles      []string
	parties     []string
	bodies      []string
}

// LexicalIndex is the field-weighted lexical retrieval service.
type LexicalIndex struct {
	dir    string
	cfg    config.LexicalConfig
	source LexicalSource
	active atomic.Pointer[lexicalGeneration]
}

// NewLexicalIndex creates a lexical index that persists generations under
// <dataDir>/lexical. Nothing is loaded until Load or Build.
func NewLexicalIndex(dataDir string, cfg config.LexicalConfig, source LexicalSource) *LexicalIndex {
	return &LexicalIndex{
		dir:    filepath.Join(dataDir, "lexical"),
		cfg:    cfg,
		source: source,
	}
}

// Name implements store.QueryableIndex.
func (l *LexicalIndex) Name() string {
	return string(store.KindLexical)
}

// Generation returns the active generation, or nil when none is loaded.
func (l *LexicalIndex) Generation() *store.Generation {
	g := l.active.Load()
	if g == nil {
		return nil
	}
	gen := g.gen
	return &gen
}

// Stats implements store.QueryableIndex.
func (l *LexicalIndex) Stats() store.IndexStats {
	stats := store.IndexStats{Name: l.Name()}
	if g := l.active.Load(); g != nil {
		stats.Generation = g.gen.ID
		stats.Built = g.gen.Built
		stats.Count = len(g.docs)
		stats.BuiltAt = g.gen.BuiltAt
	}
	return stats
}

func (l *LexicalIndex) snapshotPath(id string) string {
	return filepath.Join(l.dir, id+".json")
}

// Build reads cases and chunks, builds a new generation off to the side,
// persists its snapshot and swaps it in. Without Force the build is skipped
// when the store has not changed since the active generation was built.
func (l *LexicalIndex) Build(ctx context.Context, opts BuildOptions) (BatchStats, error) {
	start := time.Now()

	revision, err := l.source.Revision(ctx)
	if err != nil {
		return BatchStats{}, fmt.Errorf("read store revision: %w", err)
	}
	if current := l.active.Load(); current != nil && !opts.Force && current.gen.Revision == revision {
		slog.Info("lexical_build_skipped",
			slog.String("generation", current.gen.ID),
			slog.Int64("revision", revision))
		return BatchStats{Skipped: len(current.docs), Unchanged: true, Duration: time.Since(start)}, nil
	}

	cases, err := l.source.ListCases(ctx)
	if err != nil {
		return BatchStats{}, fmt.Errorf("list cases: %w", err)
	}
	chunks, err := l.source.ListChunks(ctx, false)
	if err != nil {
		return BatchStats{}, fmt.Errorf("list chunks: %w", err)
	}

	var rec statsRecorder
	bodies := make(map[int64][]string, len(cases))
	known := make(map[int64]bool, len(cases))
	for _, c := range cases {
		known[c.ID] = true
	}
	for _, ch := range chunks {
		if !known[ch.CaseID] {
			rec.fail(fmt.Sprintf("chunk %d", ch.ID), fmt.Errorf("case %d not found", ch.CaseID))
			continue
		}
		bodies[ch.CaseID] = append(bodies[ch.CaseID], ch.Text)
	}

	docs := make([]LexicalDoc, 0, len(cases))
	for i, c := range cases {
		if err := ctx.Err(); err != nil {
			return rec.snapshot(), err
		}
		body := bodies[c.ID]
		if c.Summary != "" {
			body = append([]string{c.Summary}, body...)
		}
		docs = append(docs, LexicalDoc{
			CaseID:     c.ID,
			CaseNumber: c.CaseNumber,
			Title:      c.Title,
			Parties:    c.Parties,
			Court:      c.Court,
			Body:       strings.Join(body, "\n"),
		})
		rec.success(1)
		if opts.Progress != nil {
			opts.Progress(i+1, len(cases))
		}
	}

	gen := store.Generation{
		Kind:     store.KindLexical,
		ID:       uuid.New().String(),
		Built:    true,
		Count:    len(docs),
		BuiltAt:  time.Now().UTC(),
		Revision: revision,
	}
	next, err := l.newGeneration(gen, docs)
	if err != nil {
		return rec.snapshot(), lexerrors.New(lexerrors.ErrCodeBuildFailed, "build lexical generation", err)
	}
	if err := l.writeSnapshot(lexicalSnapshot{Generation: gen, Docs: docs}); err != nil {
		return rec.snapshot(), err
	}

	l.publish(next)

	stats := rec.snapshot()
	stats.Duration = time.Since(start)
	slog.Info("lexical_build_complete",
		slog.String("generation", gen.ID),
		slog.String("backend", l.backend()),
		slog.Int("documents", len(docs)),
		slog.Int("failed", stats.Failed),
		slog.Duration("duration", stats.Duration))
	return stats, nil
}

// Load activates a persisted generation. Loading the active generation is a
// no-op; a nil or unbuilt generation leaves the index empty.
func (l *LexicalIndex) Load(gen *store.Generation) error {
	if gen == nil || !gen.Built {
		return nil
	}
	if current := l.active.Load(); current != nil && current.gen.ID == gen.ID {
		return nil
	}

	data, err := os.ReadFile(l.snapshotPath(gen.ID))
	if err != nil {
		return lexerrors.New(lexerrors.ErrCodeGenerationLoad,
			fmt.Sprintf("read lexical generation %s", gen.ID), err)
	}
	var snap lexicalSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return lexerrors.New(lexerrors.ErrCodeCorruptIndex,
			fmt.Sprintf("decode lexical generation %s", gen.ID), err)
	}

	next, err := l.newGeneration(snap.Generation, snap.Docs)
	if err != nil {
		return lexerrors.New(lexerrors.ErrCodeGenerationLoad, "index lexical generation", err)
	}
	l.publish(next)

	slog.Info("lexical_generation_loaded",
		slog.String("generation", gen.ID),
		slog.Int("documents", len(snap.Docs)))
	return nil
}

func (l *LexicalIndex) publish(next *lexicalGeneration) {
	prev := l.active.Swap(next)
	if prev == nil {
		return
	}
	if c, ok := prev.scorer.(io.Closer); ok {
		// Searches may still hold prev; close it once they have drained.
		time.AfterFunc(retireDelay, func() { _ = c.Close() })
	}
	if prev.gen.ID != next.gen.ID {
		if err := os.Remove(l.snapshotPath(prev.gen.ID)); err != nil && !os.IsNotExist(err) {
			slog.Warn("lexical_snapshot_remove_failed",
				slog.String("generation", prev.gen.ID),
				slog.String("error", err.Error()))
		}
	}
}

func (l *LexicalIndex) backend() string {
	if strings.EqualFold(l.cfg.Backend, BackendBleve) {
		return BackendBleve
	}
	return BackendMemory
}

func (l *LexicalIndex) weights() [numFields]float64 {
	return [numFields]float64{
		fieldCaseNumber: l.cfg.Fields.CaseNumber,
		fieldTitle:      l.cfg.Fields.Title,
		fieldParties:    l.cfg.Fields.Parties,
		fieldCourt:      l.cfg.Fields.Court,
		fieldBody:       l.cfg.Fields.Body,
	}
}

func (l *LexicalIndex) newGeneration(gen store.Generation, docs []LexicalDoc) (*lexicalGeneration, error) {
	g := &lexicalGeneration{
		gen:         gen,
		docs:        docs,
		caseNumbers: make([]string, len(docs)),
		titles:      make([]string, len(docs)),
		parties:     make([]string, len(docs)),
		bodies:      make([]string, len(docs)),
	}
	for i := range docs {
		d := &docs[i]
		g.caseNumbers[i] = FoldCaseNumber(d.CaseNumber)
		g.titles[i] = strings.ToLower(d.Title)
		g.parties[i] = strings.ToLower(d.text(fieldParties))
		g.bodies[i] = strings.ToLower(d.Body)
	}

	if l.backend() == BackendBleve {
		s, err := newBleveScorer(docs, l.weights())
		if err != nil {
			return nil, err
		}
		g.scorer = s
	} else {
		g.scorer = newBM25Scorer(docs, l.cfg.K1, l.cfg.B, l.weights())
	}
	return g, nil
}

func (l *LexicalIndex) writeSnapshot(snap lexicalSnapshot) error {
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("create lexical dir: %w", err)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode lexical snapshot: %w", err)
	}
	path := l.snapshotPath(snap.Generation.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write lexical snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename lexical snapshot: %w", err)
	}
	return nil
}

// Search implements store.QueryableIndex. It scores q.Text per field and
// falls back to substring matching when no field score reaches MinScore.
// An unbuilt index returns no hits and no error.
func (l *LexicalIndex) Search(ctx context.Context, q store.Query, k int) ([]store.Hit, error) {
	g := l.active.Load()
	text := strings.TrimSpace(q.Text)
	if g == nil || len(g.docs) == 0 || k <= 0 || text == "" {
		return []store.Hit{}, nil
	}

	scores, err := g.scorer.score(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	if len(scores) == 0 || maxScore(scores) < l.cfg.MinScore {
		scores = g.fallbackScores(text)
		slog.Debug("lexical_fallback",
			slog.String("query", text),
			slog.Int("matches", len(scores)))
	}

	folded := FoldCaseNumber(text)
	levels := make(map[int]int)
	for i := range g.docs {
		level := caseNumberMatch(g.caseNumbers[i], folded)
		if level == 0 {
			continue
		}
		levels[i] = level
		s := scores[i]
		if s == 0 {
			s = l.cfg.Fields.CaseNumber
		}
		if level == 2 {
			scores[i] = s * exactCaseNumberMultiplier
		} else {
			scores[i] = s * partialCaseNumberMultiplier
		}
	}

	idxs := make([]int, 0, len(scores))
	for i, s := range scores {
		if s > 0 {
			idxs = append(idxs, i)
		}
	}
	sort.Slice(idxs, func(a, b int) bool {
		ia, ib := idxs[a], idxs[b]
		if scores[ia] != scores[ib] {
			return scores[ia] > scores[ib]
		}
		if levels[ia] != levels[ib] {
			return levels[ia] > levels[ib]
		}
		la, lb := len(g.docs[ia].CaseNumber), len(g.docs[ib].CaseNumber)
		if la != lb {
			return la < lb
		}
		return g.docs[ia].CaseID < g.docs[ib].CaseID
	})
	if len(idxs) > k {
		idxs = idxs[:k]
	}

	hits := make([]store.Hit, len(idxs))
	for i, idx := range idxs {
		hits[i] = store.Hit{CaseID: g.docs[idx].CaseID, Score: scores[idx]}
	}
	return hits, nil
}

// SearchText is Search with a plain query string.
func (l *LexicalIndex) SearchText(ctx context.Context, text string, k int) ([]store.Hit, error) {
	return l.Search(ctx, store.Query{Text: text}, k)
}

// fallbackScores accumulates fixed per-field scores for every query term
// found as a substring.
func (g *lexicalGeneration) fallbackScores(text string) map[int]float64 {
	terms := fallbackTerms(text)
	out := make(map[int]float64)
	if len(terms) == 0 {
		return out
	}
	for i := range g.docs {
		var s float64
		for _, t := range terms {
			if g.caseNumbers[i] != "" && strings.Contains(g.caseNumbers[i], foldDots(t)) {
				s += fallbackCaseNumberScore
			}
			if strings.Contains(g.titles[i], t) {
				s += fallbackTitleScore
			}
			if strings.Contains(g.parties[i], t) {
				s += fallbackPartiesScore
			}
			if strings.Contains(g.bodies[i], t) {
				s += fallbackBodyScore
			}
		}
		if s > 0 {
			out[i] = s
		}
	}
	return out
}

func fallbackTerms(text string) []string {
	seen := make(map[string]bool)
	var terms []string
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ",;:!?\"'()[]")
		w = strings.TrimSuffix(w, ".")
		if len(w) < 2 || seen[w] {
			continue
		}
		if _, stop := stopWords[w]; stop {
			continue
		}
		seen[w] = true
		terms = append(terms, w)
	}
	return terms
}

// caseNumberMatch returns 2 when the folded query equals the folded case
// number, 1 when one contains the other, 0 otherwise. A query is only
// matched inside a longer case number when it carries a digit.
func caseNumberMatch(caseNumber, query string) int {
	if caseNumber == "" || query == "" {
		return 0
	}
	if caseNumber == query {
		return 2
	}
	if len(caseNumber) >= 3 && strings.Contains(query, caseNumber) {
		return 1
	}
	if len(query) >= 3 && strings.ContainsAny(query, "0123456789") && strings.Contains(caseNumber, query) {
		return 1
	}
	return 0
}

func maxScore(scores map[int]float64) float64 {
	var best float64
	for _, s := range scores {
		if s > best {
			best = s
		}
	}
	return best
}

var _ store.QueryableIndex = (*LexicalIndex)(nil)
