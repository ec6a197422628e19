package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/lexsearch/internal/config"
	"github.com/Aman-CERP/lexsearch/internal/embed"
	lexerrors "github.com/Aman-CERP/lexsearch/internal/errors"
	"github.com/Aman-CERP/lexsearch/internal/facet"
	"github.com/Aman-CERP/lexsearch/internal/query"
	"github.com/Aman-CERP/lexsearch/internal/store"
	"github.com/Aman-CERP/lexsearch/internal/telemetry"
)

// MaxSuggestions caps every suggestion list.
const MaxSuggestions = 10

// Suggestion types accepted by Suggest.
const (
	SuggestAuto     = "auto"
	SuggestCase     = "case"
	SuggestCitation = "citation"
	SuggestSection  = "section"
	SuggestJudge    = "judge"
)

// ErrNilDependency is returned when a required dependency is nil.
var ErrNilDependency = errors.New("nil dependency")

// CaseStore is the read side of the record store used by the engine.
type CaseStore interface {
	CaseLookup
	GetChunks(ctx context.Context, ids []int64) (map[int64]*store.Chunk, error)
	SuggestCaseNumbers(ctx context.Context, prefix string, limit int) ([]*store.Case, error)
	MetadataStats(ctx context.Context) (total, indexed int, err error)
}

// FacetSource is the facet read API used for boosts, aggregation and
// suggestions. *facet.Service implements it.
type FacetSource interface {
	Types() []string
	BuiltTypes(ctx context.Context) ([]string, error)
	MatchCases(ctx context.Context, term string) (map[int64]float64, error)
	CaseFacets(ctx context.Context, caseIDs []int64) (map[string][]facet.Count, error)
	Suggest(ctx context.Context, prefix, facetType string, limit int) ([]*store.FacetTerm, error)
}

// QueryRecorder receives every completed search. *telemetry.Recorder
// implements it.
type QueryRecorder interface {
	Record(ev telemetry.Event)
}

// generationLoader is implemented by indexes that can swap in a persisted
// generation.
type generationLoader interface {
	Load(gen *store.Generation) error
}

// Engine runs the retrieval pipeline: analyze, expand, retrieve vector and
// lexical candidates in parallel, fuse, rerank.
type Engine struct {
	analyzer *query.Analyzer
	expander *query.Expander
	vector   store.QueryableIndex
	lexical  store.QueryableIndex
	embedder embed.Embedder
	cases    CaseStore

	facets   FacetSource
	reranker Reranker
	metrics  *Metrics
	recorder QueryRecorder
	cfg      *config.Config
	dataDir  string
	fuser    *Fuser

	// reloadMu serializes generation loads.
	reloadMu sync.Mutex
}

// EngineOption configures the search engine.
type EngineOption func(*Engine)

// WithConfig replaces the default configuration.
func WithConfig(cfg *config.Config) EngineOption {
	return func(e *Engine) {
		if cfg != nil {
			e.cfg = cfg
		}
	}
}

// WithFacets enables facet boosts, facet aggregation and facet suggestions.
func WithFacets(f FacetSource) EngineOption {
	return func(e *Engine) {
		e.facets = f
	}
}

// WithReranker sets a cross-encoder applied after fusion.
func WithReranker(r Reranker) EngineOption {
	return func(e *Engine) {
		e.reranker = r
	}
}

// WithMetrics sets the prometheus collectors.
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithRecorder sets the query analytics sink.
func WithRecorder(r QueryRecorder) EngineOption {
	return func(e *Engine) {
		e.recorder = r
	}
}

// WithDataDir sets where Init and Reload find the generation manifest.
func WithDataDir(dir string) EngineOption {
	return func(e *Engine) {
		e.dataDir = dir
	}
}

// NewEngine creates a search engine. Every positional dependency is
// required.
func NewEngine(
	analyzer *query.Analyzer,
	expander *query.Expander,
	vector store.QueryableIndex,
	lexical store.QueryableIndex,
	embedder embed.Embedder,
	cases CaseStore,
	opts ...EngineOption,
) (*Engine, error) {
	switch {
	case analyzer == nil:
		return nil, fmt.Errorf("%w: analyzer is required", ErrNilDependency)
	case expander == nil:
		return nil, fmt.Errorf("%w: expander is required", ErrNilDependency)
	case vector == nil:
		return nil, fmt.Errorf("%w: vector index is required", ErrNilDependency)
	case lexical == nil:
		return nil, fmt.Errorf("%w: lexical index is required", ErrNilDependency)
	case embedder == nil:
		return nil, fmt.Errorf("%w: embedder is required", ErrNilDependency)
	case cases == nil:
		return nil, fmt.Errorf("%w: case store is required", ErrNilDependency)
	}

	e := &Engine{
		analyzer: analyzer,
		expander: expander,
		vector:   vector,
		lexical:  lexical,
		embedder: embedder,
		cases:    cases,
		cfg:      config.NewConfig(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.dataDir == "" {
		e.dataDir = e.cfg.Paths.DataDir
	}
	e.fuser = NewFuser(e.cfg.Search, cases)
	return e, nil
}

// Init loads the active generations named in the manifest. An index whose
// generation fails to load stays unbuilt and searches degrade around it.
func (e *Engine) Init(ctx context.Context) error {
	return e.loadGenerations(ctx, false)
}

// Reload loads generations that changed since the last load.
func (e *Engine) Reload(ctx context.Context) error {
	return e.loadGenerations(ctx, true)
}

func (e *Engine) loadGenerations(ctx context.Context, onlyChanged bool) error {
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	m, err := store.ReadManifest(e.dataDir)
	if err != nil {
		return err
	}
	for _, ix := range []struct {
		kind  store.GenerationKind
		index store.QueryableIndex
	}{
		{store.KindVector, e.vector},
		{store.KindLexical, e.lexical},
	} {
		if err := ctx.Err(); err != nil {
			return err
		}
		gen := m.Get(ix.kind)
		loader, ok := ix.index.(generationLoader)
		if gen == nil || !ok {
			continue
		}
		if onlyChanged && ix.index.Stats().Generation == gen.ID {
			continue
		}
		if err := loader.Load(gen); err != nil {
			slog.Warn("generation_load_failed",
				slog.String("index", ix.index.Name()),
				slog.String("generation", gen.ID),
				slog.String("error", err.Error()))
			continue
		}
		st := ix.index.Stats()
		e.metrics.setIndexSize(st.Name, st.Count)
		slog.Info("generation_loaded",
			slog.String("index", st.Name),
			slog.String("generation", st.Generation),
			slog.Int("count", st.Count))
	}
	return nil
}

// Close releases the embedder and reranker.
func (e *Engine) Close() error {
	var errs []error
	if err := e.embedder.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close embedder: %w", err))
	}
	if e.reranker != nil {
		if err := e.reranker.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close reranker: %w", err))
		}
	}
	return errors.Join(errs...)
}

// retrieval holds the outcome of the parallel retrieval branches.
type retrieval struct {
	vector     []store.Hit
	lexical    []store.Hit
	vectorErr  error
	lexicalErr error
	vectorMS   float64
	lexicalMS  float64
}

// Search runs one request. A malformed query yields an empty response
// carrying its status, not an error. When every requested signal fails
// the error has code ErrCodeTotalSignalLoss.
func (e *Engine) Search(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	req, err := e.applyDefaults(req)
	if err != nil {
		return nil, err
	}

	info := e.analyzer.Analyze(req.Query)
	resp := &Response{
		Status:  info.Status,
		Query:   req.Query,
		Results: []Result{},
		Facets:  map[string][]facet.Count{},
		Metadata: Metadata{
			Mode:      req.Mode,
			Degraded:  []string{},
			QueryType: info.Type,
		},
		Pagination: Pagination{Offset: req.Offset, Limit: req.Limit},
	}
	if req.Debug {
		resp.QueryInfo = &info
	}
	if info.Malformed() {
		resp.Metadata.LatencyMS = time.Since(start).Milliseconds()
		e.metrics.observe(req.Mode, string(info.Status), time.Since(start).Seconds(), 0, nil)
		slog.Debug("search_malformed_query",
			slog.String("query", req.Query),
			slog.String("message", info.Message))
		return resp, nil
	}

	expansion := e.expander.Expand(info, req.Expansion)
	variants := e.expander.BuildVariants(info.Original, expansion)
	boostTerms := e.expander.BoostTerms(info)
	strategy := e.expander.RecommendStrategy(info)
	resp.Metadata.Strategy = strategy

	ret, err := e.retrieve(ctx, req.Mode, info, variants)
	if err != nil {
		e.metrics.observe(req.Mode, "error", time.Since(start).Seconds(), 0, nil)
		return nil, err
	}

	degraded := make([]string, 0, 4)
	if ret.vectorErr != nil {
		degraded = append(degraded, StageVector)
		slog.Warn("search_stage_degraded",
			slog.String("stage", StageVector),
			slog.String("error", ret.vectorErr.Error()))
	}
	if ret.lexicalErr != nil {
		degraded = append(degraded, StageLexical)
		slog.Warn("search_stage_degraded",
			slog.String("stage", StageLexical),
			slog.String("error", ret.lexicalErr.Error()))
	}
	if signalLost(req.Mode, ret) {
		e.metrics.observe(req.Mode, "error", time.Since(start).Seconds(), 0, degraded)
		return nil, lexerrors.TotalSignalLoss(ret.vectorErr, ret.lexicalErr)
	}

	termCases, err := e.termCases(ctx, boostTerms)
	if err != nil {
		degraded = append(degraded, StageFacets)
		slog.Warn("search_stage_degraded",
			slog.String("stage", StageFacets),
			slog.String("error", err.Error()))
	}

	fuseStart := time.Now()
	records, weights, err := e.fuser.Fuse(ctx, FusionInput{
		Vector:     ret.vector,
		Lexical:    ret.lexical,
		Info:       info,
		BoostTerms: boostTerms,
		TermCases:  termCases,
		Filters:    req.Filters,
		Strategy:   strategy,
		Mode:       req.Mode,
	})
	if err != nil {
		e.metrics.observe(req.Mode, "error", time.Since(start).Seconds(), 0, degraded)
		return nil, lexerrors.New(lexerrors.ErrCodeSearchFailed, "fusion failed", err)
	}
	fuseMS := msSince(fuseStart)

	reranked := false
	rerankStart := time.Now()
	if e.reranker != nil && len(records) > 1 {
		rc := e.cfg.Reranker
		if err := ApplyRerank(ctx, e.reranker, info.Original, records, rc.MaxCandidates, rc.BlendWeight); err != nil {
			degraded = append(degraded, StageReranker)
			slog.Warn("reranker_skipped", slog.String("error", err.Error()))
		} else {
			reranked = true
		}
	}
	rerankMS := msSince(rerankStart)

	page, pagination := Paginate(records, req.Offset, req.Limit)
	resp.Pagination = pagination
	resp.Results = e.buildResults(ctx, page, req, info)

	if req.ReturnFacets && e.facets != nil {
		ids := make([]int64, len(records))
		for i, r := range records {
			ids[i] = r.CaseID
		}
		facets, err := e.facets.CaseFacets(ctx, ids)
		if err != nil {
			if !containsStage(degraded, StageFacets) {
				degraded = append(degraded, StageFacets)
			}
			slog.Warn("facet_aggregation_failed", slog.String("error", err.Error()))
		} else {
			resp.Facets = facets
		}
	}

	resp.Metadata.TotalResults = len(records)
	resp.Metadata.Degraded = degraded
	resp.Metadata.LatencyMS = time.Since(start).Milliseconds()

	if req.Debug {
		resp.Debug = &Debug{
			Variants:    variants,
			Expansion:   expansion,
			BoostTerms:  boostTerms,
			Weights:     weights,
			VectorHits:  len(ret.vector),
			LexicalHits: len(ret.lexical),
			Reranked:    reranked,
			TimingsMS: map[string]float64{
				"vector":  ret.vectorMS,
				"lexical": ret.lexicalMS,
				"fusion":  fuseMS,
				"rerank":  rerankMS,
				"total":   msSince(start),
			},
		}
		if ret.vectorErr != nil {
			resp.Debug.VectorError = ret.vectorErr.Error()
		}
		if ret.lexicalErr != nil {
			resp.Debug.LexicalError = ret.lexicalErr.Error()
		}
	}

	e.metrics.observe(req.Mode, string(query.StatusOK), time.Since(start).Seconds(), len(records), degraded)
	if e.recorder != nil {
		e.recorder.Record(telemetry.Event{
			Query:    req.Query,
			Mode:     string(req.Mode),
			Results:  len(records),
			Latency:  time.Since(start),
			Degraded: len(degraded) > 0,
		})
	}
	slog.Debug("search_complete",
		slog.String("query", req.Query),
		slog.String("mode", string(req.Mode)),
		slog.String("strategy", string(strategy)),
		slog.Int("total", len(records)),
		slog.Int("returned", len(resp.Results)),
		slog.Any("degraded", degraded),
		slog.Duration("duration", time.Since(start)))
	return resp, nil
}

func (e *Engine) applyDefaults(req Request) (Request, error) {
	req.Query = strings.TrimSpace(req.Query)

	modeName := string(req.Mode)
	if modeName == "" {
		modeName = e.cfg.Search.DefaultMode
	}
	mode, err := ParseMode(modeName)
	if err != nil {
		return req, lexerrors.New(lexerrors.ErrCodeInvalidInput, err.Error(), nil)
	}
	req.Mode = mode

	if req.Offset < 0 {
		return req, lexerrors.New(lexerrors.ErrCodeInvalidInput, "offset must be non-negative", nil)
	}
	if req.Limit <= 0 {
		req.Limit = e.cfg.Search.DefaultLimit
	}
	if req.Limit > e.cfg.Search.MaxLimit {
		req.Limit = e.cfg.Search.MaxLimit
	}

	expName := string(req.Expansion)
	if expName == "" {
		expName = e.cfg.Search.ExpansionMode
	}
	exp, err := query.ParseMode(expName)
	if err != nil {
		return req, lexerrors.New(lexerrors.ErrCodeInvalidInput, err.Error(), nil)
	}
	req.Expansion = exp
	return req, nil
}

// retrieve fans out to the requested indexes. Each branch records its own
// error and returns nil so one failure never cancels the other.
func (e *Engine) retrieve(ctx context.Context, mode Mode, info query.Info, variants []string) (retrieval, error) {
	var ret retrieval
	k := e.cfg.Search.CandidateK
	g, gctx := errgroup.WithContext(ctx)

	if mode != ModeLexical {
		g.Go(func() error {
			start := time.Now()
			ret.vector, ret.vectorErr = e.searchVector(gctx, info, k)
			ret.vectorMS = msSince(start)
			return nil
		})
	}
	if mode != ModeSemantic {
		g.Go(func() error {
			start := time.Now()
			ret.lexical, ret.lexicalErr = e.searchLexical(gctx, variants, k)
			ret.lexicalMS = msSince(start)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return ret, err
	}
	if err := ctx.Err(); err != nil {
		return ret, err
	}
	return ret, nil
}

func (e *Engine) searchVector(ctx context.Context, info query.Info, k int) ([]store.Hit, error) {
	if !e.vector.Stats().Built {
		return nil, lexerrors.IndexUnavailable(e.vector.Name())
	}

	text := info.Normalized
	if text == "" {
		text = info.Original
	}
	embedCtx, cancel := context.WithTimeout(ctx, e.cfg.Search.EmbeddingTimeout)
	embedding, err := e.embedder.Embed(embedCtx, text)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, lexerrors.EmbeddingTimeout(err)
		}
		return nil, fmt.Errorf("embed query: %w", err)
	}

	searchCtx, cancel := context.WithTimeout(ctx, e.cfg.Search.RetrievalTimeout)
	defer cancel()
	return e.vector.Search(searchCtx, store.Query{Embedding: embedding}, k)
}

// searchLexical runs every variant and keeps the best score per case. It
// fails only when every variant failed.
func (e *Engine) searchLexical(ctx context.Context, variants []string, k int) ([]store.Hit, error) {
	if !e.lexical.Stats().Built {
		return nil, lexerrors.IndexUnavailable(e.lexical.Name())
	}

	searchCtx, cancel := context.WithTimeout(ctx, e.cfg.Search.RetrievalTimeout)
	defer cancel()

	best := make(map[int64]float64)
	var errs []error
	for _, v := range variants {
		hits, err := e.lexical.Search(searchCtx, store.Query{Text: v}, k)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, h := range hits {
			if s, ok := best[h.CaseID]; !ok || h.Score > s {
				best[h.CaseID] = h.Score
			}
		}
	}
	if len(variants) > 0 && len(errs) == len(variants) {
		return nil, errors.Join(errs...)
	}

	out := make([]store.Hit, 0, len(best))
	for id, s := range best {
		out = append(out, store.Hit{CaseID: id, Score: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].CaseID < out[j].CaseID
	})
	return out, nil
}

// signalLost reports whether every signal the mode asked for failed.
func signalLost(mode Mode, ret retrieval) bool {
	switch mode {
	case ModeLexical:
		return ret.lexicalErr != nil
	case ModeSemantic:
		return ret.vectorErr != nil
	default:
		return ret.vectorErr != nil && ret.lexicalErr != nil
	}
}

// termCases resolves non-citation boost terms to the cases whose facets
// carry them, with each term's boost factor.
func (e *Engine) termCases(ctx context.Context, terms []query.BoostTerm) (map[string]map[int64]float64, error) {
	out := make(map[string]map[int64]float64)
	if e.facets == nil {
		return out, nil
	}
	for _, bt := range terms {
		if bt.Source == "citation" {
			continue
		}
		ids, err := e.facets.MatchCases(ctx, bt.Term)
		if err != nil {
			return out, err
		}
		out[bt.Term] = ids
	}
	return out, nil
}

func (e *Engine) buildResults(ctx context.Context, page []*ScoreRecord, req Request, info query.Info) []Result {
	results := make([]Result, len(page))
	for i, r := range page {
		res := Result{
			CaseID:       r.CaseID,
			Rank:         req.Offset + i + 1,
			FinalScore:   r.FinalScore,
			VectorScore:  r.VectorScore,
			KeywordScore: r.KeywordScore,
			ChunkID:      r.ChunkID,
			Boosts:       r.Boosts,
		}
		if res.Boosts == nil {
			res.Boosts = []Boost{}
		}
		if c := r.Case; c != nil {
			res.CaseNumber = c.CaseNumber
			res.Title = c.Title
			res.Court = c.Court
			res.Status = c.Status
		}
		results[i] = res
	}

	if req.Highlight && len(page) > 0 {
		e.highlight(ctx, results, page, info)
	}
	return results
}

// highlight wraps query terms in <mark> within the title, the summary and
// the best matching chunk.
func (e *Engine) highlight(ctx context.Context, results []Result, page []*ScoreRecord, info query.Info) {
	h := newHighlighter(info)
	if h == nil {
		return
	}

	var chunkIDs []int64
	for _, r := range page {
		if r.ChunkID != 0 {
			chunkIDs = append(chunkIDs, r.ChunkID)
		}
	}
	chunks := map[int64]*store.Chunk{}
	if len(chunkIDs) > 0 {
		var err error
		chunks, err = e.cases.GetChunks(ctx, chunkIDs)
		if err != nil {
			slog.Warn("highlight_chunks_failed", slog.String("error", err.Error()))
			chunks = map[int64]*store.Chunk{}
		}
	}

	for i, r := range page {
		marks := make(map[string]string)
		if c := r.Case; c != nil {
			if s, ok := h.mark(c.Title); ok {
				marks["case_title"] = s
			}
			if s, ok := h.mark(c.Summary); ok {
				marks["summary"] = s
			}
		}
		if ch, ok := chunks[r.ChunkID]; ok {
			if s, ok := h.snippet(ch.Text); ok {
				marks["snippet"] = s
			}
		}
		if len(marks) > 0 {
			results[i].Highlights = marks
		}
	}
}

// Suggest returns up to MaxSuggestions completions for q. Type auto merges
// case numbers, citations and sections.
func (e *Engine) Suggest(ctx context.Context, q, suggestType string) ([]Suggestion, error) {
	q = strings.TrimSpace(q)
	if suggestType == "" {
		suggestType = SuggestAuto
	}

	var kinds []string
	switch suggestType {
	case SuggestAuto:
		kinds = []string{SuggestCase, SuggestCitation, SuggestSection}
	case SuggestCase, SuggestCitation, SuggestSection, SuggestJudge:
		kinds = []string{suggestType}
	default:
		return nil, lexerrors.New(lexerrors.ErrCodeInvalidInput,
			fmt.Sprintf("unknown suggestion type %q", suggestType), nil).
			WithSuggestion("Use one of: auto, case, citation, section, judge")
	}

	out := []Suggestion{}
	if len(q) < query.MinQueryLength {
		return out, nil
	}

	seen := make(map[string]bool)
	add := func(s Suggestion) {
		key := s.Type + "\x00" + strings.ToLower(s.Value)
		if s.Value == "" || seen[key] || len(out) >= MaxSuggestions {
			return
		}
		seen[key] = true
		out = append(out, s)
	}

	for _, kind := range kinds {
		if kind == SuggestCase {
			cases, err := e.cases.SuggestCaseNumbers(ctx, q, MaxSuggestions)
			if err != nil {
				return nil, lexerrors.New(lexerrors.ErrCodeStoreQuery, "suggest case numbers", err)
			}
			for _, c := range cases {
				add(Suggestion{Value: c.CaseNumber, Type: SuggestCase, AdditionalInfo: c.Title})
			}
			continue
		}
		if e.facets == nil {
			continue
		}
		terms, err := e.facets.Suggest(ctx, q, kind, MaxSuggestions)
		if err != nil {
			return nil, lexerrors.New(lexerrors.ErrCodeStoreQuery, "suggest facet terms", err)
		}
		for _, t := range terms {
			add(Suggestion{
				Value:          t.DisplayTerm,
				Type:           kind,
				AdditionalInfo: fmt.Sprintf("%d cases", t.CaseCount),
			})
		}
	}
	return out, nil
}

// Status reports index, facet and metadata state with an overall health.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	st := &Status{
		Vector:  indexStatus(e.vector.Stats()),
		Keyword: indexStatus(e.lexical.Stats()),
	}

	if e.facets != nil {
		built, err := e.facets.BuiltTypes(ctx)
		if err != nil {
			return nil, lexerrors.New(lexerrors.ErrCodeStoreQuery, "read facet state", err)
		}
		st.Facets = FacetStatus{Total: len(e.facets.Types()), Built: len(built), Types: built}
	}
	if st.Facets.Types == nil {
		st.Facets.Types = []string{}
	}

	total, indexed, err := e.cases.MetadataStats(ctx)
	if err != nil {
		return nil, lexerrors.New(lexerrors.ErrCodeStoreQuery, "read search metadata", err)
	}
	st.Metadata = MetadataStatus{TotalRecords: total, IndexedRecords: indexed, IsBuilt: total > 0 && indexed == total}

	switch {
	case st.Vector.IsBuilt && st.Keyword.IsBuilt:
		st.Health = HealthHealthy
	case st.Vector.IsBuilt || st.Keyword.IsBuilt:
		st.Health = HealthDegraded
	default:
		st.Health = HealthUnavailable
	}
	return st, nil
}

func indexStatus(s store.IndexStats) IndexStatus {
	return IndexStatus{
		Exists:      s.Generation != "",
		IsBuilt:     s.Built,
		Total:       s.Count,
		LastUpdated: s.BuiltAt,
		Generation:  s.Generation,
	}
}

func containsStage(stages []string, stage string) bool {
	for _, s := range stages {
		if s == stage {
			return true
		}
	}
	return false
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000
}
