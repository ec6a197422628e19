package search

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/lexsearch/internal/config"
	"github.com/Aman-CERP/lexsearch/internal/embed"
	lexerrors "github.com/Aman-CERP/lexsearch/internal/errors"
	"github.com/Aman-CERP/lexsearch/internal/facet"
	"github.com/Aman-CERP/lexsearch/internal/index"
	"github.com/Aman-CERP/lexsearch/internal/query"
	"github.com/Aman-CERP/lexsearch/internal/store"
	"github.com/Aman-CERP/lexsearch/internal/telemetry"
)

// =============================================================================
// Test fixtures
// =============================================================================

type testEnv struct {
	cfg      *config.Config
	dir      string
	store    *store.SQLiteStore
	embedder *embed.StaticEmbedder
	vector   *index.VectorIndex
	lexical  *index.LexicalIndex
	facets   *facet.Service
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	s, err := store.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	require.NoError(t, s.SaveCases(ctx, []*store.Case{
		{ID: 1, CaseNumber: "W.P. 123/2024", Title: "A vs B", Court: "Lahore High Court", Status: "Pending",
			Summary: "Writ petition challenging a tax notice"},
		{ID: 2, CaseNumber: "Crl.A. 5/2020", Title: "State vs Ahmed Khan", Court: "Supreme Court", Status: "Decided",
			Summary: "Criminal appeal against refusal of post arrest bail",
			Parties: []string{"State", "Ahmed Khan"}, Tags: []string{"PPC 302"}},
		{ID: 3, CaseNumber: "C.P. 77/2019", Title: "Land Revenue Appeal", Court: "Board of Revenue", Status: "Decided",
			Summary: "Mutation dispute over inheritance"},
	}))
	require.NoError(t, s.SaveChunks(ctx, []*store.Chunk{
		{ID: 10, CaseID: 1, Index: 0, Text: "constitutional petition challenging the tax notice"},
		{ID: 20, CaseID: 2, Index: 0, Text: "post arrest bail in narcotics case under section 9"},
		{ID: 21, CaseID: 2, Index: 1, Text: "bail was refused by the trial court"},
		{ID: 30, CaseID: 3, Index: 0, Text: "land revenue mutation dispute over inheritance"},
	}))
	require.NoError(t, s.SaveTermOccurrences(ctx, []store.TermOccurrence{
		{CaseID: 1, FacetType: facet.TypeCourt, Term: "Lahore High Court", Count: 1},
		{CaseID: 2, FacetType: facet.TypeCourt, Term: "Supreme Court", Count: 1},
		{CaseID: 3, FacetType: facet.TypeCourt, Term: "Board of Revenue", Count: 1},
		{CaseID: 2, FacetType: facet.TypeSection, Term: "PPC 302", Count: 2},
	}))

	cfg := config.NewConfig()
	dir := t.TempDir()
	emb := embed.NewStaticEmbedder(64)
	return &testEnv{
		cfg:      cfg,
		dir:      dir,
		store:    s,
		embedder: emb,
		vector:   index.NewVectorIndex(dir, cfg.Vector, s, emb, index.WithWorkers(2)),
		lexical:  index.NewLexicalIndex(dir, cfg.Lexical, s),
		facets:   facet.NewService(s, dir, cfg.Facets),
	}
}

func (env *testEnv) buildLexical(t *testing.T) *testEnv {
	t.Helper()
	_, err := env.lexical.Build(context.Background(), index.BuildOptions{})
	require.NoError(t, err)
	return env
}

func (env *testEnv) buildVector(t *testing.T) *testEnv {
	t.Helper()
	_, err := env.vector.Build(context.Background(), index.BuildOptions{})
	require.NoError(t, err)
	return env
}

func (env *testEnv) buildFacets(t *testing.T) *testEnv {
	t.Helper()
	_, err := env.facets.BuildAll(context.Background(), facet.BuildOptions{})
	require.NoError(t, err)
	return env
}

func (env *testEnv) engine(t *testing.T, opts ...EngineOption) *Engine {
	t.Helper()
	return env.engineWith(t, env.embedder, opts...)
}

func (env *testEnv) engineWith(t *testing.T, emb embed.Embedder, opts ...EngineOption) *Engine {
	t.Helper()
	base := []EngineOption{WithConfig(env.cfg), WithDataDir(env.dir), WithFacets(env.facets)}
	e, err := NewEngine(query.NewAnalyzer(), query.NewExpander(nil), env.vector, env.lexical, emb, env.store,
		append(base, opts...)...)
	require.NoError(t, err)
	return e
}

func resultIDs(results []Result) []int64 {
	out := make([]int64, len(results))
	for i, r := range results {
		out[i] = r.CaseID
	}
	return out
}

func findResult(t *testing.T, results []Result, caseID int64) Result {
	t.Helper()
	for _, r := range results {
		if r.CaseID == caseID {
			return r
		}
	}
	t.Fatalf("case %d not in results %v", caseID, resultIDs(results))
	return Result{}
}

func assertSorted(t *testing.T, results []Result) {
	t.Helper()
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].FinalScore, results[i].FinalScore)
		assert.Equal(t, results[i-1].Rank+1, results[i].Rank)
	}
}

// slowEmbedder blocks until the context expires.
type slowEmbedder struct {
	*embed.StaticEmbedder
}

func (s slowEmbedder) Embed(ctx context.Context, _ string) ([]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// needleReranker scores documents containing needle 1, others 0.
type needleReranker struct {
	needle string
}

func (n needleReranker) Rerank(_ context.Context, _ string, documents []string, _ int) ([]RerankResult, error) {
	out := make([]RerankResult, len(documents))
	for i, d := range documents {
		out[i] = RerankResult{Index: i}
		if strings.Contains(d, n.needle) {
			out[i].Score = 1
		}
	}
	return out, nil
}

func (needleReranker) Available(context.Context) bool { return true }
func (needleReranker) Close() error                   { return nil }

// =============================================================================
// Construction
// =============================================================================

func TestNewEngine_RequiresDependencies(t *testing.T) {
	env := newEnv(t)
	_, err := NewEngine(nil, query.NewExpander(nil), env.vector, env.lexical, env.embedder, env.store)
	assert.ErrorIs(t, err, ErrNilDependency)
	_, err = NewEngine(query.NewAnalyzer(), query.NewExpander(nil), env.vector, env.lexical, env.embedder, nil)
	assert.ErrorIs(t, err, ErrNilDependency)
}

// =============================================================================
// Search
// =============================================================================

func TestSearch_CaseNumberRanksFirstLexical(t *testing.T) {
	// Given: a built lexical index
	e := newEnv(t).buildLexical(t).engine(t)

	// When: searching the exact case number in lexical mode
	resp, err := e.Search(context.Background(), Request{Query: "W.P. 123/2024", Mode: ModeLexical})
	require.NoError(t, err)

	// Then: that case is first with a near-perfect keyword score
	require.NotEmpty(t, resp.Results)
	top := resp.Results[0]
	assert.Equal(t, int64(1), top.CaseID)
	assert.Equal(t, 1, top.Rank)
	assert.Equal(t, "W.P. 123/2024", top.CaseNumber)
	assert.Equal(t, "A vs B", top.Title)
	assert.Greater(t, top.KeywordScore, 0.9)
	assert.Equal(t, query.StatusOK, resp.Status)
	assert.Equal(t, query.TypeCitation, resp.Metadata.QueryType)
	assert.Equal(t, query.StrategyKeywordPrimary, resp.Metadata.Strategy)
	assert.Empty(t, resp.Metadata.Degraded)
}

func TestSearch_EmptyVectorIndexEqualsLexicalOnly(t *testing.T) {
	// Given: only the lexical index is built
	e := newEnv(t).buildLexical(t).buildFacets(t).engine(t)
	ctx := context.Background()

	for _, q := range []string{"bail", "W.P. 123/2024", "State vs Ahmed Khan", "appeal"} {
		t.Run(q, func(t *testing.T) {
			// When: the same query runs hybrid and lexical
			hybrid, err := e.Search(ctx, Request{Query: q, Mode: ModeHybrid})
			require.NoError(t, err)
			lexical, err := e.Search(ctx, Request{Query: q, Mode: ModeLexical})
			require.NoError(t, err)

			// Then: the rankings are identical and hybrid reports the missing signal
			assert.Equal(t, resultIDs(lexical.Results), resultIDs(hybrid.Results))
			for i := range lexical.Results {
				assert.InDelta(t, lexical.Results[i].FinalScore, hybrid.Results[i].FinalScore, 1e-9)
			}
			assert.Equal(t, []string{StageVector}, hybrid.Metadata.Degraded)
			assertSorted(t, hybrid.Results)
		})
	}
}

func TestSearch_HybridUsesBothSignals(t *testing.T) {
	e := newEnv(t).buildLexical(t).buildVector(t).engine(t)

	resp, err := e.Search(context.Background(), Request{Query: "bail", Debug: true})
	require.NoError(t, err)

	assert.Equal(t, ModeHybrid, resp.Metadata.Mode)
	assert.Empty(t, resp.Metadata.Degraded)
	r := findResult(t, resp.Results, 2)
	assert.Greater(t, r.VectorScore, 0.0)
	assert.Greater(t, r.KeywordScore, 0.0)
	assert.NotZero(t, r.ChunkID)
	assertSorted(t, resp.Results)

	require.NotNil(t, resp.Debug)
	require.NotNil(t, resp.QueryInfo)
	assert.Positive(t, resp.Debug.VectorHits)
	assert.Positive(t, resp.Debug.LexicalHits)
	assert.Contains(t, resp.Debug.Variants, "bail")
	assert.InDelta(t, 1.0, resp.Debug.Weights.Vector+resp.Debug.Weights.Keyword, 1e-9)
}

func TestSearch_Deterministic(t *testing.T) {
	e := newEnv(t).buildLexical(t).buildVector(t).buildFacets(t).engine(t)
	ctx := context.Background()
	req := Request{Query: "appeal bail Ahmed Khan", ReturnFacets: true}

	first, err := e.Search(ctx, req)
	require.NoError(t, err)
	second, err := e.Search(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.Results, second.Results)
	assert.Equal(t, first.Facets, second.Facets)
}

func TestSearch_MalformedQuery(t *testing.T) {
	e := newEnv(t).buildLexical(t).engine(t)

	for _, q := range []string{"", "   ", "a"} {
		resp, err := e.Search(context.Background(), Request{Query: q})
		require.NoError(t, err)
		assert.Equal(t, query.StatusMalformed, resp.Status)
		assert.NotNil(t, resp.Results)
		assert.Empty(t, resp.Results)
		assert.Zero(t, resp.Metadata.TotalResults)
	}
}

func TestSearch_InvalidInput(t *testing.T) {
	e := newEnv(t).buildLexical(t).engine(t)
	tests := []struct {
		name string
		req  Request
	}{
		{"unknown mode", Request{Query: "bail", Mode: "fuzzy"}},
		{"negative offset", Request{Query: "bail", Offset: -1}},
		{"unknown expansion", Request{Query: "bail", Expansion: "wild"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Search(context.Background(), tt.req)
			assert.Equal(t, lexerrors.ErrCodeInvalidInput, lexerrors.GetCode(err))
		})
	}
}

func TestSearch_LimitClamped(t *testing.T) {
	e := newEnv(t).buildLexical(t).engine(t)
	resp, err := e.Search(context.Background(), Request{Query: "appeal", Mode: ModeLexical, Limit: 1000})
	require.NoError(t, err)
	assert.Equal(t, 100, resp.Pagination.Limit)

	resp, err = e.Search(context.Background(), Request{Query: "appeal", Mode: ModeLexical})
	require.NoError(t, err)
	assert.Equal(t, 10, resp.Pagination.Limit)
}

func TestSearch_TotalSignalLoss(t *testing.T) {
	tests := []struct {
		name  string
		build func(*testing.T, *testEnv)
		mode  Mode
	}{
		{"hybrid with nothing built", func(*testing.T, *testEnv) {}, ModeHybrid},
		{"semantic without vector", func(t *testing.T, env *testEnv) { env.buildLexical(t) }, ModeSemantic},
		{"lexical without lexical", func(t *testing.T, env *testEnv) { env.buildVector(t) }, ModeLexical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newEnv(t)
			tt.build(t, env)
			e := env.engine(t)

			_, err := e.Search(context.Background(), Request{Query: "bail", Mode: tt.mode})

			require.Error(t, err)
			assert.Equal(t, lexerrors.ErrCodeTotalSignalLoss, lexerrors.GetCode(err))
		})
	}
}

func TestSearch_EmbeddingTimeoutDegrades(t *testing.T) {
	// Given: a built vector index but an embedder that never answers
	env := newEnv(t).buildLexical(t).buildVector(t)
	env.cfg.Search.EmbeddingTimeout = 20 * time.Millisecond
	e := env.engineWith(t, slowEmbedder{env.embedder})

	// When: searching hybrid
	resp, err := e.Search(context.Background(), Request{Query: "bail", Debug: true})

	// Then: lexical results are served and the vector stage is reported
	require.NoError(t, err)
	assert.Equal(t, []string{StageVector}, resp.Metadata.Degraded)
	assert.NotEmpty(t, resp.Results)
	assert.Contains(t, resp.Debug.VectorError, "timed out")

	// And: semantic mode alone has nothing to serve
	_, err = e.Search(context.Background(), Request{Query: "bail", Mode: ModeSemantic})
	assert.Equal(t, lexerrors.ErrCodeTotalSignalLoss, lexerrors.GetCode(err))
}

func TestSearch_Pagination(t *testing.T) {
	e := newEnv(t).buildLexical(t).buildVector(t).engine(t)
	ctx := context.Background()

	all, err := e.Search(ctx, Request{Query: "appeal"})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(all.Results), 2)

	page, err := e.Search(ctx, Request{Query: "appeal", Limit: 1, Offset: 1})
	require.NoError(t, err)

	require.Len(t, page.Results, 1)
	assert.Equal(t, all.Results[1].CaseID, page.Results[0].CaseID)
	assert.Equal(t, 2, page.Results[0].Rank)
	assert.Equal(t, all.Metadata.TotalResults, page.Pagination.Total)
	assert.True(t, page.Pagination.HasPrevious)
	assert.Equal(t, len(all.Results) > 2, page.Pagination.HasNext)
}

func TestSearch_Filters(t *testing.T) {
	e := newEnv(t).buildLexical(t).buildVector(t).engine(t)

	resp, err := e.Search(context.Background(), Request{
		Query:   "appeal",
		Filters: store.Filters{Status: "decided", Court: "supreme"},
	})
	require.NoError(t, err)

	assert.Equal(t, []int64{2}, resultIDs(resp.Results))
}

func TestSearch_RerankerReorders(t *testing.T) {
	e := newEnv(t).buildLexical(t).engine(t, WithReranker(needleReranker{needle: "Land Revenue"}))

	resp, err := e.Search(context.Background(), Request{Query: "appeal", Mode: ModeLexical, Debug: true})
	require.NoError(t, err)

	require.NotEmpty(t, resp.Results)
	assert.Equal(t, int64(3), resp.Results[0].CaseID)
	assert.True(t, resp.Debug.Reranked)
	assertSorted(t, resp.Results)
}

func TestSearch_RerankerFailureKeepsFusedRanking(t *testing.T) {
	env := newEnv(t).buildLexical(t)
	plain, err := env.engine(t).Search(context.Background(), Request{Query: "appeal", Mode: ModeLexical})
	require.NoError(t, err)

	e := env.engine(t, WithReranker(&fixedReranker{err: lexerrors.RerankerTimeout(context.DeadlineExceeded)}))
	resp, err := e.Search(context.Background(), Request{Query: "appeal", Mode: ModeLexical})
	require.NoError(t, err)

	assert.Equal(t, resultIDs(plain.Results), resultIDs(resp.Results))
	assert.Contains(t, resp.Metadata.Degraded, StageReranker)
}

func TestSearch_FacetsAndHighlights(t *testing.T) {
	e := newEnv(t).buildLexical(t).buildVector(t).buildFacets(t).engine(t)
	ctx := context.Background()

	// lexical: only the bail case matches
	resp, err := e.Search(ctx, Request{Query: "bail", Mode: ModeLexical, ReturnFacets: true, Highlight: true})
	require.NoError(t, err)
	require.Equal(t, []int64{2}, resultIDs(resp.Results))
	assert.Equal(t, []facet.Count{{Term: "supreme court", Display: "Supreme Court", Count: 1}}, resp.Facets[facet.TypeCourt])
	assert.Equal(t, []facet.Count{{Term: "ppc 302", Display: "PPC 302", Count: 1}}, resp.Facets[facet.TypeSection])
	assert.Equal(t, "Criminal appeal against refusal of post arrest <mark>bail</mark>",
		resp.Results[0].Highlights["summary"])
	assert.NotContains(t, resp.Results[0].Highlights, "case_title")

	// hybrid: the best chunk yields a snippet
	resp, err = e.Search(ctx, Request{Query: "bail", Highlight: true})
	require.NoError(t, err)
	r := findResult(t, resp.Results, 2)
	assert.Contains(t, r.Highlights["snippet"], "<mark>bail</mark>")
}

func TestSearch_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	e := newEnv(t).buildLexical(t).engine(t, WithMetrics(NewMetrics(reg)))
	ctx := context.Background()

	_, err := e.Search(ctx, Request{Query: "bail"})
	require.NoError(t, err)
	_, err = e.Search(ctx, Request{Query: " "})
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	counts := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			if c := m.GetCounter(); c != nil {
				key := mf.GetName()
				for _, l := range m.GetLabel() {
					key += "," + l.GetName() + "=" + l.GetValue()
				}
				counts[key] = c.GetValue()
			}
		}
	}
	assert.Equal(t, 1.0, counts["lexsearch_search_requests_total,mode=hybrid,status=ok"])
	assert.Equal(t, 1.0, counts["lexsearch_search_requests_total,mode=hybrid,status=malformed_query"])
	assert.Equal(t, 1.0, counts["lexsearch_search_degraded_total,stage=vector"])
}

func TestSearch_RecordsQueryAnalytics(t *testing.T) {
	rec := telemetry.New(nil, config.TelemetryConfig{})
	e := newEnv(t).buildLexical(t).engine(t, WithRecorder(rec))
	ctx := context.Background()

	_, err := e.Search(ctx, Request{Query: "bail", Mode: ModeLexical})
	require.NoError(t, err)
	_, err = e.Search(ctx, Request{Query: "zzzz unknownword"})
	require.NoError(t, err)
	_, err = e.Search(ctx, Request{Query: "a"})
	require.NoError(t, err)

	// malformed queries are not recorded
	snap := rec.Snapshot()
	assert.Equal(t, int64(2), snap.TotalQueries)
	assert.Equal(t, map[string]int64{"lexical": 1, "hybrid": 1}, snap.Modes)
	assert.Equal(t, int64(1), snap.DegradedCount, "hybrid without a vector index is degraded")
	require.Len(t, snap.ZeroResults, 1)
	assert.Equal(t, "zzzz unknownword", snap.ZeroResults[0].Query)
}

// =============================================================================
// Suggest, Status, Init
// =============================================================================

func TestSuggest(t *testing.T) {
	e := newEnv(t).buildFacets(t).engine(t)
	ctx := context.Background()

	got, err := e.Suggest(ctx, "crl", SuggestCase)
	require.NoError(t, err)
	assert.Equal(t, []Suggestion{{Value: "Crl.A. 5/2020", Type: SuggestCase, AdditionalInfo: "State vs Ahmed Khan"}}, got)

	got, err = e.Suggest(ctx, "ppc", "")
	require.NoError(t, err)
	assert.Equal(t, []Suggestion{{Value: "PPC 302", Type: SuggestSection, AdditionalInfo: "1 cases"}}, got)

	got, err = e.Suggest(ctx, "c", SuggestAuto)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = e.Suggest(ctx, "ppc", "colour")
	assert.Equal(t, lexerrors.ErrCodeInvalidInput, lexerrors.GetCode(err))
}

func TestStatus(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	st, err := env.engine(t).Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, HealthUnavailable, st.Health)
	assert.False(t, st.Keyword.Exists)

	env.buildLexical(t).buildFacets(t)
	st, err = env.engine(t).Status(ctx)
	require.NoError(t, err)

	assert.Equal(t, HealthDegraded, st.Health)
	assert.True(t, st.Keyword.IsBuilt)
	assert.Equal(t, 3, st.Keyword.Total)
	assert.NotEmpty(t, st.Keyword.Generation)
	assert.False(t, st.Vector.IsBuilt)
	assert.Equal(t, 5, st.Facets.Total)
	assert.ElementsMatch(t, []string{facet.TypeCourt, facet.TypeSection}, st.Facets.Types)
	assert.Equal(t, 2, st.Facets.Built)
}

func TestInit_LoadsPublishedGenerations(t *testing.T) {
	// Given: a build published both generations to the data dir
	env := newEnv(t)
	ctx := context.Background()
	_, err := index.NewBuilder(env.dir, env.store, env.vector, env.lexical).Run(ctx, index.BuildRequest{})
	require.NoError(t, err)

	// When: a fresh engine over fresh indexes initializes
	fresh := &testEnv{
		cfg:      env.cfg,
		dir:      env.dir,
		store:    env.store,
		embedder: env.embedder,
		vector:   index.NewVectorIndex(env.dir, env.cfg.Vector, env.store, env.embedder),
		lexical:  index.NewLexicalIndex(env.dir, env.cfg.Lexical, env.store),
		facets:   env.facets,
	}
	e := fresh.engine(t)
	require.NoError(t, e.Init(ctx))

	// Then: both indexes serve and metadata is complete
	st, err := e.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, HealthHealthy, st.Health)
	assert.True(t, st.Metadata.IsBuilt)

	resp, err := e.Search(ctx, Request{Query: "W.P. 123/2024"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), resp.Results[0].CaseID)

	// And: reloading an unchanged manifest is a no-op
	require.NoError(t, e.Reload(ctx))
	assert.NoError(t, e.Close())
}
