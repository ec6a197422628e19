package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// =============================================================================
// Cases
// =============================================================================

func TestSQLiteStore_CaseRoundTrip(t *testing.T) {
	// Given: a case with parties, tags and dates
	s := newTestStore(t)
	ctx := context.Background()
	c := &Case{
		ID:              7,
		CaseNumber:      "W.P. 123/2024",
		Title:           "Ahmed Khan v. State",
		Court:           "Lahore High Court",
		Status:          "decided",
		Parties:         []string{"Ahmed Khan", "State"},
		Tags:            []string{"ppc 302"},
		InstitutionDate: date(2024, 1, 10),
		DisposalDate:    date(2024, 6, 1),
	}

	// When: I save and read it back
	require.NoError(t, s.SaveCases(ctx, []*Case{c}))
	got, err := s.GetCase(ctx, 7)
	require.NoError(t, err)

	// Then: every field survives
	assert.Equal(t, c, got)
	assert.Equal(t, date(2024, 6, 1), got.Date())
}

func TestSQLiteStore_GetCase_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetCase(context.Background(), 99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_GetCases_OmitsMissing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveCases(ctx, []*Case{{ID: 1, Title: "a"}, {ID: 2, Title: "b"}}))

	got, err := s.GetCases(ctx, []int64{1, 2, 3})
	require.NoError(t, err)

	assert.Len(t, got, 2)
	assert.Equal(t, "b", got[2].Title)
}

func TestSQLiteStore_SuggestCaseNumbers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveCases(ctx, []*Case{
		{ID: 1, CaseNumber: "W.P. 1234/2023"},
		{ID: 2, CaseNumber: "W.P. 12/2024"},
		{ID: 3, CaseNumber: "Crl.A 5/2020"},
	}))

	got, err := s.SuggestCaseNumbers(ctx, "w.p. 12", 10)
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[0].ID, "shorter case number first")
}

func TestSQLiteStore_RevisionBumpsOnWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r0, err := s.Revision(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), r0)

	require.NoError(t, s.SaveCases(ctx, []*Case{{ID: 1}}))
	require.NoError(t, s.SaveChunks(ctx, []*Chunk{{ID: 10, CaseID: 1, Text: "x"}}))

	r2, err := s.Revision(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), r2)
}

// =============================================================================
// Chunks and embeddings
// =============================================================================

func TestSQLiteStore_EmbeddingLifecycle(t *testing.T) {
	// Given: two chunks, neither embedded
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveCases(ctx, []*Case{{ID: 1}}))
	require.NoError(t, s.SaveChunks(ctx, []*Chunk{
		{ID: 10, CaseID: 1, Index: 0, Text: "first"},
		{ID: 11, CaseID: 1, Index: 1, Text: "second"},
	}))

	pending, err := s.ListChunks(ctx, true)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	// When: one chunk gets an embedding
	require.NoError(t, s.SaveChunkEmbeddings(ctx, []ChunkVector{
		{ChunkID: 10, CaseID: 1, Vector: []float32{0.5, -1.25, 3}},
	}))

	// Then: it is no longer pending and its vector round trips
	pending, err = s.ListChunks(ctx, true)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, int64(11), pending[0].ID)

	vecs, err := s.AllEmbeddings(ctx)
	require.NoError(t, err)
	require.Len(t, vecs, 1)
	assert.Equal(t, []float32{0.5, -1.25, 3}, vecs[0].Vector)
	assert.Equal(t, int64(1), vecs[0].CaseID)

	chunks, err := s.GetChunks(ctx, []int64{10})
	require.NoError(t, err)
	assert.True(t, chunks[10].IsEmbedded)
	assert.Equal(t, "10", chunks[10].EmbeddingID)

	embedded, waiting, err := s.EmbeddingStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, embedded)
	assert.Equal(t, 1, waiting)

	// And: a replace keeps only the new vectors
	require.NoError(t, s.ReplaceEmbeddings(ctx, []ChunkVector{
		{ChunkID: 11, CaseID: 1, Vector: []float32{1, 0}},
	}))
	vecs, err = s.AllEmbeddings(ctx)
	require.NoError(t, err)
	require.Len(t, vecs, 1)
	assert.Equal(t, int64(11), vecs[0].ChunkID)
	embedded, waiting, err = s.EmbeddingStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, embedded)
	assert.Equal(t, 1, waiting)

	// And: replacing with nothing makes everything pending again
	require.NoError(t, s.ReplaceEmbeddings(ctx, nil))
	embedded, waiting, err = s.EmbeddingStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, embedded)
	assert.Equal(t, 2, waiting)
}

func TestSQLiteStore_DeleteCasesRemovesChunks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveCases(ctx, []*Case{{ID: 1}, {ID: 2}}))
	require.NoError(t, s.SaveChunks(ctx, []*Chunk{{ID: 10, CaseID: 1, Text: "a"}, {ID: 20, CaseID: 2, Text: "b"}}))

	require.NoError(t, s.DeleteCases(ctx, []int64{1}))

	n, err := s.CaseCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	chunks, err := s.ListChunks(ctx, false)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, int64(20), chunks[0].ID)
}

// =============================================================================
// Metadata and state
// =============================================================================

func TestSQLiteStore_SearchMetadata(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveSearchMetadata(ctx, []*SearchMetadata{
		{CaseID: 1, CaseNumber: "wp 1/2024", IsIndexed: true, LegalEntities: []string{"ppc"}},
		{CaseID: 2, CaseNumber: "wp 2/2024"},
	}))

	total, indexed, err := s.MetadataStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, indexed)

	m, err := s.GetSearchMetadata(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"ppc"}, m.LegalEntities)
	assert.True(t, m.IsIndexed)
}

func TestSQLiteStore_State(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.GetState(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, s.SetState(ctx, "k", "one"))
	require.NoError(t, s.SetState(ctx, "k", "two"))
	v, err = s.GetState(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "two", v)
}

// =============================================================================
// Facets
// =============================================================================

func TestSQLiteStore_FacetTermUpsertAndQueries(t *testing.T) {
	// Given: a term mapped to two cases
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveCases(ctx, []*Case{{ID: 1}, {ID: 2}}))
	term := &FacetTerm{FacetType: "section", CanonicalTerm: "ppc 302", DisplayTerm: "PPC 302",
		OccurrenceCount: 3, CaseCount: 2, BoostFactor: 0.5, Version: "v1"}
	id, err := s.SaveFacetTerm(ctx, term, []FacetMapping{{CaseID: 1, OccurrenceCount: 2}, {CaseID: 2, OccurrenceCount: 1}})
	require.NoError(t, err)

	// When: the same term is saved again with one mapping
	term.CaseCount = 1
	id2, err := s.SaveFacetTerm(ctx, term, []FacetMapping{{CaseID: 2, OccurrenceCount: 1}})
	require.NoError(t, err)

	// Then: the ID is stable and mappings are replaced
	assert.Equal(t, id, id2)
	cases, err := s.CasesForTerm(ctx, "section", "ppc 302")
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, cases)

	terms, mappings, err := s.FacetCounts(ctx, "section")
	require.NoError(t, err)
	assert.Equal(t, 1, terms)
	assert.Equal(t, 1, mappings)

	suggested, err := s.SuggestFacetTerms(ctx, "section", "ppc", 10)
	require.NoError(t, err)
	require.Len(t, suggested, 1)
	assert.Equal(t, "PPC 302", suggested[0].DisplayTerm)

	types, err := s.FacetTypes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"section"}, types)
}

func TestSQLiteStore_CleanupFacets(t *testing.T) {
	// Given: a term mapped to cases 1 and 2, and a term mapped only to case 2
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveCases(ctx, []*Case{{ID: 1}, {ID: 2}}))
	_, err := s.SaveFacetTerm(ctx, &FacetTerm{FacetType: "judge", CanonicalTerm: "a", DisplayTerm: "A",
		OccurrenceCount: 2, CaseCount: 2, BoostFactor: 0.5},
		[]FacetMapping{{CaseID: 1, OccurrenceCount: 1}, {CaseID: 2, OccurrenceCount: 1}})
	require.NoError(t, err)
	_, err = s.SaveFacetTerm(ctx, &FacetTerm{FacetType: "judge", CanonicalTerm: "b", DisplayTerm: "B",
		OccurrenceCount: 1, CaseCount: 1, BoostFactor: 1},
		[]FacetMapping{{CaseID: 2, OccurrenceCount: 1}})
	require.NoError(t, err)

	// When: case 2 disappears and cleanup runs
	require.NoError(t, s.DeleteCases(ctx, []int64{2}))
	removed, err := s.CleanupFacets(ctx, 1.0)
	require.NoError(t, err)

	// Then: both orphan mappings are removed, "a" is recounted, "b" is gone
	assert.Equal(t, 2, removed)
	terms, err := s.FacetTerms(ctx, "judge")
	require.NoError(t, err)
	require.Len(t, terms, 1)
	assert.Equal(t, "a", terms[0].CanonicalTerm)
	assert.Equal(t, 1, terms[0].CaseCount)
	assert.InDelta(t, 1.0, terms[0].BoostFactor, 1e-9)
}

func TestSQLiteStore_CaseFacets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.SaveFacetTerm(ctx, &FacetTerm{FacetType: "court", CanonicalTerm: "supreme court",
		DisplayTerm: "Supreme Court", CaseCount: 1}, []FacetMapping{{CaseID: 5, OccurrenceCount: 1}})
	require.NoError(t, err)

	got, err := s.CaseFacets(ctx, []int64{5, 6})
	require.NoError(t, err)

	assert.Equal(t, []CaseFacet{{CaseID: 5, FacetType: "court", CanonicalTerm: "supreme court", DisplayTerm: "Supreme Court"}}, got)
}

// =============================================================================
// Query analytics
// =============================================================================

func TestSQLiteStore_QueryStatsAccumulate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seen := date(2025, 3, 1)

	// Given: two flushes on one day and one on the next
	require.NoError(t, s.SaveQueryStats(ctx, QueryStatsBatch{
		Date:      "2025-03-01",
		Modes:     map[string]int64{"hybrid": 3, "lexical": 1},
		Latencies: map[string]int64{"p10": 4},
		Terms:     map[string]int64{"bail": 2, "habeas": 1},
		SeenAt:    seen,
	}, 0))
	require.NoError(t, s.SaveQueryStats(ctx, QueryStatsBatch{
		Date:   "2025-03-01",
		Modes:  map[string]int64{"hybrid": 2},
		Terms:  map[string]int64{"habeas": 3},
		SeenAt: seen,
	}, 0))
	require.NoError(t, s.SaveQueryStats(ctx, QueryStatsBatch{
		Date:      "2025-03-02",
		Modes:     map[string]int64{"semantic": 1},
		Latencies: map[string]int64{"p50": 1},
		SeenAt:    seen,
	}, 0))

	// Then: counts add up per day and across the range
	modes, err := s.QueryModeCounts(ctx, "2025-03-01", "2025-03-01")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"hybrid": 5, "lexical": 1}, modes)

	modes, err = s.QueryModeCounts(ctx, "2025-03-01", "2025-03-31")
	require.NoError(t, err)
	assert.Equal(t, int64(1), modes["semantic"])

	latencies, err := s.QueryLatencyCounts(ctx, "2025-03-01", "2025-03-02")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"p10": 4, "p50": 1}, latencies)

	terms, err := s.TopQueryTerms(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []TermCount{{Term: "habeas", Count: 4}, {Term: "bail", Count: 2}}, terms)
}

func TestSQLiteStore_ZeroResultQueriesTrimmed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, q := range []string{"first", "second", "third"} {
		require.NoError(t, s.SaveQueryStats(ctx, QueryStatsBatch{
			Date:        "2025-03-01",
			ZeroResults: []ZeroResultQuery{{Query: q, Mode: "hybrid", At: date(2025, 3, 1+i)}},
		}, 2))
	}

	got, err := s.RecentZeroResultQueries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "third", got[0].Query)
	assert.Equal(t, "second", got[1].Query)
	assert.Equal(t, date(2025, 3, 3), got[0].At)
}

func TestSQLiteStore_SaveQueryStats_EmptyBatch(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveQueryStats(context.Background(), QueryStatsBatch{Date: "2025-03-01"}, 10))

	terms, err := s.TopQueryTerms(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, terms)
}

// =============================================================================
// HNSW graph and manifest
// =============================================================================

func TestHNSWGraph_SearchAndPersist(t *testing.T) {
	// Given: three chunk vectors in 4 dimensions
	g := NewHNSWGraph(GraphConfig{Dimensions: 4})
	require.NoError(t, g.Add([]ChunkVector{
		{ChunkID: 1, CaseID: 100, Vector: []float32{1, 0, 0, 0}},
		{ChunkID: 2, CaseID: 200, Vector: []float32{0, 1, 0, 0}},
		{ChunkID: 3, CaseID: 300, Vector: []float32{0.9, 0.1, 0, 0}},
	}))

	// When: I search near the first vector
	hits, err := g.Search([]float32{1, 0, 0, 0}, 2)
	require.NoError(t, err)

	// Then: the exact match comes first with a near-perfect score
	require.Len(t, hits, 2)
	assert.Equal(t, int64(1), hits[0].ChunkID)
	assert.Equal(t, int64(100), hits[0].CaseID)
	assert.Greater(t, hits[0].Score, 0.99)
	assert.Equal(t, int64(3), hits[1].ChunkID)

	// And: a saved and reloaded graph answers the same way
	path := filepath.Join(t.TempDir(), "vector", "gen.hnsw")
	require.NoError(t, g.Save(path))
	loaded, err := LoadHNSWGraph(path)
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.Len())
	again, err := loaded.Search([]float32{1, 0, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, int64(100), again[0].CaseID)
}

func TestHNSWGraph_DimensionMismatch(t *testing.T) {
	g := NewHNSWGraph(GraphConfig{Dimensions: 4})

	err := g.Add([]ChunkVector{{ChunkID: 1, Vector: []float32{1, 2}}})
	assert.ErrorAs(t, err, &ErrDimensionMismatch{})

	_, err = g.Search([]float32{1}, 1)
	assert.Error(t, err)
}

func TestHNSWGraph_EmptySearch(t *testing.T) {
	g := NewHNSWGraph(GraphConfig{Dimensions: 2})
	hits, err := g.Search([]float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestManifest_RoundTrip(t *testing.T) {
	dir := t.TempDir()

	empty, err := ReadManifest(dir)
	require.NoError(t, err)
	assert.Nil(t, empty.Get(KindVector))

	m := &Manifest{}
	m.Set(Generation{Kind: KindLexical, ID: "abc", Built: true, Count: 3, Revision: 4})
	require.NoError(t, WriteManifest(dir, m))

	got, err := ReadManifest(dir)
	require.NoError(t, err)
	require.NotNil(t, got.Get(KindLexical))
	assert.Equal(t, "abc", got.Lexical.ID)
	assert.Equal(t, int64(4), got.Lexical.Revision)
	assert.Nil(t, got.Vector)
}

func TestFileLock_SecondHolderFails(t *testing.T) {
	dir := t.TempDir()
	first := NewFileLock(dir, "facet-judge")
	second := NewFileLock(dir, "facet-judge")

	ok, err := first.TryLock()
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = second.TryLock()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, first.Unlock())
	ok, err = second.TryLock()
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, second.Unlock())
}
