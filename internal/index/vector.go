package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/Aman-CERP/lexsearch/internal/config"
	"github.com/Aman-CERP/lexsearch/internal/embed"
	lexerrors "github.com/Aman-CERP/lexsearch/internal/errors"
	"github.com/Aman-CERP/lexsearch/internal/store"
)

// chunkOverfetch widens the graph search so k distinct cases survive the
// collapse to one chunk per case.
const chunkOverfetch = 4

// VectorSource is the record store view a vector build reads and writes.
type VectorSource interface {
	ListChunks(ctx context.Context, pendingOnly bool) ([]*store.Chunk, error)
	SaveChunkEmbeddings(ctx context.Context, vectors []store.ChunkVector) error
	AllEmbeddings(ctx context.Context) ([]store.ChunkVector, error)
	ReplaceEmbeddings(ctx context.Context, vectors []store.ChunkVector) error
	Revision(ctx context.Context) (int64, error)
}

type vectorGeneration struct {
	gen   store.Generation
	graph *store.HNSWGraph
}

// VectorIndex is the semantic retrieval service over HNSW generations.
type VectorIndex struct {
	dir       string
	graphCfg  store.GraphConfig
	source    VectorSource
	embedder  embed.Embedder
	workers   int
	batchSize int
	active    atomic.Pointer[vectorGeneration]
}

// VectorOption configures a VectorIndex.
type VectorOption func(*VectorIndex)

// WithWorkers sets the embedding worker pool size.
func WithWorkers(n int) VectorOption {
	return func(v *VectorIndex) {
		if n > 0 {
			v.workers = n
		}
	}
}

// WithBatchSize sets how many chunks go to the embedder per call.
func WithBatchSize(n int) VectorOption {
	return func(v *VectorIndex) {
		if n > 0 {
			v.batchSize = min(n, embed.MaxBatchSize)
		}
	}
}

// NewVectorIndex creates a vector index persisting generations under
// <dataDir>/vector.
func NewVectorIndex(dataDir string, cfg config.VectorConfig, source VectorSource, embedder embed.Embedder, opts ...VectorOption) *VectorIndex {
	v := &VectorIndex{
		dir:       filepath.Join(dataDir, "vector"),
		graphCfg:  store.GraphConfig{M: cfg.M, EfSearch: cfg.EfSearch},
		source:    source,
		embedder:  embedder,
		workers:   runtime.NumCPU(),
		batchSize: embed.DefaultBatchSize,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Name implements store.QueryableIndex.
func (v *VectorIndex) Name() string {
	return string(store.KindVector)
}

// Generation returns the active generation, or nil when none is loaded.
func (v *VectorIndex) Generation() *store.Generation {
	g := v.active.Load()
	if g == nil {
		return nil
	}
	gen := g.gen
	return &gen
}

// Stats implements store.QueryableIndex.
func (v *VectorIndex) Stats() store.IndexStats {
	stats := store.IndexStats{Name: v.Name()}
	if g := v.active.Load(); g != nil {
		stats.Generation = g.gen.ID
		stats.Built = g.gen.Built
		stats.Count = g.graph.Len()
		stats.BuiltAt = g.gen.BuiltAt
	}
	return stats
}

func (v *VectorIndex) graphPath(id string) string {
	return filepath.Join(v.dir, id+".hnsw")
}

// Search implements store.QueryableIndex using q.Embedding.
func (v *VectorIndex) Search(ctx context.Context, q store.Query, k int) ([]store.Hit, error) {
	return v.SearchEmbedding(ctx, q.Embedding, k)
}

// SearchEmbedding returns the best chunk per case, sorted by descending
// similarity with ties broken by case ID. An unbuilt or empty generation
// returns no hits and no error.
func (v *VectorIndex) SearchEmbedding(ctx context.Context, embedding []float32, k int) ([]store.Hit, error) {
	g := v.active.Load()
	if g == nil || g.graph.Len() == 0 || k <= 0 || len(embedding) == 0 {
		return []store.Hit{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := g.graph.Search(embedding, min(g.graph.Len(), k*chunkOverfetch))
	if err != nil {
		var dm store.ErrDimensionMismatch
		if errors.As(err, &dm) {
			return nil, lexerrors.New(lexerrors.ErrCodeDimensionMismatch, dm.Error(), err)
		}
		return nil, fmt.Errorf("vector search: %w", err)
	}

	best := make(map[int64]store.GraphHit, len(raw))
	for _, h := range raw {
		cur, ok := best[h.CaseID]
		if !ok || h.Score > cur.Score || (h.Score == cur.Score && h.ChunkID < cur.ChunkID) {
			best[h.CaseID] = h
		}
	}

	hits := make([]store.Hit, 0, len(best))
	for _, h := range best {
		hits = append(hits, store.Hit{CaseID: h.CaseID, ChunkID: h.ChunkID, Score: h.Score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].CaseID < hits[j].CaseID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Build embeds pending chunks (every chunk with Force) on an ants worker
// pool and builds a new graph next to the active one. Embeddings are only
// written back once the new graph is persisted, and only then is it swapped
// in. Per-chunk failures are recorded in the stats; a build where every
// chunk failed keeps the active generation and returns an error.
func (v *VectorIndex) Build(ctx context.Context, opts BuildOptions) (BatchStats, error) {
	start := time.Now()

	revision, err := v.source.Revision(ctx)
	if err != nil {
		return BatchStats{}, fmt.Errorf("read store revision: %w", err)
	}
	chunks, err := v.source.ListChunks(ctx, !opts.Force)
	if err != nil {
		return BatchStats{}, fmt.Errorf("list chunks: %w", err)
	}

	current := v.active.Load()
	if current != nil && !opts.Force && len(chunks) == 0 && current.gen.Revision == revision {
		slog.Info("vector_build_skipped",
			slog.String("generation", current.gen.ID),
			slog.Int64("revision", revision))
		return BatchStats{Skipped: current.graph.Len(), Unchanged: true, Duration: time.Since(start)}, nil
	}

	if len(chunks) > 0 && !v.embedder.Available(ctx) {
		return BatchStats{}, lexerrors.New(lexerrors.ErrCodeBackendUnavailable,
			fmt.Sprintf("embedder %s not available", v.embedder.ModelName()), nil)
	}

	rec := &statsRecorder{}
	fresh := v.embedChunks(ctx, chunks, rec, opts.Progress)
	if err := ctx.Err(); err != nil {
		return rec.snapshot(), err
	}
	if stats := rec.snapshot(); stats.Failed > 0 && stats.Succeeded == 0 {
		kept := "none"
		if current != nil {
			kept = current.gen.ID
		}
		return stats, lexerrors.New(lexerrors.ErrCodeEmbeddingFailed,
			fmt.Sprintf("all %d chunks failed to embed; keeping generation %s", stats.Failed, kept), nil).
			WithSuggestion("check the embedding backend and rerun the build")
	}

	vectors := fresh
	if !opts.Force {
		stored, err := v.source.AllEmbeddings(ctx)
		if err != nil {
			return rec.snapshot(), fmt.Errorf("load embeddings: %w", err)
		}
		vectors = append(stored, fresh...)
		sort.Slice(vectors, func(i, j int) bool { return vectors[i].ChunkID < vectors[j].ChunkID })
	}

	next, err := v.buildGeneration(revision, vectors)
	if err != nil {
		return rec.snapshot(), err
	}
	if opts.Force {
		err = v.source.ReplaceEmbeddings(ctx, fresh)
	} else {
		err = v.source.SaveChunkEmbeddings(ctx, fresh)
	}
	if err != nil {
		store.RemoveGraphFiles(v.graphPath(next.gen.ID))
		return rec.snapshot(), fmt.Errorf("store embeddings: %w", err)
	}
	v.publish(next)

	stats := rec.snapshot()
	stats.Duration = time.Since(start)
	slog.Info("vector_build_complete",
		slog.String("generation", next.gen.ID),
		slog.String("model", v.embedder.ModelName()),
		slog.Int("vectors", next.graph.Len()),
		slog.Int("embedded", stats.Succeeded),
		slog.Int("failed", stats.Failed),
		slog.Duration("duration", stats.Duration))
	return stats, nil
}

// embedChunks returns the embeddings of every chunk that embedded cleanly,
// ordered by chunk ID.
func (v *VectorIndex) embedChunks(ctx context.Context, chunks []*store.Chunk, rec *statsRecorder, progress func(done, total int)) []store.ChunkVector {
	var work []*store.Chunk
	for _, c := range chunks {
		if strings.TrimSpace(c.Text) == "" {
			rec.skip(1)
			continue
		}
		work = append(work, c)
	}
	if len(work) == 0 {
		return nil
	}

	pool, err := ants.NewPool(v.workers)
	if err != nil {
		for _, c := range work {
			rec.fail(chunkItem(c), fmt.Errorf("create worker pool: %w", err))
		}
		return nil
	}
	defer pool.Release()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		done int
		out  []store.ChunkVector
	)
	collect := func(vectors []store.ChunkVector, n int) {
		mu.Lock()
		defer mu.Unlock()
		out = append(out, vectors...)
		done += n
		if progress != nil {
			progress(done, len(work))
		}
	}

	for start := 0; start < len(work); start += v.batchSize {
		batch := work[start:min(start+v.batchSize, len(work))]
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			collect(v.embedBatch(ctx, batch, rec), len(batch))
		})
		if err != nil {
			wg.Done()
			for _, c := range batch {
				rec.fail(chunkItem(c), fmt.Errorf("submit embedding task: %w", err))
			}
		}
	}
	wg.Wait()

	sort.Slice(out, func(i, j int) bool { return out[i].ChunkID < out[j].ChunkID })
	return out
}

func (v *VectorIndex) embedBatch(ctx context.Context, batch []*store.Chunk, rec *statsRecorder) []store.ChunkVector {
	if err := ctx.Err(); err != nil {
		for _, c := range batch {
			rec.fail(chunkItem(c), err)
		}
		return nil
	}

	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Text
	}
	vecs, err := v.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		slog.Warn("embedding_batch_failed",
			slog.Int("chunks", len(batch)),
			slog.String("error", err.Error()))
		for _, c := range batch {
			rec.fail(chunkItem(c), err)
		}
		return nil
	}

	vectors := make([]store.ChunkVector, 0, len(batch))
	for i, c := range batch {
		if i >= len(vecs) || isZero(vecs[i]) {
			rec.fail(chunkItem(c), fmt.Errorf("empty embedding"))
			continue
		}
		vectors = append(vectors, store.ChunkVector{ChunkID: c.ID, CaseID: c.CaseID, Vector: vecs[i]})
	}
	rec.success(len(vectors))
	return vectors
}

func (v *VectorIndex) buildGeneration(revision int64, vectors []store.ChunkVector) (*vectorGeneration, error) {
	cfg := v.graphCfg
	cfg.Dimensions = v.embedder.Dimensions()
	if cfg.Dimensions == 0 && len(vectors) > 0 {
		cfg.Dimensions = len(vectors[0].Vector)
	}
	graph := store.NewHNSWGraph(cfg)
	if err := graph.Add(vectors); err != nil {
		var dm store.ErrDimensionMismatch
		if errors.As(err, &dm) {
			return nil, lexerrors.New(lexerrors.ErrCodeDimensionMismatch, dm.Error(), err).
				WithSuggestion("stored embeddings come from another model; run 'lexsearch build --force'")
		}
		return nil, lexerrors.New(lexerrors.ErrCodeBuildFailed, "build vector graph", err)
	}

	gen := store.Generation{
		Kind:     store.KindVector,
		ID:       uuid.New().String(),
		Built:    true,
		Count:    graph.Len(),
		BuiltAt:  time.Now().UTC(),
		Revision: revision,
	}
	if err := graph.Save(v.graphPath(gen.ID)); err != nil {
		return nil, lexerrors.New(lexerrors.ErrCodeBuildFailed, "persist vector graph", err)
	}
	return &vectorGeneration{gen: gen, graph: graph}, nil
}

// Load activates a persisted generation. Loading the active generation is a
// no-op; a nil or unbuilt generation leaves the index empty.
func (v *VectorIndex) Load(gen *store.Generation) error {
	if gen == nil || !gen.Built {
		return nil
	}
	if current := v.active.Load(); current != nil && current.gen.ID == gen.ID {
		return nil
	}

	graph, err := store.LoadHNSWGraph(v.graphPath(gen.ID))
	if err != nil {
		return lexerrors.New(lexerrors.ErrCodeGenerationLoad,
			fmt.Sprintf("load vector generation %s", gen.ID), err)
	}
	if dims := v.embedder.Dimensions(); dims != 0 && graph.Len() > 0 && graph.Dimensions() != dims {
		return lexerrors.New(lexerrors.ErrCodeDimensionMismatch,
			store.ErrDimensionMismatch{Expected: graph.Dimensions(), Got: dims}.Error(), nil)
	}
	v.publish(&vectorGeneration{gen: *gen, graph: graph})

	slog.Info("vector_generation_loaded",
		slog.String("generation", gen.ID),
		slog.Int("vectors", graph.Len()))
	return nil
}

func (v *VectorIndex) publish(next *vectorGeneration) {
	prev := v.active.Swap(next)
	if prev != nil && prev.gen.ID != next.gen.ID {
		store.RemoveGraphFiles(v.graphPath(prev.gen.ID))
	}
}

// Embedder returns the embedder used for builds and queries.
func (v *VectorIndex) Embedder() embed.Embedder {
	return v.embedder
}

func chunkItem(c *store.Chunk) string {
	return fmt.Sprintf("chunk %d", c.ID)
}

func isZero(v []float32) bool {
	for _, f := range v {
		if f != 0 {
			return false
		}
	}
	return true
}

var _ store.QueryableIndex = (*VectorIndex)(nil)
