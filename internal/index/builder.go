package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	lexerrors "github.com/Aman-CERP/lexsearch/internal/errors"
	"github.com/Aman-CERP/lexsearch/internal/store"
	"github.com/Aman-CERP/lexsearch/internal/ui"
)

// MetadataStore is the record store view the builder needs for bookkeeping.
type MetadataStore interface {
	ListCases(ctx context.Context) ([]*store.Case, error)
	ListChunks(ctx context.Context, pendingOnly bool) ([]*store.Chunk, error)
	CaseCount(ctx context.Context) (int, error)
	Revision(ctx context.Context) (int64, error)
	EmbeddingStats(ctx context.Context) (embedded, pending int, err error)
	SaveSearchMetadata(ctx context.Context, rows []*store.SearchMetadata) error
	MetadataStats(ctx context.Context) (total, indexed int, err error)
	SetState(ctx context.Context, key, value string) error
}

// BuildRequest selects what a build run does.
type BuildRequest struct {
	// Force rebuilds both indexes from scratch.
	Force bool
	// Refresh only touches stale indexes and skips bookkeeping when
	// everything is current.
	Refresh     bool
	VectorOnly  bool
	KeywordOnly bool
}

// BuildResult reports a build run.
type BuildResult struct {
	Vector   *BatchStats     `json:"vector,omitempty"`
	Lexical  *BatchStats     `json:"lexical,omitempty"`
	Metadata *BatchStats     `json:"metadata,omitempty"`
	Manifest *store.Manifest `json:"manifest"`
	Duration time.Duration   `json:"duration"`
}

// Failed returns the number of failed items across all jobs.
func (r *BuildResult) Failed() int {
	n := 0
	for _, s := range []*BatchStats{r.Vector, r.Lexical, r.Metadata} {
		if s != nil {
			n += s.Failed
		}
	}
	return n
}

// BuildStatus is the `build --status` report.
type BuildStatus struct {
	Vector          *store.Generation `json:"vector,omitempty"`
	Lexical         *store.Generation `json:"lexical,omitempty"`
	Cases           int               `json:"cases"`
	EmbeddedChunks  int               `json:"embedded_chunks"`
	PendingChunks   int               `json:"pending_chunks"`
	MetadataRecords int               `json:"metadata_records"`
	IndexedRecords  int               `json:"indexed_records"`
	Revision        int64             `json:"revision"`
}

// Builder runs batch index builds. A build holds a file lock per index kind
// so a second writer fails fast with ErrCodeBuildInProgress.
type Builder struct {
	dataDir  string
	store    MetadataStore
	vector   *VectorIndex
	lexical  *LexicalIndex
	renderer ui.Renderer
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithRenderer reports progress and per-item errors to r.
func WithRenderer(r ui.Renderer) BuilderOption {
	return func(b *Builder) {
		if r != nil {
			b.renderer = r
		}
	}
}

// NewBuilder creates a Builder publishing generations to dataDir.
func NewBuilder(dataDir string, st MetadataStore, vector *VectorIndex, lexical *LexicalIndex, opts ...BuilderOption) *Builder {
	b := &Builder{
		dataDir:  dataDir,
		store:    st,
		vector:   vector,
		lexical:  lexical,
		renderer: ui.NopRenderer{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run executes a build. Per-item failures are returned in the result; the
// error is non-nil only when a whole job could not run.
func (b *Builder) Run(ctx context.Context, req BuildRequest) (*BuildResult, error) {
	if req.VectorOnly && req.KeywordOnly {
		return nil, lexerrors.New(lexerrors.ErrCodeInvalidInput, "--vector-only and --keyword-only are mutually exclusive", nil)
	}
	if req.Force && req.Refresh {
		return nil, lexerrors.New(lexerrors.ErrCodeInvalidInput, "--force and --refresh are mutually exclusive", nil)
	}

	start := time.Now()
	doVector := !req.KeywordOnly
	doLexical := !req.VectorOnly

	manifest, err := store.ReadManifest(b.dataDir)
	if err != nil {
		return nil, err
	}
	b.loadActive(manifest, doVector, doLexical)

	var locks []*store.FileLock
	defer func() {
		for _, l := range locks {
			_ = l.Unlock()
		}
	}()
	for _, kind := range b.kinds(doVector, doLexical) {
		lock := store.NewFileLock(b.dataDir, "build-"+string(kind))
		ok, err := lock.TryLock()
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, lexerrors.New(lexerrors.ErrCodeBuildInProgress,
				fmt.Sprintf("%s build already running", kind), nil).
				WithDetail("lock", lock.Path())
		}
		locks = append(locks, lock)
	}

	b.renderer.UpdateProgress(ui.ProgressEvent{Stage: ui.StageLoading, Message: "Reading record store..."})
	slog.Info("build_started",
		slog.Bool("force", req.Force),
		slog.Bool("refresh", req.Refresh),
		slog.Bool("vector", doVector),
		slog.Bool("lexical", doLexical))

	result := &BuildResult{Manifest: manifest}
	var timings ui.StageTimings
	var vecErr, lexErr error

	opts := BuildOptions{Force: req.Force}
	var g errgroup.Group
	if doVector {
		g.Go(func() error {
			t := time.Now()
			o := opts
			o.Progress = func(done, total int) {
				b.renderer.UpdateProgress(ui.ProgressEvent{Stage: ui.StageEmbedding, Current: done, Total: total})
			}
			stats, err := b.vector.Build(ctx, o)
			timings.Embed = time.Since(t)
			result.Vector = &stats
			vecErr = err
			return nil
		})
	}
	if doLexical {
		g.Go(func() error {
			t := time.Now()
			o := opts
			o.Progress = func(done, total int) {
				if done == total || done%500 == 0 {
					b.renderer.UpdateProgress(ui.ProgressEvent{Stage: ui.StageIndexing, Current: done, Total: total})
				}
			}
			stats, err := b.lexical.Build(ctx, o)
			timings.Index = time.Since(t)
			result.Lexical = &stats
			lexErr = err
			return nil
		})
	}
	_ = g.Wait()

	if vecErr != nil {
		slog.Error("vector_build_failed", slog.String("error", vecErr.Error()))
	}
	if lexErr != nil {
		slog.Error("lexical_build_failed", slog.String("error", lexErr.Error()))
	}

	changed := false
	if doVector && vecErr == nil && !result.Vector.Unchanged {
		manifest.Set(*b.vector.Generation())
		changed = true
		if err := b.store.SetState(ctx, store.StateKeyEmbeddingModel, b.vector.Embedder().ModelName()); err != nil {
			slog.Warn("embedding_model_state_failed", slog.String("error", err.Error()))
		}
	}
	if doLexical && lexErr == nil && !result.Lexical.Unchanged {
		manifest.Set(*b.lexical.Generation())
		changed = true
	}

	publishStart := time.Now()
	if changed {
		b.renderer.UpdateProgress(ui.ProgressEvent{Stage: ui.StagePublishing, Message: "Writing generation manifest..."})
		if err := store.WriteManifest(b.dataDir, manifest); err != nil {
			return result, errors.Join(vecErr, lexErr, err)
		}
	}
	if changed || !req.Refresh {
		stats, err := b.syncMetadata(ctx)
		if err != nil {
			slog.Warn("metadata_sync_failed", slog.String("error", err.Error()))
			stats.Failed++
			stats.Errors = append(stats.Errors, ItemError{Item: "search_metadata", Error: err.Error()})
		}
		result.Metadata = &stats
	}
	timings.Publish = time.Since(publishStart)
	result.Duration = time.Since(start)

	b.report(result, timings)
	slog.Info("build_complete",
		slog.Bool("manifest_changed", changed),
		slog.Int("failed", result.Failed()),
		slog.Duration("duration", result.Duration))

	return result, errors.Join(vecErr, lexErr)
}

func (b *Builder) kinds(doVector, doLexical bool) []store.GenerationKind {
	var kinds []store.GenerationKind
	if doVector {
		kinds = append(kinds, store.KindVector)
	}
	if doLexical {
		kinds = append(kinds, store.KindLexical)
	}
	return kinds
}

// loadActive activates published generations so unchanged builds can be
// skipped. A generation that fails to load is rebuilt.
func (b *Builder) loadActive(m *store.Manifest, doVector, doLexical bool) {
	if doVector {
		if err := b.vector.Load(m.Vector); err != nil {
			slog.Warn("vector_generation_load_failed", slog.String("error", err.Error()))
		}
	}
	if doLexical {
		if err := b.lexical.Load(m.Lexical); err != nil {
			slog.Warn("lexical_generation_load_failed", slog.String("error", err.Error()))
		}
	}
}

// syncMetadata rewrites SearchMetadata for every case. A case is indexed
// when the lexical generation is current and all its chunks are embedded
// into a built vector generation.
func (b *Builder) syncMetadata(ctx context.Context) (BatchStats, error) {
	start := time.Now()
	cases, err := b.store.ListCases(ctx)
	if err != nil {
		return BatchStats{}, fmt.Errorf("list cases: %w", err)
	}
	chunks, err := b.store.ListChunks(ctx, true)
	if err != nil {
		return BatchStats{}, fmt.Errorf("list pending chunks: %w", err)
	}
	revision, err := b.store.Revision(ctx)
	if err != nil {
		return BatchStats{}, fmt.Errorf("read store revision: %w", err)
	}

	pending := make(map[int64]bool, len(chunks))
	for _, c := range chunks {
		pending[c.CaseID] = true
	}
	lexGen := b.lexical.Generation()
	vecGen := b.vector.Generation()
	lexicalCurrent := lexGen != nil && lexGen.Built && lexGen.Revision == revision
	vectorBuilt := vecGen != nil && vecGen.Built

	now := time.Now().UTC()
	rows := make([]*store.SearchMetadata, 0, len(cases))
	indexed := 0
	for _, c := range cases {
		m := &store.SearchMetadata{
			CaseID:        c.ID,
			CaseNumber:    FoldCaseNumber(c.CaseNumber),
			Title:         normalizeField(c.Title),
			Court:         normalizeField(c.Court),
			Status:        normalizeField(c.Status),
			LegalEntities: c.Tags,
			Quality:       quality(c),
			IsIndexed:     lexicalCurrent && vectorBuilt && !pending[c.ID],
			UpdatedAt:     now,
		}
		if m.IsIndexed {
			indexed++
		}
		rows = append(rows, m)
	}
	if err := b.store.SaveSearchMetadata(ctx, rows); err != nil {
		return BatchStats{}, fmt.Errorf("save search metadata: %w", err)
	}

	return BatchStats{
		Processed: len(rows),
		Succeeded: indexed,
		Skipped:   len(rows) - indexed,
		Duration:  time.Since(start),
	}, nil
}

func (b *Builder) report(result *BuildResult, timings ui.StageTimings) {
	for _, s := range []*BatchStats{result.Vector, result.Lexical, result.Metadata} {
		if s == nil {
			continue
		}
		for _, e := range s.Errors {
			b.renderer.AddError(ui.ErrorEvent{Item: e.Item, Err: errors.New(e.Error)})
		}
	}

	stats := ui.CompletionStats{
		Duration: result.Duration,
		Errors:   result.Failed(),
		Stages:   timings,
	}
	if result.Lexical != nil {
		stats.Cases = result.Lexical.Succeeded
	}
	if g := b.lexical.Generation(); g != nil && stats.Cases == 0 {
		stats.Cases = g.Count
	}
	if result.Vector != nil {
		stats.Embedded = result.Vector.Succeeded
		stats.Warnings = result.Vector.Skipped
		if g := b.vector.Generation(); g != nil {
			stats.Chunks = g.Count
		}
		e := b.vector.Embedder()
		stats.Embedder = ui.EmbedderInfo{
			Backend:    embedderBackend(e.ModelName()),
			Model:      e.ModelName(),
			Dimensions: e.Dimensions(),
		}
	}
	b.renderer.Complete(stats)
}

// Status reports published generations and store bookkeeping.
func (b *Builder) Status(ctx context.Context) (*BuildStatus, error) {
	manifest, err := store.ReadManifest(b.dataDir)
	if err != nil {
		return nil, err
	}
	s := &BuildStatus{Vector: manifest.Vector, Lexical: manifest.Lexical}

	if s.Cases, err = b.store.CaseCount(ctx); err != nil {
		return nil, err
	}
	if s.EmbeddedChunks, s.PendingChunks, err = b.store.EmbeddingStats(ctx); err != nil {
		return nil, err
	}
	if s.MetadataRecords, s.IndexedRecords, err = b.store.MetadataStats(ctx); err != nil {
		return nil, err
	}
	if s.Revision, err = b.store.Revision(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func normalizeField(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// quality is the fraction of descriptive fields present on a case.
func quality(c *store.Case) float64 {
	present := 0
	for _, ok := range []bool{
		c.CaseNumber != "",
		c.Title != "",
		c.Court != "",
		c.Status != "",
		c.Summary != "",
		len(c.Parties) > 0,
		len(c.Tags) > 0,
		!c.Date().IsZero(),
	} {
		if ok {
			present++
		}
	}
	return float64(present) / 8
}

func embedderBackend(model string) string {
	if strings.HasPrefix(model, "static") {
		return "static"
	}
	return "ollama"
}
