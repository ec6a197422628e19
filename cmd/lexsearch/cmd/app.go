package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/Aman-CERP/lexsearch/internal/config"
	"github.com/Aman-CERP/lexsearch/internal/embed"
	"github.com/Aman-CERP/lexsearch/internal/facet"
	"github.com/Aman-CERP/lexsearch/internal/index"
	"github.com/Aman-CERP/lexsearch/internal/query"
	"github.com/Aman-CERP/lexsearch/internal/search"
	"github.com/Aman-CERP/lexsearch/internal/store"
	"github.com/Aman-CERP/lexsearch/internal/telemetry"
)

// app holds the components shared by the commands for one project dir.
type app struct {
	cfg      *config.Config
	store    *store.SQLiteStore
	embedder embed.Embedder
	vector   *index.VectorIndex
	lexical  *index.LexicalIndex
	facets   *facet.Service
	engine   *search.Engine
	recorder *telemetry.Recorder
}

// openApp loads the layered config for dir and opens the record store,
// embedder and indexes. Generations are not loaded; see newEngine.
func openApp(ctx context.Context, dir string) (*app, error) {
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.Paths.Database)
	if err != nil {
		return nil, fmt.Errorf("open record store: %w", err)
	}
	emb, err := embed.New(ctx, cfg.Embeddings)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("create embedder: %w", err)
	}

	dataDir := cfg.Paths.DataDir
	return &app{
		cfg:      cfg,
		store:    st,
		embedder: emb,
		vector: index.NewVectorIndex(dataDir, cfg.Vector, st, emb,
			index.WithWorkers(cfg.Embeddings.Workers),
			index.WithBatchSize(cfg.Embeddings.BatchSize)),
		lexical: index.NewLexicalIndex(dataDir, cfg.Lexical, st),
		facets:  facet.NewService(st, dataDir, cfg.Facets),
	}, nil
}

// newBuilder returns an index builder publishing to the data dir.
func (a *app) newBuilder(opts ...index.BuilderOption) *index.Builder {
	return index.NewBuilder(a.cfg.Paths.DataDir, a.store, a.vector, a.lexical, opts...)
}

// newEngine creates the search engine and loads the published generations.
func (a *app) newEngine(ctx context.Context, opts ...search.EngineOption) (*search.Engine, error) {
	analyzer := query.NewAnalyzer(query.WithCacheSize(a.cfg.Search.AnalyzerCache))
	base := []search.EngineOption{
		search.WithConfig(a.cfg),
		search.WithDataDir(a.cfg.Paths.DataDir),
		search.WithFacets(a.facets),
	}
	if a.cfg.Reranker.Enabled {
		base = append(base, search.WithReranker(search.NewHTTPReranker(a.cfg.Reranker)))
	}
	if a.cfg.Telemetry.Enabled {
		a.recorder = telemetry.New(a.store, a.cfg.Telemetry)
		base = append(base, search.WithRecorder(a.recorder))
	}

	engine, err := search.NewEngine(analyzer, query.NewExpander(analyzer.Thesaurus()),
		a.vector, a.lexical, a.embedder, a.store, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	if err := engine.Init(ctx); err != nil {
		return nil, fmt.Errorf("load index generations: %w", err)
	}
	a.engine = engine
	return engine, nil
}

// Close flushes query analytics and releases the engine (or bare
// embedder) and the record store.
func (a *app) Close() error {
	var errs []error
	if a.recorder != nil {
		errs = append(errs, a.recorder.Close(context.Background()))
	}
	if a.engine != nil {
		errs = append(errs, a.engine.Close())
	} else {
		errs = append(errs, a.embedder.Close())
	}
	errs = append(errs, a.store.Close())
	return errors.Join(errs...)
}
