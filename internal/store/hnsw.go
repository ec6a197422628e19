package store

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"
)

// GraphConfig configures an HNSW graph.
type GraphConfig struct {
	// Dimensions is the vector dimension (256 for static, 768 for nomic-embed-text)
	Dimensions int

	// M is HNSW max connections per layer (default: 16)
	M int

	// EfSearch is HNSW query-time search width (default: 20)
	EfSearch int
}

// GraphHit is a nearest-neighbour result.
type GraphHit struct {
	ChunkID int64
	CaseID  int64
	Score   float64 // cosine similarity mapped to [0,1]
}

// HNSWGraph is one vector generation: chunk embeddings in a coder/hnsw graph
// keyed by chunk ID. A graph is filled once by the builder and then only read.
type HNSWGraph struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config GraphConfig
	caseOf map[uint64]int64 // chunk key -> case ID
}

// graphMetadata is persisted next to the exported graph.
type graphMetadata struct {
	CaseOf map[uint64]int64
	Config GraphConfig
}

// NewHNSWGraph creates an empty cosine-distance graph.
func NewHNSWGraph(cfg GraphConfig) *HNSWGraph {
	if cfg.M == 0 {
		cfg.M = 16 // coder/hnsw default recommendation
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 20
	}

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = cfg.M
	graph.EfSearch = cfg.EfSearch
	graph.Ml = 0.25

	return &HNSWGraph{
		graph:  graph,
		config: cfg,
		caseOf: make(map[uint64]int64),
	}
}

// Add inserts chunk vectors. Vectors are copied and normalized.
func (g *HNSWGraph) Add(vectors []ChunkVector) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, v := range vectors {
		if len(v.Vector) != g.config.Dimensions {
			return ErrDimensionMismatch{Expected: g.config.Dimensions, Got: len(v.Vector)}
		}
	}

	for _, v := range vectors {
		key := uint64(v.ChunkID)
		if _, exists := g.caseOf[key]; exists {
			continue
		}
		vec := make([]float32, len(v.Vector))
		copy(vec, v.Vector)
		normalizeVectorInPlace(vec)

		g.graph.Add(hnsw.MakeNode(key, vec))
		g.caseOf[key] = v.CaseID
	}
	return nil
}

// Search returns up to k nearest chunks to query.
func (g *HNSWGraph) Search(query []float32, k int) ([]GraphHit, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(query) != g.config.Dimensions {
		return nil, ErrDimensionMismatch{Expected: g.config.Dimensions, Got: len(query)}
	}
	if g.graph.Len() == 0 || k <= 0 {
		return []GraphHit{}, nil
	}

	q := make([]float32, len(query))
	copy(q, query)
	normalizeVectorInPlace(q)

	nodes := g.graph.Search(q, k)
	hits := make([]GraphHit, 0, len(nodes))
	for _, node := range nodes {
		caseID, ok := g.caseOf[node.Key]
		if !ok {
			continue
		}
		distance := g.graph.Distance(q, node.Value)
		hits = append(hits, GraphHit{
			ChunkID: int64(node.Key),
			CaseID:  caseID,
			Score:   distanceToScore(distance),
		})
	}
	return hits, nil
}

// Len returns the number of vectors in the graph.
func (g *HNSWGraph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.caseOf)
}

// Dimensions returns the configured vector dimension.
func (g *HNSWGraph) Dimensions() int {
	return g.config.Dimensions
}

// Save persists the graph to path and its metadata to path+".meta".
// Both writes go through a temp file and rename.
func (g *HNSWGraph) Save(path string) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create graph file: %w", err)
	}
	if err := g.graph.Export(file); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to export graph: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close graph file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename graph file: %w", err)
	}

	if err := g.saveMetadata(path + ".meta"); err != nil {
		return fmt.Errorf("failed to save metadata: %w", err)
	}
	return nil
}

func (g *HNSWGraph) saveMetadata(path string) error {
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp metadata file: %w", err)
	}

	meta := graphMetadata{CaseOf: g.caseOf, Config: g.config}
	if err := gob.NewEncoder(file).Encode(meta); err != nil {
		if closeErr := file.Close(); closeErr != nil {
			slog.Warn("failed to close temp file during cleanup", slog.String("error", closeErr.Error()))
		}
		os.Remove(tmpPath)
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close metadata file: %w", err)
	}
	return os.Rename(tmpPath, path)
}

// LoadHNSWGraph reads a graph saved with Save.
func LoadHNSWGraph(path string) (*HNSWGraph, error) {
	meta, err := loadGraphMetadata(path + ".meta")
	if err != nil {
		return nil, fmt.Errorf("failed to load metadata: %w", err)
	}

	g := NewHNSWGraph(meta.Config)
	g.caseOf = meta.CaseOf
	if g.caseOf == nil {
		g.caseOf = make(map[uint64]int64)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open graph file: %w", err)
	}
	defer file.Close()

	// coder/hnsw Import requires io.ByteReader
	if err := g.graph.Import(bufio.NewReader(file)); err != nil {
		return nil, fmt.Errorf("failed to import graph: %w", err)
	}
	return g, nil
}

func loadGraphMetadata(path string) (graphMetadata, error) {
	var meta graphMetadata
	file, err := os.Open(path)
	if err != nil {
		return meta, fmt.Errorf("open metadata file: %w", err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			slog.Warn("failed to close metadata file", slog.String("error", err.Error()))
		}
	}()

	if err := gob.NewDecoder(file).Decode(&meta); err != nil {
		return meta, fmt.Errorf("decode hnsw metadata: %w", err)
	}
	return meta, nil
}

// RemoveGraphFiles deletes a persisted graph and its metadata.
func RemoveGraphFiles(path string) {
	for _, p := range []string{path, path + ".meta"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to remove graph file", slog.String("path", p), slog.String("error", err.Error()))
		}
	}
}

func normalizeVectorInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}

// distanceToScore maps cosine distance (0 identical, 2 opposite) to [0,1].
func distanceToScore(distance float32) float64 {
	s := 1.0 - float64(distance)/2.0
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
