// Package store provides the case record store (SQLite), the HNSW vector
// graph, and the generation manifest shared by the index builders.
// This is the persistence layer for all indexed data.
package store

import (
	"context"
	"fmt"
	"time"
)

// Case is a legal case record produced by ingestion. Read-only to the engine.
type Case struct {
	ID              int64
	CaseNumber      string
	Title           string
	Court           string
	Status          string
	Bench           string
	Summary         string
	Parties         []string
	Tags            []string // subject and section tags
	InstitutionDate time.Time
	DisposalDate    time.Time
	HearingDate     time.Time
}

// Date returns the most recent known date, or the zero time.
func (c *Case) Date() time.Time {
	d := c.InstitutionDate
	if c.DisposalDate.After(d) {
		d = c.DisposalDate
	}
	if c.HearingDate.After(d) {
		d = c.HearingDate
	}
	return d
}

// Chunk is a retrievable slice of case text.
type Chunk struct {
	ID          int64
	CaseID      int64
	Index       int // position within the case
	Text        string
	EmbeddingID string // vector key assigned by the vector builder
	IsEmbedded  bool
}

// ChunkVector is a stored chunk embedding.
type ChunkVector struct {
	ChunkID int64
	CaseID  int64
	Vector  []float32
}

// SearchMetadata carries normalized fields and index bookkeeping per case.
// IsIndexed implies the case is present in both active generations.
type SearchMetadata struct {
	CaseID        int64
	CaseNumber    string
	Title         string
	Court         string
	Status        string
	LegalEntities []string
	Quality       float64
	IsIndexed     bool
	UpdatedAt     time.Time
}

// TermOccurrence is raw vocabulary extraction output.
type TermOccurrence struct {
	CaseID    int64
	FacetType string
	Term      string
	Count     int
}

// FacetTerm is a canonical facet value. Unique per (FacetType, CanonicalTerm).
type FacetTerm struct {
	ID              int64
	FacetType       string
	CanonicalTerm   string
	DisplayTerm     string
	OccurrenceCount int
	CaseCount       int
	BoostFactor     float64
	Version         string
}

// FacetMapping links a facet term to a case. Unique per (TermID, CaseID).
type FacetMapping struct {
	TermID          int64
	CaseID          int64
	OccurrenceCount int
}

// CaseFacet is one facet value attached to a case in a result set.
type CaseFacet struct {
	CaseID        int64
	FacetType     string
	CanonicalTerm string
	DisplayTerm   string
}

// GenerationKind names an index family.
type GenerationKind string

const (
	KindVector  GenerationKind = "vector"
	KindLexical GenerationKind = "lexical"
)

// Generation identifies an immutable, published index build.
type Generation struct {
	Kind     GenerationKind `json:"kind"`
	ID       string         `json:"id"`
	Built    bool           `json:"built"`
	Count    int            `json:"count"`
	BuiltAt  time.Time      `json:"built_at"`
	Revision int64          `json:"revision"` // store data revision the build read
}

// Filters are hard constraints applied before scoring.
type Filters struct {
	Court    string
	Status   string
	DateFrom time.Time
	DateTo   time.Time
}

// Empty reports whether no filter is set.
func (f Filters) Empty() bool {
	return f.Court == "" && f.Status == "" && f.DateFrom.IsZero() && f.DateTo.IsZero()
}

// Query is what a QueryableIndex searches for. Vector indexes read
// Embedding, lexical indexes read Text.
type Query struct {
	Text      string
	Embedding []float32
}

// Hit is a single index result for one case.
type Hit struct {
	CaseID  int64
	ChunkID int64 // best matching chunk, 0 when not chunk based
	Score   float64
}

// IndexStats describes the active generation of an index.
type IndexStats struct {
	Name       string
	Generation string
	Built      bool
	Count      int
	BuiltAt    time.Time
}

// QueryableIndex is implemented by every retrieval index so fusion never
// depends on the backing store.
type QueryableIndex interface {
	Name() string
	Search(ctx context.Context, q Query, k int) ([]Hit, error)
	Stats() IndexStats
}

// ErrDimensionMismatch indicates vector dimension mismatch.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d (run 'lexsearch build --force')", e.Expected, e.Got)
}
