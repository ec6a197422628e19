// Package search fuses vector and lexical retrieval into one ranked list of
// cases, with boosts, optional cross-encoder reranking, facets and
// highlights.
package search

import (
	"fmt"
	"strings"
	"time"

	"github.com/Aman-CERP/lexsearch/internal/facet"
	"github.com/Aman-CERP/lexsearch/internal/query"
	"github.com/Aman-CERP/lexsearch/internal/store"
)

// Mode selects which retrieval signals a request uses.
type Mode string

const (
	ModeLexical  Mode = "lexical"
	ModeSemantic Mode = "semantic"
	ModeHybrid   Mode = "hybrid"
)

// ParseMode validates a mode name; empty means hybrid.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeHybrid:
		return ModeHybrid, nil
	case ModeLexical:
		return ModeLexical, nil
	case ModeSemantic:
		return ModeSemantic, nil
	}
	return "", fmt.Errorf("unknown search mode %q (expected lexical, semantic or hybrid)", s)
}

// Degraded stage names reported in Metadata.Degraded.
const (
	StageVector   = "vector"
	StageLexical  = "lexical"
	StageReranker = "reranker"
	StageFacets   = "facets"
)

// Request is a search request.
type Request struct {
	Query     string
	Mode      Mode
	Limit     int
	Offset    int
	Filters   store.Filters
	Expansion query.Mode

	ReturnFacets bool
	Highlight    bool
	Debug        bool
}

// Weights is the (vector, keyword) weighting applied to normalized scores.
type Weights struct {
	Vector  float64 `json:"vector"`
	Keyword float64 `json:"keyword"`
}

// Boost is one additive score component.
type Boost struct {
	Type   string  `json:"type"`
	Value  float64 `json:"value"`
	Reason string  `json:"reason"`
}

// Boost types.
const (
	BoostCitation  = "citation"
	BoostTerm      = "boost_term"
	BoostFacet     = "facet"
	BoostRecency   = "recency"
	BoostAuthority = "authority"
)

// Result is one ranked case.
type Result struct {
	CaseID       int64             `json:"case_id"`
	Rank         int               `json:"rank"`
	CaseNumber   string            `json:"case_number"`
	Title        string            `json:"case_title"`
	Court        string            `json:"court"`
	Status       string            `json:"status"`
	FinalScore   float64           `json:"final_score"`
	VectorScore  float64           `json:"vector_score"`
	KeywordScore float64           `json:"keyword_score"`
	ChunkID      int64             `json:"chunk_id,omitempty"`
	Boosts       []Boost           `json:"boosts"`
	Highlights   map[string]string `json:"highlights,omitempty"`
}

// Metadata describes how a request was served.
type Metadata struct {
	TotalResults int            `json:"total_results"`
	LatencyMS    int64          `json:"latency_ms"`
	Mode         Mode           `json:"mode"`
	Strategy     query.Strategy `json:"strategy"`
	Degraded     []string       `json:"degraded"`
	QueryType    query.Type     `json:"query_type"`
}

// Pagination reports the page returned.
type Pagination struct {
	Total       int  `json:"total"`
	Offset      int  `json:"offset"`
	Limit       int  `json:"limit"`
	HasNext     bool `json:"has_next"`
	HasPrevious bool `json:"has_previous"`
}

// Debug exposes the ranking inputs when requested.
type Debug struct {
	Variants     []string           `json:"variants"`
	Expansion    query.Expansion    `json:"expansion"`
	BoostTerms   []query.BoostTerm  `json:"boost_terms"`
	Weights      Weights            `json:"weights"`
	VectorHits   int                `json:"vector_hits"`
	LexicalHits  int                `json:"lexical_hits"`
	VectorError  string             `json:"vector_error,omitempty"`
	LexicalError string             `json:"lexical_error,omitempty"`
	Reranked     bool               `json:"reranked"`
	TimingsMS    map[string]float64 `json:"timings_ms"`
}

// Response is a search response.
type Response struct {
	Status     query.Status             `json:"status"`
	Query      string                   `json:"query"`
	Results    []Result                 `json:"results"`
	Metadata   Metadata                 `json:"search_metadata"`
	Facets     map[string][]facet.Count `json:"facets"`
	Pagination Pagination               `json:"pagination"`
	QueryInfo  *query.Info              `json:"query_info,omitempty"`
	Debug      *Debug                   `json:"debug,omitempty"`
}

// Suggestion is one autocomplete entry.
type Suggestion struct {
	Value          string `json:"value"`
	Type           string `json:"type"`
	AdditionalInfo string `json:"additional_info,omitempty"`
}

// IndexStatus describes one retrieval index.
type IndexStatus struct {
	Exists      bool      `json:"exists"`
	IsBuilt     bool      `json:"is_built"`
	Total       int       `json:"total"`
	LastUpdated time.Time `json:"last_updated"`
	Generation  string    `json:"generation,omitempty"`
}

// FacetStatus describes the facet indexes.
type FacetStatus struct {
	Total int      `json:"total"`
	Built int      `json:"built"`
	Types []string `json:"types"`
}

// MetadataStatus describes per-case search bookkeeping.
type MetadataStatus struct {
	TotalRecords   int  `json:"total_records"`
	IndexedRecords int  `json:"indexed_records"`
	IsBuilt        bool `json:"is_built"`
}

// Health values reported by Status.
const (
	HealthHealthy     = "healthy"
	HealthDegraded    = "degraded"
	HealthUnavailable = "unavailable"
)

// Status is the engine status report.
type Status struct {
	Vector   IndexStatus    `json:"vector_index"`
	Keyword  IndexStatus    `json:"keyword_index"`
	Facets   FacetStatus    `json:"facet_indexes"`
	Metadata MetadataStatus `json:"search_metadata"`
	Health   string         `json:"health"`
}
