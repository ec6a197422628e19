package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Aman-CERP/lexsearch/internal/config"
	lexerrors "github.com/Aman-CERP/lexsearch/internal/errors"
)

// Reranker defaults.
const (
	DefaultRerankerEndpoint      = "http://localhost:9659"
	DefaultRerankerTimeout       = 10 * time.Second
	DefaultRerankerMaxCandidates = 50
	DefaultRerankerBlend         = 0.6
)

// RerankResult is one scored document.
type RerankResult struct {
	// Index is the position in the input documents slice
	Index int
	// Score is the relevance score (0.0 to 1.0)
	Score float64
}

// Reranker rescores documents against a query with a cross-encoder.
type Reranker interface {
	// Rerank returns results sorted by score descending. topK of 0 returns all.
	Rerank(ctx context.Context, query string, documents []string, topK int) ([]RerankResult, error)

	// Available checks if the reranker service is available
	Available(ctx context.Context) bool

	// Close releases resources
	Close() error
}

// NoOpReranker keeps the input order.
type NoOpReranker struct{}

// Rerank returns documents in original order with decreasing scores.
func (n *NoOpReranker) Rerank(_ context.Context, _ string, documents []string, topK int) ([]RerankResult, error) {
	results := make([]RerankResult, len(documents))
	for i := range documents {
		results[i] = RerankResult{Index: i, Score: 1.0 - float64(i)*0.01}
	}
	if topK > 0 && topK < len(results) {
		results = results[:topK]
	}
	return results, nil
}

// Available always returns true for NoOpReranker.
func (n *NoOpReranker) Available(_ context.Context) bool {
	return true
}

// Close is a no-op for NoOpReranker.
func (n *NoOpReranker) Close() error {
	return nil
}

// HTTPReranker calls a cross-encoder server: POST /rerank, GET /health.
// Consecutive failures open a circuit breaker so a dead server costs one
// fast check per request instead of a timeout.
type HTTPReranker struct {
	client   *http.Client
	endpoint string
	timeout  time.Duration
	breaker  *lexerrors.CircuitBreaker

	mu     sync.RWMutex
	closed bool
}

// NewHTTPReranker creates a reranker client. No request is made.
func NewHTTPReranker(cfg config.RerankerConfig) *HTTPReranker {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = DefaultRerankerEndpoint
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultRerankerTimeout
	}
	return &HTTPReranker{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		endpoint: endpoint,
		timeout:  timeout,
		breaker: lexerrors.NewCircuitBreaker("reranker",
			lexerrors.WithMaxFailures(3),
			lexerrors.WithResetTimeout(30*time.Second)),
	}
}

type rerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopK      int      `json:"top_k,omitempty"`
}

type rerankResponse struct {
	Results []struct {
		Index int     `json:"index"`
		Score float64 `json:"score"`
	} `json:"results"`
	ProcessingTimeMs float64 `json:"processing_time_ms"`
}

// Rerank scores documents. A deadline maps to ErrCodeRerankerTimeout; an
// open circuit returns errors.ErrCircuitOpen without a request.
func (r *HTTPReranker) Rerank(ctx context.Context, query string, documents []string, topK int) ([]RerankResult, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("reranker is closed")
	}
	if len(documents) == 0 {
		return []RerankResult{}, nil
	}

	return lexerrors.CircuitExecute(r.breaker, func() ([]RerankResult, error) {
		start := time.Now()
		results, err := r.rerank(ctx, query, documents, topK)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, lexerrors.RerankerTimeout(err)
			}
			return nil, err
		}
		slog.Debug("reranker_request_complete",
			slog.Int("documents", len(documents)),
			slog.Duration("duration", time.Since(start)))
		return results, nil
	})
}

func (r *HTTPReranker) rerank(ctx context.Context, query string, documents []string, topK int) ([]RerankResult, error) {
	body, err := json.Marshal(rerankRequest{Query: query, Documents: documents, TopK: topK})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rerank request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, r.endpoint+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("rerank failed (status %d): %s", resp.StatusCode, string(msg))
	}

	var out rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode rerank response: %w", err)
	}

	results := make([]RerankResult, 0, len(out.Results))
	for _, res := range out.Results {
		if res.Index < 0 || res.Index >= len(documents) {
			continue
		}
		results = append(results, RerankResult{Index: res.Index, Score: res.Score})
	}
	return results, nil
}

// Available reports whether the circuit is closed and /health answers 200.
func (r *HTTPReranker) Available(ctx context.Context) bool {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed || !r.breaker.Allow() {
		return false
	}

	checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(checkCtx, http.MethodGet, r.endpoint+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Close releases idle connections.
func (r *HTTPReranker) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if t, ok := r.client.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
	return nil
}

// CandidateText renders a case for the cross-encoder.
func CandidateText(r *ScoreRecord) string {
	c := r.Case
	if c == nil {
		return ""
	}
	fields := []struct{ name, value string }{
		{"Title", c.Title},
		{"Case Number", c.CaseNumber},
		{"Court", c.Court},
		{"Status", c.Status},
		{"Summary", c.Summary},
		{"Subjects", strings.Join(c.Tags, ", ")},
		{"Parties", strings.Join(c.Parties, ", ")},
	}
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		if v := strings.TrimSpace(f.value); v != "" {
			parts = append(parts, f.name+": "+v)
		}
	}
	return strings.Join(parts, " | ")
}

// ApplyRerank rescores the top maxCandidates records in place with
// final = (1-blend)*final + blend*rerank and re-sorts. Records beyond the
// candidate window keep their fused score, as do candidates the reranker
// did not return. Out-of-window and repeated indices are ignored. On error
// records are untouched.
func ApplyRerank(ctx context.Context, rr Reranker, queryText string, records []*ScoreRecord, maxCandidates int, blend float64) error {
	if rr == nil || len(records) < 2 {
		return nil
	}
	if maxCandidates <= 0 {
		maxCandidates = DefaultRerankerMaxCandidates
	}
	n := min(maxCandidates, len(records))

	docs := make([]string, n)
	for i := 0; i < n; i++ {
		docs[i] = CandidateText(records[i])
	}
	results, err := rr.Rerank(ctx, queryText, docs, 0)
	if err != nil {
		return err
	}

	applied := make([]bool, n)
	for _, res := range results {
		if res.Index < 0 || res.Index >= n || applied[res.Index] {
			continue
		}
		applied[res.Index] = true
		r := records[res.Index]
		r.FinalScore = (1-blend)*r.FinalScore + blend*res.Score
	}
	SortRecords(records)
	return nil
}

var (
	_ Reranker = (*NoOpReranker)(nil)
	_ Reranker = (*HTTPReranker)(nil)
)
