// Package telemetry records local query analytics: which search modes are
// used, what people search for, which queries find nothing and how long
// searches take. Counters are flushed to the record store; nothing is
// reported anywhere else.
package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Aman-CERP/lexsearch/internal/config"
	"github.com/Aman-CERP/lexsearch/internal/index"
	"github.com/Aman-CERP/lexsearch/internal/store"
)

const dateLayout = "2006-01-02"

// snapshotTerms caps the top terms returned by Snapshot.
const snapshotTerms = 20

// Latency histogram buckets.
const (
	BucketP10   = "p10"   // <10ms
	BucketP50   = "p50"   // 10-50ms
	BucketP100  = "p100"  // 50-100ms
	BucketP500  = "p500"  // 100-500ms
	BucketP1000 = "p1000" // >=500ms
)

// LatencyBucket maps a search duration to its histogram bucket.
func LatencyBucket(d time.Duration) string {
	ms := d.Milliseconds()
	switch {
	case ms < 10:
		return BucketP10
	case ms < 50:
		return BucketP50
	case ms < 100:
		return BucketP100
	case ms < 500:
		return BucketP500
	}
	return BucketP1000
}

// Event is one completed search.
type Event struct {
	Query    string
	Mode     string
	Results  int
	Latency  time.Duration
	Degraded bool
}

// Store persists flushed counters.
type Store interface {
	SaveQueryStats(ctx context.Context, batch store.QueryStatsBatch, keepZero int) error
	QueryModeCounts(ctx context.Context, from, to string) (map[string]int64, error)
	QueryLatencyCounts(ctx context.Context, from, to string) (map[string]int64, error)
	TopQueryTerms(ctx context.Context, limit int) ([]store.TermCount, error)
	RecentZeroResultQueries(ctx context.Context, limit int) ([]store.ZeroResultQuery, error)
}

// Snapshot summarizes the searches seen since the recorder started.
type Snapshot struct {
	Since           time.Time               `json:"since"`
	TotalQueries    int64                   `json:"total_queries"`
	ZeroResultCount int64                   `json:"zero_result_count"`
	ZeroResultRate  float64                 `json:"zero_result_rate"`
	RepeatCount     int64                   `json:"repeat_count"`
	RepeatRate      float64                 `json:"repeat_rate"`
	DegradedCount   int64                   `json:"degraded_count"`
	Modes           map[string]int64        `json:"modes"`
	Latency         map[string]int64        `json:"latency"`
	TopTerms        []store.TermCount       `json:"top_terms"`
	ZeroResults     []store.ZeroResultQuery `json:"zero_result_queries"`
}

// Recorder collects search events in memory and flushes deltas to a Store.
// Safe for concurrent use.
type Recorder struct {
	mu    sync.Mutex
	store Store
	cfg   config.TelemetryConfig
	now   func() time.Time

	// since start
	since       time.Time
	total       int64
	zeroCount   int64
	repeats     int64
	degraded    int64
	modes       map[string]int64
	latency     map[string]int64
	terms       *lru.Cache[string, int64]
	recent      *lru.Cache[string, struct{}]
	zeroResults *Ring[store.ZeroResultQuery]

	// since the last flush
	pending pendingStats
	closed  bool
}

type pendingStats struct {
	modes   map[string]int64
	latency map[string]int64
	terms   map[string]int64
	zero    []store.ZeroResultQuery
}

func newPending() pendingStats {
	return pendingStats{
		modes:   make(map[string]int64),
		latency: make(map[string]int64),
		terms:   make(map[string]int64),
	}
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// New creates a recorder. A nil store keeps analytics in memory only.
func New(st Store, cfg config.TelemetryConfig, opts ...Option) *Recorder {
	if cfg.TopTerms <= 0 {
		cfg.TopTerms = 100
	}
	if cfg.ZeroResultHistory <= 0 {
		cfg.ZeroResultHistory = 100
	}
	r := &Recorder{
		store:       st,
		cfg:         cfg,
		now:         time.Now,
		modes:       make(map[string]int64),
		latency:     make(map[string]int64),
		zeroResults: NewRing[store.ZeroResultQuery](cfg.ZeroResultHistory),
		pending:     newPending(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.terms, _ = lru.New[string, int64](cfg.TopTerms)
	r.recent, _ = lru.New[string, struct{}](cfg.TopTerms * 5)
	r.since = r.now()
	return r
}

// Record adds one search. It never blocks on I/O.
func (r *Recorder) Record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	mode := ev.Mode
	if mode == "" {
		mode = "unknown"
	}
	bucket := LatencyBucket(ev.Latency)

	r.total++
	r.modes[mode]++
	r.latency[bucket]++
	r.pending.modes[mode]++
	r.pending.latency[bucket]++
	if ev.Degraded {
		r.degraded++
	}

	for _, term := range queryTerms(ev.Query) {
		n, _ := r.terms.Get(term)
		r.terms.Add(term, n+1)
		if _, ok := r.pending.terms[term]; ok || len(r.pending.terms) < r.cfg.TopTerms {
			r.pending.terms[term]++
		}
	}

	if ev.Results == 0 {
		zero := store.ZeroResultQuery{Query: ev.Query, Mode: mode, At: r.now()}
		r.zeroCount++
		r.zeroResults.Add(zero)
		r.pending.zero = append(r.pending.zero, zero)
		if over := len(r.pending.zero) - r.cfg.ZeroResultHistory; over > 0 {
			r.pending.zero = r.pending.zero[over:]
		}
	}

	key := queryKey(ev.Query, mode)
	if r.recent.Contains(key) {
		r.repeats++
	}
	r.recent.Add(key, struct{}{})
}

// queryTerms returns the distinct index terms of q.
func queryTerms(q string) []string {
	tokens := index.Tokenize(q)
	seen := make(map[string]bool, len(tokens))
	out := tokens[:0]
	for _, t := range tokens {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

func queryKey(q, mode string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(q)), " ")
	sum := sha256.Sum256([]byte(mode + "\x00" + normalized))
	return hex.EncodeToString(sum[:16])
}

// Snapshot returns analytics since the recorder started.
func (r *Recorder) Snapshot() *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := &Snapshot{
		Since:           r.since,
		TotalQueries:    r.total,
		ZeroResultCount: r.zeroCount,
		RepeatCount:     r.repeats,
		DegradedCount:   r.degraded,
		Modes:           copyCounts(r.modes),
		Latency:         copyCounts(r.latency),
		TopTerms:        []store.TermCount{},
	}
	if r.total > 0 {
		s.ZeroResultRate = float64(r.zeroCount) / float64(r.total)
		s.RepeatRate = float64(r.repeats) / float64(r.total)
	}

	for _, term := range r.terms.Keys() {
		if n, ok := r.terms.Peek(term); ok {
			s.TopTerms = append(s.TopTerms, store.TermCount{Term: term, Count: n})
		}
	}
	sortTerms(s.TopTerms)
	if len(s.TopTerms) > snapshotTerms {
		s.TopTerms = s.TopTerms[:snapshotTerms]
	}

	items := r.zeroResults.Items()
	s.ZeroResults = make([]store.ZeroResultQuery, len(items))
	for i, q := range items {
		s.ZeroResults[len(items)-1-i] = q
	}
	return s
}

// Flush writes counters gathered since the last flush. Failed batches are
// kept for the next attempt.
func (r *Recorder) Flush(ctx context.Context) error {
	if r.store == nil {
		return nil
	}

	r.mu.Lock()
	p := r.pending
	r.pending = newPending()
	now := r.now()
	r.mu.Unlock()

	batch := store.QueryStatsBatch{
		Date:        now.Format(dateLayout),
		Modes:       p.modes,
		Latencies:   p.latency,
		Terms:       p.terms,
		ZeroResults: p.zero,
		SeenAt:      now,
	}
	if batch.Empty() {
		return nil
	}
	if err := r.store.SaveQueryStats(ctx, batch, r.cfg.ZeroResultHistory); err != nil {
		r.restore(p)
		return err
	}
	slog.Debug("telemetry_flushed",
		slog.Int("modes", len(p.modes)),
		slog.Int("terms", len(p.terms)),
		slog.Int("zero_results", len(p.zero)))
	return nil
}

func (r *Recorder) restore(p pendingStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, n := range p.modes {
		r.pending.modes[k] += n
	}
	for k, n := range p.latency {
		r.pending.latency[k] += n
	}
	for k, n := range p.terms {
		r.pending.terms[k] += n
	}
	r.pending.zero = append(p.zero, r.pending.zero...)
}

// Run flushes every FlushInterval until ctx is done, then flushes once more.
func (r *Recorder) Run(ctx context.Context) error {
	final := func() error { return r.Flush(context.WithoutCancel(ctx)) }
	if r.cfg.FlushInterval <= 0 {
		<-ctx.Done()
		return final()
	}

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return final()
		case <-ticker.C:
			if err := r.Flush(ctx); err != nil {
				slog.Warn("telemetry_flush_failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Close stops recording and flushes what is left.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	return r.Flush(ctx)
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortTerms(terms []store.TermCount) {
	sort.Slice(terms, func(i, j int) bool {
		if terms[i].Count != terms[j].Count {
			return terms[i].Count > terms[j].Count
		}
		return terms[i].Term < terms[j].Term
	})
}
