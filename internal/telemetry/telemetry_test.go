package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/lexsearch/internal/config"
	"github.com/Aman-CERP/lexsearch/internal/store"
)

var fixedNow = time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newRecorder(st Store) *Recorder {
	return New(st, config.TelemetryConfig{Enabled: true, TopTerms: 10, ZeroResultHistory: 5},
		WithClock(func() time.Time { return fixedNow }))
}

// flakyStore fails SaveQueryStats while fail is set.
type flakyStore struct {
	*store.SQLiteStore
	fail bool
}

func (f *flakyStore) SaveQueryStats(ctx context.Context, b store.QueryStatsBatch, keep int) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.SQLiteStore.SaveQueryStats(ctx, b, keep)
}

// =============================================================================
// Ring
// =============================================================================

func TestRing_EvictsOldest(t *testing.T) {
	r := NewRing[string](3)
	assert.NotNil(t, r.Items())
	assert.Empty(t, r.Items())

	for _, q := range []string{"q1", "q2", "q3", "q4", "q5"} {
		r.Add(q)
	}

	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []string{"q3", "q4", "q5"}, r.Items())
}

func TestRing_PartiallyFilled(t *testing.T) {
	r := NewRing[int](0)
	r.Add(1)
	r.Add(2)
	assert.Equal(t, []int{1, 2}, r.Items())
}

// =============================================================================
// Recorder
// =============================================================================

func TestLatencyBucket(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, BucketP10},
		{9 * time.Millisecond, BucketP10},
		{10 * time.Millisecond, BucketP50},
		{75 * time.Millisecond, BucketP100},
		{250 * time.Millisecond, BucketP500},
		{2 * time.Second, BucketP1000},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LatencyBucket(tt.d), tt.d.String())
	}
}

func TestRecorder_Snapshot(t *testing.T) {
	// Given: three searches, one repeated and one empty
	r := newRecorder(nil)
	r.Record(Event{Query: "bail after arrest", Mode: "hybrid", Results: 5, Latency: 5 * time.Millisecond})
	r.Record(Event{Query: "Bail", Mode: "lexical", Results: 0, Latency: 60 * time.Millisecond, Degraded: true})
	r.Record(Event{Query: "  BAIL after arrest ", Mode: "hybrid", Results: 2})

	// When
	s := r.Snapshot()

	// Then
	assert.Equal(t, fixedNow, s.Since)
	assert.Equal(t, int64(3), s.TotalQueries)
	assert.Equal(t, int64(1), s.ZeroResultCount)
	assert.InDelta(t, 1.0/3, s.ZeroResultRate, 1e-9)
	assert.Equal(t, int64(1), s.RepeatCount)
	assert.Equal(t, int64(1), s.DegradedCount)
	assert.Equal(t, map[string]int64{"hybrid": 2, "lexical": 1}, s.Modes)
	assert.Equal(t, map[string]int64{BucketP10: 2, BucketP100: 1}, s.Latency)
	assert.Equal(t, []store.TermCount{
		{Term: "bail", Count: 3},
		{Term: "after", Count: 2},
		{Term: "arrest", Count: 2},
	}, s.TopTerms)
	assert.Equal(t, []store.ZeroResultQuery{{Query: "Bail", Mode: "lexical", At: fixedNow}}, s.ZeroResults)
}

func TestRecorder_SnapshotEmpty(t *testing.T) {
	s := newRecorder(nil).Snapshot()
	assert.Zero(t, s.TotalQueries)
	assert.Zero(t, s.ZeroResultRate)
	assert.NotNil(t, s.TopTerms)
	assert.NotNil(t, s.ZeroResults)
}

func TestRecorder_RepeatsAreModeSpecific(t *testing.T) {
	r := newRecorder(nil)
	r.Record(Event{Query: "habeas corpus", Mode: "hybrid", Results: 1})
	r.Record(Event{Query: "habeas corpus", Mode: "semantic", Results: 1})
	assert.Zero(t, r.Snapshot().RepeatCount)
}

func TestRecorder_FlushWritesDeltas(t *testing.T) {
	st := newTestStore(t)
	r := newRecorder(st)
	ctx := context.Background()

	// Given: two flushes with searches in between
	r.Record(Event{Query: "bail", Mode: "hybrid", Results: 1})
	r.Record(Event{Query: "quashment of fir", Mode: "hybrid", Results: 0})
	require.NoError(t, r.Flush(ctx))
	require.NoError(t, r.Flush(ctx), "empty flush is a no-op")
	r.Record(Event{Query: "bail", Mode: "lexical", Results: 3})
	require.NoError(t, r.Flush(ctx))

	// Then: stored counts are not double counted
	modes, err := st.QueryModeCounts(ctx, "2025-03-14", "2025-03-14")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"hybrid": 2, "lexical": 1}, modes)

	terms, err := st.TopQueryTerms(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []store.TermCount{{Term: "bail", Count: 2}}, terms)

	zero, err := st.RecentZeroResultQueries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, zero, 1)
	assert.Equal(t, "quashment of fir", zero[0].Query)
}

func TestRecorder_FailedFlushIsRetried(t *testing.T) {
	st := &flakyStore{SQLiteStore: newTestStore(t), fail: true}
	r := newRecorder(st)
	ctx := context.Background()

	r.Record(Event{Query: "bail", Mode: "hybrid", Results: 1})
	require.Error(t, r.Flush(ctx))

	r.Record(Event{Query: "bail", Mode: "hybrid", Results: 1})
	st.fail = false
	require.NoError(t, r.Flush(ctx))

	modes, err := st.QueryModeCounts(ctx, "2025-03-14", "2025-03-14")
	require.NoError(t, err)
	assert.Equal(t, int64(2), modes["hybrid"])
}

func TestRecorder_CloseStopsRecording(t *testing.T) {
	st := newTestStore(t)
	r := newRecorder(st)
	ctx := context.Background()

	r.Record(Event{Query: "bail", Mode: "hybrid", Results: 1})
	require.NoError(t, r.Close(ctx))
	require.NoError(t, r.Close(ctx))
	r.Record(Event{Query: "bail", Mode: "hybrid", Results: 1})

	assert.Equal(t, int64(1), r.Snapshot().TotalQueries)
	modes, err := st.QueryModeCounts(ctx, "2025-03-14", "2025-03-14")
	require.NoError(t, err)
	assert.Equal(t, int64(1), modes["hybrid"])
}

func TestRecorder_RunFlushesOnCancel(t *testing.T) {
	st := newTestStore(t)
	r := newRecorder(st)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	r.Record(Event{Query: "khula", Mode: "semantic", Results: 4})
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	terms, err := st.TopQueryTerms(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []store.TermCount{{Term: "khula", Count: 1}}, terms)
}

// =============================================================================
// Report
// =============================================================================

func TestLoadReport(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	r := newRecorder(st)
	r.Record(Event{Query: "bail", Mode: "hybrid", Results: 1})
	r.Record(Event{Query: "land mutation", Mode: "lexical", Results: 0, Latency: 20 * time.Millisecond})
	require.NoError(t, r.Flush(ctx))

	report, err := LoadReport(ctx, st, 7, 10, fixedNow)
	require.NoError(t, err)

	assert.Equal(t, "2025-03-08", report.From)
	assert.Equal(t, "2025-03-14", report.To)
	assert.Equal(t, int64(2), report.TotalQueries)
	assert.Equal(t, map[string]int64{BucketP10: 1, BucketP50: 1}, report.Latency)
	assert.Len(t, report.TopTerms, 3)
	require.Len(t, report.ZeroResults, 1)
	assert.Equal(t, "land mutation", report.ZeroResults[0].Query)

	// a window that ends before the searches
	report, err = LoadReport(ctx, st, 1, 10, fixedNow.AddDate(0, 0, -1))
	require.NoError(t, err)
	assert.Zero(t, report.TotalQueries)
}

func TestLoadReport_RejectsDays(t *testing.T) {
	_, err := LoadReport(context.Background(), newTestStore(t), 0, 10, fixedNow)
	assert.Error(t, err)
}
