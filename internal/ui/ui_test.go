package ui

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStage_StringAndIcon(t *testing.T) {
	tests := []struct {
		stage Stage
		name  string
		icon  string
	}{
		{StageLoading, "Loading", "LOAD"},
		{StageEmbedding, "Embedding", "EMBED"},
		{StageIndexing, "Indexing", "INDEX"},
		{StagePublishing, "Publishing", "PUBLISH"},
		{StageComplete, "Complete", "DONE"},
		{Stage(99), "Unknown", "???"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.stage.String())
			assert.Equal(t, tt.icon, tt.stage.Icon())
		})
	}
}

func TestIsTTY(t *testing.T) {
	assert.False(t, IsTTY(&bytes.Buffer{}))
	assert.False(t, IsTTY(nil))
}

func TestNewRenderer_PlainForNonTTY(t *testing.T) {
	// Given: output to a buffer
	cfg := NewConfig(&bytes.Buffer{}, WithDataDir("/tmp/data"))

	// When
	r := NewRenderer(cfg)

	// Then: the plain renderer is used
	_, ok := r.(*PlainRenderer)
	assert.True(t, ok)
	assert.Equal(t, "/tmp/data", cfg.DataDir)
}

func TestNewTUIRenderer_RejectsNonTTY(t *testing.T) {
	r, err := NewTUIRenderer(NewConfig(&bytes.Buffer{}))
	assert.Error(t, err)
	assert.Nil(t, r)
}

func TestNopRenderer(t *testing.T) {
	var r Renderer = NopRenderer{}
	require.NoError(t, r.Start(context.Background()))
	r.UpdateProgress(ProgressEvent{Stage: StageIndexing, Current: 1, Total: 2})
	r.AddError(ErrorEvent{Err: errors.New("x")})
	r.Complete(CompletionStats{})
	assert.NoError(t, r.Stop())
}

func TestDetectNoColor(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	assert.True(t, DetectNoColor())
	assert.Equal(t, "x", GetStyles(false).Header.Render("x"))
}

func TestDetectCI(t *testing.T) {
	t.Setenv("CI", "true")
	assert.True(t, DetectCI())
}

// =============================================================================
// ProgressTracker
// =============================================================================

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestProgressTracker_StageChangeResets(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	p := newProgressTracker(clock.now)

	p.Apply(ProgressEvent{Stage: StageEmbedding, Current: 40, Total: 100})
	clock.advance(2 * time.Second)
	p.Apply(ProgressEvent{Stage: StageEmbedding, Current: 50})

	s := p.Stats()
	assert.Equal(t, StageEmbedding, s.Stage)
	assert.Equal(t, 100, s.Total)
	assert.InDelta(t, 0.5, s.Progress, 1e-9)
	assert.InDelta(t, 25.0, s.Rate, 1e-9)
	assert.Equal(t, 2*time.Second, s.ETA)

	p.Apply(ProgressEvent{Stage: StageIndexing, Message: "building lexical generation"})
	s = p.Stats()
	assert.Equal(t, StageIndexing, s.Stage)
	assert.Zero(t, s.Total)
	assert.Zero(t, s.Progress)
	assert.Equal(t, "building lexical generation", s.Message)
	assert.Equal(t, 2*time.Second, s.Elapsed)
}

func TestProgressTracker_ETASmoothing(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	p := newProgressTracker(clock.now)
	p.Apply(ProgressEvent{Stage: StageEmbedding, Total: 100})

	clock.advance(10 * time.Second)
	p.Apply(ProgressEvent{Stage: StageEmbedding, Current: 50})
	first := p.Stats().ETA
	assert.Equal(t, 10*time.Second, first)

	// the rate drops: raw ETA rises to 13.3s, smoothed to 11s
	clock.advance(10 * time.Second)
	p.Apply(ProgressEvent{Stage: StageEmbedding, Current: 60})
	assert.Equal(t, 11*time.Second, p.Stats().ETA.Round(time.Second))
}

func TestProgressTracker_ProgressCapped(t *testing.T) {
	p := NewProgressTracker()
	p.Apply(ProgressEvent{Stage: StageEmbedding, Current: 120, Total: 100})
	s := p.Stats()
	assert.Equal(t, 1.0, s.Progress)
	assert.Zero(t, s.ETA)
}

func TestProgressTracker_Errors(t *testing.T) {
	p := NewProgressTracker()
	p.AddError(ErrorEvent{Err: errors.New("a")})
	p.AddError(ErrorEvent{Err: errors.New("b"), IsWarn: true})
	p.AddError(ErrorEvent{Err: errors.New("c")})

	s := p.Stats()
	assert.Equal(t, 2, s.ErrorCount)
	assert.Equal(t, 1, s.WarnCount)
}

// =============================================================================
// PlainRenderer
// =============================================================================

func TestPlainRenderer_Progress(t *testing.T) {
	buf := &bytes.Buffer{}
	r := NewPlainRenderer(NewConfig(buf))

	r.UpdateProgress(ProgressEvent{Stage: StageLoading, Message: "Reading record store..."})
	r.UpdateProgress(ProgressEvent{Stage: StageEmbedding, Current: 3, Total: 10})
	r.UpdateProgress(ProgressEvent{Stage: StageIndexing, Current: 1, Total: 2, Message: "lexical"})
	r.UpdateProgress(ProgressEvent{Stage: StageIndexing})

	assert.Equal(t,
		"[LOAD] Reading record store...\n[EMBED] 3/10\n[INDEX] 1/2 - lexical\n",
		buf.String())
}

func TestPlainRenderer_Errors(t *testing.T) {
	buf := &bytes.Buffer{}
	r := NewPlainRenderer(NewConfig(buf))

	r.AddError(ErrorEvent{Item: "chunk 42", Err: errors.New("embedding failed")})
	r.AddError(ErrorEvent{Err: errors.New("slow backend"), IsWarn: true})

	assert.Equal(t, "ERROR: chunk 42: embedding failed\nWARN: slow backend\n", buf.String())
}

func TestPlainRenderer_Complete(t *testing.T) {
	buf := &bytes.Buffer{}
	r := NewPlainRenderer(NewConfig(buf))

	r.Complete(CompletionStats{
		Cases:    3,
		Chunks:   4,
		Embedded: 4,
		Duration: 1500 * time.Millisecond,
		Errors:   1,
		Stages:   StageTimings{Load: time.Millisecond, Embed: 2 * time.Second, Index: 3 * time.Millisecond},
		Embedder: EmbedderInfo{Backend: "static", Model: "static-64", Dimensions: 64},
	})

	out := buf.String()
	assert.Contains(t, out, "Complete: 3 cases, 4 chunks (4 embedded) in 1.5s (1 errors, 0 warnings)")
	assert.Contains(t, out, "Embed:   2s (2.0 chunks/sec)")
	assert.Contains(t, out, "Publish: 0s")
	assert.Contains(t, out, "Embedder: static (static-64, 64 dims)")
}

// =============================================================================
// TUI model
// =============================================================================

func TestBuildModel_View(t *testing.T) {
	tracker := NewProgressTracker()
	m := newBuildModel(tracker, "/data", NoColorStyles())

	view := m.View()
	for _, s := range []string{"lexsearch build • /data", "Loading", "Embedding", "Indexing", "Publishing", "Preparing..."} {
		assert.Contains(t, view, s)
	}

	tracker.Apply(ProgressEvent{Stage: StageEmbedding, Current: 25, Total: 100})
	tracker.AddError(ErrorEvent{Err: errors.New("x")})
	view = m.View()
	assert.Contains(t, view, "25%")
	assert.Contains(t, view, "25 / 100")
	assert.Contains(t, view, "1 errors")
}

func TestBuildModel_Complete(t *testing.T) {
	m := newBuildModel(NewProgressTracker(), "", NoColorStyles())

	_, cmd := m.Update(completeMsg(CompletionStats{Cases: 3, Chunks: 4, Embedded: 4, Duration: 65 * time.Second}))

	assert.NotNil(t, cmd)
	view := m.View()
	assert.Contains(t, view, "Build complete")
	assert.Contains(t, view, "1m 5s")
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{45 * time.Second, "45s"},
		{2 * time.Minute, "2m"},
		{125 * time.Second, "2m 5s"},
		{63 * time.Minute, "1h 3m"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatDuration(tt.d))
	}
}

// =============================================================================
// StatusRenderer
// =============================================================================

func TestStatusRenderer_Render(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	buf := &bytes.Buffer{}
	r := NewStatusRenderer(buf, true)
	r.now = func() time.Time { return now }

	err := r.Render(StatusInfo{
		DataDir: "/data",
		Health:  "degraded",
		Indexes: []IndexInfo{
			{Name: "vector", Unit: "vectors"},
			{Name: "keyword", Exists: true, Built: true, Count: 3, Unit: "documents",
				Generation: "0123456789abcdef", LastUpdated: now.Add(-2 * time.Hour)},
		},
		FacetTypes:      []string{"court", "section"},
		FacetsBuilt:     2,
		FacetsTotal:     5,
		MetadataTotal:   3,
		MetadataIndexed: 0,
		DataSize:        2048,
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "Search health: degraded")
	assert.Contains(t, out, "vector           not built  0 vectors")
	assert.Contains(t, out, "keyword          built  3 documents  gen 01234567  2 hours ago")
	assert.Contains(t, out, "facets           2/5 types  court, section")
	assert.Contains(t, out, "search metadata  0/3 cases indexed")
	assert.Contains(t, out, "On disk: 2.0 KB")
}

func TestStatusRenderer_RenderJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	r := NewStatusRenderer(buf, true)

	require.NoError(t, r.RenderJSON(StatusInfo{Health: "healthy", FacetsTotal: 5}))

	assert.Contains(t, buf.String(), `"health": "healthy"`)
	assert.Contains(t, buf.String(), `"facets_total": 5`)
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.5 KB", FormatBytes(1536))
	assert.Equal(t, "2.0 MB", FormatBytes(2*1024*1024))
	assert.Equal(t, "1.0 GB", FormatBytes(1024*1024*1024))
}
