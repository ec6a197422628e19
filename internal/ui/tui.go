package ui

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// TUIRenderer draws build progress with bubbletea.
type TUIRenderer struct {
	mu      sync.Mutex
	cfg     Config
	program *tea.Program
	model   *buildModel
	tracker *ProgressTracker
	cancel  context.CancelFunc
	started bool
	done    chan struct{}
}

// NewTUIRenderer creates a TUI renderer. It fails for non-TTY output.
func NewTUIRenderer(cfg Config) (*TUIRenderer, error) {
	if !IsTTY(cfg.Output) {
		return nil, fmt.Errorf("output is not a TTY")
	}
	tracker := NewProgressTracker()
	return &TUIRenderer{
		cfg:     cfg,
		tracker: tracker,
		model:   newBuildModel(tracker, cfg.DataDir, GetStyles(cfg.NoColor)),
		done:    make(chan struct{}),
	}, nil
}

// Start implements Renderer.
func (r *TUIRenderer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return nil
	}
	ctx, r.cancel = context.WithCancel(ctx)

	opts := []tea.ProgramOption{tea.WithContext(ctx)}
	if f, ok := r.cfg.Output.(*os.File); ok {
		opts = append(opts, tea.WithOutput(f))
	}
	r.program = tea.NewProgram(r.model, opts...)
	r.started = true

	go func() {
		defer close(r.done)
		_, _ = r.program.Run()
	}()
	return nil
}

// UpdateProgress implements Renderer.
func (r *TUIRenderer) UpdateProgress(event ProgressEvent) {
	r.tracker.Apply(event)
	r.send(refreshMsg{})
}

// AddError implements Renderer.
func (r *TUIRenderer) AddError(event ErrorEvent) {
	r.tracker.AddError(event)
	r.send(refreshMsg{})
}

// Complete implements Renderer.
func (r *TUIRenderer) Complete(stats CompletionStats) {
	r.tracker.Apply(ProgressEvent{Stage: StageComplete})
	r.send(completeMsg(stats))
}

func (r *TUIRenderer) send(msg tea.Msg) {
	r.mu.Lock()
	p := r.program
	r.mu.Unlock()
	if p != nil {
		p.Send(msg)
	}
}

// Stop implements Renderer. It waits briefly for the final frame.
func (r *TUIRenderer) Stop() error {
	r.mu.Lock()
	p, started := r.program, r.started
	r.mu.Unlock()

	if !started {
		return nil
	}
	select {
	case <-r.done:
	case <-time.After(500 * time.Millisecond):
		p.Quit()
		select {
		case <-r.done:
		case <-time.After(2 * time.Second):
		}
	}
	if r.cancel != nil {
		r.cancel()
	}
	return nil
}

var _ Renderer = (*TUIRenderer)(nil)

type refreshMsg struct{}
type completeMsg CompletionStats
type tickMsg time.Time

// buildModel is the bubbletea model for a build.
type buildModel struct {
	tracker  *ProgressTracker
	spinner  spinner.Model
	bar      progress.Model
	styles   Styles
	dataDir  string
	width    int
	quitting bool
	complete bool
	stats    CompletionStats
}

func newBuildModel(tracker *ProgressTracker, dataDir string, styles Styles) *buildModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = styles.Active

	bar := progress.New(
		progress.WithSolidFill(ColorAccent),
		progress.WithWidth(40),
		progress.WithoutPercentage(),
	)
	return &buildModel{
		tracker: tracker,
		spinner: s,
		bar:     bar,
		styles:  styles,
		dataDir: dataDir,
		width:   80,
	}
}

func (m *buildModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tick())
}

func tick() tea.Cmd {
	return tea.Tick(200*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *buildModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			m.quitting = true
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = max(msg.Width-24, 20)
	case completeMsg:
		m.complete = true
		m.stats = CompletionStats(msg)
		return m, tea.Quit
	case tickMsg:
		return m, tick()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *buildModel) View() string {
	if m.quitting {
		return "Cancelled.\n"
	}
	if m.complete {
		return m.renderComplete()
	}

	stats := m.tracker.Stats()
	title := "lexsearch build"
	if m.dataDir != "" {
		title += " • " + m.dataDir
	}
	lines := []string{
		m.styles.Header.Render(title),
		m.renderStages(stats.Stage),
		m.renderProgress(stats),
	}
	if stats.ErrorCount > 0 || stats.WarnCount > 0 {
		lines = append(lines, m.renderProblems(stats))
	}
	panel := m.styles.Panel.Width(max(m.width-4, 40))
	return panel.Render(strings.Join(lines, "\n")) + "\n" + m.styles.Dim.Render("q to quit") + "\n"
}

var pipeline = []Stage{StageLoading, StageEmbedding, StageIndexing, StagePublishing}

func (m *buildModel) renderStages(current Stage) string {
	parts := make([]string, 0, len(pipeline))
	for _, s := range pipeline {
		switch {
		case s < current:
			parts = append(parts, m.styles.Success.Render("● "+s.String()))
		case s == current:
			parts = append(parts, m.styles.Active.Render(m.spinner.View()+" "+s.String()))
		default:
			parts = append(parts, m.styles.Dim.Render("○ "+s.String()))
		}
	}
	return strings.Join(parts, m.styles.Dim.Render(" → "))
}

func (m *buildModel) renderProgress(stats ProgressStats) string {
	if stats.Total == 0 {
		msg := stats.Message
		if msg == "" {
			msg = "Preparing..."
		}
		return m.styles.Label.Render(msg)
	}
	line := fmt.Sprintf("%s  %s", m.bar.ViewAs(stats.Progress),
		m.styles.Active.Render(fmt.Sprintf("%3.0f%%", stats.Progress*100)))
	detail := fmt.Sprintf("%d / %d", stats.Current, stats.Total)
	if stats.Rate > 0 {
		detail += fmt.Sprintf("  •  %.0f/s", stats.Rate)
	}
	if stats.ETA > 0 {
		detail += "  •  ETA " + formatDuration(stats.ETA)
	}
	return line + "\n" + m.styles.Label.Render(detail)
}

func (m *buildModel) renderProblems(stats ProgressStats) string {
	var parts []string
	if stats.WarnCount > 0 {
		parts = append(parts, m.styles.Warning.Render(fmt.Sprintf("⚠ %d warnings", stats.WarnCount)))
	}
	if stats.ErrorCount > 0 {
		parts = append(parts, m.styles.Error.Render(fmt.Sprintf("✗ %d errors", stats.ErrorCount)))
	}
	return strings.Join(parts, "  ")
}

func (m *buildModel) renderComplete() string {
	row := func(label string, value any) string {
		return fmt.Sprintf("%-10s %s", m.styles.Label.Render(label), m.styles.Value.Render(fmt.Sprint(value)))
	}
	lines := []string{
		m.styles.Success.Render("✓ Build complete"),
		"",
		row("Cases:", m.stats.Cases),
		row("Chunks:", m.stats.Chunks),
		row("Embedded:", m.stats.Embedded),
		row("Duration:", formatDuration(m.stats.Duration)),
	}
	if m.stats.Embedder.Backend != "" {
		lines = append(lines, row("Embedder:", fmt.Sprintf("%s (%d dims)", m.stats.Embedder.Model, m.stats.Embedder.Dimensions)))
	}
	if m.stats.Errors > 0 {
		lines = append(lines, "", m.styles.Error.Render(fmt.Sprintf("✗ %d errors", m.stats.Errors)))
	}
	panel := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color(ColorAccent)).
		Padding(1, 2)
	return panel.Render(strings.Join(lines, "\n")) + "\n"
}

// formatDuration renders d as "45s", "2m 5s" or "1h 3m".
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		m, s := int(d.Minutes()), int(d.Seconds())%60
		if s == 0 {
			return fmt.Sprintf("%dm", m)
		}
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
