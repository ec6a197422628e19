package ui

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// IndexInfo describes one retrieval index for display.
type IndexInfo struct {
	Name        string    `json:"name"`
	Exists      bool      `json:"exists"`
	Built       bool      `json:"is_built"`
	Count       int       `json:"count"`
	Unit        string    `json:"unit"` // "vectors" or "documents"
	Generation  string    `json:"generation,omitempty"`
	LastUpdated time.Time `json:"last_updated"`
}

// StatusInfo is what `lexsearch status` prints.
type StatusInfo struct {
	DataDir         string      `json:"data_dir"`
	Health          string      `json:"health"`
	Indexes         []IndexInfo `json:"indexes"`
	FacetTypes      []string    `json:"facet_types"`
	FacetsBuilt     int         `json:"facets_built"`
	FacetsTotal     int         `json:"facets_total"`
	MetadataTotal   int         `json:"metadata_total"`
	MetadataIndexed int         `json:"metadata_indexed"`
	EmbedderModel   string      `json:"embedder_model,omitempty"`
	DataSize        int64       `json:"data_size"`
}

// StatusRenderer prints StatusInfo.
type StatusRenderer struct {
	out    io.Writer
	styles Styles
	now    func() time.Time
}

// NewStatusRenderer creates a status renderer.
func NewStatusRenderer(out io.Writer, noColor bool) *StatusRenderer {
	return &StatusRenderer{out: out, styles: GetStyles(noColor), now: time.Now}
}

// Render writes a human-readable report.
func (r *StatusRenderer) Render(info StatusInfo) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", r.styles.Header.Render("Search health:"), r.renderHealth(info.Health))
	if info.DataDir != "" {
		fmt.Fprintf(&b, "%s %s\n", r.styles.Label.Render("Data dir:"), info.DataDir)
	}
	b.WriteString("\n")

	for _, idx := range info.Indexes {
		state := r.styles.Warning.Render("not built")
		if idx.Built {
			state = r.styles.Success.Render("built")
		}
		fmt.Fprintf(&b, "  %-16s %s  %d %s", idx.Name, state, idx.Count, idx.Unit)
		if idx.Generation != "" {
			fmt.Fprintf(&b, "  %s", r.styles.Dim.Render("gen "+shortID(idx.Generation)))
		}
		if !idx.LastUpdated.IsZero() {
			fmt.Fprintf(&b, "  %s", r.styles.Label.Render(r.formatTime(idx.LastUpdated)))
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "  %-16s %d/%d types", "facets", info.FacetsBuilt, info.FacetsTotal)
	if len(info.FacetTypes) > 0 {
		fmt.Fprintf(&b, "  %s", r.styles.Dim.Render(strings.Join(info.FacetTypes, ", ")))
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "  %-16s %d/%d cases indexed\n", "search metadata", info.MetadataIndexed, info.MetadataTotal)

	if info.EmbedderModel != "" || info.DataSize > 0 {
		b.WriteString("\n")
	}
	if info.EmbedderModel != "" {
		fmt.Fprintf(&b, "%s %s\n", r.styles.Label.Render("Embedder:"), info.EmbedderModel)
	}
	if info.DataSize > 0 {
		fmt.Fprintf(&b, "%s %s\n", r.styles.Label.Render("On disk:"), FormatBytes(info.DataSize))
	}

	_, err := io.WriteString(r.out, b.String())
	return err
}

// RenderJSON writes info as indented JSON.
func (r *StatusRenderer) RenderJSON(info StatusInfo) error {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	return enc.Encode(info)
}

func (r *StatusRenderer) renderHealth(health string) string {
	switch health {
	case "healthy":
		return r.styles.Success.Render(health)
	case "degraded":
		return r.styles.Warning.Render(health)
	case "unavailable":
		return r.styles.Error.Render(health)
	}
	return health
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// formatTime renders t relative to now for the last week, absolute after.
func (r *StatusRenderer) formatTime(t time.Time) string {
	diff := r.now().Sub(t)
	plural := func(n int, unit string) string {
		if n == 1 {
			return "1 " + unit + " ago"
		}
		return fmt.Sprintf("%d %ss ago", n, unit)
	}
	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return plural(int(diff.Minutes()), "minute")
	case diff < 24*time.Hour:
		return plural(int(diff.Hours()), "hour")
	case diff < 7*24*time.Hour:
		return plural(int(diff.Hours()/24), "day")
	}
	return t.Format("2006-01-02 15:04")
}

// FormatBytes formats a byte count with binary units.
func FormatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)
	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	}
	return fmt.Sprintf("%d B", bytes)
}
