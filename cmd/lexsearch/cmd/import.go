package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/lexsearch/internal/store"
)

// importFile is the JSON accepted by `lexsearch import`. It mirrors what
// the ingestion pipeline writes to the record store.
type importFile struct {
	Cases           []importCase       `json:"cases"`
	Chunks          []importChunk      `json:"chunks"`
	TermOccurrences []importOccurrence `json:"term_occurrences"`
}

type importCase struct {
	ID              int64    `json:"id"`
	CaseNumber      string   `json:"case_number"`
	Title           string   `json:"case_title"`
	Court           string   `json:"court"`
	Status          string   `json:"status"`
	Bench           string   `json:"bench"`
	Summary         string   `json:"summary"`
	Parties         []string `json:"parties"`
	Tags            []string `json:"tags"`
	InstitutionDate jsonDate `json:"institution_date"`
	DisposalDate    jsonDate `json:"disposal_date"`
	HearingDate     jsonDate `json:"hearing_date"`
}

type importChunk struct {
	ID     int64  `json:"id"`
	CaseID int64  `json:"case_id"`
	Index  int    `json:"index"`
	Text   string `json:"text"`
}

type importOccurrence struct {
	CaseID    int64  `json:"case_id"`
	FacetType string `json:"facet_type"`
	Term      string `json:"term"`
	Count     int    `json:"count"`
}

// jsonDate accepts "2006-01-02", RFC 3339, an empty string or null.
type jsonDate struct{ time.Time }

func (d *jsonDate) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("date must be a string: %w", err)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		d.Time = time.Time{}
		return nil
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			d.Time = t
			return nil
		}
	}
	return fmt.Errorf("invalid date %q (expected YYYY-MM-DD)", s)
}

// importStats reports what an import wrote.
type importStats struct {
	Cases           int `json:"cases"`
	Chunks          int `json:"chunks"`
	TermOccurrences int `json:"term_occurrences"`
}

// recordWriter is the store API the import needs.
type recordWriter interface {
	SaveCases(ctx context.Context, cases []*store.Case) error
	SaveChunks(ctx context.Context, chunks []*store.Chunk) error
	SaveTermOccurrences(ctx context.Context, occ []store.TermOccurrence) error
}

func newImportCmd(dir *string) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "import <file.json>",
		Short: "Load case records, chunks and term occurrences into the record store",
		Long: `Load case records, document chunks and raw term occurrences from a JSON
file into the record store. Existing records with the same IDs are replaced.

Use "-" to read from stdin.

Run 'lexsearch build' and 'lexsearch facets build' afterwards.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd, *dir, args[0], jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output import counts as JSON")

	return cmd
}

func runImport(cmd *cobra.Command, dir, path string, jsonOutput bool) error {
	ctx := cmd.Context()

	var r io.Reader = cmd.InOrStdin()
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open import file: %w", err)
		}
		defer func() { _ = f.Close() }()
		r = f
	}

	a, err := openApp(ctx, dir)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	stats, err := importRecords(ctx, a.store, r)
	if err != nil {
		return err
	}
	slog.Info("import_complete",
		slog.String("file", path),
		slog.Int("cases", stats.Cases),
		slog.Int("chunks", stats.Chunks),
		slog.Int("term_occurrences", stats.TermOccurrences))

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, stats)
	}
	_, err = fmt.Fprintf(out, "Imported %d cases, %d chunks, %d term occurrences\n",
		stats.Cases, stats.Chunks, stats.TermOccurrences)
	return err
}

// importRecords decodes r and writes it to w. Chunks and occurrences must
// reference cases in the same file or already in the store.
func importRecords(ctx context.Context, w recordWriter, r io.Reader) (importStats, error) {
	var f importFile
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return importStats{}, fmt.Errorf("decode import file: %w", err)
	}

	cases := make([]*store.Case, 0, len(f.Cases))
	for i, c := range f.Cases {
		if c.ID <= 0 || strings.TrimSpace(c.CaseNumber) == "" {
			return importStats{}, fmt.Errorf("case %d: id and case_number are required", i)
		}
		cases = append(cases, &store.Case{
			ID:              c.ID,
			CaseNumber:      c.CaseNumber,
			Title:           c.Title,
			Court:           c.Court,
			Status:          c.Status,
			Bench:           c.Bench,
			Summary:         c.Summary,
			Parties:         c.Parties,
			Tags:            c.Tags,
			InstitutionDate: c.InstitutionDate.Time,
			DisposalDate:    c.DisposalDate.Time,
			HearingDate:     c.HearingDate.Time,
		})
	}

	chunks := make([]*store.Chunk, 0, len(f.Chunks))
	for i, c := range f.Chunks {
		if c.ID <= 0 || c.CaseID <= 0 {
			return importStats{}, fmt.Errorf("chunk %d: id and case_id are required", i)
		}
		chunks = append(chunks, &store.Chunk{ID: c.ID, CaseID: c.CaseID, Index: c.Index, Text: c.Text})
	}

	occ := make([]store.TermOccurrence, 0, len(f.TermOccurrences))
	for i, o := range f.TermOccurrences {
		if o.CaseID <= 0 || o.FacetType == "" || strings.TrimSpace(o.Term) == "" {
			return importStats{}, fmt.Errorf("term occurrence %d: case_id, facet_type and term are required", i)
		}
		occ = append(occ, store.TermOccurrence{CaseID: o.CaseID, FacetType: o.FacetType, Term: o.Term, Count: o.Count})
	}

	if len(cases) > 0 {
		if err := w.SaveCases(ctx, cases); err != nil {
			return importStats{}, fmt.Errorf("save cases: %w", err)
		}
	}
	if len(chunks) > 0 {
		if err := w.SaveChunks(ctx, chunks); err != nil {
			return importStats{}, fmt.Errorf("save chunks: %w", err)
		}
	}
	if len(occ) > 0 {
		if err := w.SaveTermOccurrences(ctx, occ); err != nil {
			return importStats{}, fmt.Errorf("save term occurrences: %w", err)
		}
	}
	return importStats{Cases: len(cases), Chunks: len(chunks), TermOccurrences: len(occ)}, nil
}

// writeJSON writes v as indented JSON.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
