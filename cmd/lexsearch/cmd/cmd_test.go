package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/lexsearch/internal/config"
	"github.com/Aman-CERP/lexsearch/internal/facet"
	"github.com/Aman-CERP/lexsearch/internal/index"
	"github.com/Aman-CERP/lexsearch/internal/search"
	"github.com/Aman-CERP/lexsearch/internal/store"
	"github.com/Aman-CERP/lexsearch/internal/telemetry"
	"github.com/Aman-CERP/lexsearch/pkg/version"
)

const fixtureJSON = `{
  "cases": [
    {"id": 1, "case_number": "W.P. 123/2024", "case_title": "A vs B", "court": "Lahore High Court",
     "status": "Pending", "summary": "Writ petition challenging a tax notice", "institution_date": "2024-03-01"},
    {"id": 2, "case_number": "Crl.A. 5/2020", "case_title": "State vs Ahmed Khan", "court": "Supreme Court",
     "status": "Decided", "summary": "Criminal appeal against refusal of post arrest bail",
     "parties": ["State", "Ahmed Khan"], "tags": ["PPC 302"], "disposal_date": "2021-06-30T00:00:00Z"},
    {"id": 3, "case_number": "C.P. 77/2019", "case_title": "Land Revenue Appeal", "court": "Board of Revenue",
     "status": "Decided", "summary": "Mutation dispute over inheritance", "hearing_date": null}
  ],
  "chunks": [
    {"id": 10, "case_id": 1, "index": 0, "text": "constitutional petition challenging the tax notice"},
    {"id": 20, "case_id": 2, "index": 0, "text": "post arrest bail in narcotics case under section 9"},
    {"id": 21, "case_id": 2, "index": 1, "text": "bail was refused by the trial court"},
    {"id": 30, "case_id": 3, "index": 0, "text": "land revenue mutation dispute over inheritance"}
  ],
  "term_occurrences": [
    {"case_id": 1, "facet_type": "court", "term": "Lahore High Court", "count": 1},
    {"case_id": 2, "facet_type": "court", "term": "Supreme Court", "count": 1},
    {"case_id": 3, "facet_type": "court", "term": "Board of Revenue", "count": 1},
    {"case_id": 2, "facet_type": "section", "term": "PPC 302", "count": 2}
  ]
}`

// projectDir returns an isolated project dir with the fixture written to it.
func projectDir(t *testing.T) (dir, fixture string) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	dir = t.TempDir()
	fixture = filepath.Join(dir, "cases.json")
	require.NoError(t, os.WriteFile(fixture, []byte(fixtureJSON), 0644))
	return dir, fixture
}

// execute runs the root command with args and returns its output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

// =============================================================================
// Root and version
// =============================================================================

func TestRootCmd_HasSubcommands(t *testing.T) {
	root := NewRootCmd()

	for _, name := range []string{"init", "import", "build", "facets", "search", "serve", "status", "queries", "version"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := root.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}

	for _, name := range []string{"build", "stats", "cleanup"} {
		sub, _, err := root.Find([]string{"facets", name})
		require.NoError(t, err)
		assert.Equal(t, name, sub.Name())
	}
}

func TestRootCmd_PersistentFlags(t *testing.T) {
	root := NewRootCmd()
	assert.NotNil(t, root.PersistentFlags().Lookup("debug"))
	flag := root.PersistentFlags().Lookup("dir")
	require.NotNil(t, flag)
	assert.Equal(t, ".", flag.DefValue)
}

func TestVersionCmd_DefaultOutput(t *testing.T) {
	// Given: a version command
	cmd := newVersionCmd()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetArgs([]string{})

	// When
	err := cmd.Execute()

	// Then
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "lexsearch")
	assert.Contains(t, buf.String(), version.Version)
	assert.Contains(t, buf.String(), "commit")
}

func TestVersionCmd_JSONOutput(t *testing.T) {
	cmd := newVersionCmd()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--json"})

	require.NoError(t, cmd.Execute())

	var info map[string]string
	require.NoError(t, json.Unmarshal(buf.Bytes(), &info))
	assert.Equal(t, version.Version, info["version"])
	for _, key := range []string{"commit", "date", "go_version", "os", "arch"} {
		assert.Contains(t, info, key)
	}
}

func TestInitCmd(t *testing.T) {
	dir, _ := projectDir(t)

	// When: init runs in an empty project
	out, err := execute(t, "--dir", dir, "init")

	// Then: the template is written and loads
	require.NoError(t, err)
	path := filepath.Join(dir, config.ProjectConfigName)
	assert.Equal(t, "Wrote "+path+"\n", out)
	_, err = config.Load(dir)
	require.NoError(t, err)

	// And: a second run refuses to overwrite without --force
	_, err = execute(t, "--dir", dir, "init")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, err = execute(t, "--dir", dir, "init", "--force")
	assert.NoError(t, err)
}

func TestRootCmd_ProfilingFlags(t *testing.T) {
	dir, _ := projectDir(t)
	cpu := filepath.Join(dir, "cpu.prof")
	heap := filepath.Join(dir, "heap.prof")

	_, err := execute(t, "--profile-cpu", cpu, "--profile-mem", heap, "version")

	require.NoError(t, err)
	for _, p := range []string{cpu, heap} {
		info, err := os.Stat(p)
		require.NoError(t, err)
		assert.Greater(t, info.Size(), int64(0))
	}
}

// =============================================================================
// Import
// =============================================================================

func TestImportRecords(t *testing.T) {
	st, err := store.Open("")
	require.NoError(t, err)
	defer func() { _ = st.Close() }()
	ctx := context.Background()

	// When: importing the fixture
	stats, err := importRecords(ctx, st, strings.NewReader(fixtureJSON))

	// Then: every record lands in the store with dates parsed
	require.NoError(t, err)
	assert.Equal(t, importStats{Cases: 3, Chunks: 4, TermOccurrences: 4}, stats)

	c, err := st.GetCase(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "Lahore High Court", c.Court)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), c.InstitutionDate.UTC())

	c, err = st.GetCase(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"State", "Ahmed Khan"}, c.Parties)
	assert.Equal(t, 2021, c.DisposalDate.Year())

	occ, err := st.TermOccurrences(ctx, "section")
	require.NoError(t, err)
	require.Len(t, occ, 1)
	assert.Equal(t, 2, occ[0].Count)
}

func TestImportRecords_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{"not json", `{"cases": [`, "decode import file"},
		{"unknown field", `{"casez": []}`, "decode import file"},
		{"missing case number", `{"cases": [{"id": 1}]}`, "case 0: id and case_number are required"},
		{"chunk without case", `{"chunks": [{"id": 5, "text": "x"}]}`, "chunk 0: id and case_id are required"},
		{"occurrence without term", `{"term_occurrences": [{"case_id": 1, "facet_type": "court"}]}`,
			"term occurrence 0"},
		{"bad date", `{"cases": [{"id": 1, "case_number": "X", "institution_date": "01/02/2024"}]}`,
			"invalid date"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := store.Open("")
			require.NoError(t, err)
			defer func() { _ = st.Close() }()

			_, err = importRecords(context.Background(), st, strings.NewReader(tt.input))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)

			n, err := st.CaseCount(context.Background())
			require.NoError(t, err)
			assert.Zero(t, n, "nothing is written when validation fails")
		})
	}
}

func TestImportCmd_MissingFile(t *testing.T) {
	dir, _ := projectDir(t)

	_, err := execute(t, "--dir", dir, "import", filepath.Join(dir, "missing.json"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "open import file")
}

// =============================================================================
// End to end: import, build, facets, search, status
// =============================================================================

func TestCLI_ImportBuildSearchStatus(t *testing.T) {
	dir, fixture := projectDir(t)

	// Given: the fixture imported into a fresh project
	out, err := execute(t, "--dir", dir, "import", fixture)
	require.NoError(t, err)
	assert.Equal(t, "Imported 3 cases, 4 chunks, 4 term occurrences\n", out)

	// When: both indexes and the facets are built
	out, err = execute(t, "--dir", dir, "build", "--no-tui")
	require.NoError(t, err)
	assert.Contains(t, out, "Complete:")

	out, err = execute(t, "--dir", dir, "facets", "build")
	require.NoError(t, err)
	assert.Contains(t, out, "court")
	assert.Contains(t, out, "section")

	// And: a second plain facet build is incremental and rewrites nothing
	out, err = execute(t, "--dir", dir, "facets", "build", "--json")
	require.NoError(t, err)
	var again []facet.BuildStats
	require.NoError(t, json.Unmarshal([]byte(out), &again))
	require.NotEmpty(t, again)
	for _, st := range again {
		assert.Zero(t, st.Succeeded, st.FacetType)
		assert.Equal(t, st.Processed, st.Skipped, st.FacetType)
	}

	// Then: build status reports both generations
	out, err = execute(t, "--dir", dir, "build", "--status", "--json")
	require.NoError(t, err)
	var bs index.BuildStatus
	require.NoError(t, json.Unmarshal([]byte(out), &bs))
	require.NotNil(t, bs.Vector)
	require.NotNil(t, bs.Lexical)
	assert.Equal(t, 3, bs.Cases)
	assert.Zero(t, bs.PendingChunks)

	// And: a lexical search finds the bail case with facets
	out, err = execute(t, "--dir", dir, "search", "bail", "--mode", "lexical", "--facets", "--json")
	require.NoError(t, err)
	var resp search.Response
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Results, 1)
	assert.Equal(t, int64(2), resp.Results[0].CaseID)
	assert.Equal(t, search.ModeLexical, resp.Metadata.Mode)
	assert.NotEmpty(t, resp.Facets["court"])

	// And: the text output ranks the case number first
	out, err = execute(t, "--dir", dir, "search", "W.P.", "123/2024", "--mode", "lexical")
	require.NoError(t, err)
	assert.Contains(t, out, " 1. W.P. 123/2024  A vs B")

	// And: status is healthy
	out, err = execute(t, "--dir", dir, "status", "--json")
	require.NoError(t, err)
	var info map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, "healthy", info["health"])
	assert.EqualValues(t, 2, info["facets_built"])

	out, err = execute(t, "--dir", dir, "facets", "stats", "section")
	require.NoError(t, err)
	assert.Contains(t, out, "section   1 terms  1 mappings")
	assert.Contains(t, out, "PPC 302")

	out, err = execute(t, "--dir", dir, "facets", "cleanup")
	require.NoError(t, err)
	assert.Equal(t, "Removed 0 stale mappings\n", out)

	// And: both searches were recorded in the query analytics
	out, err = execute(t, "--dir", dir, "queries", "--json")
	require.NoError(t, err)
	var report telemetry.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, int64(2), report.TotalQueries)
	assert.Equal(t, map[string]int64{"lexical": 2}, report.Modes)
	assert.Contains(t, report.TopTerms, store.TermCount{Term: "bail", Count: 1})
	assert.Empty(t, report.ZeroResults)
}

func TestSearchCmd_MalformedQuery(t *testing.T) {
	dir, _ := projectDir(t)

	out, err := execute(t, "--dir", dir, "search", "   ")

	require.NoError(t, err)
	assert.Contains(t, out, "Malformed query")
}

func TestSearchCmd_InvalidFlags(t *testing.T) {
	dir, _ := projectDir(t)

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"bad mode", []string{"--mode", "fuzzy"}, "unknown search mode"},
		{"bad date", []string{"--from", "2020/01/01"}, "--from: invalid date"},
		{"bad expansion", []string{"--expansion", "wild"}, "unknown expansion mode"},
		{"negative offset", []string{"--offset", "-1"}, "offset must be non-negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"--dir", dir, "search", "bail"}, tt.args...)
			_, err := execute(t, args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSearchOptions_DateToCoversWholeDay(t *testing.T) {
	req, err := searchOptions{dateFrom: "2020-01-01", dateTo: "2020-12-31"}.request("bail")

	require.NoError(t, err)
	assert.Equal(t, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), req.Filters.DateFrom)
	assert.Equal(t, time.Date(2020, 12, 31, 23, 59, 59, 999999999, time.UTC), req.Filters.DateTo)
}

func TestBuildCmd_ConflictingFlags(t *testing.T) {
	dir, _ := projectDir(t)

	_, err := execute(t, "--dir", dir, "build", "--vector-only", "--keyword-only")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestFacetsStatsCmd_UnknownType(t *testing.T) {
	dir, _ := projectDir(t)

	_, err := execute(t, "--dir", dir, "facets", "stats", "colour")

	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown facet type "colour"`)
}

// =============================================================================
// Helpers
// =============================================================================

func TestStatusInfo(t *testing.T) {
	built := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	st := &search.Status{
		Vector:   search.IndexStatus{},
		Keyword:  search.IndexStatus{Exists: true, IsBuilt: true, Total: 3, LastUpdated: built, Generation: "abc"},
		Facets:   search.FacetStatus{Total: 5, Built: 1, Types: []string{"court"}},
		Metadata: search.MetadataStatus{TotalRecords: 3, IndexedRecords: 0},
		Health:   search.HealthDegraded,
	}

	info := statusInfo(st, filepath.Join(t.TempDir(), "missing"))

	assert.Equal(t, "degraded", info.Health)
	require.Len(t, info.Indexes, 2)
	assert.Equal(t, "vector", info.Indexes[0].Name)
	assert.False(t, info.Indexes[0].Built)
	assert.Equal(t, "documents", info.Indexes[1].Unit)
	assert.Equal(t, 3, info.Indexes[1].Count)
	assert.Equal(t, built, info.Indexes[1].LastUpdated)
	assert.Equal(t, []string{"court"}, info.FacetTypes)
	assert.Equal(t, 5, info.FacetsTotal)
	assert.Equal(t, 3, info.MetadataTotal)
	assert.Zero(t, info.DataSize)
}

func TestDirSize(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), make([]byte, 100), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b"), make([]byte, 50), 0644))

	assert.Equal(t, int64(150), dirSize(dir))
}

func TestLoggingConfig(t *testing.T) {
	cfg := loggingConfig(config.LoggingConfig{Level: "debug", Format: "text", File: "/tmp/x.log"})
	assert.Equal(t, "debug", cfg.Level)
	assert.Equal(t, "text", cfg.Format)
	assert.Equal(t, "/tmp/x.log", cfg.FilePath)
	assert.Equal(t, 10, cfg.MaxSizeMB)
	assert.True(t, cfg.WriteToStderr)

	cfg = loggingConfig(config.LoggingConfig{})
	assert.Equal(t, "info", cfg.Level)
	assert.Empty(t, cfg.FilePath)
}

func TestPrintQueryReport(t *testing.T) {
	buf := &bytes.Buffer{}
	printQueryReport(buf, &telemetry.Report{
		From:         "2025-03-08",
		To:           "2025-03-14",
		TotalQueries: 3,
		Modes:        map[string]int64{"lexical": 1, "hybrid": 2},
		Latency:      map[string]int64{telemetry.BucketP10: 2, telemetry.BucketP500: 1},
		TopTerms:     []store.TermCount{{Term: "bail", Count: 2}},
		ZeroResults:  []store.ZeroResultQuery{{Query: "khula decree", Mode: "hybrid", At: time.Now()}},
	}, false)

	out := buf.String()
	assert.Contains(t, out, "Telemetry is disabled")
	assert.Contains(t, out, "Searches 2025-03-08 .. 2025-03-14: 3\n  hybrid    2\n  lexical   1\n")
	assert.Contains(t, out, "Latency:  <10ms 2  100-500ms 1\n")
	assert.Contains(t, out, "bail")
	assert.Contains(t, out, "hybrid   khula decree")
}
