package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// State keys in index_state.
const (
	// StateKeyRevision increments on every case, chunk or term write.
	StateKeyRevision = "data_revision"
	// StateKeyEmbeddingModel records the model used for stored embeddings.
	StateKeyEmbeddingModel = "embedding_model"
	// StateKeyFacetVersionPrefix + facet type holds the last facet build version.
	StateKeyFacetVersionPrefix = "facet_version:"
)

// CurrentSchemaVersion is the current database schema version.
const CurrentSchemaVersion = 1

// SQLiteStore persists cases, chunks, search metadata, term occurrences and
// facets. Safe for concurrent use; writes are serialized by a single connection.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the store at path. An empty path opens an
// in-memory database for tests.
func Open(path string) (*SQLiteStore, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single connection: one writer, and :memory: stays one database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS cases (
		id               INTEGER PRIMARY KEY,
		case_number      TEXT NOT NULL DEFAULT '',
		title            TEXT NOT NULL DEFAULT '',
		court            TEXT NOT NULL DEFAULT '',
		status           TEXT NOT NULL DEFAULT '',
		bench            TEXT NOT NULL DEFAULT '',
		summary          TEXT NOT NULL DEFAULT '',
		parties          TEXT NOT NULL DEFAULT '[]',
		tags             TEXT NOT NULL DEFAULT '[]',
		institution_date TEXT NOT NULL DEFAULT '',
		disposal_date    TEXT NOT NULL DEFAULT '',
		hearing_date     TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_cases_case_number ON cases(case_number);

	CREATE TABLE IF NOT EXISTS chunks (
		id           INTEGER PRIMARY KEY,
		case_id      INTEGER NOT NULL,
		idx          INTEGER NOT NULL DEFAULT 0,
		text         TEXT NOT NULL,
		embedding_id TEXT NOT NULL DEFAULT '',
		is_embedded  INTEGER NOT NULL DEFAULT 0,
		embedding    BLOB
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_case ON chunks(case_id);
	CREATE INDEX IF NOT EXISTS idx_chunks_embedded ON chunks(is_embedded);

	CREATE TABLE IF NOT EXISTS search_metadata (
		case_id        INTEGER PRIMARY KEY,
		case_number    TEXT NOT NULL DEFAULT '',
		title          TEXT NOT NULL DEFAULT '',
		court          TEXT NOT NULL DEFAULT '',
		status         TEXT NOT NULL DEFAULT '',
		legal_entities TEXT NOT NULL DEFAULT '[]',
		quality        REAL NOT NULL DEFAULT 0,
		is_indexed     INTEGER NOT NULL DEFAULT 0,
		updated_at     TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS term_occurrences (
		case_id    INTEGER NOT NULL,
		facet_type TEXT NOT NULL,
		term       TEXT NOT NULL,
		count      INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (case_id, facet_type, term)
	);
	CREATE INDEX IF NOT EXISTS idx_term_occurrences_type ON term_occurrences(facet_type);

	CREATE TABLE IF NOT EXISTS facet_terms (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		facet_type       TEXT NOT NULL,
		canonical_term   TEXT NOT NULL,
		display_term     TEXT NOT NULL,
		occurrence_count INTEGER NOT NULL DEFAULT 0,
		case_count       INTEGER NOT NULL DEFAULT 0,
		boost_factor     REAL NOT NULL DEFAULT 0,
		version          TEXT NOT NULL DEFAULT '',
		UNIQUE (facet_type, canonical_term)
	);

	CREATE TABLE IF NOT EXISTS facet_mappings (
		term_id          INTEGER NOT NULL REFERENCES facet_terms(id) ON DELETE CASCADE,
		case_id          INTEGER NOT NULL,
		occurrence_count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (term_id, case_id)
	);
	CREATE INDEX IF NOT EXISTS idx_facet_mappings_case ON facet_mappings(case_id);

	CREATE TABLE IF NOT EXISTS index_state (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS query_mode_stats (
		date  TEXT NOT NULL,
		mode  TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (date, mode)
	);

	CREATE TABLE IF NOT EXISTS query_latency_stats (
		date   TEXT NOT NULL,
		bucket TEXT NOT NULL,
		count  INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (date, bucket)
	);

	CREATE TABLE IF NOT EXISTS query_terms (
		term      TEXT PRIMARY KEY,
		count     INTEGER NOT NULL DEFAULT 0,
		last_seen TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_query_terms_count ON query_terms(count DESC);

	CREATE TABLE IF NOT EXISTS zero_result_queries (
		id    INTEGER PRIMARY KEY AUTOINCREMENT,
		query TEXT NOT NULL,
		mode  TEXT NOT NULL DEFAULT '',
		at    TEXT NOT NULL
	);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Path returns the database path, empty for in-memory stores.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Cases
// =============================================================================

const caseColumns = `id, case_number, title, court, status, bench, summary, parties, tags,
	institution_date, disposal_date, hearing_date`

// SaveCases inserts or replaces case records.
func (s *SQLiteStore) SaveCases(ctx context.Context, cases []*Case) error {
	if len(cases) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO cases (`+caseColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare case insert: %w", err)
		}
		defer stmt.Close()

		for _, c := range cases {
			if _, err := stmt.ExecContext(ctx, c.ID, c.CaseNumber, c.Title, c.Court, c.Status,
				c.Bench, c.Summary, encodeStrings(c.Parties), encodeStrings(c.Tags),
				formatTime(c.InstitutionDate), formatTime(c.DisposalDate), formatTime(c.HearingDate)); err != nil {
				return fmt.Errorf("insert case %d: %w", c.ID, err)
			}
		}
		return bumpRevision(ctx, tx)
	})
}

// GetCase returns a single case or ErrNotFound.
func (s *SQLiteStore) GetCase(ctx context.Context, id int64) (*Case, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id = ?`, id)
	c, err := scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// GetCases returns the cases with the given IDs keyed by ID. Missing IDs are omitted.
func (s *SQLiteStore) GetCases(ctx context.Context, ids []int64) (map[int64]*Case, error) {
	out := make(map[int64]*Case, len(ids))
	for _, batch := range batches(ids, 500) {
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+caseColumns+` FROM cases WHERE id IN (`+placeholders(len(batch))+`)`, int64Args(batch)...)
		if err != nil {
			return nil, fmt.Errorf("query cases: %w", err)
		}
		for rows.Next() {
			c, err := scanCase(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out[c.ID] = c
		}
		if err := rows.Close(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ListCases returns every case ordered by ID.
func (s *SQLiteStore) ListCases(ctx context.Context) ([]*Case, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+caseColumns+` FROM cases ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query cases: %w", err)
	}
	defer rows.Close()

	var cases []*Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

// CaseCount returns the number of cases.
func (s *SQLiteStore) CaseCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cases`).Scan(&n)
	return n, err
}

// SuggestCaseNumbers returns cases whose case number starts with prefix.
func (s *SQLiteStore) SuggestCaseNumbers(ctx context.Context, prefix string, limit int) ([]*Case, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+caseColumns+` FROM cases
		WHERE lower(case_number) LIKE ? ESCAPE '\' ORDER BY length(case_number), id LIMIT ?`,
		likePrefix(prefix), limit)
	if err != nil {
		return nil, fmt.Errorf("suggest case numbers: %w", err)
	}
	defer rows.Close()

	var cases []*Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

// DeleteCases removes cases together with their chunks, metadata and term
// occurrences. Facet mappings are left for Cleanup.
func (s *SQLiteStore) DeleteCases(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, batch := range batches(ids, 500) {
			in := placeholders(len(batch))
			args := int64Args(batch)
			for _, q := range []string{
				`DELETE FROM chunks WHERE case_id IN (` + in + `)`,
				`DELETE FROM search_metadata WHERE case_id IN (` + in + `)`,
				`DELETE FROM term_occurrences WHERE case_id IN (` + in + `)`,
				`DELETE FROM cases WHERE id IN (` + in + `)`,
			} {
				if _, err := tx.ExecContext(ctx, q, args...); err != nil {
					return fmt.Errorf("delete cases: %w", err)
				}
			}
		}
		return bumpRevision(ctx, tx)
	})
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCase(row scanner) (*Case, error) {
	var (
		c                   Case
		parties, tags       string
		inst, disp, hearing string
	)
	if err := row.Scan(&c.ID, &c.CaseNumber, &c.Title, &c.Court, &c.Status, &c.Bench, &c.Summary,
		&parties, &tags, &inst, &disp, &hearing); err != nil {
		return nil, err
	}
	c.Parties = decodeStrings(parties)
	c.Tags = decodeStrings(tags)
	c.InstitutionDate = parseTime(inst)
	c.DisposalDate = parseTime(disp)
	c.HearingDate = parseTime(hearing)
	return &c, nil
}

// =============================================================================
// Chunks and embeddings
// =============================================================================

// SaveChunks inserts or replaces chunks. Replacing a chunk clears its embedding.
func (s *SQLiteStore) SaveChunks(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO chunks (id, case_id, idx, text)
			VALUES (?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare chunk insert: %w", err)
		}
		defer stmt.Close()

		for _, c := range chunks {
			if _, err := stmt.ExecContext(ctx, c.ID, c.CaseID, c.Index, c.Text); err != nil {
				return fmt.Errorf("insert chunk %d: %w", c.ID, err)
			}
		}
		return bumpRevision(ctx, tx)
	})
}

const chunkColumns = `id, case_id, idx, text, embedding_id, is_embedded`

// ListChunks returns chunks ordered by case and position. With pendingOnly
// set, only chunks without an embedding are returned.
func (s *SQLiteStore) ListChunks(ctx context.Context, pendingOnly bool) ([]*Chunk, error) {
	q := `SELECT ` + chunkColumns + ` FROM chunks`
	if pendingOnly {
		q += ` WHERE is_embedded = 0`
	}
	q += ` ORDER BY case_id, idx, id`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// GetChunks returns chunks by ID keyed by ID.
func (s *SQLiteStore) GetChunks(ctx context.Context, ids []int64) (map[int64]*Chunk, error) {
	out := make(map[int64]*Chunk, len(ids))
	for _, batch := range batches(ids, 500) {
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+chunkColumns+` FROM chunks WHERE id IN (`+placeholders(len(batch))+`)`, int64Args(batch)...)
		if err != nil {
			return nil, fmt.Errorf("query chunks: %w", err)
		}
		for rows.Next() {
			c, err := scanChunk(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out[c.ID] = c
		}
		if err := rows.Close(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func scanChunk(row scanner) (*Chunk, error) {
	var c Chunk
	var embedded int
	if err := row.Scan(&c.ID, &c.CaseID, &c.Index, &c.Text, &c.EmbeddingID, &embedded); err != nil {
		return nil, err
	}
	c.IsEmbedded = embedded != 0
	return &c, nil
}

// SaveChunkEmbeddings stores vectors and flips IsEmbedded for their chunks.
func (s *SQLiteStore) SaveChunkEmbeddings(ctx context.Context, vectors []ChunkVector) error {
	if len(vectors) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return writeEmbeddings(ctx, tx, vectors)
	})
}

// ReplaceEmbeddings drops every stored vector and stores vectors in their
// place, in one transaction. Chunks without a new vector become pending.
func (s *SQLiteStore) ReplaceEmbeddings(ctx context.Context, vectors []ChunkVector) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE chunks SET embedding = NULL, embedding_id = '', is_embedded = 0`); err != nil {
			return fmt.Errorf("reset embeddings: %w", err)
		}
		return writeEmbeddings(ctx, tx, vectors)
	})
}

func writeEmbeddings(ctx context.Context, tx *sql.Tx, vectors []ChunkVector) error {
	stmt, err := tx.PrepareContext(ctx, `UPDATE chunks
		SET embedding = ?, embedding_id = ?, is_embedded = 1 WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("prepare embedding update: %w", err)
	}
	defer stmt.Close()

	for _, v := range vectors {
		if _, err := stmt.ExecContext(ctx, encodeVector(v.Vector), strconv.FormatInt(v.ChunkID, 10), v.ChunkID); err != nil {
			return fmt.Errorf("store embedding for chunk %d: %w", v.ChunkID, err)
		}
	}
	return nil
}

// AllEmbeddings returns every stored chunk embedding ordered by chunk ID.
func (s *SQLiteStore) AllEmbeddings(ctx context.Context) ([]ChunkVector, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, case_id, embedding FROM chunks WHERE is_embedded = 1 AND embedding IS NOT NULL ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query embeddings: %w", err)
	}
	defer rows.Close()

	var out []ChunkVector
	for rows.Next() {
		var v ChunkVector
		var blob []byte
		if err := rows.Scan(&v.ChunkID, &v.CaseID, &blob); err != nil {
			return nil, err
		}
		v.Vector = decodeVector(blob)
		out = append(out, v)
	}
	return out, rows.Err()
}

// EmbeddingStats returns how many chunks are embedded and how many are pending.
func (s *SQLiteStore) EmbeddingStats(ctx context.Context) (embedded, pending int, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT
		COALESCE(SUM(CASE WHEN is_embedded = 1 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN is_embedded = 0 THEN 1 ELSE 0 END), 0)
		FROM chunks`).Scan(&embedded, &pending)
	return embedded, pending, err
}

// =============================================================================
// Search metadata
// =============================================================================

// SaveSearchMetadata inserts or replaces metadata rows.
func (s *SQLiteStore) SaveSearchMetadata(ctx context.Context, rows []*SearchMetadata) error {
	if len(rows) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO search_metadata
			(case_id, case_number, title, court, status, legal_entities, quality, is_indexed, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare metadata insert: %w", err)
		}
		defer stmt.Close()

		for _, m := range rows {
			if _, err := stmt.ExecContext(ctx, m.CaseID, m.CaseNumber, m.Title, m.Court, m.Status,
				encodeStrings(m.LegalEntities), m.Quality, boolInt(m.IsIndexed), formatTime(m.UpdatedAt)); err != nil {
				return fmt.Errorf("insert metadata %d: %w", m.CaseID, err)
			}
		}
		return nil
	})
}

// GetSearchMetadata returns the metadata row for a case or ErrNotFound.
func (s *SQLiteStore) GetSearchMetadata(ctx context.Context, caseID int64) (*SearchMetadata, error) {
	var (
		m        SearchMetadata
		entities string
		indexed  int
		updated  string
	)
	err := s.db.QueryRowContext(ctx, `SELECT case_id, case_number, title, court, status, legal_entities,
		quality, is_indexed, updated_at FROM search_metadata WHERE case_id = ?`, caseID).
		Scan(&m.CaseID, &m.CaseNumber, &m.Title, &m.Court, &m.Status, &entities, &m.Quality, &indexed, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.LegalEntities = decodeStrings(entities)
	m.IsIndexed = indexed != 0
	m.UpdatedAt = parseTime(updated)
	return &m, nil
}

// MetadataStats returns the total and indexed metadata row counts.
func (s *SQLiteStore) MetadataStats(ctx context.Context) (total, indexed int, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(is_indexed), 0) FROM search_metadata`).
		Scan(&total, &indexed)
	return total, indexed, err
}

// =============================================================================
// Term occurrences
// =============================================================================

// SaveTermOccurrences inserts or replaces raw vocabulary occurrences.
func (s *SQLiteStore) SaveTermOccurrences(ctx context.Context, occ []TermOccurrence) error {
	if len(occ) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO term_occurrences
			(case_id, facet_type, term, count) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare term insert: %w", err)
		}
		defer stmt.Close()

		for _, o := range occ {
			count := o.Count
			if count <= 0 {
				count = 1
			}
			if _, err := stmt.ExecContext(ctx, o.CaseID, o.FacetType, o.Term, count); err != nil {
				return fmt.Errorf("insert term occurrence: %w", err)
			}
		}
		return bumpRevision(ctx, tx)
	})
}

// TermOccurrences returns the raw occurrences of one facet type in a stable order.
func (s *SQLiteStore) TermOccurrences(ctx context.Context, facetType string) ([]TermOccurrence, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT case_id, facet_type, term, count FROM term_occurrences
		WHERE facet_type = ? ORDER BY term, case_id`, facetType)
	if err != nil {
		return nil, fmt.Errorf("query term occurrences: %w", err)
	}
	defer rows.Close()

	var out []TermOccurrence
	for rows.Next() {
		var o TermOccurrence
		if err := rows.Scan(&o.CaseID, &o.FacetType, &o.Term, &o.Count); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// =============================================================================
// State
// =============================================================================

// GetState returns a value from index_state, or "" when unset.
func (s *SQLiteStore) GetState(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM index_state WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

// SetState stores a value in index_state.
func (s *SQLiteStore) SetState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO index_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// Revision returns the data revision counter, bumped on every content write.
func (s *SQLiteStore) Revision(ctx context.Context) (int64, error) {
	v, err := s.GetState(ctx, StateKeyRevision)
	if err != nil || v == "" {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

func bumpRevision(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO index_state (key, value) VALUES (?, '1')
		ON CONFLICT(key) DO UPDATE SET value = CAST(CAST(value AS INTEGER) + 1 AS TEXT)`, StateKeyRevision)
	if err != nil {
		return fmt.Errorf("bump revision: %w", err)
	}
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Warn("transaction rollback failed", slog.String("error", rbErr.Error()))
		}
		return err
	}
	return tx.Commit()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func batches(ids []int64, size int) [][]int64 {
	var out [][]int64
	for len(ids) > 0 {
		n := min(size, len(ids))
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	return out
}

func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(strings.ToLower(prefix)) + "%"
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeStrings(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeStrings(s string) []string {
	var v []string
	if s == "" || json.Unmarshal([]byte(s), &v) != nil {
		return nil
	}
	return v
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// encodeVector stores float32 values little-endian.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}
