package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// =============================================================================
// Query analytics
// =============================================================================

// QueryStatsBatch is one flush of query analytics counters. Counts are
// deltas and are added to what is already stored.
type QueryStatsBatch struct {
	Date        string // YYYY-MM-DD, local time
	Modes       map[string]int64
	Latencies   map[string]int64
	Terms       map[string]int64
	ZeroResults []ZeroResultQuery
	SeenAt      time.Time
}

// Empty reports whether the batch carries nothing to write.
func (b QueryStatsBatch) Empty() bool {
	return len(b.Modes) == 0 && len(b.Latencies) == 0 && len(b.Terms) == 0 && len(b.ZeroResults) == 0
}

// ZeroResultQuery is a search that returned nothing.
type ZeroResultQuery struct {
	Query string    `json:"query"`
	Mode  string    `json:"mode"`
	At    time.Time `json:"at"`
}

// TermCount is a query term with how often it was searched.
type TermCount struct {
	Term  string `json:"term"`
	Count int64  `json:"count"`
}

// SaveQueryStats adds a batch of counters and keeps only the newest
// keepZero zero-result queries.
func (s *SQLiteStore) SaveQueryStats(ctx context.Context, batch QueryStatsBatch, keepZero int) error {
	if batch.Empty() {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := addDailyCounts(ctx, tx, "query_mode_stats", "mode", batch.Date, batch.Modes); err != nil {
			return err
		}
		if err := addDailyCounts(ctx, tx, "query_latency_stats", "bucket", batch.Date, batch.Latencies); err != nil {
			return err
		}

		if len(batch.Terms) > 0 {
			stmt, err := tx.PrepareContext(ctx, `INSERT INTO query_terms (term, count, last_seen)
				VALUES (?, ?, ?)
				ON CONFLICT(term) DO UPDATE SET
					count = count + excluded.count,
					last_seen = excluded.last_seen`)
			if err != nil {
				return fmt.Errorf("prepare query term upsert: %w", err)
			}
			defer stmt.Close()
			seen := formatTime(batch.SeenAt)
			for term, n := range batch.Terms {
				if _, err := stmt.ExecContext(ctx, term, n, seen); err != nil {
					return fmt.Errorf("upsert query term %q: %w", term, err)
				}
			}
		}

		if len(batch.ZeroResults) > 0 {
			stmt, err := tx.PrepareContext(ctx, `INSERT INTO zero_result_queries (query, mode, at) VALUES (?, ?, ?)`)
			if err != nil {
				return fmt.Errorf("prepare zero-result insert: %w", err)
			}
			defer stmt.Close()
			for _, q := range batch.ZeroResults {
				if _, err := stmt.ExecContext(ctx, q.Query, q.Mode, formatTime(q.At)); err != nil {
					return fmt.Errorf("insert zero-result query: %w", err)
				}
			}
			if keepZero > 0 {
				if _, err := tx.ExecContext(ctx, `DELETE FROM zero_result_queries WHERE id NOT IN (
					SELECT id FROM zero_result_queries ORDER BY id DESC LIMIT ?)`, keepZero); err != nil {
					return fmt.Errorf("trim zero-result queries: %w", err)
				}
			}
		}
		return nil
	})
}

func addDailyCounts(ctx context.Context, tx *sql.Tx, table, key, date string, counts map[string]int64) error {
	if len(counts) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO `+table+` (date, `+key+`, count) VALUES (?, ?, ?)
		ON CONFLICT(date, `+key+`) DO UPDATE SET count = count + excluded.count`)
	if err != nil {
		return fmt.Errorf("prepare %s upsert: %w", table, err)
	}
	defer stmt.Close()
	for k, n := range counts {
		if _, err := stmt.ExecContext(ctx, date, k, n); err != nil {
			return fmt.Errorf("upsert %s: %w", table, err)
		}
	}
	return nil
}

// QueryModeCounts sums searches per mode for dates in [from, to].
func (s *SQLiteStore) QueryModeCounts(ctx context.Context, from, to string) (map[string]int64, error) {
	return s.sumDailyCounts(ctx, "query_mode_stats", "mode", from, to)
}

// QueryLatencyCounts sums the latency histogram for dates in [from, to].
func (s *SQLiteStore) QueryLatencyCounts(ctx context.Context, from, to string) (map[string]int64, error) {
	return s.sumDailyCounts(ctx, "query_latency_stats", "bucket", from, to)
}

func (s *SQLiteStore) sumDailyCounts(ctx context.Context, table, key, from, to string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+key+`, SUM(count) FROM `+table+`
		WHERE date >= ? AND date <= ? GROUP BY `+key, from, to)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var k string
		var n int64
		if err := rows.Scan(&k, &n); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		out[k] = n
	}
	return out, rows.Err()
}

// TopQueryTerms returns the most searched terms.
func (s *SQLiteStore) TopQueryTerms(ctx context.Context, limit int) ([]TermCount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT term, count FROM query_terms
		ORDER BY count DESC, term LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query top terms: %w", err)
	}
	defer rows.Close()

	var terms []TermCount
	for rows.Next() {
		var tc TermCount
		if err := rows.Scan(&tc.Term, &tc.Count); err != nil {
			return nil, fmt.Errorf("scan query term: %w", err)
		}
		terms = append(terms, tc)
	}
	return terms, rows.Err()
}

// RecentZeroResultQueries returns zero-result queries, newest first.
func (s *SQLiteStore) RecentZeroResultQueries(ctx context.Context, limit int) ([]ZeroResultQuery, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT query, mode, at FROM zero_result_queries
		ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query zero-result queries: %w", err)
	}
	defer rows.Close()

	var out []ZeroResultQuery
	for rows.Next() {
		var q ZeroResultQuery
		var at string
		if err := rows.Scan(&q.Query, &q.Mode, &at); err != nil {
			return nil, fmt.Errorf("scan zero-result query: %w", err)
		}
		q.At = parseTime(at)
		out = append(out, q)
	}
	return out, rows.Err()
}
