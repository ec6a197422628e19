package store

import (
	"context"
	"database/sql"
	"fmt"
)

const facetTermColumns = `id, facet_type, canonical_term, display_term, occurrence_count, case_count, boost_factor, version`

// SaveFacetTerm upserts a term by (FacetType, CanonicalTerm) and replaces its
// mappings. It returns the term ID.
func (s *SQLiteStore) SaveFacetTerm(ctx context.Context, term *FacetTerm, mappings []FacetMapping) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO facet_terms
			(facet_type, canonical_term, display_term, occurrence_count, case_count, boost_factor, version)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(facet_type, canonical_term) DO UPDATE SET
				display_term = excluded.display_term,
				occurrence_count = excluded.occurrence_count,
				case_count = excluded.case_count,
				boost_factor = excluded.boost_factor,
				version = excluded.version`,
			term.FacetType, term.CanonicalTerm, term.DisplayTerm, term.OccurrenceCount,
			term.CaseCount, term.BoostFactor, term.Version); err != nil {
			return fmt.Errorf("upsert facet term: %w", err)
		}

		if err := tx.QueryRowContext(ctx, `SELECT id FROM facet_terms WHERE facet_type = ? AND canonical_term = ?`,
			term.FacetType, term.CanonicalTerm).Scan(&id); err != nil {
			return fmt.Errorf("read facet term id: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM facet_mappings WHERE term_id = ?`, id); err != nil {
			return fmt.Errorf("clear facet mappings: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO facet_mappings (term_id, case_id, occurrence_count)
			VALUES (?, ?, ?)
			ON CONFLICT(term_id, case_id) DO UPDATE SET
				occurrence_count = facet_mappings.occurrence_count + excluded.occurrence_count`)
		if err != nil {
			return fmt.Errorf("prepare mapping insert: %w", err)
		}
		defer stmt.Close()
		for _, m := range mappings {
			if _, err := stmt.ExecContext(ctx, id, m.CaseID, m.OccurrenceCount); err != nil {
				return fmt.Errorf("insert facet mapping: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	term.ID = id
	return id, nil
}

// ClearFacetType deletes every term and mapping of a facet type.
func (s *SQLiteStore) ClearFacetType(ctx context.Context, facetType string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM facet_mappings WHERE term_id IN
			(SELECT id FROM facet_terms WHERE facet_type = ?)`, facetType); err != nil {
			return fmt.Errorf("clear facet mappings: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM facet_terms WHERE facet_type = ?`, facetType); err != nil {
			return fmt.Errorf("clear facet terms: %w", err)
		}
		return nil
	})
}

// FacetTerms returns every term of a facet type ordered by canonical term.
func (s *SQLiteStore) FacetTerms(ctx context.Context, facetType string) ([]*FacetTerm, error) {
	return s.queryFacetTerms(ctx, `SELECT `+facetTermColumns+` FROM facet_terms
		WHERE facet_type = ? ORDER BY canonical_term`, facetType)
}

// TopFacetTerms returns the limit terms with the highest case count.
func (s *SQLiteStore) TopFacetTerms(ctx context.Context, facetType string, limit int) ([]*FacetTerm, error) {
	return s.queryFacetTerms(ctx, `SELECT `+facetTermColumns+` FROM facet_terms
		WHERE facet_type = ? ORDER BY case_count DESC, canonical_term LIMIT ?`, facetType, limit)
}

// SuggestFacetTerms returns terms whose canonical form starts with prefix,
// most widely used first.
func (s *SQLiteStore) SuggestFacetTerms(ctx context.Context, facetType, prefix string, limit int) ([]*FacetTerm, error) {
	return s.queryFacetTerms(ctx, `SELECT `+facetTermColumns+` FROM facet_terms
		WHERE facet_type = ? AND canonical_term LIKE ? ESCAPE '\'
		ORDER BY case_count DESC, canonical_term LIMIT ?`, facetType, likePrefix(prefix), limit)
}

func (s *SQLiteStore) queryFacetTerms(ctx context.Context, q string, args ...any) ([]*FacetTerm, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query facet terms: %w", err)
	}
	defer rows.Close()

	var out []*FacetTerm
	for rows.Next() {
		var t FacetTerm
		if err := rows.Scan(&t.ID, &t.FacetType, &t.CanonicalTerm, &t.DisplayTerm,
			&t.OccurrenceCount, &t.CaseCount, &t.BoostFactor, &t.Version); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// FacetCounts returns the term and mapping counts of a facet type.
func (s *SQLiteStore) FacetCounts(ctx context.Context, facetType string) (terms, mappings int, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM facet_terms WHERE facet_type = ?),
		(SELECT COUNT(*) FROM facet_mappings m JOIN facet_terms t ON t.id = m.term_id WHERE t.facet_type = ?)`,
		facetType, facetType).Scan(&terms, &mappings)
	return terms, mappings, err
}

// FacetTypes returns the facet types that have at least one term.
func (s *SQLiteStore) FacetTypes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT facet_type FROM facet_terms ORDER BY facet_type`)
	if err != nil {
		return nil, fmt.Errorf("query facet types: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CaseFacets returns the facet values mapped to the given cases.
func (s *SQLiteStore) CaseFacets(ctx context.Context, caseIDs []int64) ([]CaseFacet, error) {
	var out []CaseFacet
	for _, batch := range batches(caseIDs, 500) {
		rows, err := s.db.QueryContext(ctx, `SELECT m.case_id, t.facet_type, t.canonical_term, t.display_term
			FROM facet_mappings m JOIN facet_terms t ON t.id = m.term_id
			WHERE m.case_id IN (`+placeholders(len(batch))+`)
			ORDER BY t.facet_type, t.canonical_term, m.case_id`, int64Args(batch)...)
		if err != nil {
			return nil, fmt.Errorf("query case facets: %w", err)
		}
		for rows.Next() {
			var f CaseFacet
			if err := rows.Scan(&f.CaseID, &f.FacetType, &f.CanonicalTerm, &f.DisplayTerm); err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, f)
		}
		if err := rows.Close(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// CasesForTerm returns the case IDs mapped to a canonical term, ascending.
func (s *SQLiteStore) CasesForTerm(ctx context.Context, facetType, canonical string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT m.case_id FROM facet_mappings m
		JOIN facet_terms t ON t.id = m.term_id
		WHERE t.facet_type = ? AND t.canonical_term = ? ORDER BY m.case_id`, facetType, canonical)
	if err != nil {
		return nil, fmt.Errorf("query cases for term: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CaseBoostsForTerm returns the cases mapped to a canonical term, each with
// the term's boost factor.
func (s *SQLiteStore) CaseBoostsForTerm(ctx context.Context, facetType, canonical string) (map[int64]float64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT m.case_id, t.boost_factor FROM facet_mappings m
		JOIN facet_terms t ON t.id = m.term_id
		WHERE t.facet_type = ? AND t.canonical_term = ?`, facetType, canonical)
	if err != nil {
		return nil, fmt.Errorf("query case boosts for term: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]float64)
	for rows.Next() {
		var id int64
		var boost float64
		if err := rows.Scan(&id, &boost); err != nil {
			return nil, err
		}
		out[id] = boost
	}
	return out, rows.Err()
}

// CleanupFacets deletes mappings whose case no longer exists, recounts the
// affected terms (boost_factor = boostScale / case_count) and removes terms
// left with no cases. It returns the number of mappings removed.
func (s *SQLiteStore) CleanupFacets(ctx context.Context, boostScale float64) (int, error) {
	var removed int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `CREATE TEMP TABLE IF NOT EXISTS affected_terms (id INTEGER PRIMARY KEY)`); err != nil {
			return fmt.Errorf("create temp table: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM affected_terms`); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO affected_terms (id)
			SELECT term_id FROM facet_mappings WHERE case_id NOT IN (SELECT id FROM cases)`); err != nil {
			return fmt.Errorf("collect affected terms: %w", err)
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM facet_mappings WHERE case_id NOT IN (SELECT id FROM cases)`)
		if err != nil {
			return fmt.Errorf("delete orphan mappings: %w", err)
		}
		removed, _ = res.RowsAffected()

		if _, err := tx.ExecContext(ctx, `UPDATE facet_terms SET
			case_count = (SELECT COUNT(*) FROM facet_mappings m WHERE m.term_id = facet_terms.id),
			occurrence_count = (SELECT COALESCE(SUM(m.occurrence_count), 0) FROM facet_mappings m WHERE m.term_id = facet_terms.id)
			WHERE id IN (SELECT id FROM affected_terms)`); err != nil {
			return fmt.Errorf("recount facet terms: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE facet_terms SET boost_factor = ? / case_count
			WHERE id IN (SELECT id FROM affected_terms) AND case_count > 0`, boostScale); err != nil {
			return fmt.Errorf("recompute boost factors: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM facet_terms WHERE case_count = 0`); err != nil {
			return fmt.Errorf("delete empty terms: %w", err)
		}
		return nil
	})
	return int(removed), err
}
