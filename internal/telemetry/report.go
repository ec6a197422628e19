package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/Aman-CERP/lexsearch/internal/store"
)

// Report is persisted analytics over a date range.
type Report struct {
	From         string                  `json:"from"`
	To           string                  `json:"to"`
	TotalQueries int64                   `json:"total_queries"`
	Modes        map[string]int64        `json:"modes"`
	Latency      map[string]int64        `json:"latency"`
	TopTerms     []store.TermCount       `json:"top_terms"`
	ZeroResults  []store.ZeroResultQuery `json:"zero_result_queries"`
}

// LoadReport reads the last days of analytics ending at now. Top terms and
// zero-result queries are all-time and capped at limit.
func LoadReport(ctx context.Context, st Store, days, limit int, now time.Time) (*Report, error) {
	if days <= 0 {
		return nil, fmt.Errorf("days must be positive, got %d", days)
	}
	r := &Report{
		From: now.AddDate(0, 0, -(days - 1)).Format(dateLayout),
		To:   now.Format(dateLayout),
	}

	var err error
	if r.Modes, err = st.QueryModeCounts(ctx, r.From, r.To); err != nil {
		return nil, err
	}
	for _, n := range r.Modes {
		r.TotalQueries += n
	}
	if r.Latency, err = st.QueryLatencyCounts(ctx, r.From, r.To); err != nil {
		return nil, err
	}
	if r.TopTerms, err = st.TopQueryTerms(ctx, limit); err != nil {
		return nil, err
	}
	if r.ZeroResults, err = st.RecentZeroResultQueries(ctx, limit); err != nil {
		return nil, err
	}
	if r.TopTerms == nil {
		r.TopTerms = []store.TermCount{}
	}
	if r.ZeroResults == nil {
		r.ZeroResults = []store.ZeroResultQuery{}
	}
	return r, nil
}
