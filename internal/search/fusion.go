package search

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/Aman-CERP/lexsearch/internal/config"
	"github.com/Aman-CERP/lexsearch/internal/facet"
	"github.com/Aman-CERP/lexsearch/internal/index"
	"github.com/Aman-CERP/lexsearch/internal/query"
	"github.com/Aman-CERP/lexsearch/internal/store"
)

// maxTermBoost caps the boost-term component before the overall boost cap.
const maxTermBoost = 1.0

// CaseLookup resolves candidate case records.
type CaseLookup interface {
	GetCases(ctx context.Context, ids []int64) (map[int64]*store.Case, error)
}

// ScoreRecord is the fusion state of one case. A signal that did not
// retrieve the case scores 0 with its Has flag false.
type ScoreRecord struct {
	CaseID       int64
	ChunkID      int64
	Case         *store.Case
	VectorScore  float64
	KeywordScore float64
	HasVector    bool
	HasKeyword   bool
	BaseScore    float64
	Boosts       []Boost
	BoostTotal   float64
	FinalScore   float64
}

// FusionInput is everything fusion needs for one request.
type FusionInput struct {
	Vector     []store.Hit
	Lexical    []store.Hit
	Info       query.Info
	BoostTerms []query.BoostTerm
	// TermCases maps a boost term to the cases whose facets carry it and
	// the term's facet boost factor.
	TermCases map[string]map[int64]float64
	Filters   store.Filters
	Strategy  query.Strategy
	Mode      Mode
	// Now anchors recency; zero means time.Now.
	Now time.Time
}

// Fuser combines vector and lexical hits into one ranking:
//
//	base  = wv*vector + wk*keyword   (both min-max normalized)
//	boost = citation + term + facet + recency + authority
//	final = min(base + min(boosts, maxBoost), scoreCap)
//
// Results are sorted by final score, then more recent date, then case ID.
type Fuser struct {
	cfg   config.SearchConfig
	cases CaseLookup
}

// NewFuser creates a Fuser.
func NewFuser(cfg config.SearchConfig, cases CaseLookup) *Fuser {
	return &Fuser{cfg: cfg, cases: cases}
}

// Weights returns the weighting for a strategy and mode. A signal that is
// wholly absent from the request hands its weight to the other one.
func (f *Fuser) Weights(strategy query.Strategy, mode Mode, hasVector, hasKeyword bool) Weights {
	var w Weights
	switch mode {
	case ModeLexical:
		return Weights{Vector: 0, Keyword: 1}
	case ModeSemantic:
		return Weights{Vector: 1, Keyword: 0}
	}

	switch strategy {
	case query.StrategyKeywordPrimary:
		w = Weights(f.cfg.KeywordPrimary)
	case query.StrategySemanticPrimary:
		w = Weights(f.cfg.SemanticPrimary)
	default:
		w = Weights(f.cfg.Balanced)
	}
	switch {
	case hasVector && !hasKeyword:
		w = Weights{Vector: 1, Keyword: 0}
	case hasKeyword && !hasVector:
		w = Weights{Vector: 0, Keyword: 1}
	}
	return w
}

// Fuse filters, scores, boosts and sorts the candidate union. It returns
// every surviving record; callers paginate.
func (f *Fuser) Fuse(ctx context.Context, in FusionInput) ([]*ScoreRecord, Weights, error) {
	weights := f.Weights(in.Strategy, in.Mode, len(in.Vector) > 0, len(in.Lexical) > 0)
	if len(in.Vector) == 0 && len(in.Lexical) == 0 {
		return []*ScoreRecord{}, weights, nil
	}

	rawVector := make(map[int64]float64, len(in.Vector))
	chunks := make(map[int64]int64, len(in.Vector))
	for _, h := range in.Vector {
		if s, ok := rawVector[h.CaseID]; !ok || h.Score > s {
			rawVector[h.CaseID] = h.Score
			chunks[h.CaseID] = h.ChunkID
		}
	}
	rawKeyword := make(map[int64]float64, len(in.Lexical))
	for _, h := range in.Lexical {
		if s, ok := rawKeyword[h.CaseID]; !ok || h.Score > s {
			rawKeyword[h.CaseID] = h.Score
		}
	}

	ids := unionIDs(rawVector, rawKeyword)
	cases, err := f.cases.GetCases(ctx, ids)
	if err != nil {
		return nil, weights, fmt.Errorf("load candidate cases: %w", err)
	}

	kept := ids[:0:0]
	for _, id := range ids {
		c, ok := cases[id]
		if ok && matchesFilters(c, in.Filters) {
			kept = append(kept, id)
		}
	}
	vec := normalize(rawVector, kept)
	kw := normalize(rawKeyword, kept)

	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	citations := citationKeys(in.Info)

	records := make([]*ScoreRecord, 0, len(kept))
	for _, id := range kept {
		c := cases[id]
		r := &ScoreRecord{CaseID: id, ChunkID: chunks[id], Case: c}
		r.VectorScore, r.HasVector = vec[id]
		r.KeywordScore, r.HasKeyword = kw[id]
		r.BaseScore = weights.Vector*r.VectorScore + weights.Keyword*r.KeywordScore

		r.Boosts = f.boosts(c, citations, in, now)
		for _, b := range r.Boosts {
			r.BoostTotal += b.Value
		}
		r.BoostTotal = math.Min(r.BoostTotal, f.cfg.MaxBoost)
		r.FinalScore = math.Min(r.BaseScore+r.BoostTotal, f.cfg.ScoreCap)
		records = append(records, r)
	}
	SortRecords(records)
	return records, weights, nil
}

func (f *Fuser) boosts(c *store.Case, citations []string, in FusionInput, now time.Time) []Boost {
	var out []Boost

	if len(citations) > 0 && f.cfg.CitationBoost > 0 {
		if matched := matchCitations(c, citations); matched > 0 {
			out = append(out, Boost{
				Type:   BoostCitation,
				Value:  f.cfg.CitationBoost * float64(matched) / float64(len(citations)),
				Reason: fmt.Sprintf("%d of %d citations matched", matched, len(citations)),
			})
		}
	}

	if len(in.BoostTerms) > 0 && f.cfg.BoostTermScale > 0 {
		text := caseText(c)
		var sum float64
		var matched []string
		for _, bt := range in.BoostTerms {
			if bt.Source == "citation" {
				continue
			}
			_, viaFacet := in.TermCases[bt.Term][c.ID]
			if viaFacet || strings.Contains(text, bt.Term) {
				sum += bt.Weight
				matched = append(matched, bt.Term)
			}
		}
		if sum > 0 {
			out = append(out, Boost{
				Type:   BoostTerm,
				Value:  math.Min(sum*f.cfg.BoostTermScale, maxTermBoost),
				Reason: "matched " + strings.Join(matched, ", "),
			})
		}
	}

	if f.cfg.FacetBoost > 0 {
		var best float64
		var term string
		for _, bt := range in.BoostTerms {
			if bt.Source == "citation" {
				continue
			}
			if factor := in.TermCases[bt.Term][c.ID]; factor > best {
				best, term = factor, bt.Term
			}
		}
		if best > 0 {
			out = append(out, Boost{
				Type:   BoostFacet,
				Value:  f.cfg.FacetBoost * best,
				Reason: fmt.Sprintf("facet %q specificity %.2f", term, best),
			})
		}
	}

	if d := c.Date(); !d.IsZero() && f.cfg.RecencyWeight > 0 {
		days := math.Max(now.Sub(d).Hours()/24, 0)
		out = append(out, Boost{
			Type:   BoostRecency,
			Value:  math.Exp(-f.cfg.RecencyDecay*days/365) * f.cfg.RecencyWeight,
			Reason: d.Format("2006-01-02"),
		})
	}

	if key, w := authority(c.Court, f.cfg.Authority); w > 0 {
		out = append(out, Boost{Type: BoostAuthority, Value: w, Reason: key})
	}
	return out
}

// SortRecords orders by final score, then more recent date, then case ID.
func SortRecords(records []*ScoreRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.FinalScore != b.FinalScore {
			return a.FinalScore > b.FinalScore
		}
		da, db := recordDate(a), recordDate(b)
		if !da.Equal(db) {
			return da.After(db)
		}
		return a.CaseID < b.CaseID
	})
}

// Paginate returns the page [offset, offset+limit) and its description.
func Paginate(records []*ScoreRecord, offset, limit int) ([]*ScoreRecord, Pagination) {
	total := len(records)
	p := Pagination{Total: total, Offset: offset, Limit: limit, HasPrevious: offset > 0}
	if offset >= total {
		return []*ScoreRecord{}, p
	}
	end := min(offset+limit, total)
	p.HasNext = end < total
	return records[offset:end], p
}

func recordDate(r *ScoreRecord) time.Time {
	if r.Case == nil {
		return time.Time{}
	}
	return r.Case.Date()
}

func unionIDs(a, b map[int64]float64) []int64 {
	seen := make(map[int64]bool, len(a)+len(b))
	ids := make([]int64, 0, len(a)+len(b))
	for _, m := range []map[int64]float64{a, b} {
		for id := range m {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// normalize min-max scales raw over ids that have a score. When every value
// is equal the raw scores are kept, clamped to [0,1].
func normalize(raw map[int64]float64, ids []int64) map[int64]float64 {
	out := make(map[int64]float64, len(raw))
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, id := range ids {
		if s, ok := raw[id]; ok {
			lo = math.Min(lo, s)
			hi = math.Max(hi, s)
		}
	}
	for _, id := range ids {
		s, ok := raw[id]
		if !ok {
			continue
		}
		if hi > lo {
			out[id] = (s - lo) / (hi - lo)
		} else {
			out[id] = math.Max(0, math.Min(1, s))
		}
	}
	return out
}

func matchesFilters(c *store.Case, f store.Filters) bool {
	if f.Court != "" && !strings.Contains(strings.ToLower(c.Court), strings.ToLower(strings.TrimSpace(f.Court))) {
		return false
	}
	if f.Status != "" && !strings.EqualFold(strings.TrimSpace(c.Status), strings.TrimSpace(f.Status)) {
		return false
	}
	if f.DateFrom.IsZero() && f.DateTo.IsZero() {
		return true
	}
	d := c.Date()
	if d.IsZero() {
		return false
	}
	if !f.DateFrom.IsZero() && d.Before(f.DateFrom) {
		return false
	}
	if !f.DateTo.IsZero() && d.After(f.DateTo) {
		return false
	}
	return true
}

// citationKeys lists the query's citations and case-number identifiers in
// canonical form.
func citationKeys(info query.Info) []string {
	seen := make(map[string]bool)
	var keys []string
	add := func(s string) {
		k := facet.CanonicalTerm(s)
		if k != "" && !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for _, c := range info.Citations {
		add(c.Canonical)
	}
	for _, id := range info.ExactIdentifiers {
		add(id)
	}
	return keys
}

func matchCitations(c *store.Case, keys []string) int {
	number := index.FoldCaseNumber(c.CaseNumber)
	title := strings.ToLower(c.Title)
	tags := make([]string, len(c.Tags))
	for i, t := range c.Tags {
		tags[i] = facet.CanonicalTerm(t)
	}

	matched := 0
	for _, k := range keys {
		folded := index.FoldCaseNumber(k)
		switch {
		case number != "" && strings.Contains(number, folded):
			matched++
		case strings.Contains(title, k):
			matched++
		default:
			for _, t := range tags {
				if strings.Contains(t, k) {
					matched++
					break
				}
			}
		}
	}
	return matched
}

func caseText(c *store.Case) string {
	parts := []string{c.Title, c.Summary, strings.Join(c.Parties, " "), strings.Join(c.Tags, " ")}
	return strings.ToLower(strings.Join(parts, " "))
}

// authority returns the longest table key contained in court and its weight.
func authority(court string, table map[string]float64) (string, float64) {
	court = strings.ToLower(court)
	if court == "" {
		return "", 0
	}
	best := ""
	for k := range table {
		if !strings.Contains(court, k) {
			continue
		}
		if len(k) > len(best) || (len(k) == len(best) && k < best) {
			best = k
		}
	}
	if best == "" {
		return "", 0
	}
	return best, table[best]
}
