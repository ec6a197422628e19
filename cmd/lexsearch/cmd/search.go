package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/lexsearch/internal/query"
	"github.com/Aman-CERP/lexsearch/internal/search"
	"github.com/Aman-CERP/lexsearch/internal/store"
)

// searchOptions holds CLI flags for search.
type searchOptions struct {
	mode       string
	limit      int
	offset     int
	court      string
	status     string
	dateFrom   string
	dateTo     string
	expansion  string
	facets     bool
	highlight  bool
	explain    bool
	jsonOutput bool
}

func newSearchCmd(dir *string) *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the case indexes",
		Long: `Search case records with hybrid retrieval.

Combines the semantic (embedding) index and the field-weighted keyword
index, then applies citation, facet, recency and court authority boosts.

Examples:
  lexsearch search "post arrest bail"
  lexsearch search "PLD 2019 SC 1" --mode lexical
  lexsearch search "section 302 PPC" --court "supreme" --from 2015-01-01
  lexsearch search "writ petition" --json --facets`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd.Context(), cmd, *dir, strings.Join(args, " "), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.mode, "mode", "m", "", "Retrieval mode: lexical, semantic, hybrid (default from config)")
	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 10, "Maximum number of results")
	cmd.Flags().IntVar(&opts.offset, "offset", 0, "Number of results to skip")
	cmd.Flags().StringVar(&opts.court, "court", "", "Only cases whose court contains this text")
	cmd.Flags().StringVar(&opts.status, "status", "", "Only cases with this status")
	cmd.Flags().StringVar(&opts.dateFrom, "from", "", "Only cases dated on or after YYYY-MM-DD")
	cmd.Flags().StringVar(&opts.dateTo, "to", "", "Only cases dated on or before YYYY-MM-DD")
	cmd.Flags().StringVar(&opts.expansion, "expansion", "", "Query expansion: conservative, balanced, aggressive")
	cmd.Flags().BoolVar(&opts.facets, "facets", false, "Include facet counts")
	cmd.Flags().BoolVar(&opts.highlight, "highlight", false, "Include highlighted snippets")
	cmd.Flags().BoolVar(&opts.explain, "explain", false, "Show ranking inputs (variants, weights, hit counts)")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Output the full response as JSON")

	return cmd
}

func (o searchOptions) request(q string) (search.Request, error) {
	req := search.Request{
		Query:        q,
		Mode:         search.Mode(o.mode),
		Limit:        o.limit,
		Offset:       o.offset,
		Expansion:    query.Mode(o.expansion),
		Filters:      store.Filters{Court: o.court, Status: o.status},
		ReturnFacets: o.facets,
		Highlight:    o.highlight,
		Debug:        o.explain,
	}
	var err error
	if req.Filters.DateFrom, err = parseDate("--from", o.dateFrom); err != nil {
		return req, err
	}
	if req.Filters.DateTo, err = parseDate("--to", o.dateTo); err != nil {
		return req, err
	}
	if !req.Filters.DateTo.IsZero() {
		req.Filters.DateTo = req.Filters.DateTo.Add(24*time.Hour - time.Nanosecond)
	}
	return req, nil
}

func parseDate(flag, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: invalid date %q (expected YYYY-MM-DD)", flag, s)
	}
	return t, nil
}

func runSearch(ctx context.Context, cmd *cobra.Command, dir, q string, opts searchOptions) error {
	req, err := opts.request(q)
	if err != nil {
		return err
	}

	a, err := openApp(ctx, dir)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	engine, err := a.newEngine(ctx)
	if err != nil {
		return err
	}

	slog.Info("search_started", slog.String("query", q), slog.Int("limit", opts.limit))
	resp, err := engine.Search(ctx, req)
	if err != nil {
		return err
	}

	if opts.jsonOutput {
		return writeJSON(cmd.OutOrStdout(), resp)
	}
	return printSearchResponse(cmd.OutOrStdout(), resp)
}

func printSearchResponse(out io.Writer, resp *search.Response) error {
	if resp.Status == query.StatusMalformed {
		msg := "query has no searchable terms"
		if resp.QueryInfo != nil && resp.QueryInfo.Message != "" {
			msg = resp.QueryInfo.Message
		}
		_, err := fmt.Fprintf(out, "Malformed query: %s\n", msg)
		return err
	}

	md := resp.Metadata
	fmt.Fprintf(out, "%d results for %q (%s, %s, %dms)\n",
		md.TotalResults, resp.Query, md.Mode, md.Strategy, md.LatencyMS)
	if len(md.Degraded) > 0 {
		fmt.Fprintf(out, "Degraded: %s\n", strings.Join(md.Degraded, ", "))
	}
	if len(resp.Results) == 0 {
		fmt.Fprintln(out, "No matching cases.")
		return nil
	}
	fmt.Fprintln(out)

	for _, r := range resp.Results {
		fmt.Fprintf(out, "%2d. %s  %s\n", r.Rank, r.CaseNumber, r.Title)
		fmt.Fprintf(out, "    %s", r.Court)
		if r.Status != "" {
			fmt.Fprintf(out, " · %s", r.Status)
		}
		fmt.Fprintf(out, "  score %.3f (vector %.3f, keyword %.3f)\n", r.FinalScore, r.VectorScore, r.KeywordScore)
		for _, b := range r.Boosts {
			fmt.Fprintf(out, "    +%.2f %s: %s\n", b.Value, b.Type, b.Reason)
		}
		if s, ok := r.Highlights["snippet"]; ok {
			fmt.Fprintf(out, "    %s\n", s)
		}
	}

	if len(resp.Facets) > 0 {
		fmt.Fprintln(out)
		types := make([]string, 0, len(resp.Facets))
		for t := range resp.Facets {
			types = append(types, t)
		}
		sort.Strings(types)
		for _, t := range types {
			parts := make([]string, 0, len(resp.Facets[t]))
			for _, c := range resp.Facets[t] {
				parts = append(parts, fmt.Sprintf("%s (%d)", c.Display, c.Count))
			}
			fmt.Fprintf(out, "%s: %s\n", t, strings.Join(parts, ", "))
		}
	}

	if p := resp.Pagination; p.HasNext {
		fmt.Fprintf(out, "\nShowing %d-%d of %d. Use --offset %d for more.\n",
			p.Offset+1, p.Offset+len(resp.Results), p.Total, p.Offset+p.Limit)
	}

	if d := resp.Debug; d != nil {
		fmt.Fprintln(out)
		fmt.Fprintf(out, "Variants:  %s\n", strings.Join(d.Variants, " | "))
		fmt.Fprintf(out, "Weights:   vector %.2f, keyword %.2f\n", d.Weights.Vector, d.Weights.Keyword)
		fmt.Fprintf(out, "Hits:      vector %d, lexical %d, reranked %t\n", d.VectorHits, d.LexicalHits, d.Reranked)
		if d.VectorError != "" {
			fmt.Fprintf(out, "Vector:    %s\n", d.VectorError)
		}
		if d.LexicalError != "" {
			fmt.Fprintf(out, "Lexical:   %s\n", d.LexicalError)
		}
	}
	return nil
}
