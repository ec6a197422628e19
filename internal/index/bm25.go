package index

import (
	"context"
	"math"
)

// Default BM25 parameters.
const (
	DefaultK1 = 1.5
	DefaultB  = 0.75
)

type posting struct {
	doc int
	tf  int
}

// fieldPostings is the inverted index of one field.
type fieldPostings struct {
	postings map[string][]posting
	lengths  []int
	avgLen   float64
}

// bm25Scorer is the in-memory lexical backend: an inverted index per field,
// BM25 scored and weighted per field.
type bm25Scorer struct {
	k1      float64
	b       float64
	weights [numFields]float64
	fields  [numFields]fieldPostings
	n       int
}

func newBM25Scorer(docs []LexicalDoc, k1, b float64, weights [numFields]float64) *bm25Scorer {
	if k1 <= 0 {
		k1 = DefaultK1
	}
	if b < 0 || b > 1 {
		b = DefaultB
	}

	s := &bm25Scorer{k1: k1, b: b, weights: weights, n: len(docs)}
	for f := field(0); f < numFields; f++ {
		fp := fieldPostings{
			postings: make(map[string][]posting),
			lengths:  make([]int, len(docs)),
		}
		var total int
		for i := range docs {
			terms := Tokenize(docs[i].text(f))
			fp.lengths[i] = len(terms)
			total += len(terms)

			counts := make(map[string]int, len(terms))
			for _, t := range terms {
				counts[t]++
			}
			// Postings are appended in document order, so each list stays sorted.
			for _, t := range terms {
				if c, ok := counts[t]; ok {
					fp.postings[t] = append(fp.postings[t], posting{doc: i, tf: c})
					delete(counts, t)
				}
			}
		}
		if len(docs) > 0 {
			fp.avgLen = float64(total) / float64(len(docs))
		}
		s.fields[f] = fp
	}
	return s
}

// score sums weight * BM25 over fields for every document matching a query term.
func (s *bm25Scorer) score(ctx context.Context, text string) (map[int]float64, error) {
	terms := uniqueTerms(Tokenize(text))
	scores := make(map[int]float64)
	if len(terms) == 0 {
		return scores, nil
	}

	for f := field(0); f < numFields; f++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		w := s.weights[f]
		fp := &s.fields[f]
		if w == 0 || fp.avgLen == 0 {
			continue
		}
		for _, t := range terms {
			list := fp.postings[t]
			if len(list) == 0 {
				continue
			}
			idf := s.idf(len(list))
			for _, p := range list {
				tf := float64(p.tf)
				norm := 1 - s.b + s.b*float64(fp.lengths[p.doc])/fp.avgLen
				scores[p.doc] += w * idf * tf * (s.k1 + 1) / (tf + s.k1*norm)
			}
		}
	}
	return scores, nil
}

// idf is the non-negative BM25 variant: ln(1 + (N - df + 0.5) / (df + 0.5)).
func (s *bm25Scorer) idf(df int) float64 {
	return math.Log(1 + (float64(s.n)-float64(df)+0.5)/(float64(df)+0.5))
}

func uniqueTerms(terms []string) []string {
	seen := make(map[string]bool, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
