package index

import (
	"context"
	"fmt"
	"strconv"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/registry"
	"github.com/blevesearch/bleve/v2/search/query"
)

const (
	// LegalTokenizerName is the bleve name of Tokenize.
	LegalTokenizerName = "legal_tokenizer"

	// LegalAnalyzerName is the analyzer applied to every case field.
	LegalAnalyzerName = "legal_analyzer"

	bleveBatchSize = 1000
)

func init() {
	_ = registry.RegisterTokenizer(LegalTokenizerName, legalTokenizerConstructor)
}

// bleveScorer is the bleve backend: an in-memory bleve index with one text
// field per case field, queried with per-field boosts.
type bleveScorer struct {
	index   bleve.Index
	weights [numFields]float64
	docs    map[int64]int // case ID -> document position
}

func newBleveScorer(docs []LexicalDoc, weights [numFields]float64) (*bleveScorer, error) {
	m, err := legalIndexMapping()
	if err != nil {
		return nil, err
	}
	idx, err := bleve.NewMemOnly(m)
	if err != nil {
		return nil, fmt.Errorf("failed to create bleve index: %w", err)
	}

	s := &bleveScorer{index: idx, weights: weights, docs: make(map[int64]int, len(docs))}
	batch := idx.NewBatch()
	for i := range docs {
		d := &docs[i]
		s.docs[d.CaseID] = i

		fields := make(map[string]any, numFields)
		for f := field(0); f < numFields; f++ {
			fields[fieldNames[f]] = d.text(f)
		}
		if err := batch.Index(strconv.FormatInt(d.CaseID, 10), fields); err != nil {
			_ = idx.Close()
			return nil, fmt.Errorf("failed to index case %d: %w", d.CaseID, err)
		}
		if batch.Size() >= bleveBatchSize {
			if err := idx.Batch(batch); err != nil {
				_ = idx.Close()
				return nil, fmt.Errorf("failed to execute batch: %w", err)
			}
			batch.Reset()
		}
	}
	if batch.Size() > 0 {
		if err := idx.Batch(batch); err != nil {
			_ = idx.Close()
			return nil, fmt.Errorf("failed to execute batch: %w", err)
		}
	}
	return s, nil
}

func legalIndexMapping() (*mapping.IndexMappingImpl, error) {
	indexMapping := bleve.NewIndexMapping()
	err := indexMapping.AddCustomAnalyzer(LegalAnalyzerName, map[string]interface{}{
		"type":      custom.Name,
		"tokenizer": LegalTokenizerName,
		"token_filters": []string{
			lowercase.Name,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add custom analyzer: %w", err)
	}
	indexMapping.DefaultAnalyzer = LegalAnalyzerName

	doc := bleve.NewDocumentMapping()
	for f := field(0); f < numFields; f++ {
		fm := bleve.NewTextFieldMapping()
		fm.Analyzer = LegalAnalyzerName
		fm.Store = false
		fm.IncludeInAll = false
		doc.AddFieldMappingsAt(fieldNames[f], fm)
	}
	indexMapping.DefaultMapping = doc
	return indexMapping, nil
}

func (s *bleveScorer) score(ctx context.Context, text string) (map[int]float64, error) {
	scores := make(map[int]float64)
	if len(Tokenize(text)) == 0 {
		return scores, nil
	}

	disjuncts := make([]query.Query, 0, numFields)
	for f := field(0); f < numFields; f++ {
		if s.weights[f] == 0 {
			continue
		}
		mq := bleve.NewMatchQuery(text)
		mq.SetField(fieldNames[f])
		mq.SetBoost(s.weights[f])
		mq.Analyzer = LegalAnalyzerName
		disjuncts = append(disjuncts, mq)
	}
	if len(disjuncts) == 0 {
		return scores, nil
	}

	req := bleve.NewSearchRequestOptions(bleve.NewDisjunctionQuery(disjuncts...), len(s.docs), 0, false)
	res, err := s.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("bleve search failed: %w", err)
	}
	for _, hit := range res.Hits {
		id, err := strconv.ParseInt(hit.ID, 10, 64)
		if err != nil {
			continue
		}
		if i, ok := s.docs[id]; ok {
			scores[i] = hit.Score
		}
	}
	return scores, nil
}

// Close releases the bleve index.
func (s *bleveScorer) Close() error {
	return s.index.Close()
}

func legalTokenizerConstructor(config map[string]interface{}, cache *registry.Cache) (analysis.Tokenizer, error) {
	return &legalTokenizer{}, nil
}

// legalTokenizer adapts Tokenize to bleve's analysis pipeline.
type legalTokenizer struct{}

func (t *legalTokenizer) Tokenize(input []byte) analysis.TokenStream {
	spans := tokenize(string(input))
	stream := make(analysis.TokenStream, 0, len(spans))
	for i, sp := range spans {
		stream = append(stream, &analysis.Token{
			Term:     []byte(sp.term),
			Start:    sp.start,
			End:      sp.end,
			Position: i + 1,
			Type:     analysis.AlphaNumeric,
		})
	}
	return stream
}
