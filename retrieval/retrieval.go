// Package retrieval implements hybrid dense+sparse search over filing
// chunks with reciprocal rank fusion and citation construction.
package retrieval

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/brunobiangulo/finsight/errs"
	"github.com/brunobiangulo/finsight/metrics"
	"github.com/brunobiangulo/finsight/store"
)

// excerptLen is the citation excerpt length in characters.
const excerptLen = 200

// Embedder generates a single query embedding.
type Embedder interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
}

// Citation points a response back at the filing chunk that supports it.
type Citation struct {
	ChunkID        int64   `json:"chunk_id"`
	SourceDocument string  `json:"source_document"`
	Section        string  `json:"section"`
	RelevanceScore float64 `json:"relevance_score"`
	TextExcerpt    string  `json:"text_excerpt"`
}

// Config holds retrieval engine configuration.
type Config struct {
	TopK       int     // candidate pool size per method
	RerankTopK int     // results kept after fusion
	Alpha      float64 // semantic weight in RRF, keyword gets 1-alpha
}

// SearchOptions configures a single search operation.
type SearchOptions struct {
	TopK   int
	Filter store.SearchFilter
}

// SearchTrace records the full breakdown of a hybrid search operation.
type SearchTrace struct {
	SemanticResults int                       `json:"semantic_results"`
	KeywordResults  int                       `json:"keyword_results"`
	FusedResults    int                       `json:"fused_results"`
	KeyTerms        []string                  `json:"key_terms"`
	Alpha           float64                   `json:"alpha"`
	MaxRequested    int                       `json:"max_requested"`
	PerResult       map[int64]FusedResultInfo `json:"per_result,omitempty"`
	ElapsedMs       int64                     `json:"elapsed_ms"`
}

// Engine performs hybrid retrieval combining vector and keyword search.
type Engine struct {
	store    *store.Store
	embedder Embedder
	cfg      Config
}

// New creates a new retrieval engine.
func New(s *store.Store, embedder Embedder, cfg Config) *Engine {
	if cfg.TopK == 0 {
		cfg.TopK = 8
	}
	if cfg.RerankTopK == 0 {
		cfg.RerankTopK = 4
	}
	if cfg.Alpha == 0 {
		cfg.Alpha = 0.7
	}
	return &Engine{store: s, embedder: embedder, cfg: cfg}
}

// Search performs hybrid retrieval using RRF to fuse dense vector
// results with exact-match keyword results, then builds citations for
// the surviving chunks.
func (e *Engine) Search(ctx context.Context, query string, opts SearchOptions) ([]store.RetrievalResult, []Citation, *SearchTrace, error) {
	topK := opts.TopK
	if topK == 0 {
		topK = e.cfg.TopK
	}

	keyTerms := extractKeyTerms(query)
	trace := &SearchTrace{
		KeyTerms:     keyTerms,
		Alpha:        e.cfg.Alpha,
		MaxRequested: e.cfg.RerankTopK,
	}

	slog.Debug("retrieval: starting hybrid search",
		"query_len", len(query), "top_k", topK, "key_terms", keyTerms)
	searchStart := time.Now()

	type result struct {
		results []store.RetrievalResult
		err     error
	}

	semCh := make(chan result, 1)
	kwCh := make(chan result, 1)

	// Dense search over-fetches 2x so fusion has candidates to demote.
	go func() {
		r, err := e.semanticSearch(ctx, query, topK*2, opts.Filter)
		semCh <- result{r, err}
	}()

	// Keyword search is best-effort. A failure degrades to dense-only.
	go func() {
		r, err := e.store.KeywordSearch(ctx, keyTerms, topK, opts.Filter)
		kwCh <- result{r, err}
	}()

	semRes := <-semCh
	kwRes := <-kwCh

	// The dense list is the primary signal: a semantic failure is fatal
	// even when keyword search found candidates, so the caller never
	// mistakes a keyword-only list for a hybrid result.
	if semRes.err != nil {
		trace.ElapsedMs = time.Since(searchStart).Milliseconds()
		return nil, nil, trace, errs.Wrap(errs.CodeEmbedding, "semantic search", semRes.err)
	}
	// Keyword search stays best-effort: a failure degrades to dense-only.
	if kwRes.err != nil {
		slog.Warn("retrieval: keyword search failed", "error", kwRes.err)
		kwRes.results = nil
	}
	trace.SemanticResults = len(semRes.results)
	trace.KeywordResults = len(kwRes.results)

	fused, infoMap := fuseRRF(semRes.results, kwRes.results, e.cfg.Alpha, e.cfg.RerankTopK)

	trace.FusedResults = len(fused)
	trace.PerResult = infoMap
	trace.ElapsedMs = time.Since(searchStart).Milliseconds()

	metrics.RetrievalLatency.Observe(time.Since(searchStart).Seconds())
	metrics.RetrievalChunksReturned.Observe(float64(len(fused)))
	slog.Debug("retrieval: search complete",
		"semantic_results", trace.SemanticResults,
		"keyword_results", trace.KeywordResults,
		"fused_results", trace.FusedResults,
		"elapsed", time.Since(searchStart).Round(time.Millisecond))

	return fused, buildCitations(fused), trace, nil
}

// semanticSearch generates an embedding for the query and searches vec_chunks.
func (e *Engine) semanticSearch(ctx context.Context, query string, k int, filter store.SearchFilter) ([]store.RetrievalResult, error) {
	embedding, err := e.embedder.EmbedOne(ctx, query)
	if err != nil {
		return nil, err
	}
	return e.store.VectorSearch(ctx, embedding, k, filter)
}

// buildCitations creates a citation per retrieved chunk, with a short
// excerpt of the chunk text.
func buildCitations(results []store.RetrievalResult) []Citation {
	citations := make([]Citation, 0, len(results))
	for _, r := range results {
		excerpt := r.Content
		if len(excerpt) > excerptLen {
			// Back off to a rune boundary so a multi-byte character at
			// the cut is not split into invalid UTF-8.
			cut := excerptLen
			for cut > 0 && !utf8.RuneStart(excerpt[cut]) {
				cut--
			}
			excerpt = strings.TrimSpace(excerpt[:cut]) + "..."
		} else {
			excerpt = strings.TrimSpace(excerpt)
		}

		sourceDoc := strings.TrimSpace(strings.Join([]string{
			r.CompanyName, r.FilingType, r.FilingDate,
		}, " "))
		if sourceDoc == "" {
			sourceDoc = r.Filename
		}

		citations = append(citations, Citation{
			ChunkID:        r.ChunkID,
			SourceDocument: sourceDoc,
			Section:        r.Section,
			RelevanceScore: r.Score,
			TextExcerpt:    excerpt,
		})
	}
	return citations
}
