// Package embedding wraps an LLM provider's embedding endpoint with
// batching and an in-process cache keyed by content hash.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/brunobiangulo/finsight/errs"
	"github.com/brunobiangulo/finsight/llm"
	"github.com/brunobiangulo/finsight/metrics"
)

// maxBatchSize caps the number of texts sent to the provider in one call.
const maxBatchSize = 2048

// Service generates embeddings through an llm.Provider, caching results
// so repeated text (common when re-ingesting filings) is only embedded once.
type Service struct {
	provider llm.Provider
	cache    sync.Map // sha256 hex -> []float32
}

// New creates an embedding service backed by the given provider.
func New(provider llm.Provider) *Service {
	return &Service{provider: provider}
}

// Embed returns one embedding per input text, in input order.
// Cached texts are served from memory; the rest are fetched in batches.
func (s *Service) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	start := time.Now()
	result := make([][]float32, len(texts))

	// Collect cache misses, remembering their original positions.
	var missTexts []string
	var missIdx []int
	keys := make([]string, len(texts))
	for i, text := range texts {
		keys[i] = cacheKey(text)
		if cached, ok := s.cache.Load(keys[i]); ok {
			result[i] = cached.([]float32)
			continue
		}
		missTexts = append(missTexts, text)
		missIdx = append(missIdx, i)
	}

	if len(missTexts) > 0 {
		embedded, err := s.embedBatched(ctx, missTexts)
		if err != nil {
			return nil, err
		}
		for j, emb := range embedded {
			i := missIdx[j]
			result[i] = emb
			s.cache.Store(keys[i], emb)
		}
	}

	metrics.EmbeddingLatency.Observe(time.Since(start).Seconds())
	slog.Debug("embedding: batch complete",
		"texts", len(texts), "cache_hits", len(texts)-len(missTexts),
		"elapsed", time.Since(start).Round(time.Millisecond))

	return result, nil
}

// EmbedOne is a convenience wrapper for embedding a single text.
func (s *Service) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := s.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 || len(embeddings[0]) == 0 {
		return nil, errs.New(errs.CodeEmbedding, "provider returned empty embedding")
	}
	return embeddings[0], nil
}

// embedBatched splits texts into provider-sized batches and concatenates
// the results in order.
func (s *Service) embedBatched(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxBatchSize {
		end := start + maxBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := s.provider.Embed(ctx, texts[start:end])
		if err != nil {
			return nil, errs.Wrap(errs.CodeEmbedding, "embedding batch failed", err)
		}
		if len(batch) != end-start {
			return nil, errs.Newf(errs.CodeEmbedding,
				"provider returned %d embeddings for %d texts", len(batch), end-start)
		}
		out = append(out, batch...)
	}
	return out, nil
}

// CacheSize returns the number of cached embeddings.
func (s *Service) CacheSize() int {
	n := 0
	s.cache.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func cacheKey(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}

// CosineSimilarity computes the cosine similarity of two vectors.
// Returns an error on dimension mismatch or zero-magnitude input.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("dimension mismatch: %d vs %d", len(a), len(b))
	}
	if len(a) == 0 {
		return 0, fmt.Errorf("empty vectors")
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, fmt.Errorf("zero-magnitude vector")
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}
