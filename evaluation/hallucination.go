// Package evaluation scores generated answers for hallucination,
// self-consistency, and composite confidence, and renders a final
// pass/flag/fail verdict.
package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"

	"github.com/brunobiangulo/finsight/embedding"
	"github.com/brunobiangulo/finsight/llm"
)

// Judge weight dominates; entity overlap catches numerical errors and
// semantic similarity catches off-topic drift.
const (
	judgeWeight    = 0.6
	entityWeight   = 0.2
	semanticWeight = 0.2
)

// Embedder provides embeddings for the semantic similarity signal.
type Embedder interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ClaimVerification is a single claim-level judge verdict.
type ClaimVerification struct {
	Claim     string `json:"claim"`
	Verdict   string `json:"verdict"` // SUPPORTED, UNSUPPORTED, CONTRADICTED
	Evidence  string `json:"evidence"`
	SourceRef string `json:"source_ref"`
}

// HallucinationResult holds the combined detection scores.
type HallucinationResult struct {
	HallucinationScore      float64             `json:"hallucination_score"` // 0 = grounded, 1 = fully hallucinated
	FactualGroundingScore   float64             `json:"factual_grounding_score"`
	Claims                  []ClaimVerification `json:"claims,omitempty"`
	EntityOverlapScore      float64             `json:"entity_overlap_score"`
	SemanticSimilarityScore float64             `json:"semantic_similarity_score"`
	Reasoning               string              `json:"reasoning,omitempty"`
}

// HallucinationDetector detects hallucinations in generated financial
// analysis by combining an LLM judge, entity overlap, and embedding
// similarity.
type HallucinationDetector struct {
	llm      llm.Provider
	embedder Embedder
	model    string
}

// NewHallucinationDetector creates a detector using the given judge
// provider and embedder. model overrides the provider default when set.
func NewHallucinationDetector(provider llm.Provider, embedder Embedder, model string) *HallucinationDetector {
	return &HallucinationDetector{llm: provider, embedder: embedder, model: model}
}

// Detect runs the full hallucination detection pipeline on a response.
// Individual signal failures degrade to neutral scores rather than
// failing the evaluation.
func (d *HallucinationDetector) Detect(ctx context.Context, responseText string, sourceChunks []string, query string) *HallucinationResult {
	// The judge call and the embedding call are both network-bound, so
	// run them concurrently. Entity overlap is pure string work.
	type judgeOut struct {
		result *HallucinationResult
	}
	type simOut struct {
		score float64
	}
	judgeCh := make(chan judgeOut, 1)
	simCh := make(chan simOut, 1)

	go func() {
		judgeCh <- judgeOut{d.judgeVerification(ctx, responseText, sourceChunks, query)}
	}()
	go func() {
		simCh <- simOut{d.semanticSimilarity(ctx, responseText, sourceChunks)}
	}()

	entityScore := entityOverlap(responseText, sourceChunks)
	judge := (<-judgeCh).result
	semanticScore := (<-simCh).score

	combinedHallucination := judgeWeight*judge.HallucinationScore +
		entityWeight*(1.0-entityScore) +
		semanticWeight*(1.0-semanticScore)

	combinedGrounding := judgeWeight*judge.FactualGroundingScore +
		entityWeight*entityScore +
		semanticWeight*semanticScore

	result := &HallucinationResult{
		HallucinationScore:      round4(clamp01(combinedHallucination)),
		FactualGroundingScore:   round4(clamp01(combinedGrounding)),
		Claims:                  judge.Claims,
		EntityOverlapScore:      round4(entityScore),
		SemanticSimilarityScore: round4(semanticScore),
		Reasoning:               judge.Reasoning,
	}

	slog.Info("evaluation: hallucination detection complete",
		"hallucination_score", result.HallucinationScore,
		"grounding_score", result.FactualGroundingScore,
		"claims", len(result.Claims),
		"entity_overlap", result.EntityOverlapScore)

	return result
}

// judgeResponse is the JSON shape the judge model is asked to emit.
type judgeResponse struct {
	Claims                []ClaimVerification `json:"claims"`
	HallucinationScore    float64             `json:"hallucination_score"`
	FactualGroundingScore float64             `json:"factual_grounding_score"`
	Reasoning             string              `json:"reasoning"`
}

// judgeVerification asks a judge model to verify claims against sources.
// A failed or unparseable judge call degrades to neutral 0.5 scores.
func (d *HallucinationDetector) judgeVerification(ctx context.Context, responseText string, sourceChunks []string, query string) *HallucinationResult {
	prompt := fmt.Sprintf(hallucinationCheckPrompt,
		formatSourceContext(sourceChunks), responseText, query)

	resp, err := d.llm.Chat(ctx, llm.ChatRequest{
		Model:          d.model,
		Messages:       []llm.Message{{Role: "user", Content: prompt}},
		Temperature:    0.0,
		ResponseFormat: "json_object",
	})
	if err != nil {
		slog.Warn("evaluation: judge call failed", "error", err)
		return neutralJudgeResult(err.Error())
	}

	var parsed judgeResponse
	if err := json.Unmarshal([]byte(resp.Content), &parsed); err != nil {
		slog.Warn("evaluation: judge response parse error", "error", err)
		return neutralJudgeResult(err.Error())
	}

	return &HallucinationResult{
		HallucinationScore:    parsed.HallucinationScore,
		FactualGroundingScore: parsed.FactualGroundingScore,
		Claims:                parsed.Claims,
		Reasoning:             parsed.Reasoning,
	}
}

func neutralJudgeResult(reason string) *HallucinationResult {
	return &HallucinationResult{
		HallucinationScore:    0.5,
		FactualGroundingScore: 0.5,
		Reasoning:             "LLM judge evaluation failed to parse: " + reason,
	}
}

// entityOverlap checks what fraction of financial entities in the
// response (amounts, percentages, dates, large numbers) appear in the
// source documents.
func entityOverlap(responseText string, sourceChunks []string) float64 {
	responseEntities := extractFinancialEntities(responseText)
	if len(responseEntities) == 0 {
		return 1.0 // no entities to verify
	}

	sourceEntities := extractFinancialEntities(strings.Join(sourceChunks, " "))
	if len(sourceEntities) == 0 {
		return 0.5 // cannot verify
	}

	matched := 0
	for e := range responseEntities {
		if sourceEntities[e] {
			matched++
		}
	}
	return float64(matched) / float64(len(responseEntities))
}

// semanticSimilarity computes the best cosine similarity between the
// response and any source chunk. Failures degrade to neutral 0.5.
func (d *HallucinationDetector) semanticSimilarity(ctx context.Context, responseText string, sourceChunks []string) float64 {
	if len(sourceChunks) == 0 {
		return 0.0
	}

	responseEmbedding, err := d.embedder.EmbedOne(ctx, responseText)
	if err != nil {
		slog.Warn("evaluation: response embedding failed", "error", err)
		return 0.5
	}
	chunkEmbeddings, err := d.embedder.Embed(ctx, sourceChunks)
	if err != nil {
		slog.Warn("evaluation: source embedding failed", "error", err)
		return 0.5
	}

	best := 0.0
	for _, ce := range chunkEmbeddings {
		sim, err := embedding.CosineSimilarity(responseEmbedding, ce)
		if err != nil {
			slog.Warn("evaluation: cosine similarity failed", "error", err)
			return 0.5
		}
		if sim > best {
			best = sim
		}
	}
	return best
}

var entityPatterns = []*regexp.Regexp{
	// Dollar amounts: $1.5B, $500M, $1,234.56
	regexp.MustCompile(`\$[\d,]+\.?\d*\s*[BMKbmk]?(?:illion)?`),
	// Percentages: 15.3%, -2.1%
	regexp.MustCompile(`-?[\d.]+%`),
	// Periods: Q1 2024, FY2023, 2023
	regexp.MustCompile(`(?:Q[1-4]\s*\d{4}|FY\d{4}|\d{4})`),
	// Large numbers: 1,234  394,328
	regexp.MustCompile(`\b\d{1,3}(?:,\d{3})+(?:\.\d+)?\b`),
}

// extractFinancialEntities pulls dollar amounts, percentages, periods,
// and large numbers from text. Dollar amounts are lowercased so $1.5B
// and $1.5b compare equal.
func extractFinancialEntities(text string) map[string]bool {
	entities := make(map[string]bool)
	for i, p := range entityPatterns {
		for _, m := range p.FindAllString(text, -1) {
			if i == 0 {
				m = strings.ToLower(strings.TrimSpace(m))
			}
			entities[m] = true
		}
	}
	return entities
}

func clamp01(v float64) float64 {
	return math.Min(math.Max(v, 0.0), 1.0)
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
