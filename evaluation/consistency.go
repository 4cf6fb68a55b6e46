package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/brunobiangulo/finsight/llm"
)

// DefaultNumSamples is the number of additional generations compared
// against the original response.
const DefaultNumSamples = 2

// sampleTemperature adds slight variation so agreement is meaningful.
const sampleTemperature = 0.3

// ConsistencyResult holds the aggregate self-consistency score.
type ConsistencyResult struct {
	ConsistencyScore float64  `json:"consistency_score"` // 0 = inconsistent, 1 = fully consistent
	NumSamples       int      `json:"num_samples"`
	Discrepancies    []string `json:"discrepancies,omitempty"`
	Reasoning        string   `json:"reasoning,omitempty"`
}

// ConsistencyScorer evaluates response stability by regenerating the
// answer and comparing each pair with an LLM judge. High agreement
// suggests factual grounding; low agreement flags uncertainty.
type ConsistencyScorer struct {
	llm   llm.Provider
	model string
}

// NewConsistencyScorer creates a scorer using the given provider.
func NewConsistencyScorer(provider llm.Provider, model string) *ConsistencyScorer {
	return &ConsistencyScorer{llm: provider, model: model}
}

// Score regenerates the answer numSamples times from the original
// prompt messages and averages pairwise judge scores against the
// original response. Pass 0 for numSamples to use the default.
func (s *ConsistencyScorer) Score(ctx context.Context, originalResponse string, messages []llm.Message, query string, numSamples int) *ConsistencyResult {
	if numSamples <= 0 {
		numSamples = DefaultNumSamples
	}

	var alternatives []string
	for i := 0; i < numSamples; i++ {
		resp, err := s.llm.Chat(ctx, llm.ChatRequest{
			Model:       s.model,
			Messages:    messages,
			Temperature: sampleTemperature,
		})
		if err != nil {
			slog.Warn("evaluation: consistency sample failed", "error", err)
			continue
		}
		alternatives = append(alternatives, resp.Content)
	}

	if len(alternatives) == 0 {
		return &ConsistencyResult{
			ConsistencyScore: 0.5, // uncertain
			NumSamples:       0,
			Discrepancies:    []string{"Failed to generate comparison samples"},
			Reasoning:        "Could not generate alternative responses for comparison",
		}
	}

	var pairwiseScores []float64
	var allDiscrepancies []string
	for _, alt := range alternatives {
		score, discrepancies := s.comparePair(ctx, query, originalResponse, alt)
		pairwiseScores = append(pairwiseScores, score)
		allDiscrepancies = append(allDiscrepancies, discrepancies...)
	}

	sum := 0.0
	rounded := make([]float64, len(pairwiseScores))
	for i, sc := range pairwiseScores {
		sum += sc
		rounded[i] = round3(sc)
	}
	avg := sum / float64(len(pairwiseScores))

	result := &ConsistencyResult{
		ConsistencyScore: round4(avg),
		NumSamples:       len(alternatives),
		Discrepancies:    allDiscrepancies,
		Reasoning: fmt.Sprintf("Compared with %d alternative responses. Pairwise scores: %v",
			len(alternatives), rounded),
	}

	slog.Info("evaluation: consistency scoring complete",
		"score", result.ConsistencyScore,
		"num_samples", result.NumSamples,
		"discrepancies", len(result.Discrepancies))

	return result
}

// pairComparison is the JSON shape the judge emits for a response pair.
type pairComparison struct {
	ConsistencyScore float64  `json:"consistency_score"`
	Discrepancies    []string `json:"discrepancies"`
	Reasoning        string   `json:"reasoning"`
}

// comparePair judges two responses for semantic agreement. Failures
// degrade to a neutral 0.5 for that pair.
func (s *ConsistencyScorer) comparePair(ctx context.Context, query, responseA, responseB string) (float64, []string) {
	prompt := fmt.Sprintf(consistencyCheckPrompt, query, responseA, responseB)

	resp, err := s.llm.Chat(ctx, llm.ChatRequest{
		Model:          s.model,
		Messages:       []llm.Message{{Role: "user", Content: prompt}},
		Temperature:    0.0,
		ResponseFormat: "json_object",
	})
	if err != nil {
		slog.Warn("evaluation: consistency comparison failed", "error", err)
		return 0.5, []string{"Comparison error: " + err.Error()}
	}

	var parsed pairComparison
	if err := json.Unmarshal([]byte(resp.Content), &parsed); err != nil {
		slog.Warn("evaluation: consistency comparison parse error", "error", err)
		return 0.5, []string{"Parse error: " + err.Error()}
	}
	return parsed.ConsistencyScore, parsed.Discrepancies
}
