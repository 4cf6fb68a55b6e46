package evaluation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brunobiangulo/finsight/llm"
	"github.com/brunobiangulo/finsight/metrics"
	"github.com/brunobiangulo/finsight/retrieval"
)

// Status is the final verdict on a generated response.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFlagged Status = "flagged"
	StatusFailed  Status = "failed"
)

// hardFailHallucination is the ceiling above which a response fails
// regardless of other scores.
const hardFailHallucination = 0.8

// maxFlagsBeforeFail is the number of accumulated quality flags that
// escalates a flagged response to failed.
const maxFlagsBeforeFail = 3

// Thresholds configure the quality gates.
type Thresholds struct {
	Hallucination float64 // flag above this
	Consistency   float64 // flag below this
	MinConfidence float64 // flag below this
}

// DefaultThresholds returns the standard quality gates.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Hallucination: 0.7,
		Consistency:   0.8,
		MinConfidence: 0.6,
	}
}

// Result is the full evaluation outcome for one response.
type Result struct {
	HallucinationScore       float64  `json:"hallucination_score"`
	FactualGroundingScore    float64  `json:"factual_grounding_score"`
	SemanticConsistencyScore float64  `json:"semantic_consistency_score"`
	ConfidenceScore          float64  `json:"confidence_score"`
	Status                   Status   `json:"status"`
	Flags                    []string `json:"flags,omitempty"`
	EvaluationReasoning      string   `json:"evaluation_reasoning,omitempty"`
}

// Input carries a generated response and its provenance into the pipeline.
type Input struct {
	ResponseText   string
	SourceChunks   []string
	Query          string
	Citations      []retrieval.Citation
	Messages       []llm.Message // original prompt, needed for consistency sampling
	RunConsistency bool
}

// Pipeline orchestrates hallucination detection, consistency scoring,
// confidence scoring, and the final verdict.
type Pipeline struct {
	hallucination *HallucinationDetector
	consistency   *ConsistencyScorer
	thresholds    Thresholds
}

// NewPipeline creates an evaluation pipeline using the given judge
// provider and embedder.
func NewPipeline(provider llm.Provider, embedder Embedder, model string, thresholds Thresholds) *Pipeline {
	return &Pipeline{
		hallucination: NewHallucinationDetector(provider, embedder, model),
		consistency:   NewConsistencyScorer(provider, model),
		thresholds:    thresholds,
	}
}

// Evaluate runs the full pipeline on a response and renders a verdict.
func (p *Pipeline) Evaluate(ctx context.Context, in Input) *Result {
	start := time.Now()
	var flags []string

	// Stage 1: hallucination detection.
	hallucination := p.hallucination.Detect(ctx, in.ResponseText, in.SourceChunks, in.Query)
	if hallucination.HallucinationScore > p.thresholds.Hallucination {
		flags = append(flags,
			fmt.Sprintf("High hallucination score: %.2f", hallucination.HallucinationScore))
	}

	// Stage 2: consistency scoring. Expensive, so callers opt in.
	consistencyScore := 1.0
	if in.RunConsistency && len(in.Messages) > 0 {
		consistency := p.consistency.Score(ctx, in.ResponseText, in.Messages, in.Query, 0)
		consistencyScore = consistency.ConsistencyScore
		if consistencyScore < p.thresholds.Consistency {
			flags = append(flags,
				fmt.Sprintf("Low consistency score: %.2f", consistencyScore))
		}
	}

	// Stage 3: confidence scoring.
	confidence := ScoreConfidence(ConfidenceInput{
		ResponseText:       in.ResponseText,
		Query:              in.Query,
		Citations:          in.Citations,
		SourceChunks:       in.SourceChunks,
		HallucinationScore: hallucination.HallucinationScore,
		ConsistencyScore:   consistencyScore,
	})
	if confidence.ConfidenceScore < p.thresholds.MinConfidence {
		flags = append(flags,
			fmt.Sprintf("Low confidence score: %.2f", confidence.ConfidenceScore))
	}

	// Stage 4: verdict.
	status := p.determineStatus(hallucination.HallucinationScore, consistencyScore,
		confidence.ConfidenceScore, flags)

	reasoning := fmt.Sprintf(
		"Hallucination: %.3f (entity overlap: %.3f, semantic sim: %.3f). "+
			"Consistency: %.3f. Confidence: %.3f (citations: %.3f, specificity: %.3f). %s",
		hallucination.HallucinationScore,
		hallucination.EntityOverlapScore,
		hallucination.SemanticSimilarityScore,
		consistencyScore,
		confidence.ConfidenceScore,
		confidence.CitationDensityScore,
		confidence.SpecificityScore,
		hallucination.Reasoning)

	result := &Result{
		HallucinationScore:       hallucination.HallucinationScore,
		FactualGroundingScore:    hallucination.FactualGroundingScore,
		SemanticConsistencyScore: consistencyScore,
		ConfidenceScore:          confidence.ConfidenceScore,
		Status:                   status,
		Flags:                    flags,
		EvaluationReasoning:      reasoning,
	}

	metrics.EvaluationScores.WithLabelValues("hallucination").Observe(hallucination.HallucinationScore)
	metrics.EvaluationScores.WithLabelValues("consistency").Observe(consistencyScore)
	metrics.EvaluationScores.WithLabelValues("confidence").Observe(confidence.ConfidenceScore)
	metrics.EvaluationStatus.WithLabelValues(string(status)).Inc()
	metrics.EvaluationLatency.Observe(time.Since(start).Seconds())

	slog.Info("evaluation: pipeline complete",
		"status", status,
		"hallucination", hallucination.HallucinationScore,
		"consistency", consistencyScore,
		"confidence", confidence.ConfidenceScore,
		"flags", len(flags))

	return result
}

// determineStatus applies the verdict rules in precedence order.
func (p *Pipeline) determineStatus(hallucinationScore, consistencyScore, confidenceScore float64, flags []string) Status {
	// Hard fail: high hallucination overrides everything.
	if hallucinationScore > hardFailHallucination {
		return StatusFailed
	}

	// Fail: multiple quality issues.
	if len(flags) >= maxFlagsBeforeFail {
		return StatusFailed
	}

	// Flag: any quality concern.
	if len(flags) > 0 {
		return StatusFlagged
	}

	// Pass: all scores within acceptable range.
	if hallucinationScore <= p.thresholds.Hallucination &&
		consistencyScore >= p.thresholds.Consistency &&
		confidenceScore >= p.thresholds.MinConfidence {
		return StatusPassed
	}

	return StatusFlagged
}
