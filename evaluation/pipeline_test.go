package evaluation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/brunobiangulo/finsight/llm"
	"github.com/brunobiangulo/finsight/retrieval"
)

// ---------------------------------------------------------------------------
// Consistency scorer
// ---------------------------------------------------------------------------

func TestConsistencyAllSamplesFail(t *testing.T) {
	provider := &fakeProvider{errs: []error{
		errors.New("timeout"), errors.New("timeout"),
	}}
	s := NewConsistencyScorer(provider, "")

	result := s.Score(context.Background(), "original",
		[]llm.Message{{Role: "user", Content: "q"}}, "q", 2)

	if result.ConsistencyScore != 0.5 {
		t.Errorf("score: got %v, want 0.5", result.ConsistencyScore)
	}
	if result.NumSamples != 0 {
		t.Errorf("num samples: got %d, want 0", result.NumSamples)
	}
	if len(result.Discrepancies) != 1 || result.Discrepancies[0] != "Failed to generate comparison samples" {
		t.Errorf("discrepancies: got %v", result.Discrepancies)
	}
}

func TestConsistencyAveragesPairwiseScores(t *testing.T) {
	// Calls: sample 1, sample 2, compare 1, compare 2.
	provider := &fakeProvider{responses: []string{
		"alt one",
		"alt two",
		`{"consistency_score": 0.9, "discrepancies": []}`,
		`{"consistency_score": 0.7, "discrepancies": ["figure differs"]}`,
	}}
	s := NewConsistencyScorer(provider, "")

	result := s.Score(context.Background(), "original",
		[]llm.Message{{Role: "user", Content: "q"}}, "q", 2)

	if result.ConsistencyScore != 0.8 {
		t.Errorf("score: got %v, want 0.8", result.ConsistencyScore)
	}
	if result.NumSamples != 2 {
		t.Errorf("num samples: got %d, want 2", result.NumSamples)
	}
	if len(result.Discrepancies) != 1 {
		t.Errorf("discrepancies: got %v", result.Discrepancies)
	}
	if !strings.Contains(result.Reasoning, "2 alternative responses") {
		t.Errorf("reasoning: got %q", result.Reasoning)
	}

	// Samples use elevated temperature, comparisons run at zero.
	if provider.requests[0].Temperature != sampleTemperature {
		t.Errorf("sample temperature: got %v, want %v",
			provider.requests[0].Temperature, sampleTemperature)
	}
	if provider.requests[2].Temperature != 0.0 {
		t.Errorf("comparison temperature: got %v, want 0", provider.requests[2].Temperature)
	}
}

func TestConsistencyPairParseFailureIsNeutral(t *testing.T) {
	provider := &fakeProvider{responses: []string{
		"alt one",
		"not json",
	}}
	s := NewConsistencyScorer(provider, "")

	result := s.Score(context.Background(), "original",
		[]llm.Message{{Role: "user", Content: "q"}}, "q", 1)

	if result.ConsistencyScore != 0.5 {
		t.Errorf("score: got %v, want 0.5", result.ConsistencyScore)
	}
}

// ---------------------------------------------------------------------------
// Verdict rules
// ---------------------------------------------------------------------------

func newTestPipeline() *Pipeline {
	return &Pipeline{thresholds: DefaultThresholds()}
}

func TestDetermineStatus(t *testing.T) {
	p := newTestPipeline()

	tests := []struct {
		name          string
		hallucination float64
		consistency   float64
		confidence    float64
		flags         []string
		want          Status
	}{
		{
			name:          "hard fail on extreme hallucination",
			hallucination: 0.85,
			consistency:   1.0,
			confidence:    1.0,
			want:          StatusFailed,
		},
		{
			name:          "fail on three flags",
			hallucination: 0.75,
			consistency:   0.5,
			confidence:    0.3,
			flags:         []string{"a", "b", "c"},
			want:          StatusFailed,
		},
		{
			name:          "flag on single concern",
			hallucination: 0.2,
			consistency:   0.9,
			confidence:    0.5,
			flags:         []string{"Low confidence score: 0.50"},
			want:          StatusFlagged,
		},
		{
			name:          "pass when all gates clear",
			hallucination: 0.1,
			consistency:   0.95,
			confidence:    0.8,
			want:          StatusPassed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.determineStatus(tt.hallucination, tt.consistency, tt.confidence, tt.flags)
			if got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDetermineStatusHardFailOverridesCleanScores(t *testing.T) {
	p := newTestPipeline()
	// Even with perfect consistency and confidence, extreme hallucination fails.
	got := p.determineStatus(0.81, 1.0, 1.0, nil)
	if got != StatusFailed {
		t.Errorf("got %s, want %s", got, StatusFailed)
	}
}

// ---------------------------------------------------------------------------
// Full pipeline
// ---------------------------------------------------------------------------

func TestEvaluatePassedResponse(t *testing.T) {
	provider := &fakeProvider{responses: []string{cleanJudgeJSON}}
	embedder := &fakeEmbedder{queryVec: []float32{1, 0, 0}}
	p := NewPipeline(provider, embedder, "", DefaultThresholds())

	result := p.Evaluate(context.Background(), Input{
		ResponseText: "Total net sales were $394.3 billion in fiscal 2022, an increase of 8% [Source 1]. Growth was driven by iPhone revenue [Source 1].",
		SourceChunks: []string{"Total net sales were $394.3 billion in fiscal 2022, an increase of 8% driven by iPhone revenue growth."},
		Query:        "What was Apple's total revenue in fiscal 2022?",
		Citations: []retrieval.Citation{
			{RelevanceScore: 0.9, SourceDocument: "Apple Inc. 10-K 2022"},
		},
		RunConsistency: false,
	})

	if result.Status != StatusPassed {
		t.Fatalf("status: got %s, want %s (flags: %v, confidence: %v)",
			result.Status, StatusPassed, result.Flags, result.ConfidenceScore)
	}
	if len(result.Flags) != 0 {
		t.Errorf("expected no flags, got %v", result.Flags)
	}
	if result.SemanticConsistencyScore != 1.0 {
		t.Errorf("skipped consistency should default to 1.0, got %v", result.SemanticConsistencyScore)
	}
	if !strings.Contains(result.EvaluationReasoning, "Hallucination:") {
		t.Errorf("reasoning missing summary: %q", result.EvaluationReasoning)
	}
}

func TestEvaluateHallucinatedResponseFails(t *testing.T) {
	judgeJSON := `{
		"claims": [{"claim": "revenue was $450 billion", "verdict": "UNSUPPORTED", "evidence": "", "source_ref": ""}],
		"hallucination_score": 0.95,
		"factual_grounding_score": 0.05,
		"reasoning": "Figure not present in sources."
	}`
	provider := &fakeProvider{responses: []string{judgeJSON}}
	// Orthogonal vectors: response is semantically unrelated to sources.
	embedder := &fakeEmbedder{
		queryVec:  []float32{1, 0, 0},
		chunkVecs: [][]float32{{0, 1, 0}},
	}
	p := NewPipeline(provider, embedder, "", DefaultThresholds())

	result := p.Evaluate(context.Background(), Input{
		ResponseText:   "Apple's revenue was $450.0 billion in fiscal 2022, up 15.2%.",
		SourceChunks:   []string{"Total net sales were $394.3 billion in fiscal 2022."},
		Query:          "What was Apple's revenue?",
		RunConsistency: false,
	})

	if result.Status != StatusFailed {
		t.Fatalf("status: got %s, want %s (hallucination: %v)",
			result.Status, StatusFailed, result.HallucinationScore)
	}
	if result.HallucinationScore <= DefaultThresholds().Hallucination {
		t.Errorf("expected hallucination above threshold, got %v", result.HallucinationScore)
	}
	found := false
	for _, f := range result.Flags {
		if strings.HasPrefix(f, "High hallucination score:") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected hallucination flag, got %v", result.Flags)
	}
}

func TestEvaluateRunsConsistencyWhenRequested(t *testing.T) {
	provider := &fakeProvider{responses: []string{
		cleanJudgeJSON, // judge
		"alt one",      // sample 1
		"alt two",      // sample 2
		`{"consistency_score": 0.9, "discrepancies": []}`,
		`{"consistency_score": 0.9, "discrepancies": []}`,
	}}
	embedder := &fakeEmbedder{queryVec: []float32{1, 0, 0}}
	p := NewPipeline(provider, embedder, "", DefaultThresholds())

	result := p.Evaluate(context.Background(), Input{
		ResponseText:   "Total net sales were $394.3 billion in fiscal 2022 [Source 1].",
		SourceChunks:   []string{"Total net sales were $394.3 billion in fiscal 2022."},
		Query:          "What was revenue?",
		Citations:      []retrieval.Citation{{RelevanceScore: 0.9}},
		Messages:       []llm.Message{{Role: "user", Content: "prompt"}},
		RunConsistency: true,
	})

	if result.SemanticConsistencyScore != 0.9 {
		t.Errorf("consistency: got %v, want 0.9", result.SemanticConsistencyScore)
	}
	if provider.calls != 5 {
		t.Errorf("expected 5 provider calls, got %d", provider.calls)
	}
}
