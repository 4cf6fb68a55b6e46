package workflow

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/brunobiangulo/finsight/errs"
	"github.com/brunobiangulo/finsight/evaluation"
	"github.com/brunobiangulo/finsight/guardrails"
	"github.com/brunobiangulo/finsight/llm"
	"github.com/brunobiangulo/finsight/retrieval"
	"github.com/brunobiangulo/finsight/store"
)

// -----------------------------------------------------------------------------
// Fakes
// -----------------------------------------------------------------------------

type fakeRetriever struct {
	chunks    []store.RetrievalResult
	citations []retrieval.Citation
	err       error
	gotOpts   retrieval.SearchOptions
}

func (f *fakeRetriever) Search(_ context.Context, _ string, opts retrieval.SearchOptions) ([]store.RetrievalResult, []retrieval.Citation, *retrieval.SearchTrace, error) {
	f.gotOpts = opts
	if f.err != nil {
		return nil, nil, nil, f.err
	}
	return f.chunks, f.citations, &retrieval.SearchTrace{}, nil
}

type fakeProvider struct {
	responses []string
	calls     int
	err       error
}

func (f *fakeProvider) Chat(_ context.Context, _ llm.ChatRequest) (*llm.ChatResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	i := f.calls
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	f.calls++
	return &llm.ChatResponse{
		Content: f.responses[i],
		Usage:   llm.Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150},
	}, nil
}

func (f *fakeProvider) ChatStream(_ context.Context, _ llm.ChatRequest, _ func(string) error) error {
	return errors.New("not implemented")
}

func (f *fakeProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

type fakeEvaluator struct {
	results []*evaluation.Result
	calls   int
	inputs  []evaluation.Input
}

func (f *fakeEvaluator) Evaluate(_ context.Context, in evaluation.Input) *evaluation.Result {
	f.inputs = append(f.inputs, in)
	i := f.calls
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	f.calls++
	return f.results[i]
}

func passedResult() *evaluation.Result {
	return &evaluation.Result{
		HallucinationScore:       0.1,
		FactualGroundingScore:    0.9,
		SemanticConsistencyScore: 0.95,
		ConfidenceScore:          0.85,
		Status:                   evaluation.StatusPassed,
	}
}

func testChunks() []store.RetrievalResult {
	return []store.RetrievalResult{
		{ChunkID: 1, Content: "Apple reported total net sales of $394.3 billion in fiscal 2022."},
		{ChunkID: 2, Content: "Products revenue was $316.2 billion and Services revenue was $78.1 billion."},
	}
}

func newTestOrchestrator(r Retriever, p llm.Provider, e Evaluator) *Orchestrator {
	return New(r, p, "test-model", e, nil, nil, nil)
}

// -----------------------------------------------------------------------------
// Request validation
// -----------------------------------------------------------------------------

func TestQueryRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     QueryRequest
		wantErr bool
	}{
		{"valid", QueryRequest{Query: "What was Apple's revenue?"}, false},
		{"too short", QueryRequest{Query: "hi"}, true},
		{"too long", QueryRequest{Query: strings.Repeat("x", 2001)}, true},
		{"bad query type", QueryRequest{Query: "What was Apple's revenue?", QueryType: "stock_tips"}, true},
		{"top_k too high", QueryRequest{Query: "What was Apple's revenue?", TopK: 50}, true},
		{"valid with type", QueryRequest{Query: "Summarize the risks", QueryType: QueryRiskSummary, TopK: 10}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && errs.CodeOf(err) != errs.CodeInvalidRequest {
				t.Errorf("CodeOf(err) = %v, want %v", errs.CodeOf(err), errs.CodeInvalidRequest)
			}
		})
	}
}

func TestValidateDefaultsQueryType(t *testing.T) {
	req := QueryRequest{Query: "What was Apple's revenue?"}
	if err := req.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if req.QueryType != QueryGeneral {
		t.Errorf("QueryType = %q, want %q", req.QueryType, QueryGeneral)
	}
}

// -----------------------------------------------------------------------------
// Workflow execution
// -----------------------------------------------------------------------------

func TestExecuteHappyPath(t *testing.T) {
	retriever := &fakeRetriever{
		chunks:    testChunks(),
		citations: []retrieval.Citation{{ChunkID: 1, SourceDocument: "Apple Inc. 10-K 2022-10-28"}},
	}
	provider := &fakeProvider{responses: []string{"Apple's fiscal 2022 revenue was $394.3 billion [Source 1]."}}
	evaluator := &fakeEvaluator{results: []*evaluation.Result{passedResult()}}

	o := newTestOrchestrator(retriever, provider, evaluator)
	resp, err := o.Execute(context.Background(), QueryRequest{Query: "What was Apple's 2022 revenue?"})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}

	if resp.QueryID == "" {
		t.Error("QueryID is empty")
	}
	if resp.Response != provider.responses[0] {
		t.Errorf("Response = %q, want generated text", resp.Response)
	}
	if resp.GenerationAttempts != 1 {
		t.Errorf("GenerationAttempts = %d, want 1", resp.GenerationAttempts)
	}
	if resp.Evaluation == nil || resp.Evaluation.Status != evaluation.StatusPassed {
		t.Errorf("Evaluation = %+v, want passed", resp.Evaluation)
	}
	if len(resp.Citations) != 1 {
		t.Errorf("Citations = %d, want 1", len(resp.Citations))
	}
	if resp.TokenUsage.TotalTokens != 150 {
		t.Errorf("TotalTokens = %d, want 150", resp.TokenUsage.TotalTokens)
	}
	if len(evaluator.inputs) != 1 || !evaluator.inputs[0].RunConsistency {
		t.Error("first evaluation should run consistency sampling")
	}
}

func TestExecuteUppercasesCompanyFilter(t *testing.T) {
	retriever := &fakeRetriever{chunks: testChunks()}
	provider := &fakeProvider{responses: []string{"Answer [Source 1]."}}
	evaluator := &fakeEvaluator{results: []*evaluation.Result{passedResult()}}

	o := newTestOrchestrator(retriever, provider, evaluator)
	_, err := o.Execute(context.Background(), QueryRequest{
		Query:      "What was revenue last year?",
		Company:    "aapl",
		FilingType: "10-K",
		TopK:       3,
	})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if retriever.gotOpts.Filter.Ticker != "AAPL" {
		t.Errorf("Filter.Ticker = %q, want AAPL", retriever.gotOpts.Filter.Ticker)
	}
	if retriever.gotOpts.Filter.FilingType != "10-K" {
		t.Errorf("Filter.FilingType = %q, want 10-K", retriever.gotOpts.Filter.FilingType)
	}
	if retriever.gotOpts.TopK != 3 {
		t.Errorf("TopK = %d, want 3", retriever.gotOpts.TopK)
	}
}

func TestExecuteRegeneratesOnHallucination(t *testing.T) {
	retriever := &fakeRetriever{chunks: testChunks()}
	provider := &fakeProvider{responses: []string{
		"Apple earned $450 billion last year.",
		"Apple's fiscal 2022 revenue was $394.3 billion [Source 1].",
	}}
	hallucinated := &evaluation.Result{HallucinationScore: 0.92, Status: evaluation.StatusFailed}
	evaluator := &fakeEvaluator{results: []*evaluation.Result{hallucinated, passedResult()}}

	o := newTestOrchestrator(retriever, provider, evaluator)
	resp, err := o.Execute(context.Background(), QueryRequest{Query: "What was Apple's revenue?"})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}

	if resp.GenerationAttempts != 2 {
		t.Errorf("GenerationAttempts = %d, want 2", resp.GenerationAttempts)
	}
	if provider.calls != 2 {
		t.Errorf("provider called %d times, want 2", provider.calls)
	}
	if resp.Response != provider.responses[1] {
		t.Errorf("Response = %q, want second generation", resp.Response)
	}
	if len(evaluator.inputs) != 2 {
		t.Fatalf("evaluator called %d times, want 2", len(evaluator.inputs))
	}
	if !evaluator.inputs[0].RunConsistency || evaluator.inputs[1].RunConsistency {
		t.Error("consistency sampling should run on the first attempt only")
	}
	// Token usage accumulates across attempts.
	if resp.TokenUsage.TotalTokens != 300 {
		t.Errorf("TotalTokens = %d, want 300", resp.TokenUsage.TotalTokens)
	}
}

func TestExecuteRegenerationIsBounded(t *testing.T) {
	retriever := &fakeRetriever{chunks: testChunks()}
	provider := &fakeProvider{responses: []string{"Still wrong."}}
	hallucinated := &evaluation.Result{HallucinationScore: 0.95, Status: evaluation.StatusFailed}
	evaluator := &fakeEvaluator{results: []*evaluation.Result{hallucinated}}

	o := newTestOrchestrator(retriever, provider, evaluator)
	resp, err := o.Execute(context.Background(), QueryRequest{Query: "What was Apple's revenue?"})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}

	if resp.GenerationAttempts != maxGenerationAttempts {
		t.Errorf("GenerationAttempts = %d, want %d", resp.GenerationAttempts, maxGenerationAttempts)
	}
	if resp.Evaluation.Status != evaluation.StatusFailed {
		t.Errorf("Status = %v, want failed after exhausted attempts", resp.Evaluation.Status)
	}
}

func TestExecuteSkipEvaluation(t *testing.T) {
	retriever := &fakeRetriever{chunks: testChunks()}
	provider := &fakeProvider{responses: []string{"Answer [Source 1]."}}
	evaluator := &fakeEvaluator{results: []*evaluation.Result{passedResult()}}

	o := newTestOrchestrator(retriever, provider, evaluator)
	resp, err := o.Execute(context.Background(), QueryRequest{
		Query:          "What was Apple's revenue?",
		SkipEvaluation: true,
	})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}

	if evaluator.calls != 0 {
		t.Errorf("evaluator called %d times, want 0", evaluator.calls)
	}
	if resp.Evaluation != nil {
		t.Errorf("Evaluation = %+v, want nil", resp.Evaluation)
	}
	if resp.GenerationAttempts != 1 {
		t.Errorf("GenerationAttempts = %d, want 1", resp.GenerationAttempts)
	}
}

func TestExecuteRetrievalError(t *testing.T) {
	retriever := &fakeRetriever{err: errors.New("vector store unavailable")}
	provider := &fakeProvider{responses: []string{"unused"}}
	evaluator := &fakeEvaluator{results: []*evaluation.Result{passedResult()}}

	o := newTestOrchestrator(retriever, provider, evaluator)
	_, err := o.Execute(context.Background(), QueryRequest{Query: "What was Apple's revenue?"})
	if err == nil {
		t.Fatal("Execute() error = nil, want retrieval error")
	}
	if errs.CodeOf(err) != errs.CodeRetrieval {
		t.Errorf("CodeOf(err) = %v, want %v", errs.CodeOf(err), errs.CodeRetrieval)
	}
}

func TestExecuteAppliesGuardrails(t *testing.T) {
	retriever := &fakeRetriever{chunks: testChunks()}
	provider := &fakeProvider{responses: []string{
		"Contact analyst at jane@example.com. You should buy this stock now.",
	}}
	evaluator := &fakeEvaluator{results: []*evaluation.Result{passedResult()}}

	o := New(retriever, provider, "test-model", evaluator,
		guardrails.NewPIIRedactor(true), guardrails.NewContentFilter(true, 0), nil)
	resp, err := o.Execute(context.Background(), QueryRequest{Query: "What was Apple's revenue?"})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}

	if strings.Contains(resp.Response, "jane@example.com") {
		t.Errorf("Response still contains email: %q", resp.Response)
	}
	if !strings.Contains(resp.Response, "[EMAIL_REDACTED]") {
		t.Errorf("Response missing redaction marker: %q", resp.Response)
	}
	if !strings.Contains(resp.Response, "[CONTENT REMOVED") {
		t.Errorf("Response missing advice removal marker: %q", resp.Response)
	}
	if resp.PIIEntitiesFound != 1 {
		t.Errorf("PIIEntitiesFound = %d, want 1", resp.PIIEntitiesFound)
	}
	if len(resp.Warnings) == 0 {
		t.Error("Warnings is empty, want content filter warning")
	}
}

// -----------------------------------------------------------------------------
// Prompt assembly
// -----------------------------------------------------------------------------

func TestBuildRAGPromptStructure(t *testing.T) {
	msgs := BuildRAGPrompt("What are the main risks?", []string{"chunk one", "chunk two"}, QueryRiskSummary)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != "system" || !strings.Contains(msgs[0].Content, "senior financial analyst") {
		t.Errorf("system message = %+v", msgs[0])
	}
	user := msgs[1].Content
	for _, want := range []string{
		"## SOURCE DOCUMENTS",
		"[Source 1]\nchunk one",
		"[Source 2]\nchunk two",
		"## QUERY TYPE\nrisk_summary",
		"risk factors from SEC filings",
		"## USER QUESTION\nWhat are the main risks?",
		"## RESPONSE FORMAT",
	} {
		if !strings.Contains(user, want) {
			t.Errorf("user prompt missing %q", want)
		}
	}
}

func TestFormatContextEmpty(t *testing.T) {
	if got := formatContext(nil); got != "[No source documents available]" {
		t.Errorf("formatContext(nil) = %q", got)
	}
}
