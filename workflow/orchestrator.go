package workflow

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/brunobiangulo/finsight/errs"
	"github.com/brunobiangulo/finsight/evaluation"
	"github.com/brunobiangulo/finsight/guardrails"
	"github.com/brunobiangulo/finsight/llm"
	"github.com/brunobiangulo/finsight/metrics"
	"github.com/brunobiangulo/finsight/retrieval"
	"github.com/brunobiangulo/finsight/store"
)

// maxGenerationAttempts bounds regeneration when evaluation detects
// heavy hallucination.
const maxGenerationAttempts = 2

// regenerateAbove is the hallucination score that triggers another
// generation attempt.
const regenerateAbove = 0.8

// Evaluator runs the quality pipeline on a generated response.
type Evaluator interface {
	Evaluate(ctx context.Context, in evaluation.Input) *evaluation.Result
}

// Retriever performs hybrid search over the filing store.
type Retriever interface {
	Search(ctx context.Context, query string, opts retrieval.SearchOptions) ([]store.RetrievalResult, []retrieval.Citation, *retrieval.SearchTrace, error)
}

// Orchestrator drives a query through retrieval, generation,
// evaluation with bounded regeneration, and output guardrails.
type Orchestrator struct {
	retriever Retriever
	provider  llm.Provider
	model     string
	evaluator Evaluator
	redactor  *guardrails.PIIRedactor
	filter    *guardrails.ContentFilter
	queryLog  *store.Store // optional, nil disables audit logging
}

// New creates an orchestrator. queryLog may be nil to skip audit
// logging.
func New(retriever Retriever, provider llm.Provider, model string, evaluator Evaluator,
	redactor *guardrails.PIIRedactor, filter *guardrails.ContentFilter, queryLog *store.Store) *Orchestrator {
	return &Orchestrator{
		retriever: retriever,
		provider:  provider,
		model:     model,
		evaluator: evaluator,
		redactor:  redactor,
		filter:    filter,
		queryLog:  queryLog,
	}
}

// Execute runs the full workflow for one query:
// retrieve, generate, evaluate (optional), regenerate if the response
// hallucinates badly, then redact and filter the output.
func (o *Orchestrator) Execute(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	metrics.ActiveRequests.Inc()
	defer metrics.ActiveRequests.Dec()
	metrics.QueryCount.WithLabelValues(string(req.QueryType)).Inc()

	start := time.Now()
	queryID := uuid.NewString()
	var stages []Stage

	slog.Info("workflow: query started",
		"query_id", queryID,
		"query_type", req.QueryType,
		"query_len", len(req.Query))

	// Retrieve.
	retrieveStart := time.Now()
	filter := store.SearchFilter{FilingType: req.FilingType}
	if req.Company != "" {
		filter.Ticker = strings.ToUpper(req.Company)
	}
	chunks, citations, _, err := o.retriever.Search(ctx, req.Query, retrieval.SearchOptions{
		TopK:   req.TopK,
		Filter: filter,
	})
	if err != nil {
		return nil, errs.Wrap(errs.CodeRetrieval, "retrieve context", err)
	}
	chunkTexts := make([]string, len(chunks))
	for i, c := range chunks {
		chunkTexts[i] = c.Content
	}
	stages = append(stages, Stage{
		Name:      "retrieve",
		Detail:    "chunks=" + strconv.Itoa(len(chunks)),
		ElapsedMs: time.Since(retrieveStart).Milliseconds(),
	})

	// Generate, evaluate, and regenerate while evaluation reports
	// heavy hallucination.
	var (
		responseText string
		messages     []llm.Message
		usage        llm.Usage
		evalResult   *evaluation.Result
		attempts     int
	)
	for {
		attempts++
		genStart := time.Now()
		messages = BuildRAGPrompt(req.Query, chunkTexts, req.QueryType)
		resp, err := o.provider.Chat(ctx, llm.ChatRequest{
			Model:    o.model,
			Messages: messages,
		})
		if err != nil {
			return nil, errs.Wrap(errs.CodeLLM, "generate response", err)
		}
		responseText = resp.Content
		usage.Add(resp.Usage)
		stages = append(stages, Stage{
			Name:      "generate",
			Detail:    "attempt=" + strconv.Itoa(attempts),
			ElapsedMs: time.Since(genStart).Milliseconds(),
		})

		if req.SkipEvaluation {
			break
		}

		evalStart := time.Now()
		evalResult = o.evaluator.Evaluate(ctx, evaluation.Input{
			ResponseText: responseText,
			SourceChunks: chunkTexts,
			Query:        req.Query,
			Citations:    citations,
			Messages:     messages,
			// Consistency sampling is expensive, run it once only.
			RunConsistency: attempts == 1,
		})
		stages = append(stages, Stage{
			Name:      "evaluate",
			Detail:    string(evalResult.Status),
			ElapsedMs: time.Since(evalStart).Milliseconds(),
		})

		if evalResult.HallucinationScore > regenerateAbove && attempts < maxGenerationAttempts {
			slog.Warn("workflow: regenerating after hallucination",
				"query_id", queryID,
				"score", evalResult.HallucinationScore,
				"attempt", attempts)
			continue
		}
		break
	}

	// Output guardrails.
	guardStart := time.Now()
	var warnings []string
	piiFound := 0
	if o.redactor != nil {
		redaction := o.redactor.Redact(responseText)
		if redaction.WasRedacted {
			responseText = redaction.RedactedText
			piiFound = redaction.EntityCount
		}
	}
	if o.filter != nil {
		filtered := o.filter.Filter(responseText)
		responseText = filtered.FilteredText
		warnings = append(warnings, filtered.Warnings...)
	}
	stages = append(stages, Stage{
		Name:      "guardrails",
		Detail:    "pii=" + strconv.Itoa(piiFound),
		ElapsedMs: time.Since(guardStart).Milliseconds(),
	})

	elapsed := time.Since(start)
	metrics.QueryLatency.Observe(elapsed.Seconds())

	resp := &QueryResponse{
		QueryID:            queryID,
		Query:              req.Query,
		Response:           responseText,
		Citations:          citations,
		Evaluation:         evalResult,
		QueryType:          req.QueryType,
		ModelUsed:          o.model,
		TokenUsage:         usage,
		GenerationAttempts: attempts,
		PIIEntitiesFound:   piiFound,
		Warnings:           warnings,
		LatencyMs:          float64(elapsed.Milliseconds()),
		Timestamp:          time.Now().UTC(),
		Stages:             stages,
	}

	o.logQuery(ctx, resp)

	slog.Info("workflow: query complete",
		"query_id", queryID,
		"attempts", attempts,
		"status", evalStatus(evalResult),
		"latency_ms", resp.LatencyMs)

	return resp, nil
}

func (o *Orchestrator) logQuery(ctx context.Context, resp *QueryResponse) {
	if o.queryLog == nil {
		return
	}
	entry := store.QueryLog{
		QueryID:            resp.QueryID,
		Query:              resp.Query,
		QueryType:          string(resp.QueryType),
		Answer:             resp.Response,
		Sources:            resp.Citations,
		ModelUsed:          resp.ModelUsed,
		GenerationAttempts: resp.GenerationAttempts,
		PromptTokens:       resp.TokenUsage.PromptTokens,
		CompletionTokens:   resp.TokenUsage.CompletionTokens,
		TotalTokens:        resp.TokenUsage.TotalTokens,
		EstimatedCostUSD:   resp.TokenUsage.EstimatedCostUSD,
		LatencyMs:          int64(resp.LatencyMs),
	}
	if resp.Evaluation != nil {
		entry.Verdict = string(resp.Evaluation.Status)
		entry.Confidence = resp.Evaluation.ConfidenceScore
		entry.HallucinationScore = resp.Evaluation.HallucinationScore
	}
	if err := o.queryLog.LogQuery(ctx, entry); err != nil {
		slog.Warn("workflow: query log failed", "query_id", resp.QueryID, "error", err)
	}
}

func evalStatus(r *evaluation.Result) string {
	if r == nil {
		return "skipped"
	}
	return string(r.Status)
}
