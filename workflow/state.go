// Package workflow orchestrates financial query processing: retrieval,
// generation, evaluation, regeneration, and output guardrails.
package workflow

import (
	"time"

	"github.com/brunobiangulo/finsight/errs"
	"github.com/brunobiangulo/finsight/evaluation"
	"github.com/brunobiangulo/finsight/llm"
	"github.com/brunobiangulo/finsight/retrieval"
)

// QueryType selects the prompt specialization for a query.
type QueryType string

const (
	QueryRiskSummary       QueryType = "risk_summary"
	QueryFinancialAnalysis QueryType = "financial_analysis"
	QueryMarketImpact      QueryType = "market_impact"
	QuerySECFilingQA       QueryType = "sec_filing_qa"
	QueryInvestmentFAQ     QueryType = "investment_faq"
	QueryGeneral           QueryType = "general"
)

// Valid reports whether the query type is a known value.
func (t QueryType) Valid() bool {
	switch t {
	case QueryRiskSummary, QueryFinancialAnalysis, QueryMarketImpact,
		QuerySECFilingQA, QueryInvestmentFAQ, QueryGeneral:
		return true
	}
	return false
}

const (
	minQueryLen = 5
	maxQueryLen = 2000
	maxTopK     = 20
)

// QueryRequest is an incoming financial query.
type QueryRequest struct {
	Query          string    `json:"query"`
	QueryType      QueryType `json:"query_type,omitempty"`
	Company        string    `json:"company_filter,omitempty"`
	FilingType     string    `json:"filing_type_filter,omitempty"`
	TopK           int       `json:"top_k,omitempty"`
	SkipEvaluation bool      `json:"skip_evaluation,omitempty"`
}

// Validate checks request bounds and fills defaults in place.
func (r *QueryRequest) Validate() error {
	if len(r.Query) < minQueryLen || len(r.Query) > maxQueryLen {
		return errs.Newf(errs.CodeInvalidRequest,
			"query must be between %d and %d characters, got %d", minQueryLen, maxQueryLen, len(r.Query))
	}
	if r.QueryType == "" {
		r.QueryType = QueryGeneral
	}
	if !r.QueryType.Valid() {
		return errs.Newf(errs.CodeInvalidRequest, "unknown query type %q", r.QueryType)
	}
	if r.TopK < 0 || r.TopK > maxTopK {
		return errs.Newf(errs.CodeInvalidRequest, "top_k must be between 1 and %d, got %d", maxTopK, r.TopK)
	}
	return nil
}

// QueryResponse is the assembled answer to a query.
type QueryResponse struct {
	QueryID            string               `json:"query_id"`
	Query              string               `json:"query"`
	Response           string               `json:"response"`
	Citations          []retrieval.Citation `json:"citations,omitempty"`
	Evaluation         *evaluation.Result   `json:"evaluation,omitempty"`
	QueryType          QueryType            `json:"query_type"`
	ModelUsed          string               `json:"model_used"`
	TokenUsage         llm.Usage            `json:"token_usage"`
	GenerationAttempts int                  `json:"generation_attempts"`
	PIIEntitiesFound   int                  `json:"pii_entities_found,omitempty"`
	Warnings           []string             `json:"warnings,omitempty"`
	LatencyMs          float64              `json:"latency_ms"`
	Timestamp          time.Time            `json:"timestamp"`
	Stages             []Stage              `json:"stages,omitempty"`
}

// Stage records one step of the workflow for traceability.
type Stage struct {
	Name      string `json:"name"`
	Detail    string `json:"detail,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms"`
}
