// Package metrics defines Prometheus collectors for pipeline observability.
// All collectors are registered once at package init on the default registry
// and are fire-and-forget: observing a metric never blocks or fails the
// calling stage.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// --- LLM ---

var (
	LLMRequestLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "llm_request_latency_seconds",
		Help:    "LLM API request latency in seconds",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	})

	LLMTokenUsage = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_token_usage_total",
		Help: "Total tokens consumed by LLM calls",
	}, []string{"type"}) // prompt, completion

	LLMRequestErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "llm_request_errors_total",
		Help: "Total LLM API request errors",
	})
)

// --- Embeddings ---

var (
	EmbeddingLatency = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "embedding_latency_seconds",
		Help: "Embedding API call latency in seconds",
	})

	EmbeddingTokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "embedding_tokens_total",
		Help: "Total tokens used for embedding generation",
	})
)

// --- Retrieval ---

var (
	RetrievalLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "retrieval_latency_seconds",
		Help:    "Time to retrieve and rank chunks",
		Buckets: []float64{0.1, 0.5, 1, 2, 5},
	})

	RetrievalChunksReturned = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "retrieval_chunks_returned",
		Help:    "Number of chunks returned per query",
		Buckets: []float64{1, 2, 4, 8, 16, 32},
	})
)

// --- Evaluation ---

var (
	EvaluationScores = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "evaluation_score",
		Help:    "Evaluation pipeline scores",
		Buckets: prometheus.LinearBuckets(0, 0.1, 11),
	}, []string{"metric"}) // hallucination, consistency, confidence

	EvaluationStatus = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evaluation_status_total",
		Help: "Count of evaluation verdicts",
	}, []string{"status"}) // passed, flagged, failed

	EvaluationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "evaluation_latency_seconds",
		Help:    "Evaluation pipeline latency",
		Buckets: []float64{1, 2, 5, 10, 30},
	})
)

// --- Guardrails ---

var (
	PIIDetections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pii_detections_total",
		Help: "Number of PII entities detected",
	}, []string{"entity_type"})

	PIIRedactions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pii_redactions_total",
		Help: "Number of PII redaction operations performed",
	})

	ContentFilterViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "content_filter_violations_total",
		Help: "Content filter violation count",
	}, []string{"violation_type", "severity"})
)

// --- Documents ---

var (
	DocumentsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "documents_processed_total",
		Help: "Total documents ingested and processed",
	}, []string{"filing_type"})

	ChunksCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chunks_created_total",
		Help: "Total document chunks created",
	})
)

// --- Queries ---

var (
	QueryCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queries_total",
		Help: "Total queries processed",
	}, []string{"query_type"})

	QueryLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "query_end_to_end_latency_seconds",
		Help:    "End-to-end query latency",
		Buckets: []float64{1, 2, 5, 10, 30, 60},
	})

	ActiveRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "active_requests",
		Help: "Number of currently processing requests",
	})

	VectorStoreSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vector_store_total_chunks",
		Help: "Total chunks in vector store",
	})
)
