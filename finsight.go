// Package finsight is a retrieval-augmented question answering engine
// for financial documents. It ingests SEC filings and related material
// into a local SQLite vector store, answers questions over them with
// hybrid retrieval and LLM generation, and scores every answer for
// hallucination, consistency, and confidence before it leaves the
// system.
package finsight

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/brunobiangulo/finsight/chunker"
	"github.com/brunobiangulo/finsight/embedding"
	"github.com/brunobiangulo/finsight/errs"
	"github.com/brunobiangulo/finsight/evaluation"
	"github.com/brunobiangulo/finsight/guardrails"
	"github.com/brunobiangulo/finsight/llm"
	"github.com/brunobiangulo/finsight/parser"
	"github.com/brunobiangulo/finsight/retrieval"
	"github.com/brunobiangulo/finsight/sec"
	"github.com/brunobiangulo/finsight/store"
	"github.com/brunobiangulo/finsight/workflow"
)

// Engine is the main entry point for the finsight engine.
type Engine interface {
	// Ingest parses, chunks, and embeds a local document file.
	// Returns document ID. Skips if content hash unchanged.
	Ingest(ctx context.Context, path string, opts ...IngestOption) (int64, error)

	// IngestFilings downloads the n most recent filings of the given
	// form type for a ticker from EDGAR and ingests each of them.
	IngestFilings(ctx context.Context, ticker, formType string, n int) ([]int64, error)

	// Query answers a question through retrieval, generation,
	// evaluation, and output guardrails.
	Query(ctx context.Context, req workflow.QueryRequest) (*workflow.QueryResponse, error)

	// QueryStream answers a question and streams the generated text
	// fragment by fragment. Evaluation and content filtering are not
	// applied in streaming mode.
	QueryStream(ctx context.Context, req workflow.QueryRequest, fn func(fragment string) error) error

	// Evaluate scores a caller-supplied response against its sources
	// without generating anything.
	Evaluate(ctx context.Context, in evaluation.Input) *evaluation.Result

	// Delete removes a document and all associated data.
	Delete(ctx context.Context, documentID int64) error

	// ListDocuments returns all ingested documents.
	ListDocuments(ctx context.Context) ([]store.Document, error)

	// Stats reports store counts and the most recent query log entries.
	Stats(ctx context.Context) (*Stats, error)

	// Store returns the underlying store for diagnostic access.
	Store() *store.Store

	// Close cleanly shuts down the engine.
	Close() error
}

// Stats reports the state of the store plus recent query activity.
type Stats struct {
	Documents     int              `json:"documents"`
	Chunks        int              `json:"chunks"`
	Embeddings    int              `json:"embeddings"`
	Queries       int              `json:"queries"`
	RecentQueries []store.QueryLog `json:"recent_queries,omitempty"`
}

// IngestOption configures ingestion behavior.
type IngestOption func(*ingestOptions)

type ingestOptions struct {
	forceReparse bool
	filingInfo   sec.FilingMetadata
}

// WithForceReparse forces re-parsing even if the hash hasn't changed.
func WithForceReparse() IngestOption {
	return func(o *ingestOptions) { o.forceReparse = true }
}

// WithFilingInfo attaches company and filing metadata to the ingested
// document. For HTML inputs it also drives section-aware chunking.
func WithFilingInfo(meta sec.FilingMetadata) IngestOption {
	return func(o *ingestOptions) { o.filingInfo = meta }
}

// engine is the concrete implementation of Engine.
type engine struct {
	cfg       Config
	store     *store.Store
	chatLLM   llm.Provider
	embedder  *embedding.Service
	parsers   *parser.Registry
	chunkr    *chunker.Chunker
	retriever *retrieval.Engine
	evaluator *evaluation.Pipeline
	orch      *workflow.Orchestrator
	edgar     *sec.Client
	redactor  *guardrails.PIIRedactor
}

// New creates a new finsight engine with the given configuration.
func New(cfg Config) (Engine, error) {
	dbPath := cfg.resolveDBPath()

	if cfg.EmbeddingDim == 0 {
		cfg.EmbeddingDim = 768
	}

	s, err := store.New(dbPath, cfg.EmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	chatLLM, err := llm.NewProvider(llm.Config{
		Provider: cfg.Chat.Provider,
		Model:    cfg.Chat.Model,
		BaseURL:  cfg.Chat.BaseURL,
		APIKey:   cfg.Chat.APIKey,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating chat provider: %w", err)
	}

	embedLLM, err := llm.NewProvider(llm.Config{
		Provider: cfg.Embedding.Provider,
		Model:    cfg.Embedding.Model,
		BaseURL:  cfg.Embedding.BaseURL,
		APIKey:   cfg.Embedding.APIKey,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating embedding provider: %w", err)
	}

	// The judge defaults to the chat provider so a minimal config
	// still evaluates every answer.
	judgeLLM := chatLLM
	judgeModel := cfg.Chat.Model
	if cfg.Judge.Provider != "" {
		judgeLLM, err = llm.NewProvider(llm.Config{
			Provider: cfg.Judge.Provider,
			Model:    cfg.Judge.Model,
			BaseURL:  cfg.Judge.BaseURL,
			APIKey:   cfg.Judge.APIKey,
		})
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("creating judge provider: %w", err)
		}
		judgeModel = cfg.Judge.Model
	}

	chunkr, err := chunker.New(chunker.Config{
		MaxTokens:      cfg.ChunkSize,
		Overlap:        cfg.ChunkOverlap,
		MinChunkTokens: cfg.MinChunkTokens,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating chunker: %w", err)
	}

	embedder := embedding.New(embedLLM)

	retriever := retrieval.New(s, embedder, retrieval.Config{
		TopK:       cfg.RetrievalTopK,
		RerankTopK: cfg.RerankTopK,
		Alpha:      cfg.HybridAlpha,
	})

	evaluator := evaluation.NewPipeline(judgeLLM, embedder, judgeModel, evaluation.Thresholds{
		Hallucination: cfg.HallucinationThreshold,
		Consistency:   cfg.ConsistencyThreshold,
		MinConfidence: cfg.MinConfidenceScore,
	})

	redactor := guardrails.NewPIIRedactor(cfg.EnablePIIRedaction)
	filter := guardrails.NewContentFilter(cfg.EnableContentFilter, cfg.MaxResponseWords)

	orch := workflow.New(retriever, chatLLM, cfg.Chat.Model, evaluator, redactor, filter, s)

	return &engine{
		cfg:       cfg,
		store:     s,
		chatLLM:   chatLLM,
		embedder:  embedder,
		parsers:   parser.NewRegistry(),
		chunkr:    chunkr,
		retriever: retriever,
		evaluator: evaluator,
		orch:      orch,
		edgar:     sec.NewClient(cfg.SECUserAgent),
		redactor:  redactor,
	}, nil
}

// Ingest processes a local document through the full pipeline.
func (e *engine) Ingest(ctx context.Context, path string, opts ...IngestOption) (int64, error) {
	options := &ingestOptions{}
	for _, o := range opts {
		o(options)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return 0, fmt.Errorf("resolving path: %w", err)
	}

	hash, err := fileHash(absPath)
	if err != nil {
		return 0, fmt.Errorf("hashing file: %w", err)
	}

	// Skip re-ingesting unchanged content.
	if !options.forceReparse {
		existing, err := e.store.GetDocumentBySource(ctx, absPath)
		if err == nil && existing.ContentHash == hash {
			return existing.ID, nil
		}
	}

	filename := filepath.Base(absPath)
	format := strings.ToLower(strings.TrimPrefix(filepath.Ext(absPath), "."))
	meta := options.filingInfo

	docID, err := e.store.UpsertDocument(ctx, store.Document{
		Source:      absPath,
		Filename:    filename,
		Format:      format,
		Ticker:      strings.ToUpper(meta.Ticker),
		CompanyName: meta.CompanyName,
		FilingType:  meta.FilingType,
		FilingDate:  meta.FilingDate,
		ContentHash: hash,
		Status:      "processing",
	})
	if err != nil {
		return 0, fmt.Errorf("upserting document: %w", err)
	}

	slog.Info("ingest: parsing document", "file", filename, "format", format, "doc_id", docID)
	start := time.Now()

	var chunks []store.Chunk
	switch format {
	case "htm", "html":
		// SEC filings arrive as HTML. Parse section-aware so chunks
		// carry Item-level provenance.
		raw, err := os.ReadFile(absPath)
		if err != nil {
			e.store.UpdateDocumentStatus(ctx, docID, "error")
			return 0, fmt.Errorf("reading file: %w", err)
		}
		filing := sec.Parse(string(raw), meta)
		chunks = e.chunkr.ChunkFiling(filing, docID)
	default:
		parsed, err := e.parsers.ParseFile(ctx, absPath)
		if err != nil {
			e.store.UpdateDocumentStatus(ctx, docID, "error")
			return 0, errs.Wrap(errs.CodeDocumentProcessing, "parsing document", err)
		}
		chunks = e.chunkr.ChunkText(parsed.Text, meta, docID)
	}

	slog.Info("ingest: chunking complete",
		"file", filename, "chunks", len(chunks),
		"elapsed", time.Since(start).Round(time.Millisecond))

	if err := e.storeChunks(ctx, docID, chunks); err != nil {
		e.store.UpdateDocumentStatus(ctx, docID, "error")
		return 0, err
	}

	e.store.UpdateDocumentStatus(ctx, docID, "ready")
	slog.Info("ingest: document ready",
		"file", filename, "doc_id", docID,
		"total_elapsed", time.Since(start).Round(time.Millisecond))
	return docID, nil
}

// IngestFilings downloads recent filings from EDGAR and ingests them.
func (e *engine) IngestFilings(ctx context.Context, ticker, formType string, n int) ([]int64, error) {
	filings, err := e.edgar.DownloadFilings(ctx, ticker, formType, n)
	if err != nil {
		return nil, err
	}

	var docIDs []int64
	for _, f := range filings {
		docID, err := e.ingestFiling(ctx, f)
		if err != nil {
			slog.Warn("ingest: filing failed, continuing",
				"ticker", ticker, "source", f.Metadata.SourceURL, "error", err)
			continue
		}
		docIDs = append(docIDs, docID)
	}
	if len(docIDs) == 0 {
		return nil, errs.Newf(errs.CodeDocumentProcessing,
			"no filings ingested for %s %s", ticker, formType)
	}
	return docIDs, nil
}

// ingestFiling stores one downloaded EDGAR filing.
func (e *engine) ingestFiling(ctx context.Context, f sec.DownloadedFiling) (int64, error) {
	meta := f.Metadata
	hash := contentHash(f.Content)

	existing, err := e.store.GetDocumentBySource(ctx, meta.SourceURL)
	if err == nil && existing.ContentHash == hash {
		return existing.ID, nil
	}

	docID, err := e.store.UpsertDocument(ctx, store.Document{
		Source:      meta.SourceURL,
		Filename:    filepath.Base(meta.SourceURL),
		Format:      "html",
		Ticker:      strings.ToUpper(meta.Ticker),
		CompanyName: meta.CompanyName,
		FilingType:  meta.FilingType,
		FilingDate:  meta.FilingDate,
		ContentHash: hash,
		Status:      "processing",
	})
	if err != nil {
		return 0, fmt.Errorf("upserting document: %w", err)
	}

	filing := sec.Parse(f.Content, meta)
	chunks := e.chunkr.ChunkFiling(filing, docID)

	slog.Info("ingest: filing parsed",
		"ticker", meta.Ticker, "filing_type", meta.FilingType,
		"sections", len(filing.Sections), "chunks", len(chunks))

	if err := e.storeChunks(ctx, docID, chunks); err != nil {
		e.store.UpdateDocumentStatus(ctx, docID, "error")
		return 0, err
	}

	e.store.UpdateDocumentStatus(ctx, docID, "ready")
	return docID, nil
}

// storeChunks replaces a document's chunks and embeds the new set.
func (e *engine) storeChunks(ctx context.Context, docID int64, chunks []store.Chunk) error {
	if len(chunks) == 0 {
		return errs.New(errs.CodeDocumentProcessing, "document produced no chunks")
	}

	// Clear previous chunks and embeddings on re-ingest.
	if err := e.store.DeleteDocumentData(ctx, docID); err != nil {
		return fmt.Errorf("cleaning old data: %w", err)
	}

	chunkIDs, err := e.store.InsertChunks(ctx, chunks)
	if err != nil {
		return fmt.Errorf("inserting chunks: %w", err)
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}

	start := time.Now()
	embeddings, err := e.embedder.Embed(ctx, texts)
	if err != nil {
		return errs.Wrap(errs.CodeEmbedding, "embedding chunks", err)
	}
	if err := e.store.InsertEmbeddings(ctx, chunkIDs, embeddings); err != nil {
		return fmt.Errorf("storing embeddings: %w", err)
	}

	slog.Info("ingest: embeddings complete",
		"chunks", len(chunks), "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

// Query answers a question with full evaluation and guardrails.
func (e *engine) Query(ctx context.Context, req workflow.QueryRequest) (*workflow.QueryResponse, error) {
	return e.orch.Execute(ctx, req)
}

// QueryStream retrieves context and streams the generated answer.
// Responses are not evaluated or content-filtered in this mode, but
// PII redaction still applies to every emitted fragment.
func (e *engine) QueryStream(ctx context.Context, req workflow.QueryRequest, fn func(string) error) error {
	if err := req.Validate(); err != nil {
		return err
	}

	results, _, _, err := e.retriever.Search(ctx, req.Query, retrieval.SearchOptions{
		TopK: req.TopK,
		Filter: store.SearchFilter{
			Ticker:     strings.ToUpper(req.Company),
			FilingType: req.FilingType,
		},
	})
	if err != nil {
		return errs.Wrap(errs.CodeRetrieval, "retrieving context", err)
	}

	contextChunks := make([]string, len(results))
	for i, r := range results {
		contextChunks[i] = r.Content
	}

	messages := workflow.BuildRAGPrompt(req.Query, contextChunks, req.QueryType)
	lr := &lineRedactor{redactor: e.redactor, fn: fn}
	if err := e.chatLLM.ChatStream(ctx, llm.ChatRequest{
		Model:    e.cfg.Chat.Model,
		Messages: messages,
	}, lr.write); err != nil {
		return err
	}
	return lr.flush()
}

// lineRedactor buffers streamed fragments and redacts complete lines
// before handing them to the caller. The PII patterns never span a
// newline, so a line is safe to emit once its terminator arrives; the
// unterminated tail is held back until flush.
type lineRedactor struct {
	redactor *guardrails.PIIRedactor
	fn       func(string) error
	buf      strings.Builder
}

func (l *lineRedactor) write(fragment string) error {
	l.buf.WriteString(fragment)
	s := l.buf.String()
	idx := strings.LastIndexByte(s, '\n')
	if idx < 0 {
		return nil
	}
	ready, rest := s[:idx+1], s[idx+1:]
	l.buf.Reset()
	l.buf.WriteString(rest)
	return l.fn(l.redactor.Redact(ready).RedactedText)
}

func (l *lineRedactor) flush() error {
	if l.buf.Len() == 0 {
		return nil
	}
	text := l.buf.String()
	l.buf.Reset()
	return l.fn(l.redactor.Redact(text).RedactedText)
}

// Evaluate scores a response against its sources.
func (e *engine) Evaluate(ctx context.Context, in evaluation.Input) *evaluation.Result {
	return e.evaluator.Evaluate(ctx, in)
}

// Delete removes a document and all its associated data.
func (e *engine) Delete(ctx context.Context, documentID int64) error {
	return e.store.DeleteDocument(ctx, documentID)
}

// ListDocuments returns all ingested documents.
func (e *engine) ListDocuments(ctx context.Context) ([]store.Document, error) {
	return e.store.ListDocuments(ctx)
}

// Stats reports store counts plus the ten most recent queries.
func (e *engine) Stats(ctx context.Context) (*Stats, error) {
	db, err := e.store.DBStats(ctx)
	if err != nil {
		return nil, err
	}
	recent, err := e.store.RecentQueries(ctx, 10)
	if err != nil {
		slog.Warn("stats: reading recent queries", "error", err)
	}
	return &Stats{
		Documents:     db.Documents,
		Chunks:        db.Chunks,
		Embeddings:    db.Embeddings,
		Queries:       db.Queries,
		RecentQueries: recent,
	}, nil
}

// Store returns the underlying store for diagnostic access.
func (e *engine) Store() *store.Store {
	return e.store
}

// Close shuts down the engine.
func (e *engine) Close() error {
	return e.store.Close()
}

// fileHash computes the SHA-256 hash of a file's content.
func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// contentHash computes the SHA-256 hash of in-memory content.
func contentHash(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:])
}
