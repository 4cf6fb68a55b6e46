// Package store provides SQLite persistence for filings, chunks, vector
// embeddings (via sqlite-vec), and the query audit log.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// Document represents an ingested filing or document.
type Document struct {
	ID          int64  `json:"id"`
	Source      string `json:"source"`
	Filename    string `json:"filename"`
	Format      string `json:"format"`
	Ticker      string `json:"ticker,omitempty"`
	CompanyName string `json:"company_name,omitempty"`
	FilingType  string `json:"filing_type,omitempty"`
	FilingDate  string `json:"filing_date,omitempty"`
	ContentHash string `json:"content_hash"`
	Status      string `json:"status"`
	Metadata    string `json:"metadata,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// Chunk represents a row in the chunks table. Filing metadata is
// denormalised onto each chunk so filtered search needs no join.
type Chunk struct {
	ID          int64  `json:"id"`
	DocumentID  int64  `json:"document_id"`
	ChunkIndex  int    `json:"chunk_index"`
	Content     string `json:"content"`
	Section     string `json:"section,omitempty"`
	Ticker      string `json:"ticker,omitempty"`
	CompanyName string `json:"company_name,omitempty"`
	FilingType  string `json:"filing_type,omitempty"`
	FilingDate  string `json:"filing_date,omitempty"`
	TokenCount  int    `json:"token_count"`
	ContentHash string `json:"content_hash"`
}

// SearchFilter narrows search to chunks from a specific company or
// filing type. Zero values mean no restriction.
type SearchFilter struct {
	Ticker     string
	FilingType string
}

// RetrievalResult holds a chunk with its retrieval score and filing info.
type RetrievalResult struct {
	ChunkID     int64   `json:"chunk_id"`
	DocumentID  int64   `json:"document_id"`
	Content     string  `json:"content"`
	Section     string  `json:"section"`
	Ticker      string  `json:"ticker"`
	CompanyName string  `json:"company_name"`
	FilingType  string  `json:"filing_type"`
	FilingDate  string  `json:"filing_date"`
	Filename    string  `json:"filename"`
	Score       float64 `json:"score"`
}

// QueryLog represents an entry in the query audit log.
type QueryLog struct {
	QueryID            string      `json:"query_id"`
	Query              string      `json:"query"`
	QueryType          string      `json:"query_type"`
	Answer             string      `json:"answer"`
	Verdict            string      `json:"verdict"`
	Confidence         float64     `json:"confidence"`
	HallucinationScore float64     `json:"hallucination_score"`
	Sources            interface{} `json:"sources"`
	ModelUsed          string      `json:"model_used"`
	GenerationAttempts int         `json:"generation_attempts"`
	PromptTokens       int         `json:"prompt_tokens"`
	CompletionTokens   int         `json:"completion_tokens"`
	TotalTokens        int         `json:"total_tokens"`
	EstimatedCostUSD   float64     `json:"estimated_cost_usd"`
	LatencyMs          int64       `json:"latency_ms"`
}

// Store wraps the SQLite database for all finsight persistence.
type Store struct {
	db           *sql.DB
	embeddingDim int
}

// New opens (or creates) a SQLite database at the given path and
// initialises the schema including the sqlite-vec virtual table.
func New(dbPath string, embeddingDim int) (*Store, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL(embeddingDim)); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	// Connection pool settings for SQLite.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, embeddingDim: embeddingDim}

	// Run pending migrations.
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// EmbeddingDim returns the configured embedding dimension.
func (s *Store) EmbeddingDim() int {
	return s.embeddingDim
}

// --- Document operations ---

// UpsertDocument inserts or updates a document record. Returns the document ID.
func (s *Store) UpsertDocument(ctx context.Context, doc Document) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (source, filename, format, ticker, company_name,
			filing_type, filing_date, content_hash, status, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source) DO UPDATE SET
			filename = excluded.filename,
			format = excluded.format,
			ticker = excluded.ticker,
			company_name = excluded.company_name,
			filing_type = excluded.filing_type,
			filing_date = excluded.filing_date,
			content_hash = excluded.content_hash,
			status = excluded.status,
			metadata = excluded.metadata,
			updated_at = CURRENT_TIMESTAMP
	`, doc.Source, doc.Filename, doc.Format, doc.Ticker, doc.CompanyName,
		doc.FilingType, doc.FilingDate, doc.ContentHash, doc.Status, doc.Metadata)
	if err != nil {
		return 0, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	// If UPSERT did an UPDATE, LastInsertId may not reflect the existing row.
	if id == 0 {
		row := s.db.QueryRowContext(ctx, "SELECT id FROM documents WHERE source = ?", doc.Source)
		if err := row.Scan(&id); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// GetDocumentBySource retrieves a document by its source identifier.
func (s *Store) GetDocumentBySource(ctx context.Context, source string) (*Document, error) {
	return s.scanDocument(s.db.QueryRowContext(ctx,
		documentSelect+" WHERE source = ?", source))
}

// GetDocument retrieves a document by ID.
func (s *Store) GetDocument(ctx context.Context, id int64) (*Document, error) {
	return s.scanDocument(s.db.QueryRowContext(ctx,
		documentSelect+" WHERE id = ?", id))
}

const documentSelect = `
	SELECT id, source, filename, format,
		COALESCE(ticker, ''), COALESCE(company_name, ''),
		COALESCE(filing_type, ''), COALESCE(filing_date, ''),
		content_hash, status, metadata, created_at, updated_at
	FROM documents`

func (s *Store) scanDocument(row *sql.Row) (*Document, error) {
	doc := &Document{}
	var metadata sql.NullString
	err := row.Scan(&doc.ID, &doc.Source, &doc.Filename, &doc.Format,
		&doc.Ticker, &doc.CompanyName, &doc.FilingType, &doc.FilingDate,
		&doc.ContentHash, &doc.Status, &metadata, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	doc.Metadata = metadata.String
	return doc, nil
}

// ListDocuments returns all documents ordered by creation time.
func (s *Store) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, documentSelect+" ORDER BY created_at DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		var metadata sql.NullString
		if err := rows.Scan(&d.ID, &d.Source, &d.Filename, &d.Format,
			&d.Ticker, &d.CompanyName, &d.FilingType, &d.FilingDate,
			&d.ContentHash, &d.Status, &metadata, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.Metadata = metadata.String
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// UpdateDocumentStatus updates just the status field.
func (s *Store) UpdateDocumentStatus(ctx context.Context, id int64, status string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE documents SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		status, id)
	return err
}

// DeleteDocument removes a document, its chunks, and their embeddings.
func (s *Store) DeleteDocument(ctx context.Context, id int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM vec_chunks WHERE chunk_id IN (
				SELECT id FROM chunks WHERE document_id = ?
			)`, id); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			"DELETE FROM chunks WHERE document_id = ?", id); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			"DELETE FROM documents WHERE id = ?", id); err != nil {
			return err
		}

		return nil
	})
}

// DeleteDocumentData removes all chunks and embeddings for a document
// but keeps the document record itself. Used before re-ingestion.
func (s *Store) DeleteDocumentData(ctx context.Context, docID int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM vec_chunks WHERE chunk_id IN (
				SELECT id FROM chunks WHERE document_id = ?
			)`, docID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			"DELETE FROM chunks WHERE document_id = ?", docID); err != nil {
			return err
		}

		return nil
	})
}

// --- Chunk operations ---

// InsertChunks inserts a batch of chunks and returns their IDs.
func (s *Store) InsertChunks(ctx context.Context, chunks []Chunk) ([]int64, error) {
	ids := make([]int64, len(chunks))

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chunks (document_id, chunk_index, content, section,
				ticker, company_name, filing_type, filing_date, token_count, content_hash)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i, c := range chunks {
			hash := sha256.Sum256([]byte(c.Content))
			contentHash := hex.EncodeToString(hash[:])

			res, err := stmt.ExecContext(ctx,
				c.DocumentID, c.ChunkIndex, c.Content, c.Section,
				c.Ticker, c.CompanyName, c.FilingType, c.FilingDate,
				c.TokenCount, contentHash)
			if err != nil {
				return err
			}
			ids[i], err = res.LastInsertId()
			if err != nil {
				return err
			}
		}
		return nil
	})

	return ids, err
}

// GetChunksByDocument returns all chunks for a given document.
func (s *Store) GetChunksByDocument(ctx context.Context, docID int64) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, chunk_index, content,
			COALESCE(section, ''), COALESCE(ticker, ''), COALESCE(company_name, ''),
			COALESCE(filing_type, ''), COALESCE(filing_date, ''),
			token_count, content_hash
		FROM chunks WHERE document_id = ? ORDER BY chunk_index
	`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &c.Content,
			&c.Section, &c.Ticker, &c.CompanyName, &c.FilingType, &c.FilingDate,
			&c.TokenCount, &c.ContentHash); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// --- Embedding operations ---

// InsertEmbedding stores a vector embedding for a chunk.
func (s *Store) InsertEmbedding(ctx context.Context, chunkID int64, embedding []float32) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO vec_chunks (chunk_id, embedding) VALUES (?, ?)",
		chunkID, serializeFloat32(embedding))
	return err
}

// InsertEmbeddings stores embeddings for multiple chunks in one transaction.
// len(chunkIDs) must equal len(embeddings).
func (s *Store) InsertEmbeddings(ctx context.Context, chunkIDs []int64, embeddings [][]float32) error {
	if len(chunkIDs) != len(embeddings) {
		return fmt.Errorf("chunk/embedding count mismatch: %d vs %d", len(chunkIDs), len(embeddings))
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			"INSERT OR REPLACE INTO vec_chunks (chunk_id, embedding) VALUES (?, ?)")
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i, id := range chunkIDs {
			if _, err := stmt.ExecContext(ctx, id, serializeFloat32(embeddings[i])); err != nil {
				return err
			}
		}
		return nil
	})
}

// VectorSearch performs a KNN search returning the top-k nearest chunks.
// Filter conditions are applied after the KNN pass, so callers should
// over-fetch when filtering.
func (s *Store) VectorSearch(ctx context.Context, queryEmbedding []float32, k int, filter SearchFilter) ([]RetrievalResult, error) {
	query := `
		SELECT v.chunk_id, v.distance,
			c.content, COALESCE(c.section, ''), COALESCE(c.ticker, ''),
			COALESCE(c.company_name, ''), COALESCE(c.filing_type, ''),
			COALESCE(c.filing_date, ''), c.document_id, d.filename
		FROM vec_chunks v
		JOIN chunks c ON c.id = v.chunk_id
		JOIN documents d ON d.id = c.document_id
		WHERE v.embedding MATCH ? AND k = ?`
	args := []interface{}{serializeFloat32(queryEmbedding), k}

	if filter.Ticker != "" {
		query += " AND c.ticker = ?"
		args = append(args, strings.ToUpper(filter.Ticker))
	}
	if filter.FilingType != "" {
		query += " AND c.filing_type = ?"
		args = append(args, filter.FilingType)
	}
	query += " ORDER BY v.distance"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []RetrievalResult
	for rows.Next() {
		var r RetrievalResult
		var distance float64
		if err := rows.Scan(&r.ChunkID, &distance,
			&r.Content, &r.Section, &r.Ticker, &r.CompanyName,
			&r.FilingType, &r.FilingDate, &r.DocumentID, &r.Filename); err != nil {
			return nil, err
		}
		// Convert distance to similarity score (1 - distance for cosine)
		r.Score = 1.0 - distance
		results = append(results, r)
	}
	return results, rows.Err()
}

// KeywordSearch finds chunks containing any of the given terms as
// case-insensitive substrings. Chunks matching more terms rank higher.
func (s *Store) KeywordSearch(ctx context.Context, terms []string, limit int, filter SearchFilter) ([]RetrievalResult, error) {
	if len(terms) == 0 {
		return nil, nil
	}
	if limit == 0 {
		limit = 20
	}

	// Score is the number of terms contained in the chunk.
	var scoreParts, whereParts []string
	var args []interface{}
	for _, t := range terms {
		scoreParts = append(scoreParts,
			"(CASE WHEN LOWER(c.content) LIKE '%' || LOWER(?) || '%' THEN 1 ELSE 0 END)")
		args = append(args, t)
	}
	scoreExpr := strings.Join(scoreParts, " + ")

	query := `
		SELECT c.id, (` + scoreExpr + `) AS term_hits,
			c.content, COALESCE(c.section, ''), COALESCE(c.ticker, ''),
			COALESCE(c.company_name, ''), COALESCE(c.filing_type, ''),
			COALESCE(c.filing_date, ''), c.document_id, d.filename
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE (`

	for _, t := range terms {
		whereParts = append(whereParts, "LOWER(c.content) LIKE '%' || LOWER(?) || '%'")
		args = append(args, t)
	}
	query += strings.Join(whereParts, " OR ") + ")"

	if filter.Ticker != "" {
		query += " AND c.ticker = ?"
		args = append(args, strings.ToUpper(filter.Ticker))
	}
	if filter.FilingType != "" {
		query += " AND c.filing_type = ?"
		args = append(args, filter.FilingType)
	}
	query += " ORDER BY term_hits DESC, c.id LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []RetrievalResult
	for rows.Next() {
		var r RetrievalResult
		var hits int
		if err := rows.Scan(&r.ChunkID, &hits,
			&r.Content, &r.Section, &r.Ticker, &r.CompanyName,
			&r.FilingType, &r.FilingDate, &r.DocumentID, &r.Filename); err != nil {
			return nil, err
		}
		r.Score = float64(hits)
		results = append(results, r)
	}
	return results, rows.Err()
}

// ChunkHasEmbedding checks if a specific chunk has a vector embedding.
func (s *Store) ChunkHasEmbedding(ctx context.Context, chunkID int64) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM vec_chunks WHERE chunk_id = ?", chunkID).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// --- Query log ---

// LogQuery writes an entry to the query audit log.
func (s *Store) LogQuery(ctx context.Context, q QueryLog) error {
	sourcesJSON, _ := json.Marshal(q.Sources)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO query_log (query_id, query, query_type, answer, verdict,
			confidence, hallucination_score, sources, model_used, generation_attempts,
			prompt_tokens, completion_tokens, total_tokens, estimated_cost_usd, latency_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, q.QueryID, q.Query, q.QueryType, q.Answer, q.Verdict,
		q.Confidence, q.HallucinationScore, string(sourcesJSON), q.ModelUsed, q.GenerationAttempts,
		q.PromptTokens, q.CompletionTokens, q.TotalTokens, q.EstimatedCostUSD, q.LatencyMs)
	return err
}

// RecentQueries returns the most recent query log entries.
func (s *Store) RecentQueries(ctx context.Context, limit int) ([]QueryLog, error) {
	if limit == 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT query_id, query, COALESCE(query_type, ''), COALESCE(answer, ''),
			COALESCE(verdict, ''), COALESCE(confidence, 0), COALESCE(hallucination_score, 0),
			COALESCE(model_used, ''), COALESCE(generation_attempts, 0),
			prompt_tokens, completion_tokens, total_tokens, estimated_cost_usd, latency_ms
		FROM query_log ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []QueryLog
	for rows.Next() {
		var q QueryLog
		if err := rows.Scan(&q.QueryID, &q.Query, &q.QueryType, &q.Answer,
			&q.Verdict, &q.Confidence, &q.HallucinationScore,
			&q.ModelUsed, &q.GenerationAttempts,
			&q.PromptTokens, &q.CompletionTokens, &q.TotalTokens,
			&q.EstimatedCostUSD, &q.LatencyMs); err != nil {
			return nil, err
		}
		logs = append(logs, q)
	}
	return logs, rows.Err()
}

// --- Stats ---

// DBStats holds counts of key database objects.
type DBStats struct {
	Documents  int `json:"documents"`
	Chunks     int `json:"chunks"`
	Embeddings int `json:"embeddings"`
	Queries    int `json:"queries"`
}

// DBStats returns counts of documents, chunks, embeddings, and logged queries.
func (s *Store) DBStats(ctx context.Context) (*DBStats, error) {
	stats := &DBStats{}
	queries := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM documents", &stats.Documents},
		{"SELECT COUNT(*) FROM chunks", &stats.Chunks},
		{"SELECT COUNT(*) FROM vec_chunks", &stats.Embeddings},
		{"SELECT COUNT(*) FROM query_log", &stats.Queries},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("counting %s: %w", q.query, err)
		}
	}
	return stats, nil
}

// --- helpers ---

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// serializeFloat32 converts a float32 slice to little-endian bytes for sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
