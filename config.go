package finsight

import (
	"os"
	"path/filepath"
)

// Config holds all configuration for the finsight engine.
type Config struct {
	// DBPath is the full path to the SQLite database file.
	// If empty, defaults to ~/.finsight/<DBName>.db
	DBPath string `json:"db_path" yaml:"db_path"`

	// DBName is the name for the database (used when DBPath is empty).
	// Defaults to "finsight". The file will be <DBName>.db inside the
	// storage directory (~/.finsight/ or working dir).
	DBName string `json:"db_name" yaml:"db_name"`

	// StorageDir controls where the database is created when DBPath
	// is not explicitly set. Options: "home" (default) uses ~/.finsight/,
	// "local" uses the current working directory.
	StorageDir string `json:"storage_dir" yaml:"storage_dir"`

	// LLM providers
	Chat      LLMConfig `json:"chat" yaml:"chat"`
	Embedding LLMConfig `json:"embedding" yaml:"embedding"`
	Judge     LLMConfig `json:"judge" yaml:"judge"` // optional: model for response evaluation (defaults to Chat)

	// Retrieval
	RetrievalTopK int     `json:"retrieval_top_k" yaml:"retrieval_top_k"` // candidate pool per search method
	RerankTopK    int     `json:"rerank_top_k" yaml:"rerank_top_k"`       // results kept after fusion
	HybridAlpha   float64 `json:"hybrid_search_alpha" yaml:"hybrid_search_alpha"`

	// Chunking
	ChunkSize      int `json:"chunk_size" yaml:"chunk_size"`
	ChunkOverlap   int `json:"chunk_overlap" yaml:"chunk_overlap"`
	MinChunkTokens int `json:"min_chunk_tokens" yaml:"min_chunk_tokens"`

	// Evaluation thresholds
	HallucinationThreshold float64 `json:"hallucination_threshold" yaml:"hallucination_threshold"`
	ConsistencyThreshold   float64 `json:"consistency_threshold" yaml:"consistency_threshold"`
	MinConfidenceScore     float64 `json:"min_confidence_score" yaml:"min_confidence_score"`

	// Guardrails
	EnablePIIRedaction  bool `json:"enable_pii_redaction" yaml:"enable_pii_redaction"`
	EnableContentFilter bool `json:"enable_content_filter" yaml:"enable_content_filter"`
	MaxResponseWords    int  `json:"max_response_words" yaml:"max_response_words"` // 0 disables the length check

	// SECUserAgent identifies this client to EDGAR. SEC requires a
	// User-Agent with a contact email on every request.
	SECUserAgent string `json:"sec_user_agent" yaml:"sec_user_agent"`

	// Embedding dimensions (must match model)
	EmbeddingDim int `json:"embedding_dim" yaml:"embedding_dim"`
}

// LLMConfig configures a single LLM provider endpoint.
type LLMConfig struct {
	Provider string `json:"provider" yaml:"provider"` // openai, groq, openrouter, ollama, custom
	Model    string `json:"model" yaml:"model"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
	APIKey   string `json:"api_key" yaml:"api_key"`
}

// DefaultConfig returns a Config with sensible defaults for local inference.
// Database is stored in ~/.finsight/finsight.db by default.
func DefaultConfig() Config {
	return Config{
		DBName:     "finsight",
		StorageDir: "home",
		Chat: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.1:8b",
			BaseURL:  "http://localhost:11434",
		},
		Embedding: LLMConfig{
			Provider: "ollama",
			Model:    "nomic-embed-text",
			BaseURL:  "http://localhost:11434",
		},
		RetrievalTopK:          8,
		RerankTopK:             4,
		HybridAlpha:            0.7,
		ChunkSize:              512,
		ChunkOverlap:           64,
		MinChunkTokens:         50,
		HallucinationThreshold: 0.7,
		ConsistencyThreshold:   0.8,
		MinConfidenceScore:     0.6,
		EnablePIIRedaction:     true,
		EnableContentFilter:    true,
		SECUserAgent:           "finsight/0.1 (contact@finsight.dev)",
		EmbeddingDim:           768,
	}
}

// resolveDBPath computes the final database path from config fields.
func (c *Config) resolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}

	name := c.DBName
	if name == "" {
		name = "finsight"
	}

	switch c.StorageDir {
	case "local", "cwd":
		return name + ".db"
	default: // "home" or empty
		home, err := os.UserHomeDir()
		if err != nil {
			return name + ".db" // fallback to cwd
		}
		dir := filepath.Join(home, ".finsight")
		return filepath.Join(dir, name+".db")
	}
}
