package finsight

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/brunobiangulo/finsight/guardrails"
	"github.com/brunobiangulo/finsight/sec"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.RetrievalTopK != 8 {
		t.Errorf("RetrievalTopK = %d, want 8", cfg.RetrievalTopK)
	}
	if cfg.RerankTopK != 4 {
		t.Errorf("RerankTopK = %d, want 4", cfg.RerankTopK)
	}
	if cfg.HybridAlpha != 0.7 {
		t.Errorf("HybridAlpha = %v, want 0.7", cfg.HybridAlpha)
	}
	if cfg.ChunkSize != 512 || cfg.ChunkOverlap != 64 {
		t.Errorf("chunking = %d/%d, want 512/64", cfg.ChunkSize, cfg.ChunkOverlap)
	}
	if cfg.HallucinationThreshold != 0.7 {
		t.Errorf("HallucinationThreshold = %v, want 0.7", cfg.HallucinationThreshold)
	}
	if cfg.ConsistencyThreshold != 0.8 {
		t.Errorf("ConsistencyThreshold = %v, want 0.8", cfg.ConsistencyThreshold)
	}
	if cfg.MinConfidenceScore != 0.6 {
		t.Errorf("MinConfidenceScore = %v, want 0.6", cfg.MinConfidenceScore)
	}
	if !cfg.EnablePIIRedaction || !cfg.EnableContentFilter {
		t.Error("guardrails should be enabled by default")
	}
	if !strings.Contains(cfg.SECUserAgent, "@") {
		t.Errorf("SECUserAgent %q must carry a contact email", cfg.SECUserAgent)
	}
}

func TestResolveDBPath(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want func(string) bool
	}{
		{
			name: "explicit path wins",
			cfg:  Config{DBPath: "/tmp/custom.db", DBName: "ignored", StorageDir: "local"},
			want: func(p string) bool { return p == "/tmp/custom.db" },
		},
		{
			name: "local storage uses working directory",
			cfg:  Config{DBName: "filings", StorageDir: "local"},
			want: func(p string) bool { return p == "filings.db" },
		},
		{
			name: "empty name defaults",
			cfg:  Config{StorageDir: "local"},
			want: func(p string) bool { return p == "finsight.db" },
		},
		{
			name: "home storage nests under dot directory",
			cfg:  Config{DBName: "filings", StorageDir: "home"},
			want: func(p string) bool {
				return filepath.Base(p) == "filings.db" && strings.Contains(p, ".finsight")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.cfg.resolveDBPath()
			if !tt.want(got) {
				t.Errorf("resolveDBPath() = %q", got)
			}
		})
	}
}

func TestContentHash(t *testing.T) {
	a := contentHash("Apple reported net sales of $394.3 billion.")
	b := contentHash("Apple reported net sales of $394.3 billion.")
	c := contentHash("Apple reported net sales of $383.3 billion.")

	if a != b {
		t.Error("identical content must hash identically")
	}
	if a == c {
		t.Error("different content must hash differently")
	}
	if len(a) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(a))
	}
}

func TestIngestOptions(t *testing.T) {
	opts := &ingestOptions{}
	WithForceReparse()(opts)
	WithFilingInfo(sec.FilingMetadata{Ticker: "AAPL", FilingType: "10-K"})(opts)

	if !opts.forceReparse {
		t.Error("WithForceReparse not applied")
	}
	if opts.filingInfo.Ticker != "AAPL" || opts.filingInfo.FilingType != "10-K" {
		t.Errorf("filing info = %+v", opts.filingInfo)
	}
}

func TestLineRedactorRedactsAcrossFragments(t *testing.T) {
	var emitted strings.Builder
	lr := &lineRedactor{
		redactor: guardrails.NewPIIRedactor(true),
		fn: func(s string) error {
			emitted.WriteString(s)
			return nil
		},
	}

	// The SSN and the email each straddle a fragment boundary but stay
	// within a single line.
	fragments := []string{
		"The filer's SSN is 123-4",
		"5-6789 per the exhibit.\nContact ir",
		"@example.com for details",
	}
	for _, f := range fragments {
		if err := lr.write(f); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := lr.flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	out := emitted.String()
	if strings.Contains(out, "123-45-6789") {
		t.Errorf("output still contains raw SSN: %q", out)
	}
	if strings.Contains(out, "ir@example.com") {
		t.Errorf("output still contains raw email: %q", out)
	}
	if !strings.Contains(out, "[SSN_REDACTED]") {
		t.Errorf("output missing SSN marker: %q", out)
	}
	if !strings.Contains(out, "[EMAIL_REDACTED]") {
		t.Errorf("output missing email marker: %q", out)
	}
}

func TestLineRedactorHoldsUnterminatedLine(t *testing.T) {
	var calls int
	lr := &lineRedactor{
		redactor: guardrails.NewPIIRedactor(true),
		fn: func(string) error {
			calls++
			return nil
		},
	}

	if err := lr.write("no newline yet"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if calls != 0 {
		t.Fatalf("emitted %d fragments before a line terminator", calls)
	}
	if err := lr.flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if calls != 1 {
		t.Errorf("flush emitted %d fragments, want 1", calls)
	}
}
