package retrieval

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/brunobiangulo/finsight/store"
)

func results(ids ...int64) []store.RetrievalResult {
	rs := make([]store.RetrievalResult, len(ids))
	for i, id := range ids {
		rs[i] = store.RetrievalResult{ChunkID: id, Content: "chunk content"}
	}
	return rs
}

// ---------------------------------------------------------------------------
// RRF fusion
// ---------------------------------------------------------------------------

func TestFuseRRFCombinesScores(t *testing.T) {
	semantic := results(1, 2, 3)
	keyword := results(2, 4)

	fused, info := fuseRRF(semantic, keyword, 0.7, 0)
	if len(fused) != 4 {
		t.Fatalf("expected 4 fused results, got %d", len(fused))
	}

	// Chunk 2 appears in both lists so it should outrank chunk 1,
	// which only leads the semantic list.
	if fused[0].ChunkID != 2 {
		t.Errorf("top result: got chunk %d, want chunk 2", fused[0].ChunkID)
	}

	wantTop := 0.7/float64(rrfK+2) + 0.3/float64(rrfK+1)
	if diff := fused[0].Score - wantTop; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("top score: got %v, want %v", fused[0].Score, wantTop)
	}

	if got := info[2]; got.SemanticRank != 2 || got.KeywordRank != 1 {
		t.Errorf("chunk 2 ranks: got semantic=%d keyword=%d, want 2 and 1",
			got.SemanticRank, got.KeywordRank)
	}
	if got := info[4]; len(got.Methods) != 1 || got.Methods[0] != "keyword" {
		t.Errorf("chunk 4 methods: got %v, want [keyword]", got.Methods)
	}
}

func TestFuseRRFDeterministicTieBreak(t *testing.T) {
	// Map iteration order must not leak into the fused ordering.
	semantic := results(9, 5)
	fused1, _ := fuseRRF(semantic, nil, 0.7, 0)
	for i := 0; i < 10; i++ {
		fused2, _ := fuseRRF(semantic, nil, 0.7, 0)
		for j := range fused1 {
			if fused1[j].ChunkID != fused2[j].ChunkID {
				t.Fatalf("fusion order not deterministic: run %d differs at %d", i, j)
			}
		}
	}
}

func TestFuseRRFTiesBrokenByChunkID(t *testing.T) {
	// With alpha 0.5 the rank-1 entries of both lists score identically.
	fused, _ := fuseRRF(results(7), results(3), 0.5, 0)
	if len(fused) != 2 {
		t.Fatalf("expected 2 results, got %d", len(fused))
	}
	// Equal scores: lower chunk ID wins.
	if fused[0].ChunkID != 3 {
		t.Errorf("tie-break: got chunk %d first, want chunk 3", fused[0].ChunkID)
	}
}

func TestFuseRRFTruncatesToMax(t *testing.T) {
	fused, _ := fuseRRF(results(1, 2, 3, 4, 5, 6), nil, 0.7, 4)
	if len(fused) != 4 {
		t.Fatalf("expected 4 results after truncation, got %d", len(fused))
	}
}

func TestFuseRRFEmptyInputs(t *testing.T) {
	fused, info := fuseRRF(nil, nil, 0.7, 10)
	if len(fused) != 0 {
		t.Errorf("expected no results, got %d", len(fused))
	}
	if len(info) != 0 {
		t.Errorf("expected empty info map, got %d entries", len(info))
	}
}

// ---------------------------------------------------------------------------
// Key term extraction
// ---------------------------------------------------------------------------

func TestExtractKeyTerms(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{
			name:  "financial vocabulary and ticker",
			query: "What was AAPL revenue last quarter?",
			want:  []string{"revenue", "AAPL"},
		},
		{
			name:  "numbers included",
			query: "Did net income exceed $20.5 billion?",
			want:  []string{"net income", "$20.5"},
		},
		{
			name:  "capped at three terms",
			query: "Compare revenue, earnings, debt, and equity for MSFT",
			want:  []string{"revenue", "earnings", "debt"},
		},
		{
			name:  "no salient terms",
			query: "tell me something interesting",
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extractKeyTerms(tt.query)
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("term %d: got %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestExtractKeyTermsDeduplicates(t *testing.T) {
	got := extractKeyTerms("revenue revenue revenue")
	if len(got) != 1 || got[0] != "revenue" {
		t.Errorf("expected single deduplicated term, got %v", got)
	}
}

// ---------------------------------------------------------------------------
// Citations
// ---------------------------------------------------------------------------

func TestBuildCitations(t *testing.T) {
	long := strings.Repeat("Net sales increased due to iPhone demand. ", 10)
	rs := []store.RetrievalResult{
		{
			ChunkID:     11,
			Content:     long,
			Section:     "MD&A",
			CompanyName: "Apple Inc.",
			FilingType:  "10-K",
			FilingDate:  "2023-11-03",
			Score:       0.0123,
		},
		{
			ChunkID:  12,
			Content:  "Short chunk.",
			Filename: "aapl-10k.htm",
		},
	}

	citations := buildCitations(rs)
	if len(citations) != 2 {
		t.Fatalf("expected 2 citations, got %d", len(citations))
	}

	c := citations[0]
	if !strings.HasSuffix(c.TextExcerpt, "...") {
		t.Errorf("long excerpt should be truncated with ellipsis, got %q", c.TextExcerpt)
	}
	if len(c.TextExcerpt) > excerptLen+3 {
		t.Errorf("excerpt too long: %d chars", len(c.TextExcerpt))
	}
	if !strings.Contains(c.SourceDocument, "Apple Inc.") || !strings.Contains(c.SourceDocument, "10-K") {
		t.Errorf("source document missing filing info: %q", c.SourceDocument)
	}
	if c.RelevanceScore != 0.0123 {
		t.Errorf("relevance: got %v, want 0.0123", c.RelevanceScore)
	}

	// Chunks without filing metadata fall back to the filename.
	if citations[1].SourceDocument != "aapl-10k.htm" {
		t.Errorf("fallback source: got %q, want filename", citations[1].SourceDocument)
	}
	if citations[1].TextExcerpt != "Short chunk." {
		t.Errorf("short excerpt should be unmodified, got %q", citations[1].TextExcerpt)
	}
}

func TestBuildCitationsExcerptStaysValidUTF8(t *testing.T) {
	// Three-byte runes put the byte-length cut mid-character.
	rs := []store.RetrievalResult{{
		ChunkID: 21,
		Content: strings.Repeat("™", 100),
	}}

	citations := buildCitations(rs)
	if len(citations) != 1 {
		t.Fatalf("expected 1 citation, got %d", len(citations))
	}
	excerpt := citations[0].TextExcerpt
	if !utf8.ValidString(excerpt) {
		t.Errorf("excerpt contains invalid UTF-8: %q", excerpt)
	}
	if !strings.HasSuffix(excerpt, "...") {
		t.Errorf("long excerpt should be truncated with ellipsis, got %q", excerpt)
	}
	if len(excerpt) > excerptLen+3 {
		t.Errorf("excerpt too long: %d bytes", len(excerpt))
	}
}
