package chunker

import (
	"fmt"
	"strings"
	"testing"

	"github.com/brunobiangulo/finsight/sec"
)

func newTestChunker(t *testing.T, cfg Config) *Chunker {
	t.Helper()
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return c
}

func testMeta() sec.FilingMetadata {
	return sec.FilingMetadata{
		CompanyName: "Apple Inc.",
		Ticker:      "AAPL",
		FilingType:  "10-K",
		FilingDate:  "2022-10-28",
	}
}

// longText builds n distinct sentences so token budgets overflow.
func longText(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "Revenue for reporting segment number %d grew steadily during the fiscal year under review. ", i)
	}
	return b.String()
}

// -----------------------------------------------------------------------------
// Sentence splitting
// -----------------------------------------------------------------------------

func TestSplitSentences(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			"simple sentences",
			"Revenue grew 8%. Margins expanded. What drove this?",
			[]string{"Revenue grew 8%.", "Margins expanded.", "What drove this?"},
		},
		{
			"paragraph break without punctuation",
			"Segment results\n\nAmericas led growth.",
			[]string{"Segment results", "Americas led growth."},
		},
		{
			"decimal points are not boundaries",
			"Net sales were $394.3 billion in 2022.",
			[]string{"Net sales were $394.3 billion in 2022."},
		},
		{
			"empty",
			"   \n\n  ",
			nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitSentences(tt.text)
			if len(got) != len(tt.want) {
				t.Fatalf("splitSentences() = %q, want %q", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("sentence[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

// -----------------------------------------------------------------------------
// Token-bounded merging
// -----------------------------------------------------------------------------

func TestChunkTextRespectsTokenBudget(t *testing.T) {
	c := newTestChunker(t, Config{MaxTokens: 100, Overlap: 20, MinChunkTokens: 10})

	chunks := c.ChunkText(longText(40), testMeta(), 1)
	if len(chunks) < 2 {
		t.Fatalf("got %d chunks, want multiple", len(chunks))
	}
	for i, ch := range chunks {
		if ch.TokenCount > 100 {
			t.Errorf("chunk %d has %d tokens, budget is 100", i, ch.TokenCount)
		}
		if ch.ChunkIndex != i {
			t.Errorf("chunk %d has index %d", i, ch.ChunkIndex)
		}
		if ch.Ticker != "AAPL" || ch.FilingType != "10-K" {
			t.Errorf("chunk %d metadata = %+v", i, ch)
		}
	}
}

func TestChunkTextOverlapCarriesContext(t *testing.T) {
	c := newTestChunker(t, Config{MaxTokens: 100, Overlap: 30, MinChunkTokens: 10})

	chunks := c.ChunkText(longText(40), testMeta(), 1)
	if len(chunks) < 2 {
		t.Fatalf("got %d chunks, want multiple", len(chunks))
	}

	// The second chunk starts with trailing sentences of the first.
	firstSentences := splitSentences(chunks[0].Content)
	lastSentence := firstSentences[len(firstSentences)-1]
	if !strings.Contains(chunks[1].Content, lastSentence) {
		t.Errorf("chunk 1 does not repeat trailing sentence of chunk 0: %q", lastSentence)
	}
}

func TestChunkTextShortInput(t *testing.T) {
	c := newTestChunker(t, Config{})

	chunks := c.ChunkText("Total revenue was $394.3 billion.", testMeta(), 7)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if chunks[0].DocumentID != 7 {
		t.Errorf("DocumentID = %d, want 7", chunks[0].DocumentID)
	}
	if chunks[0].TokenCount == 0 {
		t.Error("TokenCount = 0, want exact count")
	}
}

// -----------------------------------------------------------------------------
// Filing chunking
// -----------------------------------------------------------------------------

func testFiling() *sec.ParsedFiling {
	return &sec.ParsedFiling{
		Metadata: testMeta(),
		Sections: []sec.ParsedSection{
			{
				Section: sec.SectionRiskFactors,
				Title:   "Item 1A. Risk Factors",
				Content: longText(30),
			},
			{
				Section: sec.SectionMDA,
				Title:   "Item 7. MD&A",
				Content: "Total net sales increased 8% during 2022.",
				Tables: []string{
					"Segment | 2022 | 2021\nAmericas | 169,658 | 153,306",
				},
			},
		},
	}
}

func TestChunkFilingAddsSectionContext(t *testing.T) {
	c := newTestChunker(t, Config{MaxTokens: 120, Overlap: 20, MinChunkTokens: 10})

	chunks := c.ChunkFiling(testFiling(), 3)
	if len(chunks) < 3 {
		t.Fatalf("got %d chunks, want several", len(chunks))
	}

	wantPrefix := "[Apple Inc. (AAPL) | 10-K | "
	for i, ch := range chunks {
		if !strings.HasPrefix(ch.Content, wantPrefix) {
			t.Errorf("chunk %d missing context prefix: %q", i, ch.Content[:40])
		}
		if ch.DocumentID != 3 {
			t.Errorf("chunk %d DocumentID = %d, want 3", i, ch.DocumentID)
		}
		if ch.ChunkIndex != i {
			t.Errorf("chunk %d index = %d, indices must be sequential across sections", i, ch.ChunkIndex)
		}
	}
}

func TestChunkFilingSectionMetadata(t *testing.T) {
	c := newTestChunker(t, Config{MaxTokens: 120, Overlap: 20, MinChunkTokens: 10})

	chunks := c.ChunkFiling(testFiling(), 1)

	seen := make(map[string]bool)
	for _, ch := range chunks {
		seen[ch.Section] = true
	}
	if !seen[string(sec.SectionRiskFactors)] {
		t.Error("no chunks tagged with the risk factors section")
	}
	if !seen[string(sec.SectionMDA)] {
		t.Error("no chunks tagged with the MD&A section")
	}
}

func TestChunkFilingPreservesTables(t *testing.T) {
	c := newTestChunker(t, Config{MaxTokens: 200, Overlap: 20, MinChunkTokens: 10})

	chunks := c.ChunkFiling(testFiling(), 1)

	var tableChunk string
	for _, ch := range chunks {
		if strings.Contains(ch.Content, "[TABLE]") {
			tableChunk = ch.Content
		}
	}
	if tableChunk == "" {
		t.Fatal("no table chunk produced")
	}
	if !strings.Contains(tableChunk, "Americas | 169,658 | 153,306") {
		t.Errorf("table chunk missing row: %q", tableChunk)
	}
	if !strings.Contains(tableChunk, "[/TABLE]") {
		t.Errorf("table chunk not closed: %q", tableChunk)
	}
}

func TestSplitTableRepeatsHeader(t *testing.T) {
	c := newTestChunker(t, Config{MaxTokens: 60, Overlap: 10, MinChunkTokens: 5})

	lines := []string{"Segment | 2022 | 2021"}
	for i := 0; i < 30; i++ {
		lines = append(lines, fmt.Sprintf("Region %d | %d | %d", i, 1000+i, 900+i))
	}

	subs := c.splitTable(lines, "")
	if len(subs) < 2 {
		t.Fatalf("got %d sub-tables, want multiple", len(subs))
	}
	for i, sub := range subs {
		if !strings.Contains(sub, "Segment | 2022 | 2021") {
			t.Errorf("sub-table %d missing header: %q", i, sub)
		}
		if !strings.HasPrefix(sub, "[TABLE]\n") || !strings.HasSuffix(sub, "\n[/TABLE]") {
			t.Errorf("sub-table %d not wrapped: %q", i, sub)
		}
	}
}

func TestChunkOversizedSentence(t *testing.T) {
	c := newTestChunker(t, Config{MaxTokens: 50, Overlap: 10, MinChunkTokens: 5})

	// One long run-on sentence with no boundaries.
	sentence := strings.Repeat("deferred revenue recognition policy adjustments ", 40)
	chunks := c.ChunkText(sentence, testMeta(), 1)
	if len(chunks) < 2 {
		t.Fatalf("got %d chunks, want forced token-level split", len(chunks))
	}
	for i, ch := range chunks {
		if ch.TokenCount > 50 {
			t.Errorf("chunk %d has %d tokens, budget is 50", i, ch.TokenCount)
		}
	}
}
