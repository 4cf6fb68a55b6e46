// Package chunker splits financial documents into token-bounded chunks
// for embedding, preserving SEC section context and financial tables.
package chunker

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/brunobiangulo/finsight/errs"
	"github.com/brunobiangulo/finsight/metrics"
	"github.com/brunobiangulo/finsight/sec"
	"github.com/brunobiangulo/finsight/store"
)

// encodingModel selects the tokenizer vocabulary. Embedding and chat
// models used here share the cl100k family.
const encodingModel = "gpt-4"

// Config controls the chunking behaviour.
type Config struct {
	MaxTokens      int // token budget per chunk
	Overlap        int // tokens carried over between consecutive chunks
	MinChunkTokens int // trailing chunks below this merge into the previous one
}

// Chunker converts parsed filings and plain text into store-ready
// chunks.
type Chunker struct {
	cfg Config
	enc *tiktoken.Tiktoken
}

// New returns a Chunker with the given configuration. Zero-value
// fields are replaced with defaults.
func New(cfg Config) (*Chunker, error) {
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 512
	}
	if cfg.Overlap == 0 {
		cfg.Overlap = 64
	}
	if cfg.MinChunkTokens == 0 {
		cfg.MinChunkTokens = 50
	}
	enc, err := tiktoken.EncodingForModel(encodingModel)
	if err != nil {
		return nil, errs.Wrap(errs.CodeDocumentProcessing, "load tokenizer", err)
	}
	return &Chunker{cfg: cfg, enc: enc}, nil
}

// CountTokens returns the exact token count of text.
func (c *Chunker) CountTokens(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// ChunkFiling converts a parsed SEC filing into chunks. Each chunk
// carries its section context both as metadata and as a content
// prefix so retrieval hits stay self-describing.
func (c *Chunker) ChunkFiling(filing *sec.ParsedFiling, documentID int64) []store.Chunk {
	var all []store.Chunk
	for _, section := range filing.Sections {
		all = append(all, c.chunkSection(section, filing.Metadata, documentID)...)
	}

	for i := range all {
		all[i].ChunkIndex = i
	}

	slog.Info("chunker: filing chunked",
		"ticker", filing.Metadata.Ticker,
		"sections", len(filing.Sections),
		"chunks", len(all))
	metrics.ChunksCreated.Add(float64(len(all)))
	return all
}

// ChunkText converts arbitrary text (non-SEC documents) into chunks.
func (c *Chunker) ChunkText(text string, meta sec.FilingMetadata, documentID int64) []store.Chunk {
	sentences := splitSentences(text)
	fragments := c.mergeSentences(sentences, 0)

	chunks := make([]store.Chunk, 0, len(fragments))
	for i, frag := range fragments {
		chunks = append(chunks, store.Chunk{
			DocumentID:  documentID,
			ChunkIndex:  i,
			Content:     frag,
			Ticker:      meta.Ticker,
			CompanyName: meta.CompanyName,
			FilingType:  meta.FilingType,
			FilingDate:  meta.FilingDate,
			TokenCount:  c.CountTokens(frag),
		})
	}
	metrics.ChunksCreated.Add(float64(len(chunks)))
	return chunks
}

// chunkSection chunks one section, prepending the section context
// prefix and appending table chunks.
func (c *Chunker) chunkSection(section sec.ParsedSection, meta sec.FilingMetadata, documentID int64) []store.Chunk {
	prefix := fmt.Sprintf("[%s (%s) | %s | %s]\n\n",
		meta.CompanyName, meta.Ticker, meta.FilingType, section.Section)

	newChunk := func(content string) store.Chunk {
		return store.Chunk{
			DocumentID:  documentID,
			Content:     content,
			Section:     string(section.Section),
			Ticker:      meta.Ticker,
			CompanyName: meta.CompanyName,
			FilingType:  meta.FilingType,
			FilingDate:  meta.FilingDate,
			TokenCount:  c.CountTokens(content),
		}
	}

	sentences := splitSentences(section.Content)
	fragments := c.mergeSentences(sentences, c.CountTokens(prefix))

	var chunks []store.Chunk
	for _, frag := range fragments {
		chunks = append(chunks, newChunk(prefix+frag))
	}

	for _, table := range section.Tables {
		content := prefix + "[TABLE]\n" + table + "\n[/TABLE]"
		if c.CountTokens(content) > c.cfg.MaxTokens {
			for _, sub := range c.splitTable(strings.Split(table, "\n"), prefix) {
				chunks = append(chunks, newChunk(sub))
			}
		} else {
			chunks = append(chunks, newChunk(content))
		}
	}

	return chunks
}

// mergeSentences packs sentences into fragments within the token
// budget, carrying overlap sentences between consecutive fragments.
// prefixTokens shrinks the budget for content that will be prefixed
// later.
func (c *Chunker) mergeSentences(sentences []string, prefixTokens int) []string {
	if len(sentences) == 0 {
		return nil
	}

	maxTokens := c.cfg.MaxTokens - prefixTokens
	if maxTokens < 1 {
		maxTokens = c.cfg.MaxTokens
	}
	var fragments []string
	var current []string
	currentTokens := 0

	for _, sentence := range sentences {
		sentenceTokens := c.CountTokens(sentence)

		// A single oversized sentence is force-split at token level.
		if sentenceTokens > maxTokens {
			if len(current) > 0 {
				fragments = append(fragments, strings.Join(current, " "))
				current = nil
				currentTokens = 0
			}
			tokens := c.enc.Encode(sentence, nil, nil)
			step := maxTokens - c.cfg.Overlap
			if step < 1 {
				step = maxTokens
			}
			for start := 0; start < len(tokens); start += step {
				end := start + maxTokens
				if end > len(tokens) {
					end = len(tokens)
				}
				fragments = append(fragments, c.enc.Decode(tokens[start:end]))
			}
			continue
		}

		if currentTokens+sentenceTokens > maxTokens {
			fragments = append(fragments, strings.Join(current, " "))

			// Seed the next fragment with trailing sentences up to the
			// overlap budget.
			var overlap []string
			overlapTokens := 0
			for i := len(current) - 1; i >= 0; i-- {
				t := c.CountTokens(current[i])
				if overlapTokens+t > c.cfg.Overlap {
					break
				}
				overlap = append([]string{current[i]}, overlap...)
				overlapTokens += t
			}
			current = overlap
			currentTokens = overlapTokens
		}

		current = append(current, sentence)
		currentTokens += sentenceTokens
	}

	if len(current) > 0 {
		text := strings.Join(current, " ")
		if c.CountTokens(text) >= c.cfg.MinChunkTokens || len(fragments) == 0 {
			fragments = append(fragments, text)
		} else {
			fragments[len(fragments)-1] += " " + text
		}
	}

	return fragments
}

// splitTable splits a large table into sub-tables, repeating the
// header row in each.
func (c *Chunker) splitTable(lines []string, prefix string) []string {
	if len(lines) == 0 {
		return nil
	}

	header := lines[0]
	headTokens := c.CountTokens(prefix + "[TABLE]\n" + header)

	var subTables []string
	current := []string{header}
	currentTokens := headTokens

	for _, line := range lines[1:] {
		lineTokens := c.CountTokens(line)
		if currentTokens+lineTokens > c.cfg.MaxTokens-10 && len(current) > 1 {
			subTables = append(subTables, prefix+"[TABLE]\n"+strings.Join(current, "\n")+"\n[/TABLE]")
			current = []string{header}
			currentTokens = headTokens
		}
		current = append(current, line)
		currentTokens += lineTokens
	}

	if len(current) > 1 {
		subTables = append(subTables, prefix+"[TABLE]\n"+strings.Join(current, "\n")+"\n[/TABLE]")
	}

	return subTables
}

// splitSentences breaks text at sentence punctuation followed by
// whitespace, with paragraph breaks always acting as boundaries.
func splitSentences(text string) []string {
	var sentences []string
	flush := func(b *strings.Builder) {
		if s := strings.TrimSpace(b.String()); s != "" {
			sentences = append(sentences, s)
		}
		b.Reset()
	}

	var cur strings.Builder
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		// Paragraph break.
		if runes[i] == '\n' && i+1 < len(runes) && runes[i+1] == '\n' {
			flush(&cur)
			continue
		}
		cur.WriteRune(runes[i])
		if runes[i] == '.' || runes[i] == '?' || runes[i] == '!' {
			if i+1 >= len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n' || runes[i+1] == '\t' {
				flush(&cur)
			}
		}
	}
	flush(&cur)
	return sentences
}
