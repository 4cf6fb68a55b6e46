// Package parser extracts text from document files for ingestion.
// SEC filing HTML goes through the sec package instead; this package
// handles the remaining upload formats.
package parser

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/brunobiangulo/finsight/errs"
)

// ParseResult is the extracted content of a document file.
type ParseResult struct {
	Text     string            // full extracted text
	Tables   []string          // pipe-separated tables, where the format has them
	Format   string            // file extension without the dot
	Metadata map[string]string // format-specific details
}

// Parser extracts text from a specific document format.
type Parser interface {
	Parse(ctx context.Context, path string) (*ParseResult, error)
	SupportedFormats() []string
}

// Registry maps file formats to parsers.
type Registry struct {
	parsers map[string]Parser
}

// NewRegistry returns a registry with all built-in parsers registered.
func NewRegistry() *Registry {
	r := &Registry{parsers: make(map[string]Parser)}
	for _, p := range []Parser{&TextParser{}, &PDFParser{}, &XLSXParser{}} {
		for _, f := range p.SupportedFormats() {
			r.parsers[f] = p
		}
	}
	return r
}

// Register adds or replaces the parser for a format.
func (r *Registry) Register(format string, p Parser) {
	r.parsers[format] = p
}

// Get returns the parser for a format.
func (r *Registry) Get(format string) (Parser, error) {
	p, ok := r.parsers[format]
	if !ok {
		return nil, errs.Newf(errs.CodeDocumentProcessing, "no parser for format %q", format)
	}
	return p, nil
}

// ParseFile detects the format from the file extension and parses.
func (r *Registry) ParseFile(ctx context.Context, path string) (*ParseResult, error) {
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	p, err := r.Get(format)
	if err != nil {
		return nil, err
	}
	res, err := p.Parse(ctx, path)
	if err != nil {
		return nil, err
	}
	res.Format = format
	return res, nil
}
