package parser

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/brunobiangulo/finsight/errs"
)

// PDFParser extracts text from PDF files page by page.
type PDFParser struct{}

func (p *PDFParser) SupportedFormats() []string { return []string{"pdf"} }

func (p *PDFParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer f.Close()

	totalPages := reader.NumPage()
	var pages []string

	for i := 1; i <= totalPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// Pages with broken encodings are skipped, not fatal.
			continue
		}
		text = strings.TrimSpace(text)
		if text != "" {
			pages = append(pages, text)
		}
	}

	if len(pages) == 0 {
		return nil, errs.Newf(errs.CodeDocumentProcessing, "no extractable text in %s", path)
	}

	return &ParseResult{
		Text: strings.Join(pages, "\n\n"),
		Metadata: map[string]string{
			"pages":           strconv.Itoa(totalPages),
			"pages_with_text": strconv.Itoa(len(pages)),
		},
	}, nil
}
