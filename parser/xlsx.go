package parser

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/brunobiangulo/finsight/errs"
)

// XLSXParser renders spreadsheet sheets as pipe-separated tables.
// Financial models and earnings workbooks mostly carry tabular data,
// so each sheet becomes one table.
type XLSXParser struct{}

func (p *XLSXParser) SupportedFormats() []string { return []string{"xlsx", "xls"} }

func (p *XLSXParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening XLSX: %w", err)
	}
	defer f.Close()

	var text strings.Builder
	var tables []string
	rowTotal := 0

	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil || len(rows) == 0 {
			continue
		}

		var table strings.Builder
		for _, row := range rows {
			table.WriteString(strings.Join(row, " | "))
			table.WriteString("\n")
		}
		rowTotal += len(rows)
		tables = append(tables, strings.TrimRight(table.String(), "\n"))

		text.WriteString(sheet)
		text.WriteString("\n")
		text.WriteString(table.String())
		text.WriteString("\n")
	}

	if len(tables) == 0 {
		return nil, errs.Newf(errs.CodeDocumentProcessing, "no data found in %s", path)
	}

	return &ParseResult{
		Text:   strings.TrimSpace(text.String()),
		Tables: tables,
		Metadata: map[string]string{
			"sheets": strconv.Itoa(len(tables)),
			"rows":   strconv.Itoa(rowTotal),
		},
	}, nil
}
