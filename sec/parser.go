// Package sec parses SEC EDGAR filings into structured sections and
// downloads them from the EDGAR archives.
package sec

import (
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/net/html"
)

// Section is a standard named section of an SEC filing.
type Section string

const (
	SectionBusiness            Section = "Item 1 - Business"
	SectionRiskFactors         Section = "Item 1A - Risk Factors"
	SectionProperties          Section = "Item 2 - Properties"
	SectionLegalProceedings    Section = "Item 3 - Legal Proceedings"
	SectionMDA                 Section = "Item 7 - Management Discussion and Analysis"
	SectionFinancialStatements Section = "Item 8 - Financial Statements"
	SectionFinancialsQ         Section = "Part I Item 1 - Financial Statements"
	SectionMDAQ                Section = "Part I Item 2 - MD&A"
	SectionRiskFactorsQ        Section = "Part II Item 1A - Risk Factors"
	SectionUnknown             Section = "Unknown Section"
)

// sectionPattern pairs a section with its header regexes, most
// specific first. Ordered so detection is deterministic.
var sectionPatterns = []struct {
	section  Section
	patterns []*regexp.Regexp
}{
	{SectionRiskFactors, []*regexp.Regexp{
		regexp.MustCompile(`(?i)item\s+1a[\.\s\-:]+risk\s+factors`),
		regexp.MustCompile(`(?i)risk\s+factors`),
	}},
	{SectionMDA, []*regexp.Regexp{
		regexp.MustCompile(`(?i)item\s+7[\.\s\-:]+management.s?\s+discussion\s+and\s+analysis`),
		regexp.MustCompile(`(?i)management.s?\s+discussion\s+and\s+analysis`),
	}},
	{SectionBusiness, []*regexp.Regexp{
		regexp.MustCompile(`(?i)item\s+1[\.\s\-:]+business`),
	}},
	{SectionFinancialStatements, []*regexp.Regexp{
		regexp.MustCompile(`(?i)item\s+8[\.\s\-:]+financial\s+statements`),
	}},
	{SectionMDAQ, []*regexp.Regexp{
		regexp.MustCompile(`(?i)part\s+i\b.*item\s+2[\.\s\-:]+management.s?\s+discussion`),
	}},
	{SectionRiskFactorsQ, []*regexp.Regexp{
		regexp.MustCompile(`(?i)part\s+ii\b.*item\s+1a[\.\s\-:]+risk\s+factors`),
	}},
}

// ParsedSection is one extracted section of a filing.
type ParsedSection struct {
	Section       Section  `json:"section"`
	Title         string   `json:"title"`
	Content       string   `json:"content"`
	Tables        []string `json:"tables,omitempty"`
	StartPosition int      `json:"start_position"`
}

// FilingMetadata describes a filing being parsed.
type FilingMetadata struct {
	CompanyName string `json:"company_name"`
	Ticker      string `json:"ticker"`
	FilingType  string `json:"filing_type"`
	FilingDate  string `json:"filing_date"`
	SourceURL   string `json:"source_url,omitempty"`
}

// ParsedFiling is the structured result of parsing one filing.
type ParsedFiling struct {
	Metadata FilingMetadata  `json:"metadata"`
	Sections []ParsedSection `json:"sections"`
	FullText string          `json:"full_text"`
}

// Parse converts raw filing HTML or text into named sections with
// financial tables preserved.
func Parse(rawContent string, meta FilingMetadata) *ParsedFiling {
	slog.Info("sec: parsing filing",
		"ticker", meta.Ticker,
		"filing_type", meta.FilingType,
		"bytes", len(rawContent))

	cleanText := cleanHTML(rawContent)
	tables := extractTables(rawContent)
	sections := extractSections(cleanText, tables)

	if len(sections) == 0 {
		sections = []ParsedSection{{
			Section: SectionUnknown,
			Title:   "Full Document",
			Content: cleanText,
			Tables:  tables,
		}}
	}

	slog.Info("sec: filing parsed",
		"ticker", meta.Ticker,
		"sections", len(sections),
		"tables", len(tables),
		"text_len", len(cleanText))

	return &ParsedFiling{
		Metadata: meta,
		Sections: sections,
		FullText: cleanText,
	}
}

// cleanHTML strips tags while preserving paragraph structure. Plain
// text passes through with whitespace normalized.
func cleanHTML(content string) string {
	text := content
	if strings.Contains(content, "<") && strings.Contains(content, ">") {
		if extracted, ok := htmlText(content); ok {
			text = extracted
		}
	}

	var lines []string
	for _, line := range strings.Split(text, "\n") {
		stripped := strings.TrimSpace(line)
		if stripped != "" {
			lines = append(lines, stripped)
		} else if len(lines) > 0 && lines[len(lines)-1] != "" {
			lines = append(lines, "")
		}
	}
	return strings.Join(lines, "\n")
}

// htmlText extracts visible text from HTML, dropping script and style
// subtrees.
func htmlText(content string) (string, bool) {
	doc, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return "", false
	}
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		// Block elements become line breaks so sections stay separated.
		if n.Type == html.ElementNode {
			switch n.Data {
			case "p", "div", "br", "tr", "table", "h1", "h2", "h3", "h4", "li":
				b.WriteString("\n")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return b.String(), true
}

// extractTables renders each HTML table as pipe-separated rows.
func extractTables(content string) []string {
	if !strings.Contains(strings.ToLower(content), "<table") {
		return nil
	}
	doc, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return nil
	}

	var tables []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "table" {
			if rendered := renderTable(n); rendered != "" {
				tables = append(tables, rendered)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return tables
}

func renderTable(table *html.Node) string {
	var rows []string
	var walkRows func(*html.Node)
	walkRows = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "tr" {
			var cells []string
			nonEmpty := false
			var walkCells func(*html.Node)
			walkCells = func(c *html.Node) {
				if c.Type == html.ElementNode && (c.Data == "td" || c.Data == "th") {
					cell := strings.TrimSpace(nodeText(c))
					cells = append(cells, cell)
					if cell != "" {
						nonEmpty = true
					}
					return
				}
				for cc := c.FirstChild; cc != nil; cc = cc.NextSibling {
					walkCells(cc)
				}
			}
			walkCells(n)
			if nonEmpty {
				rows = append(rows, strings.Join(cells, " | "))
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walkRows(c)
		}
	}
	walkRows(table)
	return strings.Join(rows, "\n")
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(c *html.Node) {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
		for cc := c.FirstChild; cc != nil; cc = cc.NextSibling {
			walk(cc)
		}
	}
	walk(n)
	return b.String()
}

var businessCombination = regexp.MustCompile(`(?i)^\s+combination`)

// findSectionHeader locates a section header match. "Item 1 -
// Business" headers followed by "combination" are boilerplate, not
// the Business section, so keep searching past them.
func findSectionHeader(p *regexp.Regexp, section Section, text string) []int {
	offset := 0
	for {
		loc := p.FindStringIndex(text[offset:])
		if loc == nil {
			return nil
		}
		loc[0] += offset
		loc[1] += offset
		if section == SectionBusiness && businessCombination.MatchString(text[loc[1]:]) {
			offset = loc[1]
			continue
		}
		return loc
	}
}

// extractSections locates known section headers and slices the text
// between consecutive headers.
func extractSections(text string, tables []string) []ParsedSection {
	type boundary struct {
		start   int
		section Section
		title   string
	}
	var boundaries []boundary

	for _, sp := range sectionPatterns {
		for _, p := range sp.patterns {
			loc := findSectionHeader(p, sp.section, text)
			if loc != nil {
				boundaries = append(boundaries, boundary{
					start:   loc[0],
					section: sp.section,
					title:   text[loc[0]:loc[1]],
				})
				break
			}
		}
	}
	if len(boundaries) == 0 {
		return nil
	}

	sort.Slice(boundaries, func(i, j int) bool { return boundaries[i].start < boundaries[j].start })

	sections := make([]ParsedSection, 0, len(boundaries))
	for i, b := range boundaries {
		end := len(text)
		if i+1 < len(boundaries) {
			end = boundaries[i+1].start
		}

		// Financial sections keep the extracted tables attached.
		var sectionTables []string
		switch b.section {
		case SectionFinancialStatements, SectionMDA, SectionMDAQ:
			sectionTables = tables
		}

		sections = append(sections, ParsedSection{
			Section:       b.section,
			Title:         b.title,
			Content:       strings.TrimSpace(text[b.start:end]),
			Tables:        sectionTables,
			StartPosition: b.start,
		})
	}
	return sections
}
