package guardrails

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/brunobiangulo/finsight/metrics"
)

// ViolationType labels the compliance rule a response tripped.
type ViolationType string

const (
	ViolationInvestmentAdvice ViolationType = "investment_advice"
	ViolationForwardLooking   ViolationType = "forward_looking_statement"
	ViolationTokenLimit       ViolationType = "token_limit_exceeded"
)

// Severity levels for violations.
const (
	SeverityBlock = "block"
	SeverityWarn  = "warn"
)

// Violation is a single detected compliance issue.
type Violation struct {
	ViolationType ViolationType `json:"violation_type"`
	Description   string        `json:"description"`
	Severity      string        `json:"severity"`
	MatchedText   string        `json:"matched_text,omitempty"`
}

// FilterResult reports filtering outcome. FilteredText is always safe
// to return to the caller.
type FilterResult struct {
	Passed       bool        `json:"passed"`
	Violations   []Violation `json:"violations,omitempty"`
	Warnings     []string    `json:"warnings,omitempty"`
	FilteredText string      `json:"filtered_text"`
}

// Investment advice indicators. These block the matched text.
var investmentAdvicePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(?:you\s+should|we\s+recommend|i\s+suggest)\s+(?:buy|sell|hold|invest)`),
	regexp.MustCompile(`(?i)\b(?:strong\s+buy|must\s+buy|sell\s+immediately|avoid\s+this\s+stock)`),
	regexp.MustCompile(`(?i)\b(?:buy\s+rating|sell\s+rating|outperform|underperform)\b`),
	regexp.MustCompile(`(?i)\b(?:target\s+price|price\s+target)\s*(?:of|is|:)\s*\$`),
}

// Forward-looking statement indicators. These warn and attach a
// disclaimer.
var forwardLookingPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bwill\s+(?:likely|probably|definitely)\s+(?:increase|decrease|grow|decline)`),
	regexp.MustCompile(`(?i)\b(?:expected\s+to|projected\s+to|forecast\s+to|anticipated\s+to)\b`),
	regexp.MustCompile(`(?i)\b(?:future\s+(?:revenue|earnings|growth|performance))`),
	regexp.MustCompile(`(?i)\b(?:guidance\s+(?:of|for|suggests|indicates))`),
}

// adviceRemovedMarker replaces blocked investment-advice spans.
const adviceRemovedMarker = "[CONTENT REMOVED: Investment advice is not provided by this system]"

// flsDisclaimer is appended when forward-looking statements appear.
const flsDisclaimer = "\n\n---\n*This analysis contains forward-looking statements based on " +
	"company filings. Actual results may differ materially. This is not " +
	"investment advice.*"

// ContentFilter enforces financial compliance rules on generated text.
type ContentFilter struct {
	enabled   bool
	maxTokens int
}

// NewContentFilter creates a filter. maxTokens caps response length
// (word-count approximation); 0 disables the length check.
func NewContentFilter(enabled bool, maxTokens int) *ContentFilter {
	return &ContentFilter{enabled: enabled, maxTokens: maxTokens}
}

// Filter applies all compliance checks to the generated text.
func (f *ContentFilter) Filter(text string) FilterResult {
	if !f.enabled {
		return FilterResult{Passed: true, FilteredText: text}
	}

	var violations []Violation
	var warnings []string

	for _, p := range investmentAdvicePatterns {
		for _, m := range p.FindAllString(text, -1) {
			violations = append(violations, Violation{
				ViolationType: ViolationInvestmentAdvice,
				Description:   "Detected investment advice / recommendation",
				Severity:      SeverityBlock,
				MatchedText:   m,
			})
		}
	}

	for _, p := range forwardLookingPatterns {
		for _, m := range p.FindAllString(text, -1) {
			violations = append(violations, Violation{
				ViolationType: ViolationForwardLooking,
				Description:   "Forward-looking statement detected",
				Severity:      SeverityWarn,
				MatchedText:   m,
			})
		}
	}

	if f.maxTokens > 0 && len(strings.Fields(text)) > f.maxTokens {
		violations = append(violations, Violation{
			ViolationType: ViolationTokenLimit,
			Description:   fmt.Sprintf("Response exceeds %d token limit", f.maxTokens),
			Severity:      SeverityWarn,
		})
	}

	var blocking []Violation
	hasFLS := false
	for _, v := range violations {
		if v.Severity == SeverityBlock {
			blocking = append(blocking, v)
		}
		if v.ViolationType == ViolationForwardLooking {
			hasFLS = true
		}
	}

	filtered := text
	if len(blocking) > 0 {
		for _, v := range blocking {
			if v.MatchedText != "" {
				filtered = strings.ReplaceAll(filtered, v.MatchedText, adviceRemovedMarker)
			}
		}
		warnings = append(warnings, "Investment advice content was removed from the response.")
	}
	if hasFLS {
		filtered += flsDisclaimer
		warnings = append(warnings, "Forward-looking statement disclaimer added.")
	}

	for _, v := range violations {
		metrics.ContentFilterViolations.WithLabelValues(string(v.ViolationType), v.Severity).Inc()
	}
	if len(violations) > 0 {
		slog.Info("guardrails: content filter applied",
			"passed", len(blocking) == 0,
			"violations", len(violations),
			"blocking", len(blocking))
	}

	return FilterResult{
		Passed:       len(blocking) == 0,
		Violations:   violations,
		Warnings:     warnings,
		FilteredText: filtered,
	}
}
