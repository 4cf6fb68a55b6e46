package workflow

import (
	"fmt"
	"strings"

	"github.com/brunobiangulo/finsight/llm"
)

const systemPrompt = `You are a senior financial analyst AI assistant with expertise in SEC filings,
earnings reports, and investment analysis. You provide accurate, well-sourced financial insights.

CRITICAL RULES:
1. ONLY use information from the provided source documents. NEVER fabricate data.
2. Every factual claim MUST include a citation in [Source N] format.
3. If the source documents don't contain enough information, say so explicitly.
4. Express confidence levels: HIGH (directly stated in sources), MEDIUM (inferred from sources),
   LOW (limited source support).
5. For numerical data (revenue, EPS, ratios), quote exact figures from sources.
6. Flag any inconsistencies between different source documents.
7. NEVER provide investment advice or recommendations.`

// queryTypeInstructions adds per-query-type focus to the user prompt.
var queryTypeInstructions = map[QueryType]string{
	QueryRiskSummary: `Focus on:
- Identified risk factors from SEC filings
- Quantified financial exposure where available
- Comparison with prior period risk disclosures
- Regulatory and compliance risks
- Market and competitive risks
Cite specific risk factor items from 10-K/10-Q filings.`,

	QueryFinancialAnalysis: `Focus on:
- Revenue trends and growth rates
- Profitability metrics (gross margin, operating margin, net margin)
- Cash flow analysis
- Balance sheet health (debt/equity, current ratio)
- Comparison with prior periods
Provide exact figures with citations. Use tables for numerical comparisons.`,

	QueryMarketImpact: `Focus on:
- How specific events affect the company's financial position
- Revenue impact assessment
- Supply chain or operational disruptions
- Competitive landscape changes
- Forward-looking implications based on filed guidance
Ground all analysis in source documents. Avoid speculation.`,

	QuerySECFilingQA: `Focus on:
- Direct answers from SEC filing content
- Exact quotes where appropriate
- Section references (e.g., "Item 1A - Risk Factors")
- Filing-specific details (dates, amendments, exhibits)
Be precise and reference specific filing sections.`,

	QueryInvestmentFAQ: `Focus on:
- Factual information only (no recommendations)
- Company fundamentals from filings
- Historical performance data
- Management discussion highlights
- Disclosed outlook and guidance
IMPORTANT: Do NOT provide investment advice. Present facts only.`,

	QueryGeneral: `Provide a thorough answer grounded in the source documents.
Cite all factual claims. Express confidence level based on source coverage.`,
}

// BuildRAGPrompt assembles the chat messages for a grounded financial
// answer: numbered source context, query-type instructions, and the
// structured response format the evaluation layer expects.
func BuildRAGPrompt(query string, contextChunks []string, queryType QueryType) []llm.Message {
	userPrompt := fmt.Sprintf(`## SOURCE DOCUMENTS
%s

## QUERY TYPE
%s

## SPECIFIC INSTRUCTIONS
%s

## USER QUESTION
%s

## RESPONSE FORMAT
Provide a structured response with:
1. **Summary**: A concise answer (2-3 sentences)
2. **Detailed Analysis**: Thorough analysis with [Source N] citations for every factual claim
3. **Key Figures**: Any relevant numerical data from the sources
4. **Confidence Assessment**: Your confidence level (HIGH/MEDIUM/LOW) with reasoning
5. **Caveats**: Any limitations or missing information

Begin your response:`,
		formatContext(contextChunks), queryType, queryTypeInstructions[queryType], query)

	return []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userPrompt},
	}
}

// formatContext numbers chunks so the model can cite them as [Source N].
func formatContext(chunks []string) string {
	if len(chunks) == 0 {
		return "[No source documents available]"
	}
	parts := make([]string, len(chunks))
	for i, chunk := range chunks {
		parts[i] = fmt.Sprintf("[Source %d]\n%s\n", i+1, chunk)
	}
	return strings.Join(parts, "\n---\n")
}
