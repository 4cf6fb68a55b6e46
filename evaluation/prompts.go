package evaluation

import (
	"fmt"
	"strings"
)

// hallucinationCheckPrompt instructs the judge model to verify each
// claim against the sources and emit a JSON verdict.
const hallucinationCheckPrompt = `You are an expert fact-checker for financial documents.
Your task is to evaluate whether a generated response is factually grounded in the provided source documents.

## SOURCE DOCUMENTS
%s

## GENERATED RESPONSE
%s

## ORIGINAL QUESTION
%s

## EVALUATION CRITERIA
For each factual claim in the response, determine:
1. SUPPORTED: The claim is directly stated in or logically derivable from the sources
2. UNSUPPORTED: The claim has no basis in the provided sources
3. CONTRADICTED: The claim contradicts information in the sources

## OUTPUT FORMAT (JSON)
{
    "claims": [
        {"claim": "...", "verdict": "SUPPORTED|UNSUPPORTED|CONTRADICTED", "evidence": "...", "source_ref": "Source N"}
    ],
    "hallucination_score": 0.0-1.0,
    "factual_grounding_score": 0.0-1.0,
    "reasoning": "..."
}

Evaluate now:`

// consistencyCheckPrompt asks the judge model to compare two responses
// to the same query for semantic agreement.
const consistencyCheckPrompt = `Compare these two responses to the same financial query and evaluate their semantic consistency.

## QUERY
%s

## RESPONSE A
%s

## RESPONSE B
%s

## EVALUATION
Rate the semantic consistency from 0.0 (completely different) to 1.0 (identical meaning).
Focus on: numerical agreement, directional agreement (up/down/stable), qualitative consistency.

Output JSON:
{
    "consistency_score": 0.0-1.0,
    "discrepancies": ["..."],
    "reasoning": "..."
}`

// formatSourceContext numbers source chunks for the judge prompt.
func formatSourceContext(chunks []string) string {
	parts := make([]string, len(chunks))
	for i, chunk := range chunks {
		parts[i] = fmt.Sprintf("[Source %d]\n%s", i+1, chunk)
	}
	return strings.Join(parts, "\n---\n")
}
