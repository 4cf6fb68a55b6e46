package evaluation

import (
	"regexp"
	"strings"

	"github.com/brunobiangulo/finsight/retrieval"
)

// Composite confidence weights. They sum to 1.0.
const (
	weightSourceCoverage  = 0.20
	weightCitationDensity = 0.15
	weightSpecificity     = 0.10
	weightHedging         = 0.15
	weightRelevance       = 0.10
	weightHallucination   = 0.15
	weightConsistency     = 0.15
)

// hedgingPhrases indicate lower confidence in the response.
var hedgingPhrases = []string{
	"it is possible that",
	"may have",
	"could potentially",
	"it appears that",
	"it seems",
	"approximately",
	"roughly",
	"unclear",
	"not enough information",
	"limited data",
	"cannot determine",
	"uncertain",
	"speculative",
}

// highConfidenceSignals mark specific, verifiable data points.
var highConfidenceSignals = []*regexp.Regexp{
	regexp.MustCompile(`\[Source \d+\]`),                           // citations present
	regexp.MustCompile(`\$[\d,]+`),                                 // specific dollar amounts
	regexp.MustCompile(`\d+\.?\d*%`),                               // specific percentages
	regexp.MustCompile(`(?:Q[1-4]|FY)\s*\d{4}`),                    // specific periods
	regexp.MustCompile(`(?:increased|decreased|grew|declined)\s+(?:by\s+)?\d`), // quantified changes
}

// stopwords stripped from the query before source coverage scoring.
var coverageStopwords = map[string]bool{
	"what": true, "how": true, "why": true, "when": true, "is": true,
	"the": true, "a": true, "an": true, "of": true, "in": true, "for": true,
}

// ConfidenceResult holds the composite score and its components.
type ConfidenceResult struct {
	ConfidenceScore         float64            `json:"confidence_score"` // 0 = no confidence, 1 = full confidence
	SourceCoverageScore     float64            `json:"source_coverage_score"`
	CitationDensityScore    float64            `json:"citation_density_score"`
	SpecificityScore        float64            `json:"specificity_score"`
	HedgingPenalty          float64            `json:"hedging_penalty"`
	RetrievalRelevanceScore float64            `json:"retrieval_relevance_score"`
	Breakdown               map[string]float64 `json:"breakdown"`
}

// ConfidenceInput carries everything the scorer inspects.
type ConfidenceInput struct {
	ResponseText       string
	Query              string
	Citations          []retrieval.Citation
	SourceChunks       []string
	HallucinationScore float64 // 0 = clean, 1 = hallucinated
	ConsistencyScore   float64
}

// ScoreConfidence computes the composite confidence score from response
// quality signals, retrieval relevance, and upstream evaluation scores.
// Pure function of its input.
func ScoreConfidence(in ConfidenceInput) *ConfidenceResult {
	sourceCoverage := scoreSourceCoverage(in.Query, in.SourceChunks)
	citationDensity := scoreCitationDensity(in.ResponseText)
	specificity := scoreSpecificity(in.ResponseText)
	hedging := scoreHedgingPenalty(in.ResponseText)
	relevance := scoreRetrievalRelevance(in.Citations)

	composite := weightSourceCoverage*sourceCoverage +
		weightCitationDensity*citationDensity +
		weightSpecificity*specificity +
		weightHedging*(1.0-hedging) +
		weightRelevance*relevance +
		weightHallucination*(1.0-in.HallucinationScore) +
		weightConsistency*in.ConsistencyScore

	return &ConfidenceResult{
		ConfidenceScore:         round4(clamp01(composite)),
		SourceCoverageScore:     round4(sourceCoverage),
		CitationDensityScore:    round4(citationDensity),
		SpecificityScore:        round4(specificity),
		HedgingPenalty:          round4(hedging),
		RetrievalRelevanceScore: round4(relevance),
		Breakdown: map[string]float64{
			"source_coverage":      round4(sourceCoverage),
			"citation_density":     round4(citationDensity),
			"specificity":          round4(specificity),
			"hedging_penalty":      round4(hedging),
			"retrieval_relevance":  round4(relevance),
			"hallucination_factor": round4(1.0 - in.HallucinationScore),
			"consistency_factor":   round4(in.ConsistencyScore),
		},
	}
}

// scoreSourceCoverage measures how many salient query terms appear in
// the concatenated source text.
func scoreSourceCoverage(query string, sourceChunks []string) float64 {
	if len(sourceChunks) == 0 {
		return 0.0
	}

	terms := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(query)) {
		if !coverageStopwords[w] {
			terms[w] = true
		}
	}
	if len(terms) == 0 {
		return 0.5
	}

	combined := strings.ToLower(strings.Join(sourceChunks, " "))
	matched := 0
	for term := range terms {
		if strings.Contains(combined, term) {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}

var citationMarker = regexp.MustCompile(`\[Source \d+\]`)

// scoreCitationDensity rewards roughly one citation per 100 words.
func scoreCitationDensity(responseText string) float64 {
	citationCount := len(citationMarker.FindAllString(responseText, -1))
	wordCount := len(strings.Fields(responseText))
	if wordCount == 0 {
		return 0.0
	}

	expected := float64(wordCount) / 100.0
	if expected < 1 {
		expected = 1
	}
	ratio := float64(citationCount) / expected
	if ratio > 1.0 {
		return 1.0
	}
	return ratio
}

// scoreSpecificity counts concrete data points. Five or more signal
// matches yield full score.
func scoreSpecificity(responseText string) float64 {
	signalCount := 0
	for _, p := range highConfidenceSignals {
		signalCount += len(p.FindAllString(responseText, -1))
	}
	score := float64(signalCount) / 5.0
	if score > 1.0 {
		return 1.0
	}
	return score
}

// scoreHedgingPenalty measures hedging language. Three or more hedging
// phrases yield maximum penalty.
func scoreHedgingPenalty(responseText string) float64 {
	textLower := strings.ToLower(responseText)
	count := 0
	for _, phrase := range hedgingPhrases {
		if strings.Contains(textLower, phrase) {
			count++
		}
	}
	penalty := float64(count) / 3.0
	if penalty > 1.0 {
		return 1.0
	}
	return penalty
}

// scoreRetrievalRelevance averages citation relevance, clamped to [0,1].
func scoreRetrievalRelevance(citations []retrieval.Citation) float64 {
	if len(citations) == 0 {
		return 0.0
	}
	sum := 0.0
	for _, c := range citations {
		sum += c.RelevanceScore
	}
	return clamp01(sum / float64(len(citations)))
}
