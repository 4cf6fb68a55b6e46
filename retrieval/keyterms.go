package retrieval

import (
	"regexp"
	"strings"
)

// maxKeyTerms caps how many terms feed the keyword search. More terms
// mostly add noise against filing text.
const maxKeyTerms = 3

// financialTerms is the vocabulary that marks a query phrase as salient
// for exact-match keyword search. Ordered so extraction is deterministic.
var financialTerms = []string{
	"revenue", "earnings", "ebitda", "eps", "net income", "gross margin",
	"operating income", "free cash flow", "debt", "equity", "assets",
	"liabilities", "dividend", "buyback", "guidance", "outlook",
	"risk factor", "litigation", "regulatory", "compliance",
	"market cap", "p/e ratio", "roi", "roa", "roe",
}

var (
	// Uppercase 1-5 letter words are treated as tickers (AAPL, MSFT, GM).
	tickerPattern = regexp.MustCompile(`\b[A-Z]{1,5}\b`)
	// Dollar amounts, plain numbers, and percentages ($394.3, 8%, 1,200).
	numberPattern = regexp.MustCompile(`\$?[\d,]+\.?\d*%?`)
)

// extractKeyTerms pulls up to maxKeyTerms salient terms from the query
// for exact-match keyword search. Preference order: financial vocabulary
// phrases, ticker symbols, then numeric figures.
func extractKeyTerms(query string) []string {
	var terms []string
	seen := make(map[string]bool)

	add := func(t string) {
		if t == "" || seen[t] || len(terms) >= maxKeyTerms {
			return
		}
		seen[t] = true
		terms = append(terms, t)
	}

	queryLower := strings.ToLower(query)
	for _, term := range financialTerms {
		if strings.Contains(queryLower, term) {
			add(term)
		}
	}

	for _, ticker := range tickerPattern.FindAllString(query, -1) {
		add(ticker)
	}

	for _, num := range numberPattern.FindAllString(query, -1) {
		add(num)
	}

	return terms
}
