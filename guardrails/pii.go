// Package guardrails enforces output safety for financial responses:
// PII redaction and content compliance filtering. Violations are data
// returned to the caller, never errors.
package guardrails

import (
	"log/slog"
	"regexp"
	"sort"

	"github.com/brunobiangulo/finsight/metrics"
)

// PIIEntityType labels the kind of personal data detected.
type PIIEntityType string

const (
	PIISSN           PIIEntityType = "SSN"
	PIICreditCard    PIIEntityType = "CREDIT_CARD"
	PIIAccountNumber PIIEntityType = "ACCOUNT_NUMBER"
	PIIRoutingNumber PIIEntityType = "ROUTING_NUMBER"
	PIIEmail         PIIEntityType = "EMAIL"
	PIIPhone         PIIEntityType = "PHONE"
)

// PIIEntity is a single detected span of personal data.
type PIIEntity struct {
	EntityType PIIEntityType `json:"entity_type"`
	Start      int           `json:"start"`
	End        int           `json:"end"`
	Text       string        `json:"text"`
}

// RedactionResult reports what was found and the rewritten text.
type RedactionResult struct {
	OriginalText  string      `json:"original_text"`
	RedactedText  string      `json:"redacted_text"`
	EntitiesFound []PIIEntity `json:"entities_found,omitempty"`
	EntityCount   int         `json:"entity_count"`
	WasRedacted   bool        `json:"was_redacted"`
}

// piiPattern pairs an entity type with its detection regex and marker.
// Ordered so detection is deterministic.
var piiPatterns = []struct {
	entityType PIIEntityType
	pattern    *regexp.Regexp
	marker     string
}{
	{PIISSN, regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[SSN_REDACTED]"},
	{PIICreditCard, regexp.MustCompile(`\b(?:\d{4}[-\s]?){3}\d{4}\b`), "[CREDIT_CARD_REDACTED]"},
	{PIIAccountNumber, regexp.MustCompile(`(?i)\b(?:account\s*(?:number|#|no\.?)?[:.\s]*)\d{8,17}\b`), "[ACCOUNT_REDACTED]"},
	{PIIRoutingNumber, regexp.MustCompile(`(?i)\b(?:routing\s*(?:number|#|no\.?)?[:.\s]*)\d{9}\b`), "[ROUTING_REDACTED]"},
	{PIIEmail, regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), "[EMAIL_REDACTED]"},
	{PIIPhone, regexp.MustCompile(`\b(?:\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`), "[PHONE_REDACTED]"},
}

// PIIRedactor detects and redacts personal data from text using
// regex patterns tuned for financial content.
type PIIRedactor struct {
	enabled bool
}

// NewPIIRedactor creates a redactor. When disabled it passes text
// through untouched.
func NewPIIRedactor(enabled bool) *PIIRedactor {
	return &PIIRedactor{enabled: enabled}
}

// Redact detects PII and replaces each span with a typed marker.
func (r *PIIRedactor) Redact(text string) RedactionResult {
	if !r.enabled {
		return RedactionResult{OriginalText: text, RedactedText: text}
	}

	entities := r.Detect(text)
	if len(entities) == 0 {
		return RedactionResult{OriginalText: text, RedactedText: text}
	}

	// Replace back to front so earlier offsets stay valid.
	sorted := make([]PIIEntity, len(entities))
	copy(sorted, entities)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start > sorted[j].Start })

	redacted := text
	for _, e := range sorted {
		redacted = redacted[:e.Start] + markerFor(e.EntityType) + redacted[e.End:]
	}

	for _, e := range entities {
		metrics.PIIDetections.WithLabelValues(string(e.EntityType)).Inc()
	}
	metrics.PIIRedactions.Inc()
	slog.Info("guardrails: pii redacted", "entities", len(entities))

	return RedactionResult{
		OriginalText:  text,
		RedactedText:  redacted,
		EntitiesFound: entities,
		EntityCount:   len(entities),
		WasRedacted:   true,
	}
}

// Detect finds PII spans without rewriting the text. Used for audit
// logging.
func (r *PIIRedactor) Detect(text string) []PIIEntity {
	if !r.enabled {
		return nil
	}

	var entities []PIIEntity
	for _, p := range piiPatterns {
		for _, loc := range p.pattern.FindAllStringIndex(text, -1) {
			entities = append(entities, PIIEntity{
				EntityType: p.entityType,
				Start:      loc[0],
				End:        loc[1],
				Text:       text[loc[0]:loc[1]],
			})
		}
	}
	return entities
}

func markerFor(t PIIEntityType) string {
	for _, p := range piiPatterns {
		if p.entityType == t {
			return p.marker
		}
	}
	return "[REDACTED]"
}
