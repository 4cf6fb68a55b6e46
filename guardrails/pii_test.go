package guardrails

import (
	"strings"
	"testing"
)

// -----------------------------------------------------------------------------
// Detection
// -----------------------------------------------------------------------------

func TestDetectPIIEntities(t *testing.T) {
	r := NewPIIRedactor(true)

	tests := []struct {
		name     string
		text     string
		wantType PIIEntityType
		wantText string
	}{
		{"ssn", "My SSN is 123-45-6789 for verification", PIISSN, "123-45-6789"},
		{"credit card", "Card 4111-1111-1111-1111 was charged", PIICreditCard, "4111-1111-1111-1111"},
		{"email", "Contact jane.doe@example.com for details", PIIEmail, "jane.doe@example.com"},
		{"phone", "Call 555-123-4567 to confirm", PIIPhone, "555-123-4567"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entities := r.Detect(tt.text)
			if len(entities) == 0 {
				t.Fatalf("Detect(%q) found no entities, want %s", tt.text, tt.wantType)
			}
			found := false
			for _, e := range entities {
				if e.EntityType == tt.wantType && e.Text == tt.wantText {
					found = true
					if e.Text != tt.text[e.Start:e.End] {
						t.Errorf("entity offsets [%d:%d] yield %q, want %q",
							e.Start, e.End, tt.text[e.Start:e.End], e.Text)
					}
				}
			}
			if !found {
				t.Errorf("Detect(%q) = %+v, want %s %q", tt.text, entities, tt.wantType, tt.wantText)
			}
		})
	}
}

func TestDetectCleanText(t *testing.T) {
	r := NewPIIRedactor(true)

	entities := r.Detect("Apple reported revenue of $394.3 billion in fiscal 2022.")
	if len(entities) != 0 {
		t.Errorf("Detect on clean text = %+v, want none", entities)
	}
}

// -----------------------------------------------------------------------------
// Redaction
// -----------------------------------------------------------------------------

func TestRedactReplacesWithTypedMarkers(t *testing.T) {
	r := NewPIIRedactor(true)

	result := r.Redact("SSN 123-45-6789, email bob@corp.com")
	if !result.WasRedacted {
		t.Fatal("WasRedacted = false, want true")
	}
	if result.EntityCount != 2 {
		t.Errorf("EntityCount = %d, want 2", result.EntityCount)
	}
	if !strings.Contains(result.RedactedText, "[SSN_REDACTED]") {
		t.Errorf("RedactedText missing SSN marker: %q", result.RedactedText)
	}
	if !strings.Contains(result.RedactedText, "[EMAIL_REDACTED]") {
		t.Errorf("RedactedText missing email marker: %q", result.RedactedText)
	}
	if strings.Contains(result.RedactedText, "123-45-6789") {
		t.Errorf("RedactedText still contains SSN: %q", result.RedactedText)
	}
	if strings.Contains(result.RedactedText, "bob@corp.com") {
		t.Errorf("RedactedText still contains email: %q", result.RedactedText)
	}
}

func TestRedactPreservesSurroundingText(t *testing.T) {
	r := NewPIIRedactor(true)

	result := r.Redact("Before 123-45-6789 after")
	want := "Before [SSN_REDACTED] after"
	if result.RedactedText != want {
		t.Errorf("RedactedText = %q, want %q", result.RedactedText, want)
	}
}

func TestRedactCleanTextPassesThrough(t *testing.T) {
	r := NewPIIRedactor(true)

	text := "Microsoft cloud revenue grew 22% year over year."
	result := r.Redact(text)
	if result.WasRedacted {
		t.Error("WasRedacted = true for clean text")
	}
	if result.RedactedText != text {
		t.Errorf("RedactedText = %q, want unchanged input", result.RedactedText)
	}
}

func TestRedactDisabled(t *testing.T) {
	r := NewPIIRedactor(false)

	text := "SSN 123-45-6789"
	result := r.Redact(text)
	if result.WasRedacted {
		t.Error("WasRedacted = true with redactor disabled")
	}
	if result.RedactedText != text {
		t.Errorf("RedactedText = %q, want passthrough", result.RedactedText)
	}
	if entities := r.Detect(text); entities != nil {
		t.Errorf("Detect with redactor disabled = %+v, want nil", entities)
	}
}
