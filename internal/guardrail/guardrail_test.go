package guardrail

import (
	"strings"
	"testing"

	"careline/internal/config"
	"careline/internal/domain"
)

func newTestValidator() *Validator {
	return New(config.Default().Guardrail)
}

func criticalEvent() domain.RiskEvent {
	return domain.RiskEvent{
		EventID:     "ev-1",
		EventType:   "icu_occupancy_critical",
		Severity:    "critical",
		Description: "ICU occupancy exceeds critical threshold",
	}
}

func goodCard() domain.ActionCard {
	return domain.ActionCard{
		CardID:     "card-1",
		Title:      "Activate ICU surge plan",
		Summary:    "Open overflow capacity.",
		Reasoning:  "Occupancy is above the critical threshold.",
		ActionType: "escalate",
		Urgency:    "critical",
		Steps:      []string{"Notify the intensivist on call", "Review step-down candidates"},
		CitedSources: []domain.CitedSource{
			{SourceID: "chunk-1", SourceTitle: "ICU Capacity Management SOP", RelevanceScore: 0.82},
		},
	}
}

func evidenceFor(card domain.ActionCard) []domain.ScoredChunk {
	var chunks []domain.ScoredChunk
	for _, src := range card.CitedSources {
		chunks = append(chunks, domain.ScoredChunk{
			Chunk: domain.Chunk{ChunkID: src.SourceID, Title: src.SourceTitle},
			Score: src.RelevanceScore,
		})
	}
	return chunks
}

func TestValidatePasses(t *testing.T) {
	v := newTestValidator()
	card := goodCard()
	ok, violations := v.Validate(card, criticalEvent(), evidenceFor(card))
	if !ok {
		t.Fatalf("expected pass, got violations: %v", violations)
	}
}

func TestValidateRequiresSteps(t *testing.T) {
	card := goodCard()
	card.Steps = nil
	assertViolation(t, card, criticalEvent(), "no actionable steps")
}

func TestValidateRequiresReasoning(t *testing.T) {
	card := goodCard()
	card.Reasoning = "   "
	assertViolation(t, card, criticalEvent(), "no reasoning")
}

func TestValidateUrgencyAgainstSeverity(t *testing.T) {
	cases := []struct {
		name     string
		severity string
		urgency  string
		wantOK   bool
	}{
		{"critical event low urgency", "critical", "low", false},
		{"critical event medium urgency", "critical", "medium", false},
		{"critical event high urgency", "critical", "high", true},
		{"high event low urgency", "high", "low", false},
		{"high event medium urgency", "high", "medium", true},
		{"medium event low urgency", "medium", "low", true},
		{"unknown urgency", "medium", "whenever", false},
	}
	v := newTestValidator()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			card := goodCard()
			card.Urgency = tc.urgency
			event := criticalEvent()
			event.Severity = tc.severity
			// Keep citation present so only the urgency rule is in play.
			ok, violations := v.Validate(card, event, evidenceFor(card))
			if ok != tc.wantOK {
				t.Errorf("ok = %v, want %v (violations %v)", ok, tc.wantOK, violations)
			}
		})
	}
}

func TestValidateCriticalEventNeedsCitations(t *testing.T) {
	card := goodCard()
	card.CitedSources = nil
	assertViolation(t, card, criticalEvent(), "cites no reference sources")

	// The same card is fine for a non-critical event.
	event := criticalEvent()
	event.Severity = "high"
	ok, violations := newTestValidator().Validate(card, event, nil)
	if !ok {
		t.Errorf("high severity without citations should pass, got %v", violations)
	}
}

func TestValidateCitationsMustTraceToEvidence(t *testing.T) {
	v := newTestValidator()
	card := goodCard()
	evidence := []domain.ScoredChunk{
		{Chunk: domain.Chunk{ChunkID: "chunk-other", Title: "Other"}, Score: 0.5},
	}
	ok, violations := v.Validate(card, criticalEvent(), evidence)
	if ok {
		t.Fatal("expected untraceable citation to fail")
	}
	if !containsViolation(violations, "does not trace to retrieved evidence") {
		t.Errorf("violations = %v", violations)
	}
}

func TestValidateDeniedActions(t *testing.T) {
	card := goodCard()
	card.Steps = append(card.Steps, "Disable monitoring for bed 4 overnight")
	assertViolation(t, card, criticalEvent(), `denied action "disable monitoring"`)
}

func TestValidateSafetyPatterns(t *testing.T) {
	card := goodCard()
	card.Reasoning = "Transfer the patient without consent if needed."
	assertViolation(t, card, criticalEvent(), `unsafe pattern "without consent"`)
}

func TestValidateAccumulatesAllViolations(t *testing.T) {
	v := newTestValidator()
	card := goodCard()
	card.Urgency = "low"
	card.Reasoning = ""
	card.CitedSources = nil
	card.Steps = []string{"Override physician order for bed 2"}
	ok, violations := v.Validate(card, criticalEvent(), nil)
	if ok {
		t.Fatal("expected failure")
	}
	if len(violations) < 4 {
		t.Errorf("got %d violations, want all rules reported: %v", len(violations), violations)
	}
}

func assertViolation(t *testing.T, card domain.ActionCard, event domain.RiskEvent, fragment string) {
	t.Helper()
	ok, violations := newTestValidator().Validate(card, event, evidenceFor(card))
	if ok {
		t.Fatalf("expected violation containing %q", fragment)
	}
	if !containsViolation(violations, fragment) {
		t.Errorf("violations %v missing %q", violations, fragment)
	}
}

func containsViolation(violations []string, fragment string) bool {
	for _, v := range violations {
		if strings.Contains(v, fragment) {
			return true
		}
	}
	return false
}
