package guardrail

import (
	"fmt"
	"strings"

	"careline/internal/config"
	"careline/internal/domain"
)

// Validator checks generated action cards against clinical safety policy
// before anything is delivered. All rules run and every violation is
// reported, so a reviewer sees the full picture at once.
type Validator struct {
	DeniedActions  []string
	SafetyPatterns []string
}

func New(cfg config.GuardrailConfig) *Validator {
	return &Validator{
		DeniedActions:  cfg.DeniedActions,
		SafetyPatterns: cfg.SafetyPatterns,
	}
}

var urgencyRank = map[string]int{
	"low":      0,
	"medium":   1,
	"high":     2,
	"critical": 3,
}

// Validate returns whether the card passes and the complete list of
// violations when it does not. The evidence list is the retrieval output the
// plan was generated from, used to confirm citations are traceable.
func (v *Validator) Validate(card domain.ActionCard, event domain.RiskEvent, evidence []domain.ScoredChunk) (bool, []string) {
	var violations []string

	if len(card.Steps) == 0 {
		violations = append(violations, "plan contains no actionable steps")
	}
	if strings.TrimSpace(card.Reasoning) == "" {
		violations = append(violations, "plan provides no reasoning for its recommendations")
	}

	violations = append(violations, v.checkUrgency(card, event)...)

	if event.Severity == "critical" && len(card.CitedSources) == 0 {
		violations = append(violations, "plan for a critical event cites no reference sources")
	}
	violations = append(violations, v.checkCitations(card, evidence)...)

	violations = append(violations, v.checkDeniedActions(card)...)
	violations = append(violations, v.checkSafetyPatterns(card)...)

	return len(violations) == 0, violations
}

func (v *Validator) checkCitations(card domain.ActionCard, evidence []domain.ScoredChunk) []string {
	known := map[string]bool{}
	for _, chunk := range evidence {
		known[chunk.ChunkID] = true
	}
	var violations []string
	for _, source := range card.CitedSources {
		if !known[source.SourceID] {
			violations = append(violations, fmt.Sprintf("cited source %q does not trace to retrieved evidence", source.SourceTitle))
		}
	}
	return violations
}

func (v *Validator) checkUrgency(card domain.ActionCard, event domain.RiskEvent) []string {
	rank, ok := urgencyRank[card.Urgency]
	if !ok {
		return []string{fmt.Sprintf("plan urgency %q is not a recognized level", card.Urgency)}
	}
	switch event.Severity {
	case "critical":
		if rank < urgencyRank["high"] {
			return []string{fmt.Sprintf("critical event requires critical or high urgency, plan says %q", card.Urgency)}
		}
	case "high":
		if rank < urgencyRank["medium"] {
			return []string{fmt.Sprintf("high severity event requires at least medium urgency, plan says %q", card.Urgency)}
		}
	}
	return nil
}

func (v *Validator) checkDeniedActions(card domain.ActionCard) []string {
	var violations []string
	for _, step := range card.Steps {
		lower := strings.ToLower(step)
		for _, denied := range v.DeniedActions {
			if strings.Contains(lower, strings.ToLower(denied)) {
				violations = append(violations, fmt.Sprintf("step %q matches denied action %q", step, denied))
			}
		}
	}
	return violations
}

func (v *Validator) checkSafetyPatterns(card domain.ActionCard) []string {
	var violations []string
	text := strings.ToLower(card.Reasoning + " " + card.Summary + " " + strings.Join(card.Steps, " "))
	for _, pattern := range v.SafetyPatterns {
		if strings.Contains(text, strings.ToLower(pattern)) {
			violations = append(violations, fmt.Sprintf("plan text matches unsafe pattern %q", pattern))
		}
	}
	return violations
}
