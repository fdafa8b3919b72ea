package notify

import (
	"fmt"
	"strings"
	"time"

	"careline/internal/domain"
)

// Recipient roles.
const (
	RolePhysician = "physician"
	RoleNurse     = "nurse"
	RoleAdmin     = "admin"
)

// Formatter renders a validated action card into a role-appropriate message.
// Physicians get an SBAR handoff, nurses get a task checklist, and
// administrators get an operational impact summary.
type Formatter struct {
	Now func() time.Time
}

func New(now func() time.Time) *Formatter {
	return &Formatter{Now: now}
}

// Format renders the card for the given role.
func (f *Formatter) Format(card domain.ActionCard, event domain.RiskEvent, role string) (domain.Message, error) {
	var body string
	switch role {
	case RolePhysician:
		body = sbar(card, event)
	case RoleNurse:
		body = checklist(card, event)
	case RoleAdmin:
		body = impactSummary(card, event)
	default:
		return domain.Message{}, fmt.Errorf("unknown recipient role %q", role)
	}
	return domain.Message{
		Role:        role,
		Subject:     fmt.Sprintf("[%s] %s", strings.ToUpper(event.Severity), card.Title),
		Body:        body,
		DeliveredAt: f.Now().UTC().Format(time.RFC3339),
	}, nil
}

func sbar(card domain.ActionCard, event domain.RiskEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SITUATION: %s. %s is %.1f %s against a threshold of %.1f.\n",
		event.Description, event.MetricName, event.CurrentValue, event.Unit, event.ThresholdValue)
	fmt.Fprintf(&b, "BACKGROUND: %s", card.Summary)
	if len(event.RelatedPatientIDs) > 0 {
		fmt.Fprintf(&b, " Patients involved: %s.", strings.Join(event.RelatedPatientIDs, ", "))
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "ASSESSMENT: %s\n", card.Reasoning)
	b.WriteString("RECOMMENDATION:\n")
	for i, step := range card.Steps {
		fmt.Fprintf(&b, "%d. %s\n", i+1, step)
	}
	writeCitations(&b, card)
	return b.String()
}

func checklist(card domain.ActionCard, event domain.RiskEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "PRIORITY: %s\n", strings.ToUpper(card.Urgency))
	if len(event.AffectedUnits) > 0 {
		fmt.Fprintf(&b, "UNITS: %s\n", strings.Join(event.AffectedUnits, ", "))
	}
	fmt.Fprintf(&b, "WHY: %s\n\nTASKS:\n", card.Summary)
	for _, step := range card.Steps {
		fmt.Fprintf(&b, "[ ] %s\n", step)
	}
	return b.String()
}

func impactSummary(card domain.ActionCard, event domain.RiskEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Operational alert: %s (%s severity).\n", event.Description, event.Severity)
	fmt.Fprintf(&b, "Current reading: %s at %.1f %s, threshold %.1f.\n",
		event.MetricName, event.CurrentValue, event.Unit, event.ThresholdValue)
	if len(event.AffectedUnits) > 0 {
		fmt.Fprintf(&b, "Affected units: %s.\n", strings.Join(event.AffectedUnits, ", "))
	}
	fmt.Fprintf(&b, "Planned response (%s, urgency %s): %s\n", card.ActionType, card.Urgency, card.Summary)
	fmt.Fprintf(&b, "The response plan has %d steps and passed safety validation.\n", len(card.Steps))
	writeCitations(&b, card)
	return b.String()
}

func writeCitations(b *strings.Builder, card domain.ActionCard) {
	if len(card.CitedSources) == 0 {
		return
	}
	b.WriteString("SOURCES:\n")
	for _, src := range card.CitedSources {
		fmt.Fprintf(b, "- %s (relevance %.2f)\n", src.SourceTitle, src.RelevanceScore)
	}
}
