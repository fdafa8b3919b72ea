package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"careline/internal/domain"
)

const systemPrompt = `You are a clinical operations planning assistant. You draft action plans for hospital capacity and patient risk events. You only respond with a single JSON object and no other text. Plans must be concrete, conservative, and grounded in the provided reference excerpts.`

var allowedUrgencies = map[string]bool{
	"critical": true,
	"high":     true,
	"medium":   true,
	"low":      true,
}

var allowedActionTypes = map[string]bool{
	"transfer":  true,
	"discharge": true,
	"escalate":  true,
	"alert":     true,
	"consult":   true,
}

// Generator turns a risk event plus retrieved evidence into an action card.
type Generator struct {
	Backend Backend
	Timeout time.Duration
	Now     func() time.Time
}

// planPayload is the JSON contract the model is asked to produce. Citations
// are 1-based indexes into the evidence list given in the prompt.
type planPayload struct {
	Title      string   `json:"title"`
	Summary    string   `json:"summary"`
	Reasoning  string   `json:"reasoning"`
	ActionType string   `json:"action_type"`
	Urgency    string   `json:"urgency"`
	Steps      []string `json:"steps"`
	Citations  []int    `json:"citations"`
}

// Generate produces a validated action card for the event. Transport
// failures surface as *ProviderError; unusable model output, including a
// planning timeout, surfaces as *GenerationError.
func (g *Generator) Generate(ctx context.Context, event domain.RiskEvent, evidence []domain.ScoredChunk) (domain.ActionCard, error) {
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}
	prompt := buildPrompt(event, evidence)
	raw, err := g.Backend.Complete(ctx, systemPrompt, prompt)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return domain.ActionCard{}, &GenerationError{Reason: "planning timed out"}
		}
		return domain.ActionCard{}, err
	}

	payload, err := extractPlan(raw)
	if err != nil {
		return domain.ActionCard{}, err
	}
	card, err := g.buildCard(payload, evidence)
	if err != nil {
		return domain.ActionCard{}, err
	}
	return card, nil
}

func buildPrompt(event domain.RiskEvent, evidence []domain.ScoredChunk) string {
	var b strings.Builder
	b.WriteString("RISK EVENT\n")
	fmt.Fprintf(&b, "Type: %s\nSeverity: %s\n", event.EventType, event.Severity)
	fmt.Fprintf(&b, "Metric: %s = %.1f %s (threshold %.1f)\n", event.MetricName, event.CurrentValue, event.Unit, event.ThresholdValue)
	if len(event.AffectedUnits) > 0 {
		fmt.Fprintf(&b, "Affected units: %s\n", strings.Join(event.AffectedUnits, ", "))
	}
	if len(event.RelatedPatientIDs) > 0 {
		fmt.Fprintf(&b, "Related patients: %s\n", strings.Join(event.RelatedPatientIDs, ", "))
	}
	fmt.Fprintf(&b, "Description: %s\n", event.Description)

	b.WriteString("\nREFERENCE EXCERPTS\n")
	if len(evidence) == 0 {
		b.WriteString("No relevant reference material was found. State in your reasoning that the plan is not grounded in reference documents and keep actions conservative.\n")
	}
	for i, chunk := range evidence {
		fmt.Fprintf(&b, "[%d] %s (relevance %.2f)\n%s\n\n", i+1, chunk.Title, chunk.Score, chunk.Content)
	}

	b.WriteString(`RESPONSE FORMAT
Respond with exactly one JSON object:
{"title": "...", "summary": "one sentence", "reasoning": "why these actions, referencing excerpts by number", "action_type": "transfer|discharge|escalate|alert|consult", "urgency": "critical|high|medium|low", "steps": ["...", "..."], "citations": [1]}
Citations list the excerpt numbers the plan relies on. Use an empty list only if no excerpts were provided.`)
	return b.String()
}

// extractPlan pulls the first balanced JSON object out of raw model output
// and decodes it. Models often wrap JSON in prose or code fences.
func extractPlan(raw string) (planPayload, error) {
	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return planPayload{}, &GenerationError{Reason: "no JSON object in model output"}
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				var payload planPayload
				if err := json.Unmarshal([]byte(raw[start:i+1]), &payload); err != nil {
					return planPayload{}, &GenerationError{Reason: "malformed plan JSON: " + err.Error()}
				}
				return payload, nil
			}
		}
	}
	return planPayload{}, &GenerationError{Reason: "unterminated JSON object in model output"}
}

func (g *Generator) buildCard(payload planPayload, evidence []domain.ScoredChunk) (domain.ActionCard, error) {
	title := strings.TrimSpace(payload.Title)
	if title == "" {
		return domain.ActionCard{}, &GenerationError{Reason: "plan has no title"}
	}
	steps := sanitizeSteps(payload.Steps)
	if len(steps) == 0 {
		return domain.ActionCard{}, &GenerationError{Reason: "plan has no actionable steps"}
	}
	urgency := strings.ToLower(strings.TrimSpace(payload.Urgency))
	if !allowedUrgencies[urgency] {
		return domain.ActionCard{}, &GenerationError{Reason: fmt.Sprintf("unknown urgency %q", payload.Urgency)}
	}
	actionType := strings.ToLower(strings.TrimSpace(payload.ActionType))
	if actionType == "" {
		actionType = "alert"
	}
	if !allowedActionTypes[actionType] {
		return domain.ActionCard{}, &GenerationError{Reason: fmt.Sprintf("unknown action type %q", payload.ActionType)}
	}

	var cited []domain.CitedSource
	seen := map[int]bool{}
	for _, idx := range payload.Citations {
		if idx < 1 || idx > len(evidence) || seen[idx] {
			continue
		}
		seen[idx] = true
		chunk := evidence[idx-1]
		cited = append(cited, domain.CitedSource{
			SourceID:       chunk.ChunkID,
			SourceTitle:    chunk.Title,
			RelevanceScore: chunk.Score,
		})
	}

	return domain.ActionCard{
		CardID:       uuid.NewString(),
		Title:        title,
		Summary:      strings.TrimSpace(payload.Summary),
		Reasoning:    strings.TrimSpace(payload.Reasoning),
		ActionType:   actionType,
		Urgency:      urgency,
		Steps:        steps,
		CitedSources: cited,
		GeneratedAt:  g.Now().UTC().Format(time.RFC3339),
	}, nil
}

func sanitizeSteps(steps []string) []string {
	out := make([]string, 0, len(steps))
	for _, step := range steps {
		step = strings.TrimSpace(step)
		// Strip leading list markers the model sometimes adds.
		step = strings.TrimLeft(step, "-*• \t")
		for len(step) > 2 && step[0] >= '0' && step[0] <= '9' && (step[1] == '.' || step[1] == ')') {
			step = strings.TrimSpace(step[2:])
		}
		if step != "" {
			out = append(out, step)
		}
	}
	return out
}
