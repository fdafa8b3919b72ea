package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"careline/internal/config"
	"careline/internal/domain"
	"careline/internal/forecast"
)

// Monitor evaluates current operational signals against the configured
// threshold checks. Read-only: the orchestrator persists whatever it returns.
type Monitor struct {
	Provider forecast.Provider
	Config   *config.Config
	Now      func() time.Time
}

func New(provider forecast.Provider, cfg *config.Config) Monitor {
	return Monitor{Provider: provider, Config: cfg, Now: time.Now}
}

var severityRank = map[string]int{
	"critical": 3,
	"high":     2,
	"medium":   1,
	"low":      0,
}

// Detect runs the ordered checks and returns the highest-severity triggering
// condition, ties broken by check order, or nil if nothing triggers.
func (m Monitor) Detect(ctx context.Context) (*domain.RiskEvent, error) {
	metrics, err := m.Provider.CurrentMetrics(ctx)
	if err != nil {
		return nil, fmt.Errorf("forecast provider: %w", err)
	}

	var candidates []domain.RiskEvent
	for _, check := range m.Config.Monitor.Checks {
		value, ok := metrics.Value(check.Metric)
		if !ok {
			continue
		}
		switch {
		case value >= check.Critical:
			candidates = append(candidates, m.capacityEvent(check, value, check.Critical, "critical"))
		case value >= check.Warning:
			candidates = append(candidates, m.capacityEvent(check, value, check.Warning, "high"))
		}
	}
	candidates = append(candidates, m.escalationEvents(metrics)...)

	if len(candidates) == 0 {
		return nil, nil
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if severityRank[c.Severity] > severityRank[best.Severity] {
			best = c
		}
	}
	return &best, nil
}

func (m Monitor) capacityEvent(check config.ThresholdCheck, value, threshold float64, severity string) domain.RiskEvent {
	kind := "warning"
	if severity == "critical" {
		kind = "critical"
	}
	return domain.RiskEvent{
		EventID:        uuid.NewString(),
		EventType:      fmt.Sprintf("%s_%s", check.Metric, kind),
		Severity:       severity,
		DetectedAt:     m.Now().UTC().Format(time.RFC3339),
		MetricName:     check.Metric,
		CurrentValue:   value,
		ThresholdValue: threshold,
		Unit:           check.Unit,
		AffectedUnits:  affectedUnits(check.Metric),
		Description:    fmt.Sprintf("%s at %.1f%s, %s threshold %.1f%s", check.Metric, value, check.Unit, kind, threshold, check.Unit),
	}
}

func (m Monitor) escalationEvents(metrics forecast.Metrics) []domain.RiskEvent {
	var events []domain.RiskEvent
	for _, patient := range metrics.EscalationScores {
		if patient.Score < m.Config.Monitor.EscalationThreshold {
			continue
		}
		severity := "high"
		if patient.Score >= m.Config.Monitor.EscalationCritical {
			severity = "critical"
		}
		events = append(events, domain.RiskEvent{
			EventID:           uuid.NewString(),
			EventType:         "patient_escalation_risk",
			Severity:          severity,
			DetectedAt:        m.Now().UTC().Format(time.RFC3339),
			MetricName:        "escalation_risk_24h",
			CurrentValue:      patient.Score,
			ThresholdValue:    m.Config.Monitor.EscalationThreshold,
			Unit:              "%",
			AffectedUnits:     []string{patient.Unit},
			RelatedPatientIDs: []string{patient.PatientID},
		})
	}
	return events
}

func affectedUnits(metric string) []string {
	switch metric {
	case "icu_occupancy":
		return []string{"ICU-A", "ICU-B"}
	case "er_arrival_rate":
		return []string{"ER"}
	case "ward_occupancy":
		return []string{"WARD-1", "WARD-2", "WARD-3"}
	}
	return nil
}

// Status summarizes the configured checks for the reporting surface.
func (m Monitor) Status(ctx context.Context) (map[string]any, error) {
	metrics, err := m.Provider.CurrentMetrics(ctx)
	if err != nil {
		return nil, fmt.Errorf("forecast provider: %w", err)
	}
	thresholds := map[string]any{}
	for _, check := range m.Config.Monitor.Checks {
		value, _ := metrics.Value(check.Metric)
		thresholds[check.Metric] = map[string]any{
			"current":  value,
			"warning":  check.Warning,
			"critical": check.Critical,
			"unit":     check.Unit,
		}
	}
	return map[string]any{
		"checks":               thresholds,
		"escalation_threshold": m.Config.Monitor.EscalationThreshold,
		"patients_scored":      len(metrics.EscalationScores),
	}, nil
}
