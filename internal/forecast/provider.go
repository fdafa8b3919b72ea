package forecast

import "context"

// Metrics is a snapshot of the operational signals the risk monitor evaluates.
type Metrics struct {
	ICUOccupancy     float64        `json:"icu_occupancy"`
	ERArrivalRate    float64        `json:"er_arrival_rate"`
	WardOccupancy    float64        `json:"ward_occupancy"`
	EscalationScores []PatientScore `json:"per_patient_escalation_scores"`
}

// PatientScore is one patient's escalation risk in [0,100].
type PatientScore struct {
	PatientID string  `json:"patient_id"`
	Unit      string  `json:"unit"`
	Score     float64 `json:"score"`
}

// Value returns the named capacity metric, false if unknown.
func (m Metrics) Value(name string) (float64, bool) {
	switch name {
	case "icu_occupancy":
		return m.ICUOccupancy, true
	case "er_arrival_rate":
		return m.ERArrivalRate, true
	case "ward_occupancy":
		return m.WardOccupancy, true
	}
	return 0, false
}

// Provider supplies current operational metrics from the forecasting and
// risk-scoring subsystems. Implementations may block on I/O; callers bound
// them with a context deadline.
type Provider interface {
	CurrentMetrics(ctx context.Context) (Metrics, error)
}
