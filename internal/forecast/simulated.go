package forecast

import (
	"context"
	"math"
	"time"
)

// SimulatedProvider derives operational metrics from baseline-plus-seasonality
// arithmetic, standing in for the real time-series engine. Deterministic for
// a given clock reading.
type SimulatedProvider struct {
	Now    func() time.Time
	Scorer Scorer
	// Roster is the simulated active-patient census.
	Roster []SimulatedPatient
}

type SimulatedPatient struct {
	PatientID string
	Unit      string
	Features  Features
}

// NewSimulatedProvider returns a provider over a small fixed census.
func NewSimulatedProvider(now func() time.Time) *SimulatedProvider {
	if now == nil {
		now = time.Now
	}
	return &SimulatedProvider{
		Now:    now,
		Scorer: NewEscalationScorer(),
		Roster: []SimulatedPatient{
			{PatientID: "P-10026255", Unit: "ICU-A", Features: Features{Age: 74, IsICU: true, DiagnosisCount: 5, HasSepsis: true, LOSDays: 4}},
			{PatientID: "P-10027602", Unit: "ICU-B", Features: Features{Age: 61, IsICU: true, DiagnosisCount: 3, HasRespiratory: true, LOSDays: 2}},
			{PatientID: "P-10031404", Unit: "WARD-3", Features: Features{Age: 55, DiagnosisCount: 2, LOSDays: 6}},
			{PatientID: "P-10035631", Unit: "WARD-1", Features: Features{Age: 82, DiagnosisCount: 4, HasRespiratory: true, LOSDays: 1}},
		},
	}
}

func (p *SimulatedProvider) CurrentMetrics(ctx context.Context) (Metrics, error) {
	if err := ctx.Err(); err != nil {
		return Metrics{}, err
	}
	now := p.Now().UTC()
	hour := float64(now.Hour())
	weekday := float64(now.Weekday())

	// Daily sinusoid peaks around noon for occupancy, evening for ER.
	icu := 75 + 5*math.Sin(2*math.Pi*(hour-6)/24) + 3*math.Sin(2*math.Pi*(weekday-2)/7)
	er := 10 + 6*math.Sin(2*math.Pi*(hour-10)/24)
	if weekday == 0 || weekday == 6 {
		er += 4
	}
	ward := 70 + 3*math.Sin(2*math.Pi*(hour-8)/24)

	m := Metrics{
		ICUOccupancy:  clamp(icu, 0, 100),
		ERArrivalRate: math.Max(0, er),
		WardOccupancy: clamp(ward, 0, 100),
	}
	for _, patient := range p.Roster {
		m.EscalationScores = append(m.EscalationScores, PatientScore{
			PatientID: patient.PatientID,
			Unit:      patient.Unit,
			Score:     p.Scorer.Score(patient.Features),
		})
	}
	return m, nil
}
