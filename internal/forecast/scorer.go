package forecast

// Features are the per-patient inputs to a risk scoring function.
type Features struct {
	Age            float64
	IsICU          bool
	DiagnosisCount float64
	HasSepsis      bool
	HasRespiratory bool
	LOSDays        float64
}

// Scorer maps patient features to a risk score in [0,100]. Pure; a trained
// model can replace the simulated weights without touching the orchestrator.
type Scorer interface {
	Score(f Features) float64
}

// WeightedScorer is a baseline-plus-adjustment scoring function standing in
// for a trained escalation model. Weights approximate feature importance
// from clinical literature.
type WeightedScorer struct {
	Base    float64
	Weights map[string]float64
}

// NewEscalationScorer returns the default 24h escalation-risk scorer.
func NewEscalationScorer() WeightedScorer {
	return WeightedScorer{
		Base: 50,
		Weights: map[string]float64{
			"age":             0.01,
			"is_icu":          0.3,
			"has_sepsis":      0.4,
			"has_respiratory": 0.25,
			"diagnosis_count": 0.08,
			"los_days":        -0.02,
		},
	}
}

func (s WeightedScorer) Score(f Features) float64 {
	values := map[string]float64{
		"age":             f.Age,
		"is_icu":          boolVal(f.IsICU),
		"has_sepsis":      boolVal(f.HasSepsis),
		"has_respiratory": boolVal(f.HasRespiratory),
		"diagnosis_count": f.DiagnosisCount,
		"los_days":        f.LOSDays,
	}
	score := s.Base
	for name, weight := range s.Weights {
		score += values[name] * weight * 10
	}
	return clamp(score, 0, 100)
}

func boolVal(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
