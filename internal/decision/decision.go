// Package decision merges rule outcomes and the anomaly score into a final risk decision.
package decision

import (
	"github.com/opensource-finance/merlin/internal/domain"
)

// Reasons added when the anomaly score crosses a threshold.
const (
	ReasonMLHigh   = "ML model flagged transaction as high anomaly"
	ReasonMLMedium = "ML model flagged transaction as medium anomaly"
)

// Combiner applies the override policy: any triggered rule means high risk,
// otherwise the anomaly score decides between high, medium and low.
// Rules only ever escalate.
type Combiner struct {
	HighThreshold   float64
	MediumThreshold float64
}

// NewCombiner creates a combiner from configuration.
func NewCombiner(cfg domain.DecisionConfig) *Combiner {
	return &Combiner{
		HighThreshold:   cfg.MLHighThreshold,
		MediumThreshold: cfg.MLMediumThreshold,
	}
}

// Combine produces the decision. A nil score means no model was available
// and the decision is made on rules alone.
//
// Reasons list triggered rules in the order given, followed by at most one
// ML reason.
func (c *Combiner) Combine(outcomes []domain.RuleOutcome, score *float64) *domain.Decision {
	d := &domain.Decision{
		RiskLevel: domain.RiskLow,
		Reasons:   []string{},
	}

	for _, o := range outcomes {
		if !o.Triggered {
			continue
		}
		d.RiskLevel = domain.RiskHigh
		if o.Reason != "" {
			d.Reasons = append(d.Reasons, o.Reason)
		}
	}

	if score != nil {
		s := *score
		d.MLScore = &s

		switch {
		case s < c.HighThreshold:
			d.RiskLevel = d.RiskLevel.Max(domain.RiskHigh)
			d.Reasons = append(d.Reasons, ReasonMLHigh)
		case s < c.MediumThreshold:
			d.RiskLevel = d.RiskLevel.Max(domain.RiskMedium)
			d.Reasons = append(d.Reasons, ReasonMLMedium)
		}
	}

	return d
}

// Triggered returns the names of triggered rules.
func Triggered(outcomes []domain.RuleOutcome) []string {
	var names []string
	for _, o := range outcomes {
		if o.Triggered {
			names = append(names, o.Name)
		}
	}
	return names
}
