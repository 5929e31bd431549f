package domain

// RiskLevel is the discrete output classification of an evaluation.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// rank orders risk levels so escalation can be expressed as max().
func (r RiskLevel) rank() int {
	switch r {
	case RiskHigh:
		return 2
	case RiskMedium:
		return 1
	default:
		return 0
	}
}

// Max returns the higher of two risk levels.
func (r RiskLevel) Max(other RiskLevel) RiskLevel {
	if other.rank() > r.rank() {
		return other
	}
	return r
}

// Rule names in definition order.
const (
	RuleHighAmount        = "high_amount"
	RuleMultipleOfAverage = "multiple_of_average"
	RuleLocationChange    = "location_change"
)

// RuleOutcome is the stateless result of one rule for one evaluation.
type RuleOutcome struct {
	Name      string `json:"name"`
	Triggered bool   `json:"triggered"`
	Reason    string `json:"reason"`
}

// Decision is the sole output artifact of an evaluation.
type Decision struct {
	RiskLevel RiskLevel `json:"risk_level"`
	Reasons   []string  `json:"reasons"`

	// MLScore is nil when no anomaly model was available.
	MLScore *float64 `json:"ml_score"`
}

// Flagged reports whether the decision marks the transaction for later retrieval.
func (d *Decision) Flagged() bool {
	return d.RiskLevel == RiskHigh
}
