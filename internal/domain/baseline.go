package domain

import (
	"math"
	"time"
)

// LocationEvent is one entry of a baseline's recent location window.
type LocationEvent struct {
	Location  string    `json:"location"`
	Timestamp time.Time `json:"timestamp"`
}

// Baseline is the per-user behavioral summary used as the comparison point
// for rules and features. It is a derived cache entry: every field can be
// rebuilt from the ledger's transaction history.
//
// TransactionCount == 0 is the cold sentinel; AverageAmount is meaningless then.
type Baseline struct {
	UserID           string  `json:"user_id"`
	AverageAmount    float64 `json:"average_amount"`
	TransactionCount uint64  `json:"transaction_count"`

	// M2 is the running sum of squared deviations from the mean (Welford).
	M2 float64 `json:"m2"`

	// RecentEvents holds events inside the location window relative to the
	// most recent transaction, oldest first.
	RecentEvents []LocationEvent `json:"recent_events"`

	LastLocation    string    `json:"last_location,omitempty"`
	LastTimestamp   time.Time `json:"last_timestamp"`
	LocationChanges uint64    `json:"location_changes"`

	// IntervalSeconds is the sum of gaps between consecutive transactions.
	IntervalSeconds float64 `json:"interval_seconds"`

	LocationCounts map[string]uint64 `json:"location_counts,omitempty"`
	CategoryCounts map[string]uint64 `json:"category_counts,omitempty"`

	LastUpdated time.Time `json:"last_updated"`
}

// ColdBaseline returns the "no history" sentinel for a user.
func ColdBaseline(userID string) Baseline {
	return Baseline{UserID: userID}
}

// IsCold reports whether the user has no recorded transactions.
func (b Baseline) IsCold() bool {
	return b.TransactionCount == 0
}

// StdDev returns the sample standard deviation of amounts, or 0 with fewer than two transactions.
func (b Baseline) StdDev() float64 {
	if b.TransactionCount < 2 {
		return 0
	}
	return math.Sqrt(b.M2 / float64(b.TransactionCount-1))
}

// LocationChangeRate is the fraction of transactions whose location differed from the previous one.
func (b Baseline) LocationChangeRate() float64 {
	if b.TransactionCount == 0 {
		return 0
	}
	return float64(b.LocationChanges) / float64(b.TransactionCount)
}

// AvgSecondsBetween returns the mean gap between consecutive transactions.
func (b Baseline) AvgSecondsBetween() float64 {
	if b.TransactionCount < 2 {
		return 0
	}
	return b.IntervalSeconds / float64(b.TransactionCount-1)
}

// LocationFreq returns the share of the user's transactions made in location.
func (b Baseline) LocationFreq(location string) float64 {
	if b.TransactionCount == 0 {
		return 0
	}
	return float64(b.LocationCounts[location]) / float64(b.TransactionCount)
}

// CategoryFreq returns the share of the user's transactions in a merchant category.
func (b Baseline) CategoryFreq(category string) float64 {
	if b.TransactionCount == 0 {
		return 0
	}
	return float64(b.CategoryCounts[category]) / float64(b.TransactionCount)
}

// EventsWithin returns recent events whose timestamp lies in [at-window, at].
func (b Baseline) EventsWithin(at time.Time, window time.Duration) []LocationEvent {
	from := at.Add(-window)
	var out []LocationEvent
	for _, ev := range b.RecentEvents {
		if ev.Timestamp.Before(from) || ev.Timestamp.After(at) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Clone returns a deep copy so snapshots never alias cache state.
func (b Baseline) Clone() Baseline {
	out := b
	if b.RecentEvents != nil {
		out.RecentEvents = append([]LocationEvent(nil), b.RecentEvents...)
	}
	out.LocationCounts = cloneCounts(b.LocationCounts)
	out.CategoryCounts = cloneCounts(b.CategoryCounts)
	return out
}

func cloneCounts(in map[string]uint64) map[string]uint64 {
	if in == nil {
		return nil
	}
	out := make(map[string]uint64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
