package domain

import (
	"math"
	"testing"
	"time"
)

func snapshot() Baseline {
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	return Baseline{
		UserID:           "u1",
		AverageAmount:    20,
		TransactionCount: 3,
		M2:               200,
		LocationChanges:  1,
		IntervalSeconds:  120,
		LocationCounts:   map[string]uint64{"US": 2, "GB": 1},
		CategoryCounts:   map[string]uint64{"grocery": 3},
		RecentEvents: []LocationEvent{
			{Location: "US", Timestamp: at.Add(-90 * time.Minute)},
			{Location: "GB", Timestamp: at.Add(-30 * time.Minute)},
		},
	}
}

func TestBaselineMethodsOnValues(t *testing.T) {
	if !ColdBaseline("nobody").IsCold() {
		t.Error("expected cold sentinel")
	}

	b := snapshot()
	if b.IsCold() {
		t.Error("expected warm baseline")
	}
	if got := b.StdDev(); math.Abs(got-10) > 1e-9 {
		t.Errorf("expected std-dev 10, got %f", got)
	}
	if got := b.LocationChangeRate(); math.Abs(got-1.0/3) > 1e-9 {
		t.Errorf("unexpected change rate %f", got)
	}
	if got := b.AvgSecondsBetween(); got != 60 {
		t.Errorf("expected 60s between transactions, got %f", got)
	}
	if got := b.LocationFreq("US"); math.Abs(got-2.0/3) > 1e-9 {
		t.Errorf("unexpected US frequency %f", got)
	}
	if got := b.CategoryFreq("travel"); got != 0 {
		t.Errorf("expected 0 for unseen category, got %f", got)
	}

	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	if got := b.EventsWithin(at, time.Hour); len(got) != 1 || got[0].Location != "GB" {
		t.Errorf("expected only the GB event inside the hour, got %v", got)
	}
}

func TestBaselineCloneIsDeep(t *testing.T) {
	b := snapshot()
	c := b.Clone()

	c.LocationCounts["US"] = 99
	c.RecentEvents[0].Location = "FR"

	if b.LocationCounts["US"] != 2 {
		t.Error("clone shares location counts")
	}
	if b.RecentEvents[0].Location != "US" {
		t.Error("clone shares recent events")
	}
}
