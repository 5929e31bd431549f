// Package seed generates synthetic card traffic: per-user histories with a
// stable spending profile, plus a small set of users whose last transaction
// should trip the rules. It feeds the benchmark tool and local demos.
package seed

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/features"
)

// Amount bounds for generated routine spending.
const (
	MinAmount = 1.0
	MaxAmount = 2000.0
)

// Labeled is a generated transaction with its ground truth.
type Labeled struct {
	Tx        *domain.Transaction
	Anomalous bool
	Scenario  string
}

type categoryPattern struct {
	base float64
	std  float64
}

var categoryPatterns = map[string]categoryPattern{
	"grocery":       {15, 8},
	"restaurant":    {45, 25},
	"gas":           {25, 15},
	"clothing":      {60, 40},
	"electronics":   {200, 150},
	"travel":        {150, 90},
	"entertainment": {40, 20},
	"health":        {50, 30},
	"utilities":     {120, 30},
	"other":         {35, 20},
}

var neighbors = map[string][]string{
	"US": {"CA"},
	"CA": {"US"},
	"GB": {"FR", "DE"},
	"DE": {"FR", "IT"},
	"FR": {"ES", "DE", "IT"},
	"IT": {"FR", "ES"},
	"ES": {"FR", "IT"},
	"AU": {"JP"},
	"JP": {"AU"},
	"IN": {"JP"},
}

// profile is the stable part of a user's behavior, derived from the user ID.
type profile struct {
	home        string
	nearby      []string
	categories  []string
	base        float64
	variability float64
	freqDays    float64
	hours       []int
}

// Generator produces synthetic transactions. It is not safe for concurrent use.
type Generator struct {
	rng   *rand.Rand
	start time.Time
}

// New returns a generator whose histories begin around start. The same seed
// and start always yield the same traffic.
func New(seed uint64, start time.Time) *Generator {
	return &Generator{
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		start: start.UTC(),
	}
}

func homeLocations() []string {
	return features.Locations[:len(features.Locations)-1] // drop OTHER
}

func profileFor(userID string) profile {
	h := xxhash.Sum64String(userID)
	r := rand.New(rand.NewPCG(h, h>>1))

	locs := homeLocations()
	home := locs[r.IntN(len(locs))]

	cats := make([]string, len(features.Categories))
	copy(cats, features.Categories)
	r.Shuffle(len(cats), func(i, j int) { cats[i], cats[j] = cats[j], cats[i] })

	hours := make([]int, 3)
	for i := range hours {
		hours[i] = 8 + r.IntN(14)
	}

	return profile{
		home:        home,
		nearby:      append([]string{home}, neighbors[home]...),
		categories:  cats[:3],
		base:        30 + r.Float64()*120,
		variability: 0.2 + r.Float64()*0.4,
		freqDays:    1.5 + r.Float64()*2.5,
		hours:       hours,
	}
}

// Normal returns a routine transaction for userID following last. A zero
// last starts the user somewhere in the first month after the generator's start.
func (g *Generator) Normal(userID string, last time.Time) *domain.Transaction {
	p := profileFor(userID)

	category := p.categories[g.rng.IntN(len(p.categories))]
	if g.rng.Float64() >= 0.6 {
		category = features.Categories[g.rng.IntN(len(features.Categories))]
	}

	return &domain.Transaction{
		UserID:           userID,
		Amount:           g.amount(category, p),
		Location:         g.location(p),
		MerchantCategory: category,
		Timestamp:        g.timestamp(p, last),
	}
}

func (g *Generator) amount(category string, p profile) float64 {
	pat, ok := categoryPatterns[category]
	if !ok {
		pat = categoryPatterns["other"]
	}
	mean := pat.base * p.base / 75
	a := g.rng.NormFloat64()*pat.std*p.variability + mean
	a = math.Max(MinAmount, math.Min(a, MaxAmount))
	return math.Round(a*100) / 100
}

func (g *Generator) location(p profile) string {
	switch r := g.rng.Float64(); {
	case r < 0.7:
		return p.home
	case r < 0.9:
		return p.nearby[g.rng.IntN(len(p.nearby))]
	default:
		return g.travel(p.home)
	}
}

func (g *Generator) travel(home string) string {
	locs := homeLocations()
	for {
		if l := locs[g.rng.IntN(len(locs))]; l != home {
			return l
		}
	}
}

func (g *Generator) timestamp(p profile, last time.Time) time.Time {
	var day time.Time
	if last.IsZero() {
		day = g.start.Add(time.Duration(g.rng.IntN(30)) * 24 * time.Hour)
	} else {
		days := g.rng.ExpFloat64() * p.freqDays
		days = math.Max(0.1, math.Min(days, 14))
		day = last.Add(time.Duration(days * float64(24*time.Hour)))
	}

	hour := 8 + g.rng.IntN(14)
	if g.rng.Float64() < 0.5 {
		hour = p.hours[g.rng.IntN(len(p.hours))]
	}

	ts := time.Date(day.Year(), day.Month(), day.Day(), hour, g.rng.IntN(60), g.rng.IntN(60), 0, time.UTC)
	if !ts.After(last) {
		ts = last.Add(time.Duration(1+g.rng.IntN(120)) * time.Minute)
	}
	return ts
}

// History returns n routine transactions for userID in time order.
func (g *Generator) History(userID string, n int) []*domain.Transaction {
	out := make([]*domain.Transaction, 0, n)
	var last time.Time
	for i := 0; i < n; i++ {
		tx := g.Normal(userID, last)
		out = append(out, tx)
		last = tx.Timestamp
	}
	return out
}

// Population returns routine traffic for users "1".."users", one slice per user.
func (g *Generator) Population(users, perUser int) [][]Labeled {
	out := make([][]Labeled, 0, users)
	for u := 1; u <= users; u++ {
		hist := g.History(fmt.Sprintf("%d", u), perUser)
		seq := make([]Labeled, len(hist))
		for i, tx := range hist {
			seq[i] = Labeled{Tx: tx, Scenario: "normal"}
		}
		out = append(out, seq)
	}
	return out
}

// Scenarios returns five users whose final transaction is anomalous:
// an amount above the absolute threshold, a country hop within the hour,
// and three users spending ten times their usual amount.
func (g *Generator) Scenarios() [][]Labeled {
	var out [][]Labeled

	normals := func(userID string, n int, scenario string) ([]Labeled, time.Time) {
		hist := g.History(userID, n)
		seq := make([]Labeled, len(hist))
		for i, tx := range hist {
			seq[i] = Labeled{Tx: tx, Scenario: scenario}
		}
		return seq, hist[len(hist)-1].Timestamp
	}

	// High amount.
	{
		id := "fraud_user_1"
		seq, last := normals(id, 10, "high_amount")
		seq = append(seq, Labeled{
			Tx: &domain.Transaction{
				UserID:           id,
				Amount:           6000,
				Location:         profileFor(id).home,
				MerchantCategory: "electronics",
				Timestamp:        last.Add(2 * time.Hour),
			},
			Anomalous: true,
			Scenario:  "high_amount",
		})
		out = append(out, seq)
	}

	// Two countries within the hour.
	{
		id := "fraud_user_2"
		seq, last := normals(id, 8, "location_hop")
		home := profileFor(id).home
		at := last.Add(time.Hour)
		seq = append(seq,
			Labeled{
				Tx: &domain.Transaction{
					UserID: id, Amount: 150, Location: home,
					MerchantCategory: "electronics", Timestamp: at,
				},
				Scenario: "location_hop",
			},
			Labeled{
				Tx: &domain.Transaction{
					UserID: id, Amount: 200, Location: g.travel(home),
					MerchantCategory: "electronics", Timestamp: at.Add(30 * time.Minute),
				},
				Anomalous: true,
				Scenario:  "location_hop",
			},
		)
		out = append(out, seq)
	}

	// Ten times the usual amount.
	for n := 3; n <= 5; n++ {
		id := fmt.Sprintf("fraud_user_%d", n)
		seq, last := normals(id, 12, "multiple_of_average")
		for i := range seq {
			seq[i].Tx.Amount = math.Round((80+g.rng.Float64()*40)*100) / 100
		}
		seq = append(seq, Labeled{
			Tx: &domain.Transaction{
				UserID:           id,
				Amount:           1000,
				Location:         profileFor(id).home,
				MerchantCategory: "electronics",
				Timestamp:        last.Add(3 * time.Hour),
			},
			Anomalous: true,
			Scenario:  "multiple_of_average",
		})
		out = append(out, seq)
	}

	return out
}
