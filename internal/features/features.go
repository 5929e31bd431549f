// Package features turns a transaction and its user's baseline into the
// fixed-length numeric vector consumed by the anomaly model.
package features

import (
	"math"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/opensource-finance/merlin/internal/domain"
)

// SchemaVersion identifies the encoding below. Bump it on any change to
// names, order or vocabularies.
const SchemaVersion = 1

// Locations is the fixed location vocabulary. Unknown codes map to "OTHER".
var Locations = []string{"US", "CA", "GB", "DE", "FR", "IT", "ES", "AU", "JP", "IN", "OTHER"}

// Categories is the fixed merchant category vocabulary. Unknown values map to "other".
var Categories = []string{"grocery", "restaurant", "gas", "clothing", "electronics", "travel", "entertainment", "health", "utilities", "other"}

var numericNames = []string{
	"log_amount",
	"amount_ratio",
	"amount_zscore",
	"log_time_since_prev",
	"interval_deviation",
	"location_changed",
	"location_change_rate",
	"location_freq",
	"merchant_category_freq",
	"log_transaction_count",
	"hour_of_day",
	"day_of_week",
	"is_weekend",
}

var (
	names       []string
	fingerprint string
	locIndex    = indexOf(Locations)
	catIndex    = indexOf(Categories)
)

func init() {
	names = append(names, numericNames...)
	for _, l := range Locations {
		names = append(names, "location_"+l)
	}
	for _, c := range Categories {
		names = append(names, "category_"+c)
	}

	h := xxhash.New()
	_, _ = h.WriteString("v" + strconv.Itoa(SchemaVersion))
	for _, group := range [][]string{names, Locations, Categories} {
		for _, s := range group {
			_, _ = h.WriteString("|" + s)
		}
		_, _ = h.WriteString(";")
	}
	fingerprint = strconv.FormatUint(h.Sum64(), 16)
}

func indexOf(vocab []string) map[string]int {
	m := make(map[string]int, len(vocab))
	for i, v := range vocab {
		m[v] = i
	}
	return m
}

// Dim is the length of every vector produced by Build.
func Dim() int { return len(names) }

// Names returns the feature names in vector order.
func Names() []string { return append([]string(nil), names...) }

// Fingerprint identifies the schema. A model trained under one fingerprint
// must not score vectors built under another.
func Fingerprint() string { return fingerprint }

// Build encodes tx against b. It is pure: the same inputs always yield the same vector.
func Build(tx *domain.Transaction, b domain.Baseline) []float64 {
	v := make([]float64, len(names))

	v[0] = math.Log1p(math.Max(tx.Amount, 0))
	v[9] = math.Log1p(float64(b.TransactionCount))

	// Cold baselines: ratio 1, location treated as changed, everything else 0.
	v[1] = 1.0
	v[5] = 1.0
	if !b.IsCold() {
		if b.AverageAmount > 0 {
			v[1] = tx.Amount / b.AverageAmount
		}
		if sd := b.StdDev(); sd > 0 {
			v[2] = (tx.Amount - b.AverageAmount) / sd
		}

		gap := tx.Timestamp.Sub(b.LastTimestamp).Seconds()
		if gap < 0 {
			gap = 0
		}
		v[3] = math.Log1p(gap)
		if avg := b.AvgSecondsBetween(); avg > 0 {
			v[4] = math.Log1p(gap) - math.Log1p(avg)
		}

		if tx.Location == b.LastLocation {
			v[5] = 0
		}
		v[6] = b.LocationChangeRate()
		v[7] = b.LocationFreq(tx.Location)
		v[8] = b.CategoryFreq(tx.MerchantCategory)
	}

	ts := tx.Timestamp.UTC()
	v[10] = float64(ts.Hour()) / 24
	v[11] = float64(mondayFirst(ts.Weekday())) / 7
	if ts.Weekday() == time.Saturday || ts.Weekday() == time.Sunday {
		v[12] = 1
	}

	v[len(numericNames)+locIndex[Location(tx.Location)]] = 1
	v[len(numericNames)+len(Locations)+catIndex[Category(tx.MerchantCategory)]] = 1

	return v
}

// Location maps a location code into the vocabulary.
func Location(code string) string {
	if _, ok := locIndex[code]; ok {
		return code
	}
	return "OTHER"
}

// Category maps a merchant category into the vocabulary.
func Category(c string) string {
	if _, ok := catIndex[c]; ok {
		return c
	}
	return "other"
}

func mondayFirst(d time.Weekday) int {
	return (int(d) + 6) % 7
}
