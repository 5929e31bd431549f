// Package baseline maintains per-user behavioral baselines for Merlin.
package baseline

import (
	"cmp"
	"slices"
	"sort"
	"time"

	"github.com/opensource-finance/merlin/internal/domain"
)

// Next returns b with tx folded in. It never mutates b.
//
// The running mean follows avg' = (avg*n + amount) / (n+1); M2 uses the
// Welford update so the standard deviation stays numerically stable.
// Recent events are kept ordered and trimmed to window relative to the
// latest timestamp seen.
func Next(b domain.Baseline, tx *domain.Transaction, window time.Duration) domain.Baseline {
	out := b.Clone()
	if out.UserID == "" {
		out.UserID = tx.UserID
	}

	n := float64(out.TransactionCount)
	delta := tx.Amount - out.AverageAmount
	out.AverageAmount = (out.AverageAmount*n + tx.Amount) / (n + 1)
	out.M2 += delta * (tx.Amount - out.AverageAmount)

	if out.TransactionCount > 0 {
		if gap := tx.Timestamp.Sub(out.LastTimestamp).Seconds(); gap > 0 {
			out.IntervalSeconds += gap
		}
		if tx.Location != out.LastLocation {
			out.LocationChanges++
		}
	}
	out.TransactionCount++

	if out.LocationCounts == nil {
		out.LocationCounts = make(map[string]uint64)
	}
	if out.CategoryCounts == nil {
		out.CategoryCounts = make(map[string]uint64)
	}
	out.LocationCounts[tx.Location]++
	out.CategoryCounts[tx.MerchantCategory]++

	out.LastLocation = tx.Location
	if tx.Timestamp.After(out.LastTimestamp) {
		out.LastTimestamp = tx.Timestamp
	}

	ev := domain.LocationEvent{Location: tx.Location, Timestamp: tx.Timestamp}
	i := sort.Search(len(out.RecentEvents), func(i int) bool {
		return out.RecentEvents[i].Timestamp.After(ev.Timestamp)
	})
	out.RecentEvents = slices.Insert(out.RecentEvents, i, ev)
	out.RecentEvents = trim(out.RecentEvents, out.LastTimestamp.Add(-window))

	return out
}

// trim drops events strictly older than cutoff. events must be ordered.
func trim(events []domain.LocationEvent, cutoff time.Time) []domain.LocationEvent {
	i := 0
	for i < len(events) && events[i].Timestamp.Before(cutoff) {
		i++
	}
	if i == 0 {
		return events
	}
	return append(events[:0:0], events[i:]...)
}

// Summarize rebuilds a baseline from a user's ledger history by folding
// Next over the transactions in timestamp order. Because it uses the same
// step as the live path, a summary of n transactions equals n incremental
// applications of them.
func Summarize(userID string, history []*domain.Transaction, window time.Duration) domain.Baseline {
	ordered := slices.Clone(history)
	slices.SortStableFunc(ordered, func(a, b *domain.Transaction) int {
		return cmp.Compare(a.Timestamp.UnixNano(), b.Timestamp.UnixNano())
	})

	b := domain.ColdBaseline(userID)
	for _, tx := range ordered {
		if tx == nil {
			continue
		}
		b = Next(b, tx, window)
	}
	return b
}
