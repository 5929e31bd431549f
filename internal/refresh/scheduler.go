// Package refresh reconciles cached baselines against the ledger on a fixed interval.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/merlin/internal/baseline"
	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/metrics"
)

// History is the slice of the ledger the scheduler reads.
type History interface {
	ListUsers(ctx context.Context) ([]string, error)
	QueryHistory(ctx context.Context, userID string, since time.Time) ([]*domain.Transaction, error)
}

// MirrorWriter receives every refreshed baseline. Optional.
type MirrorWriter interface {
	Save(ctx context.Context, b domain.Baseline) error
}

// Report summarizes one refresh cycle.
type Report struct {
	Users     int
	Refreshed int
	Failed    int
	Duration  time.Duration
}

// Scheduler periodically rebuilds user baselines from ledger history.
type Scheduler struct {
	history History
	cache   *baseline.Cache
	mirror  MirrorWriter
	cfg     domain.RefreshConfig
	now     func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewScheduler creates a scheduler. mirror may be nil.
func NewScheduler(history History, cache *baseline.Cache, mirror MirrorWriter, cfg domain.RefreshConfig) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Scheduler{
		history: history,
		cache:   cache,
		mirror:  mirror,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Start runs one cycle immediately and then one per interval until Stop
// is called or ctx is cancelled. Calling Start twice is an error.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("scheduler already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.loop(ctx, s.done)

	slog.Info("refresh scheduler started",
		"interval", s.cfg.Interval.String(),
		"workers", s.cfg.Workers,
	)
	return nil
}

// Stop cancels the loop and waits for the in-flight cycle to finish.
// Users not yet refreshed keep their current baseline.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	done := s.done
	s.running = false
	s.mu.Unlock()

	<-done
	slog.Info("refresh scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunCycle(ctx); err != nil && ctx.Err() == nil {
			slog.Error("refresh cycle failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunCycle refreshes every user known to the ledger or the cache once. A failure for one
// user is logged and counted; it never stops the others. The returned error
// is non-nil only when the user list itself cannot be read.
func (s *Scheduler) RunCycle(ctx context.Context) (Report, error) {
	start := time.Now()
	var report Report

	ledgerUsers, err := s.history.ListUsers(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list users: %w", err)
	}

	// Cached users missing from the ledger are reset from their (empty) history.
	known := make(map[string]struct{}, len(ledgerUsers))
	users := make([]string, 0, len(ledgerUsers))
	for _, userID := range ledgerUsers {
		known[userID] = struct{}{}
		users = append(users, userID)
	}
	for _, userID := range s.cache.Users() {
		if _, ok := known[userID]; !ok {
			users = append(users, userID)
		}
	}
	report.Users = len(users)

	var since time.Time
	if s.cfg.HistoryWindow > 0 {
		since = s.now().Add(-s.cfg.HistoryWindow)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		refreshed int
		failed    int
	)
	sem := make(chan struct{}, s.cfg.Workers)

dispatch:
	for _, userID := range users {
		select {
		case <-ctx.Done():
			break dispatch
		case sem <- struct{}{}: // Acquire
		}

		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			defer func() { <-sem }() // Release

			err := s.refreshUser(ctx, userID, since)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				metrics.RefreshUserFailuresTotal.Inc()
				slog.Warn("baseline refresh failed",
					"user_id", userID,
					"error", err,
				)
				return
			}
			refreshed++
		}(userID)
	}
	wg.Wait()

	report.Refreshed = refreshed
	report.Failed = failed
	report.Duration = time.Since(start)

	metrics.RefreshCyclesTotal.Inc()
	metrics.RefreshCycleDuration.Observe(report.Duration.Seconds())
	metrics.BaselineUsers.Set(float64(s.cache.Len()))

	slog.Info("refresh cycle completed",
		"users", report.Users,
		"refreshed", report.Refreshed,
		"failed", report.Failed,
		"duration_ms", report.Duration.Milliseconds(),
	)

	return report, ctx.Err()
}

// refreshUser installs the ledger-derived baseline for one user. The cache
// is only touched after the history read succeeds, so a failed read leaves
// the previous baseline in place.
func (s *Scheduler) refreshUser(ctx context.Context, userID string, since time.Time) error {
	history, err := s.history.QueryHistory(ctx, userID, since)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	summary := baseline.Summarize(userID, history, s.cache.Window())
	s.cache.Refresh(userID, summary)

	if s.mirror != nil {
		if err := s.mirror.Save(ctx, summary); err != nil {
			// The in-process baseline is already authoritative.
			slog.Warn("failed to mirror baseline",
				"user_id", userID,
				"error", err,
			)
		}
	}

	slog.Debug("baseline refreshed",
		"user_id", userID,
		"transaction_count", summary.TransactionCount,
	)
	return nil
}
