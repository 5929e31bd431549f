// Package worker consumes transactions published on the event bus and runs
// them through the same ingest path as the HTTP API.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/ingest"
)

// Processor handles one normalized transaction.
type Processor interface {
	Process(ctx context.Context, tx *domain.Transaction) (*ingest.Result, error)
}

// Worker processes transactions asynchronously from the EventBus.
type Worker struct {
	bus       domain.EventBus
	processor Processor

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// Topic to consume; defaults to domain.TopicTransactionIngested.
	Topic string
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, processor Processor) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       bus,
		processor: processor,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to the ingest topic.
func (w *Worker) Start(cfg Config) error {
	topic := cfg.Topic
	if topic == "" {
		topic = domain.TopicTransactionIngested
	}

	sub, err := w.bus.Subscribe(w.ctx, topic, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("ingest worker started", "topic", topic)
	return nil
}

// handleMessage decodes a transaction request and processes it. Malformed
// and invalid payloads are logged and dropped.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var req domain.TransactionRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Error("failed to parse transaction message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	tx, err := req.ToTransaction()
	if err != nil {
		slog.Warn("rejected transaction message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	res, err := w.processor.Process(ctx, tx)
	if err != nil {
		slog.Error("failed to process transaction message",
			"message_id", msg.ID,
			"user_id", tx.UserID,
			"error", err,
		)
		return err
	}

	slog.Info("transaction processed",
		"message_id", msg.ID,
		"user_id", tx.UserID,
		"record_id", res.Record.ID,
		"risk_level", res.Decision.RiskLevel,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop unsubscribes and cancels in-flight handlers.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("ingest worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
