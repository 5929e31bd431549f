package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/opensource-finance/merlin/internal/baseline"
	"github.com/opensource-finance/merlin/internal/bus"
	"github.com/opensource-finance/merlin/internal/decision"
	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/evaluator"
	"github.com/opensource-finance/merlin/internal/ingest"
	"github.com/opensource-finance/merlin/internal/ledger"
	"github.com/opensource-finance/merlin/internal/rules"
)

func newService(t *testing.T, eventBus domain.EventBus, l domain.Ledger) *ingest.Service {
	t.Helper()

	cfg := domain.DefaultConfig()
	engine, err := rules.NewEngine(cfg.Rules)
	if err != nil {
		t.Fatalf("failed to create rule engine: %v", err)
	}
	ev := evaluator.New(baseline.NewCache(cfg.Rules.LocationWindow), engine, nil, decision.NewCombiner(cfg.Decision))
	return ingest.NewService(ev, l, eventBus)
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	t.Run("StartAndStop", func(t *testing.T) {
		worker := NewWorker(eventBus, newService(t, eventBus, ledger.NewMemory()))

		if err := worker.Start(Config{}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := worker.GetStats()
		if stats.SubscriptionCount != 1 {
			t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
		}
		if stats.Topics[0] != domain.TopicTransactionIngested {
			t.Errorf("expected topic %s, got %s", domain.TopicTransactionIngested, stats.Topics[0])
		}

		if err := worker.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}

		if stats = worker.GetStats(); stats.SubscriptionCount != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
		}
	})

	t.Run("ProcessTransaction", func(t *testing.T) {
		l := ledger.NewMemory()
		w := NewWorker(eventBus, newService(t, eventBus, l))
		if err := w.Start(Config{Topic: "test.ingest"}); err != nil {
			t.Fatal(err)
		}
		defer w.Stop()

		decisions := make(chan []byte, 1)
		eventBus.Subscribe(context.Background(), domain.TopicDecision, func(ctx context.Context, msg *domain.Message) error {
			select {
			case decisions <- msg.Payload:
			default:
			}
			return nil
		})

		amount := 25.0
		payload, _ := json.Marshal(domain.TransactionRequest{
			UserID:           "user-001",
			Amount:           &amount,
			Location:         " us ",
			MerchantCategory: "Grocery",
			Timestamp:        time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		})
		if err := eventBus.Publish(context.Background(), "test.ingest", payload); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		select {
		case raw := <-decisions:
			var ev domain.DecisionEvent
			if err := json.Unmarshal(raw, &ev); err != nil {
				t.Fatalf("invalid decision payload: %v", err)
			}
			if ev.Decision.RiskLevel != domain.RiskHigh {
				t.Errorf("expected high for first transaction, got %s", ev.Decision.RiskLevel)
			}
			if ev.Transaction.Location != "US" || ev.Transaction.MerchantCategory != "grocery" {
				t.Errorf("expected normalized transaction, got %+v", ev.Transaction)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for decision")
		}

		if l.Len() != 1 {
			t.Errorf("expected 1 ledger record, got %d", l.Len())
		}
	})

	t.Run("InvalidPayloadsAreDropped", func(t *testing.T) {
		l := ledger.NewMemory()
		w := NewWorker(eventBus, newService(t, eventBus, l))

		if err := w.handleMessage(context.Background(), &domain.Message{ID: "m1", Payload: []byte("{not json")}); err == nil {
			t.Error("expected parse error")
		}

		payload, _ := json.Marshal(map[string]any{"user_id": "u1", "location": "US"})
		err := w.handleMessage(context.Background(), &domain.Message{ID: "m2", Payload: payload})
		if !domain.IsValidation(err) {
			t.Errorf("expected validation error, got %v", err)
		}

		if l.Len() != 0 {
			t.Errorf("expected nothing recorded, got %d", l.Len())
		}
	})
}
