package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/merlin/internal/bus"
	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/ledger"
	"github.com/opensource-finance/merlin/internal/metrics"
)

type stubEvaluator struct {
	decision *domain.Decision
	err      error
	calls    int
}

func (s *stubEvaluator) Evaluate(ctx context.Context, tx *domain.Transaction) (*domain.Decision, error) {
	s.calls++
	return s.decision, s.err
}

type downLedger struct {
	*ledger.MemoryLedger
}

func (downLedger) Insert(ctx context.Context, tx *domain.Transaction, d *domain.Decision) (*domain.Record, error) {
	return nil, errors.New("connection refused")
}

func sampleTx() *domain.Transaction {
	return &domain.Transaction{
		UserID:           "u1",
		Amount:           42,
		Location:         "US",
		MerchantCategory: "grocery",
		Timestamp:        time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func subscribe(t *testing.T, b domain.EventBus, topic string) <-chan *domain.Message {
	t.Helper()
	ch := make(chan *domain.Message, 4)
	_, err := b.Subscribe(context.Background(), topic, func(ctx context.Context, msg *domain.Message) error {
		ch <- msg
		return nil
	})
	require.NoError(t, err)
	return ch
}

func TestProcessPersistsAndPublishes(t *testing.T) {
	l := ledger.NewMemory()
	b := bus.NewChannelBus(10)
	defer b.Close()

	decisions := subscribe(t, b, domain.TopicDecision)
	alerts := subscribe(t, b, domain.TopicAlert)

	score := -0.8
	ev := &stubEvaluator{decision: &domain.Decision{
		RiskLevel: domain.RiskHigh,
		Reasons:   []string{"ML model flagged transaction as high anomaly"},
		MLScore:   &score,
	}}
	svc := NewService(ev, l, b)

	res, err := svc.Process(context.Background(), sampleTx())
	require.NoError(t, err)
	require.NotNil(t, res.Record)
	assert.NotEmpty(t, res.Record.ID)
	assert.True(t, res.Record.IsFlagged)
	assert.Equal(t, 1, l.Len())

	select {
	case msg := <-decisions:
		var ev domain.DecisionEvent
		require.NoError(t, json.Unmarshal(msg.Payload, &ev))
		assert.Equal(t, res.Record.ID, ev.RecordID)
		assert.Equal(t, domain.RiskHigh, ev.Decision.RiskLevel)
		assert.Equal(t, "u1", ev.Transaction.UserID)
	case <-time.After(time.Second):
		t.Fatal("no decision event")
	}

	select {
	case <-alerts:
	case <-time.After(time.Second):
		t.Fatal("no alert event for a high risk decision")
	}

	flagged, err := svc.Flagged(context.Background(), "u1", 10)
	require.NoError(t, err)
	assert.Len(t, flagged, 1)
}

func TestProcessLowRiskDoesNotAlert(t *testing.T) {
	b := bus.NewChannelBus(10)
	defer b.Close()
	alerts := subscribe(t, b, domain.TopicAlert)

	ev := &stubEvaluator{decision: &domain.Decision{RiskLevel: domain.RiskLow, Reasons: []string{}}}
	_, err := NewService(ev, ledger.NewMemory(), b).Process(context.Background(), sampleTx())
	require.NoError(t, err)

	select {
	case <-alerts:
		t.Fatal("unexpected alert for a low risk decision")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestProcessLedgerFailure(t *testing.T) {
	before := testutil.ToFloat64(metrics.LedgerWriteFailuresTotal)

	ev := &stubEvaluator{decision: &domain.Decision{RiskLevel: domain.RiskMedium, Reasons: []string{}}}
	svc := NewService(ev, downLedger{ledger.NewMemory()}, nil)

	res, err := svc.Process(context.Background(), sampleTx())
	require.ErrorIs(t, err, domain.ErrLedgerUnavailable)
	require.NotNil(t, res)
	assert.Nil(t, res.Record)
	assert.Equal(t, domain.RiskMedium, res.Decision.RiskLevel)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.LedgerWriteFailuresTotal))
}

func TestProcessEvaluationError(t *testing.T) {
	l := ledger.NewMemory()
	ev := &stubEvaluator{err: domain.ErrSchemaMismatch}

	_, err := NewService(ev, l, nil).Process(context.Background(), sampleTx())
	require.ErrorIs(t, err, domain.ErrSchemaMismatch)
	assert.Zero(t, l.Len(), "nothing is written when evaluation fails")
}

func TestProcessClosedBusIsBestEffort(t *testing.T) {
	b := bus.NewChannelBus(10)
	require.NoError(t, b.Close())

	ev := &stubEvaluator{decision: &domain.Decision{RiskLevel: domain.RiskHigh, Reasons: []string{"r"}}}
	res, err := NewService(ev, ledger.NewMemory(), b).Process(context.Background(), sampleTx())
	require.NoError(t, err)
	assert.NotNil(t, res.Record)
}
