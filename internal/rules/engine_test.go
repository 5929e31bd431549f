package rules

import (
	"reflect"
	"testing"
	"time"

	"github.com/opensource-finance/merlin/internal/baseline"
	"github.com/opensource-finance/merlin/internal/domain"
)

var t0 = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

func defaultRulesConfig() domain.RulesConfig {
	return domain.DefaultConfig().Rules
}

func newTx(amount float64, location string, at time.Time) *domain.Transaction {
	return &domain.Transaction{
		UserID:           "u1",
		Amount:           amount,
		Location:         location,
		MerchantCategory: "grocery",
		Timestamp:        at,
	}
}

func triggered(outcomes []domain.RuleOutcome) map[string]bool {
	m := make(map[string]bool, len(outcomes))
	for _, o := range outcomes {
		m[o.Name] = o.Triggered
	}
	return m
}

// history builds a baseline by applying transactions in order.
func history(txs ...*domain.Transaction) domain.Baseline {
	return baseline.Summarize("u1", txs, time.Hour)
}

func TestEngineCreation(t *testing.T) {
	engine, err := NewEngine(defaultRulesConfig())
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	if engine.RulesCount() != 3 {
		t.Errorf("expected 3 rules, got %d", engine.RulesCount())
	}
	want := []string{domain.RuleHighAmount, domain.RuleMultipleOfAverage, domain.RuleLocationChange}
	if !reflect.DeepEqual(engine.Names(), want) {
		t.Errorf("unexpected rule order: %v", engine.Names())
	}
}

func TestInvalidRules(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
	}{
		{"syntax", Rule{Name: "bad", Expression: "this is not valid CEL !!!"}},
		{"non-bool", Rule{Name: "num", Expression: "amount * 2.0"}},
		{"unknown variable", Rule{Name: "unk", Expression: "balance > 0.0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewEngineWithRules(defaultRulesConfig(), []Rule{tt.rule}); err == nil {
				t.Error("expected compile error")
			}
		})
	}
}

func TestHighAmountBoundary(t *testing.T) {
	engine, _ := NewEngine(defaultRulesConfig())
	b := history(newTx(4000, "US", t0))

	tests := []struct {
		amount float64
		want   bool
	}{
		{4999.99, false},
		{5000, false},
		{5000.01, true},
		{5001, true},
	}

	for _, tt := range tests {
		outcomes, err := engine.Evaluate(newTx(tt.amount, "US", t0.Add(time.Minute)), b)
		if err != nil {
			t.Fatalf("evaluate failed: %v", err)
		}
		if got := triggered(outcomes)[domain.RuleHighAmount]; got != tt.want {
			t.Errorf("amount %.2f: expected high_amount=%v, got %v", tt.amount, tt.want, got)
		}
	}
}

func TestMultipleOfAverage(t *testing.T) {
	engine, _ := NewEngine(defaultRulesConfig())

	t.Run("ColdBaselineNeverTriggers", func(t *testing.T) {
		outcomes, err := engine.Evaluate(newTx(1_000_000, "US", t0), domain.ColdBaseline("u1"))
		if err != nil {
			t.Fatalf("evaluate failed: %v", err)
		}
		if triggered(outcomes)[domain.RuleMultipleOfAverage] {
			t.Error("multiple_of_average must not trigger without history")
		}
	})

	t.Run("Average90Amount1000", func(t *testing.T) {
		b := history(newTx(80, "US", t0), newTx(100, "US", t0.Add(time.Minute)))
		outcomes, err := engine.Evaluate(newTx(1000, "US", t0.Add(2*time.Minute)), b)
		if err != nil {
			t.Fatalf("evaluate failed: %v", err)
		}
		if !triggered(outcomes)[domain.RuleMultipleOfAverage] {
			t.Error("expected multiple_of_average to trigger for 1000 vs average 90")
		}
	})

	t.Run("ExactlyTenTimes", func(t *testing.T) {
		b := history(newTx(90, "US", t0))
		outcomes, _ := engine.Evaluate(newTx(900, "US", t0.Add(time.Minute)), b)
		if triggered(outcomes)[domain.RuleMultipleOfAverage] {
			t.Error("strict comparison: 900 is not greater than 10 x 90")
		}
	})
}

func TestLocationChange(t *testing.T) {
	engine, _ := NewEngine(defaultRulesConfig())

	t.Run("FirstTransaction", func(t *testing.T) {
		outcomes, _ := engine.Evaluate(newTx(25, "US", t0), domain.ColdBaseline("u1"))
		o := outcomes[2]
		if !o.Triggered || o.Reason != ReasonLocationChange {
			t.Errorf("expected location rule to trigger on first transaction, got %+v", o)
		}
	})

	t.Run("USThenGBThenGB", func(t *testing.T) {
		first := newTx(20, "US", t0)
		second := newTx(20, "GB", t0.Add(30*time.Minute))
		third := newTx(20, "GB", t0.Add(35*time.Minute))

		outcomes, _ := engine.Evaluate(second, history(first))
		if !triggered(outcomes)[domain.RuleLocationChange] {
			t.Error("GB after US within the hour should trigger")
		}

		outcomes, _ = engine.Evaluate(third, history(first, second))
		if triggered(outcomes)[domain.RuleLocationChange] {
			t.Error("GB after GB within the hour should not trigger")
		}
	})

	t.Run("SameLocationOutsideWindow", func(t *testing.T) {
		old := newTx(20, "US", t0)
		outcomes, _ := engine.Evaluate(newTx(20, "US", t0.Add(2*time.Hour)), history(old))
		if !triggered(outcomes)[domain.RuleLocationChange] {
			t.Error("no in-window event means no confirmable continuity")
		}
	})

	t.Run("NoHistoryPolicyDisabled", func(t *testing.T) {
		cfg := defaultRulesConfig()
		cfg.NoHistoryTriggers = false
		lenient, err := NewEngine(cfg)
		if err != nil {
			t.Fatalf("failed to create engine: %v", err)
		}

		outcomes, _ := lenient.Evaluate(newTx(25, "US", t0), domain.ColdBaseline("u1"))
		if triggered(outcomes)[domain.RuleLocationChange] {
			t.Error("location rule must not trigger without history when policy is disabled")
		}

		// a real mismatch still triggers
		outcomes, _ = lenient.Evaluate(newTx(25, "GB", t0.Add(time.Minute)), history(newTx(25, "US", t0)))
		if !triggered(outcomes)[domain.RuleLocationChange] {
			t.Error("in-window location mismatch must trigger regardless of policy")
		}
	})
}

func TestRulesIndependent(t *testing.T) {
	engine, _ := NewEngine(defaultRulesConfig())
	b := history(newTx(100, "US", t0))

	outcomes, err := engine.Evaluate(newTx(6000, "GB", t0.Add(10*time.Minute)), b)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}

	for _, o := range outcomes {
		if !o.Triggered {
			t.Errorf("expected %s to trigger", o.Name)
		}
	}
	if outcomes[0].Reason != ReasonHighAmount || outcomes[1].Reason != ReasonMultipleOfAverage || outcomes[2].Reason != ReasonLocationChange {
		t.Errorf("reasons out of definition order: %+v", outcomes)
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	engine, _ := NewEngine(defaultRulesConfig())
	b := history(newTx(100, "US", t0), newTx(120, "FR", t0.Add(5*time.Minute)))
	in := newTx(1500, "FR", t0.Add(10*time.Minute))

	first, err := engine.Evaluate(in, b)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	for i := 0; i < 50; i++ {
		again, _ := engine.Evaluate(in, b)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d differs: %+v vs %+v", i, first, again)
		}
	}
}

func TestCustomRule(t *testing.T) {
	engine, err := NewEngineWithRules(defaultRulesConfig(), []Rule{
		{Name: "night_travel", Expression: `merchant_category == "travel" && hour < 6`, Reason: "night travel purchase"},
	})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	in := newTx(10, "US", time.Date(2025, 3, 14, 3, 0, 0, 0, time.UTC))
	in.MerchantCategory = "travel"

	outcomes, err := engine.Evaluate(in, domain.ColdBaseline("u1"))
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if len(outcomes) != 1 || !outcomes[0].Triggered || outcomes[0].Reason != "night travel purchase" {
		t.Errorf("unexpected outcome: %+v", outcomes)
	}
}
