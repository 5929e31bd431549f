// Package rules provides the CEL-Go based rule evaluation engine.
package rules

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/merlin/internal/domain"
)

// Rule is a named boolean CEL expression with the reason reported when it triggers.
type Rule struct {
	Name       string
	Expression string
	Reason     string
}

// Reasons reported by the built-in rules.
const (
	ReasonHighAmount        = "Transaction amount is greater than high amount threshold"
	ReasonMultipleOfAverage = "Transaction amount is multiple times greater than average amount"
	ReasonLocationChange    = "Transaction is not in the same location of the last transactions during the last hour window"
)

// BuiltinRules returns the three deterministic rules in definition order.
func BuiltinRules() []Rule {
	return []Rule{
		{
			Name:       domain.RuleHighAmount,
			Expression: "amount > high_amount_threshold",
			Reason:     ReasonHighAmount,
		},
		{
			Name:       domain.RuleMultipleOfAverage,
			Expression: "transaction_count > 0 && amount > multiple_avg_threshold * average_amount",
			Reason:     ReasonMultipleOfAverage,
		},
		{
			Name:       domain.RuleLocationChange,
			Expression: "has_recent_events ? !same_location_in_window : no_history_triggers",
			Reason:     ReasonLocationChange,
		},
	}
}

// Engine is the CEL-based rule evaluation engine.
// Rules are compiled once; Evaluate is a pure function of its inputs.
type Engine struct {
	env   *cel.Env
	rules []compiledRule
	cfg   domain.RulesConfig
}

type compiledRule struct {
	Rule
	program cel.Program
}

// NewEngine creates an engine with the built-in rules.
func NewEngine(cfg domain.RulesConfig) (*Engine, error) {
	return NewEngineWithRules(cfg, BuiltinRules())
}

// NewEngineWithRules creates an engine evaluating rules in the given order.
func NewEngineWithRules(cfg domain.RulesConfig, rules []Rule) (*Engine, error) {
	// Create CEL environment with transaction and baseline variables
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("location", cel.StringType),
		cel.Variable("merchant_category", cel.StringType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("average_amount", cel.DoubleType),
		cel.Variable("transaction_count", cel.IntType),
		cel.Variable("has_recent_events", cel.BoolType),
		cel.Variable("same_location_in_window", cel.BoolType),
		cel.Variable("high_amount_threshold", cel.DoubleType),
		cel.Variable("multiple_avg_threshold", cel.DoubleType),
		cel.Variable("no_history_triggers", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	e := &Engine{env: env, cfg: cfg}
	for _, r := range rules {
		compiled, err := e.compileRule(r)
		if err != nil {
			return nil, err
		}
		e.rules = append(e.rules, compiled)
	}
	return e, nil
}

// Evaluate runs every rule against the transaction and a baseline snapshot.
// Outcomes are returned in rule definition order, triggered or not.
func (e *Engine) Evaluate(tx *domain.Transaction, b domain.Baseline) ([]domain.RuleOutcome, error) {
	activation := e.activation(tx, b)

	outcomes := make([]domain.RuleOutcome, 0, len(e.rules))
	for _, r := range e.rules {
		out, _, err := r.program.Eval(activation)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate rule %s: %w", r.Name, err)
		}

		triggered, ok := out.(types.Bool)
		if !ok {
			return nil, fmt.Errorf("rule %s: expected bool result, got %s", r.Name, out.Type().TypeName())
		}

		outcome := domain.RuleOutcome{Name: r.Name, Triggered: bool(triggered)}
		if outcome.Triggered {
			outcome.Reason = r.Reason
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

// activation prepares the CEL variables. Window membership is resolved here
// so expressions stay simple boolean logic.
func (e *Engine) activation(tx *domain.Transaction, b domain.Baseline) map[string]any {
	events := b.EventsWithin(tx.Timestamp, e.cfg.LocationWindow)
	sameLocation := false
	for _, ev := range events {
		if ev.Location == tx.Location {
			sameLocation = true
			break
		}
	}

	return map[string]any{
		"amount":                  tx.Amount,
		"location":                tx.Location,
		"merchant_category":       tx.MerchantCategory,
		"hour":                    int64(tx.Timestamp.UTC().Hour()),
		"average_amount":          b.AverageAmount,
		"transaction_count":       int64(b.TransactionCount),
		"has_recent_events":       len(events) > 0,
		"same_location_in_window": sameLocation,
		"high_amount_threshold":   e.cfg.HighAmountThreshold,
		"multiple_avg_threshold":  e.cfg.MultipleAvgThreshold,
		"no_history_triggers":     e.cfg.NoHistoryTriggers,
	}
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	return len(e.rules)
}

// Names returns rule names in evaluation order.
func (e *Engine) Names() []string {
	names := make([]string, len(e.rules))
	for i, r := range e.rules {
		names[i] = r.Name
	}
	return names
}

func (e *Engine) compileRule(r Rule) (compiledRule, error) {
	ast, issues := e.env.Compile(r.Expression)
	if issues != nil && issues.Err() != nil {
		return compiledRule{}, fmt.Errorf("failed to compile rule %s: %w", r.Name, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return compiledRule{}, fmt.Errorf("rule %s: expression must return bool, got %s", r.Name, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return compiledRule{}, fmt.Errorf("failed to create program for rule %s: %w", r.Name, err)
	}

	return compiledRule{Rule: r, program: program}, nil
}
