// Package rules evaluates CEL risk-indicator rules against a transaction
// and its feature vector. Triggered rules become RiskIndicators attached
// to flagged review items; they never change the anomaly score.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Store persists tenant rule configurations.
type Store interface {
	SaveRuleConfig(ctx context.Context, tenantID string, rule *domain.RuleConfig) error
	ListRuleConfigs(ctx context.Context, tenantID string) ([]*domain.RuleConfig, error)
}

// Engine holds compiled rules per tenant.
type Engine struct {
	mu         sync.RWMutex
	env        *cel.Env
	store      Store
	defaults   []*CompiledRule
	tenants    map[string][]*CompiledRule
	maxWorkers int
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.RuleConfig
	Program cel.Program
}

// Input is what a rule can see.
type Input struct {
	Transaction *domain.Transaction
	Features    *domain.FeatureVector
}

// NewEngine creates an engine. With a store, a tenant's rules are loaded
// on first use and DefaultRules are seeded when the tenant has none;
// without one every tenant runs DefaultRules.
func NewEngine(store Store, maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	opts := []cel.EnvOption{
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("payer", cel.StringType),
		cel.Variable("payee", cel.StringType),
		cel.Variable("category", cel.StringType),
		cel.Variable("memo", cel.StringType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("weekday", cel.IntType),
		cel.Variable("low_confidence", cel.BoolType),
		cel.Variable("payer_history_count", cel.IntType),
		cel.Variable("payer_typical_amount", cel.DoubleType),
	}
	for _, name := range domain.FeatureNames {
		opts = append(opts, cel.Variable(name, cel.DoubleType))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	e := &Engine{
		env:        env,
		store:      store,
		tenants:    make(map[string][]*CompiledRule),
		maxWorkers: maxWorkers,
	}
	e.defaults, err = e.compileAll(DefaultRules())
	if err != nil {
		return nil, fmt.Errorf("builtin rules: %w", err)
	}
	return e, nil
}

// ValidateRule compiles a rule without loading it.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("%w: rule config is required", domain.ErrInvalidInput)
	}
	_, err := e.compileRule(cfg)
	return err
}

// LoadRules replaces the tenant's rule set. Disabled rules are skipped.
// On a compile error the previous set stays in place.
func (e *Engine) LoadRules(tenantID string, configs []*domain.RuleConfig) error {
	compiled, err := e.compileAll(configs)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.tenants[tenantID] = compiled
	e.mu.Unlock()
	return nil
}

// Reload reads the tenant's rules from the store, seeding the defaults
// when it has none.
func (e *Engine) Reload(ctx context.Context, tenantID string) error {
	if e.store == nil {
		return e.LoadRules(tenantID, DefaultRules())
	}

	configs, err := e.store.ListRuleConfigs(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("list rules: %w", err)
	}
	if len(configs) == 0 {
		configs = DefaultRules()
		for _, cfg := range configs {
			if err := e.store.SaveRuleConfig(ctx, tenantID, cfg); err != nil {
				return fmt.Errorf("seed rule %s: %w", cfg.ID, err)
			}
		}
		slog.Info("seeded default rules", "tenant_id", tenantID, "count", len(configs))
	}
	return e.LoadRules(tenantID, configs)
}

// Rules returns the tenant's loaded rule configurations, ordered by id.
func (e *Engine) Rules(ctx context.Context, tenantID string) []*domain.RuleConfig {
	rules := e.rulesFor(ctx, tenantID)
	out := make([]*domain.RuleConfig, len(rules))
	for i, r := range rules {
		out[i] = r.Config
	}
	return out
}

func (e *Engine) rulesFor(ctx context.Context, tenantID string) []*CompiledRule {
	e.mu.RLock()
	rules, ok := e.tenants[tenantID]
	e.mu.RUnlock()
	if ok {
		return rules
	}

	if err := e.Reload(ctx, tenantID); err != nil {
		slog.Error("failed to load tenant rules, using defaults", "tenant_id", tenantID, "error", err)
		return e.defaults
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tenants[tenantID]
}

// Evaluate runs the tenant's rules in parallel and returns the triggered
// indicators ordered by rule id. A rule that fails to evaluate is logged
// and skipped.
func (e *Engine) Evaluate(ctx context.Context, tenantID string, in *Input) []domain.RiskIndicator {
	rules := e.rulesFor(ctx, tenantID)
	if len(rules) == 0 || in == nil || in.Transaction == nil {
		return nil
	}
	activation := newActivation(in)

	results := make([]*domain.RiskIndicator, len(rules))
	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range rules {
		wg.Add(1)
		go func(idx int, r *CompiledRule) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[idx] = evaluateRule(r, activation, in.Transaction.ID)
		}(i, rule)
	}
	wg.Wait()

	var out []domain.RiskIndicator
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

func newActivation(in *Input) map[string]any {
	tx := in.Transaction
	ts := tx.Timestamp.UTC()
	act := map[string]any{
		"amount":               tx.Amount,
		"payer":                tx.Payer,
		"payee":                tx.Payee,
		"category":             tx.Category,
		"memo":                 tx.Memo,
		"hour":                 int64(ts.Hour()),
		"weekday":              int64(ts.Weekday()),
		"low_confidence":       false,
		"payer_history_count":  int64(0),
		"payer_typical_amount": 0.0,
	}
	for _, name := range domain.FeatureNames {
		act[name] = 0.0
	}

	if v := in.Features; v != nil {
		for i, val := range v.Values() {
			act[domain.FeatureNames[i]] = val
		}
		act["low_confidence"] = v.LowConfidence
		act["payer_history_count"] = int64(v.PayerHistoryCount)
		act["payer_typical_amount"] = v.PayerTypicalAmount
	}
	return act
}

func evaluateRule(rule *CompiledRule, activation map[string]any, txID string) *domain.RiskIndicator {
	start := time.Now()

	out, _, err := rule.Program.Eval(activation)
	if err != nil {
		slog.Warn("rule evaluation failed", "rule_id", rule.Config.ID, "tx_id", txID, "error", err)
		return nil
	}

	value := toValue(out)
	if value <= 0 {
		return nil
	}
	return &domain.RiskIndicator{
		RuleID:    rule.Config.ID,
		Name:      rule.Config.Name,
		Severity:  rule.Config.Severity,
		Reason:    rule.Config.Reason,
		Value:     value,
		ProcessMs: time.Since(start).Milliseconds(),
	}
}

// toValue converts a CEL result to a number; true is 1.
func toValue(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1
		}
		return 0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0
	}
}

// Close drops every loaded tenant rule set.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tenants = make(map[string][]*CompiledRule)
	return nil
}

func (e *Engine) compileAll(configs []*domain.RuleConfig) ([]*CompiledRule, error) {
	out := make([]*CompiledRule, 0, len(configs))
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		compiled, err := e.compileRule(cfg)
		if err != nil {
			return nil, err
		}
		out = append(out, compiled)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Config.ID < out[j].Config.ID })
	return out, nil
}

func (e *Engine) compileRule(cfg *domain.RuleConfig) (*CompiledRule, error) {
	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: failed to compile rule %s: %v", domain.ErrInvalidInput, cfg.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("%w: rule %s must return bool, int, or double, got %s", domain.ErrInvalidInput, cfg.ID, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}
	return &CompiledRule{Config: cfg, Program: program}, nil
}
