// Package rules provides the CEL-Go based account rule engine.
//
// Rules run after scoring. They explain why a flagged account deserves
// attention and never change its score, flags or ring membership.
package rules

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/heron/internal/domain"
)

// Engine is the CEL-based rule evaluation engine.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules map[string]*CompiledRule
	maxWorkers    int
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.RuleConfig
	Program cel.Program
}

// NewEngine creates a new rule evaluation engine.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	// Create CEL environment with account variables
	env, err := cel.NewEnv(
		cel.Variable("account_id", cel.StringType),
		cel.Variable("score", cel.IntType),
		cel.Variable("flags", cel.ListType(cel.StringType)),
		cel.Variable("unique_senders", cel.IntType),
		cel.Variable("in_degree", cel.IntType),
		cel.Variable("out_degree", cel.IntType),
		cel.Variable("total_in", cel.DoubleType),
		cel.Variable("total_out", cel.DoubleType),
		cel.Variable("is_hub", cel.BoolType),
		cel.Variable("is_cycle_member", cel.BoolType),
		cel.Variable("is_pass_through", cel.BoolType),
		cel.Variable("ring_size", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:           env,
		compiledRules: make(map[string]*CompiledRule),
		maxWorkers:    maxWorkers,
	}, nil
}

// ValidateRule compiles and validates a rule without mutating loaded engine rules.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles and loads a rule into the engine.
func (e *Engine) LoadRule(cfg *domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}

	e.compiledRules[cfg.ID] = compiled

	return nil
}

// LoadRules compiles and loads multiple rules.
func (e *Engine) LoadRules(configs []*domain.RuleConfig) error {
	for _, cfg := range configs {
		if cfg.Enabled {
			if err := e.LoadRule(cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

// AccountInput holds one scored account for rule evaluation.
type AccountInput struct {
	AccountID     string
	Score         int
	Flags         []string
	UniqueSenders int
	InDegree      int
	OutDegree     int
	TotalIn       float64
	TotalOut      float64
	IsHub         bool
	IsCycleMember bool
	IsPassThrough bool
	RingSize      int
}

func (in *AccountInput) activation() map[string]any {
	flags := in.Flags
	if flags == nil {
		flags = []string{}
	}
	return map[string]any{
		"account_id":      in.AccountID,
		"score":           int64(in.Score),
		"flags":           flags,
		"unique_senders":  int64(in.UniqueSenders),
		"in_degree":       int64(in.InDegree),
		"out_degree":      int64(in.OutDegree),
		"total_in":        in.TotalIn,
		"total_out":       in.TotalOut,
		"is_hub":          in.IsHub,
		"is_cycle_member": in.IsCycleMember,
		"is_pass_through": in.IsPassThrough,
		"ring_size":       int64(in.RingSize),
	}
}

// RuleSet is an immutable snapshot of the loaded rules in id order. Reloads
// never change a snapshot that was already taken.
type RuleSet struct {
	rules      []*CompiledRule
	maxWorkers int
}

// Snapshot returns the rules loaded right now.
func (e *Engine) Snapshot() *RuleSet {
	return &RuleSet{rules: e.sortedRules(), maxWorkers: e.maxWorkers}
}

// Len returns the number of rules in the snapshot.
func (s *RuleSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// Configs returns the snapshot's rule configurations in id order.
func (s *RuleSet) Configs() []*domain.RuleConfig {
	configs := make([]*domain.RuleConfig, 0, s.Len())
	if s == nil {
		return configs
	}
	for _, compiled := range s.rules {
		configs = append(configs, compiled.Config)
	}
	return configs
}

// EvaluateAll evaluates every loaded rule against every account.
func (e *Engine) EvaluateAll(ctx context.Context, accounts []AccountInput) (map[string][]domain.RuleResult, error) {
	return e.Snapshot().EvaluateAll(ctx, accounts)
}

// EvaluateAll evaluates every rule in the snapshot against every account.
// Accounts are evaluated in parallel, at most maxWorkers at a time; each
// account's results are returned in rule id order.
func (s *RuleSet) EvaluateAll(ctx context.Context, accounts []AccountInput) (map[string][]domain.RuleResult, error) {
	results := make(map[string][]domain.RuleResult, len(accounts))
	if s.Len() == 0 || len(accounts) == 0 {
		return results, nil
	}

	perAccount := make([][]domain.RuleResult, len(accounts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxWorkers)

	for i := range accounts {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			input := &accounts[i]
			activation := input.activation()
			out := make([]domain.RuleResult, 0, len(s.rules))
			for _, r := range s.rules {
				out = append(out, evaluateRule(r, activation, input.AccountID))
			}
			perAccount[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, acct := range accounts {
		results[acct.AccountID] = perAccount[i]
	}
	return results, nil
}

// Alerts reduces rule results to the reasons worth surfacing per account.
func Alerts(results map[string][]domain.RuleResult) map[string][]string {
	alerts := make(map[string][]string)
	for id, rs := range results {
		for _, r := range rs {
			if r.IsAlert() {
				alerts[id] = append(alerts[id], fmt.Sprintf("%s: %s", r.RuleID, r.Reason))
			}
		}
	}
	return alerts
}

// evaluateRule evaluates a single rule and returns the result.
func evaluateRule(rule *CompiledRule, activation map[string]any, accountID string) domain.RuleResult {
	result := domain.RuleResult{
		RuleID:    rule.Config.ID,
		AccountID: accountID,
	}

	out, _, err := rule.Program.Eval(activation)
	if err != nil {
		result.SubRuleRef = domain.RuleOutcomeError
		result.Reason = fmt.Sprintf("evaluation error: %v", err)
		return result
	}

	value := toValue(out)
	result.Value = value
	result.SubRuleRef, result.Reason = matchBand(value, rule.Config.Bands)

	return result
}

// toValue converts a CEL value to a number.
func toValue(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}

// matchBand finds the first band containing value.
// Lower bounds are inclusive, upper bounds exclusive, nil means unbounded.
func matchBand(value float64, bands []domain.RuleBand) (string, string) {
	for _, band := range bands {
		if band.LowerLimit != nil && value < *band.LowerLimit {
			continue
		}
		if band.UpperLimit != nil && value >= *band.UpperLimit {
			continue
		}
		return band.SubRuleRef, band.Reason
	}

	// Default to pass if no band matches
	return domain.RuleOutcomePass, "no matching band"
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// ReloadRules clears all existing rules and loads new ones.
// This enables hot-reloading of rules from the database.
func (e *Engine) ReloadRules(configs []*domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	newRules := make(map[string]*CompiledRule)

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		newRules[cfg.ID] = compiled
	}

	e.compiledRules = newRules

	return nil
}

// GetLoadedRules returns the currently loaded rule configurations in id order.
func (e *Engine) GetLoadedRules() []*domain.RuleConfig {
	return e.Snapshot().Configs()
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[string]*CompiledRule)
	return nil
}

func (e *Engine) sortedRules() []*CompiledRule {
	e.mu.RLock()
	rules := make([]*CompiledRule, 0, len(e.compiledRules))
	for _, rule := range e.compiledRules {
		rules = append(rules, rule)
	}
	e.mu.RUnlock()

	slices.SortFunc(rules, func(a, b *CompiledRule) int {
		return strings.Compare(a.Config.ID, b.Config.ID)
	})
	return rules
}

func (e *Engine) compileRule(cfg *domain.RuleConfig) (*CompiledRule, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("%w: rule id is required", domain.ErrInvalidInput)
	}

	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("rule %s: expression must return bool, int, or double, got %s", cfg.ID, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}
