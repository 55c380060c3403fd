// Package guardrails enforces tenant-level CEL guardrail rules. Guardrails
// run before stored policies: they are the tenant's constitution, and a
// guardrail violation denies the intent regardless of what the policy set
// would decide.
package guardrails

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/covenant-labs/covenant/pkg/policy"
)

// Rule is one named guardrail expression. Expressions must evaluate to
// bool; a non-bool result or an evaluation error denies (fail closed).
type Rule struct {
	ID         string `json:"id"`
	Expression string `json:"expression"`
	Message    string `json:"message,omitempty"`
}

// Verdict is the outcome of a guardrail check.
type Verdict struct {
	Allowed      bool   `json:"allowed"`
	ViolatedRule string `json:"violated_rule,omitempty"`
	Message      string `json:"message,omitempty"`
}

// Engine compiles and evaluates guardrail rules with a program cache.
type Engine struct {
	env    *cel.Env
	logger *slog.Logger

	mu       sync.RWMutex
	programs map[string]cel.Program
	rules    map[string][]Rule // tenant id -> rules
}

// NewEngine builds the CEL environment guardrail expressions run in. The
// variables mirror the policy evaluation context.
func NewEngine(logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	env, err := cel.NewEnv(
		cel.Variable("intent", cel.DynType),
		cel.Variable("entity", cel.DynType),
		cel.Variable("environment", cel.DynType),
		cel.Variable("timestamp", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("create guardrail environment: %w", err)
	}
	return &Engine{
		env:      env,
		logger:   logger,
		programs: make(map[string]cel.Program),
		rules:    make(map[string][]Rule),
	}, nil
}

// SetRules replaces a tenant's guardrail set. Each expression is compiled
// eagerly so a broken rule is rejected at configuration time, not at
// decision time.
func (e *Engine) SetRules(tenantID string, rules []Rule) error {
	for _, r := range rules {
		if _, err := e.program(r.Expression); err != nil {
			return fmt.Errorf("guardrail %s: %w", r.ID, err)
		}
	}
	e.mu.Lock()
	e.rules[tenantID] = append([]Rule(nil), rules...)
	e.mu.Unlock()
	return nil
}

// Rules returns a tenant's current guardrail set.
func (e *Engine) Rules(tenantID string) []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Rule(nil), e.rules[tenantID]...)
}

// Check evaluates every guardrail for the tenant against the evaluation
// context. The first violated rule produces a denying verdict; evaluation
// errors also deny.
func (e *Engine) Check(ctx context.Context, tenantID string, ec *policy.EvaluationContext) Verdict {
	_ = ctx
	e.mu.RLock()
	rules := e.rules[tenantID]
	e.mu.RUnlock()
	if len(rules) == 0 {
		return Verdict{Allowed: true}
	}

	m := ec.AsMap()
	input := map[string]any{
		"intent":      m["intent"],
		"entity":      m["entity"],
		"environment": m["environment"],
		"timestamp":   ec.Environment.Timestamp.Unix(),
	}

	for _, r := range rules {
		ok, err := e.evaluate(r.Expression, input)
		if err != nil {
			e.logger.Warn("guardrail evaluation failed, denying",
				"tenant_id", tenantID, "rule", r.ID, "error", err)
			return Verdict{Allowed: false, ViolatedRule: r.ID, Message: "guardrail evaluation failed"}
		}
		if !ok {
			msg := r.Message
			if msg == "" {
				msg = "guardrail " + r.ID + " violated"
			}
			return Verdict{Allowed: false, ViolatedRule: r.ID, Message: msg}
		}
	}
	return Verdict{Allowed: true}
}

func (e *Engine) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.programs[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.programs[expr]; hit {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.programs[expr] = prg
	return prg, nil
}

func (e *Engine) evaluate(expr string, input map[string]any) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("guardrail result is %T, want bool", out.Value())
	}
	return b, nil
}
