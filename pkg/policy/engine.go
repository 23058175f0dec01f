package policy

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/teamsync/pkg/engine"
)

// Engine evaluates Rego policies against plans. It implements
// engine.PlanGuard.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	limits   Limits
	logger   zerolog.Logger
	now      func() time.Time
}

// compiledPolicy is a policy with its deny query prepared for evaluation.
type compiledPolicy struct {
	policy  Policy
	query   rego.PreparedEvalQuery
	builtin bool
}

var _ engine.PlanGuard = (*Engine)(nil)

// NewEngine creates a policy engine loaded with the built-in policies.
func NewEngine(logger zerolog.Logger, limits Limits) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		limits:   limits,
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		now:      time.Now,
	}

	ctx := context.Background()
	for _, p := range BuiltinPolicies() {
		cp, err := compile(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
		cp.builtin = true
		e.policies[p.Name] = cp
	}

	e.logger.Debug().Int("count", len(e.policies)).Msg("Built-in policies loaded")
	return e, nil
}

// LoadPolicies loads policy files and adds them to the engine. A file
// policy replaces a built-in of the same name.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.replace(ctx, policies)
}

// Watch reloads the file policies whenever a file under paths changes.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	return NewLoader(e.logger).Watch(ctx, paths, func(policies []Policy) error {
		return e.replace(ctx, policies)
	})
}

// replace compiles policies and swaps them in for every non built-in
// policy. Nothing changes if any policy fails to compile.
func (e *Engine) replace(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for _, p := range policies {
		cp, err := compile(ctx, p)
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled[p.Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name, cp := range e.policies {
		if !cp.builtin {
			delete(e.policies, name)
		}
	}
	for _, p := range BuiltinPolicies() {
		if _, ok := e.policies[p.Name]; !ok {
			cp, err := compile(ctx, p)
			if err != nil {
				return fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
			}
			cp.builtin = true
			e.policies[p.Name] = cp
		}
	}
	for name, cp := range compiled {
		e.policies[name] = cp
	}

	e.logger.Info().Int("count", len(compiled)).Msg("Policies loaded")
	return nil
}

// Policies returns the loaded policies ordered by name.
func (e *Engine) Policies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		out = append(out, cp.policy)
	}
	slices.SortFunc(out, func(a, b Policy) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Check evaluates every enabled policy against the plan. The plan is
// allowed unless a violation has error or critical severity. A policy
// that fails to evaluate fails the check.
func (e *Engine) Check(ctx context.Context, plan *engine.Plan) (*engine.GuardResult, error) {
	start := time.Now()
	input := NewInput(plan, e.limits, e.now())

	e.mu.RLock()
	names := make([]string, 0, len(e.policies))
	for name, cp := range e.policies {
		if cp.policy.Enabled {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	compiled := make([]*compiledPolicy, len(names))
	for i, name := range names {
		compiled[i] = e.policies[name]
	}
	e.mu.RUnlock()

	result := &engine.GuardResult{Allowed: true}
	for _, cp := range compiled {
		violations, err := evaluate(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", cp.policy.Name).
				Str("plan", plan.ID).
				Msg("Policy evaluation failed")
			return nil, fmt.Errorf("policy %s: %w", cp.policy.Name, err)
		}
		result.Violations = append(result.Violations, violations...)
	}

	for _, v := range result.Violations {
		if v.Blocking() {
			result.Allowed = false
		}
	}

	e.logger.Debug().
		Str("service", plan.Service).
		Str("plan", plan.ID).
		Int("violations", len(result.Violations)).
		Bool("allowed", result.Allowed).
		Dur("duration", time.Since(start)).
		Msg("Plan policy evaluation completed")

	return result, nil
}

// compile parses a policy and prepares the query of its deny set.
func compile(ctx context.Context, p Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.ParsedModule(module),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	return &compiledPolicy{policy: p, query: query}, nil
}

// evaluate runs one policy and converts its deny set into violations.
func evaluate(ctx context.Context, cp *compiledPolicy, input *Input) ([]engine.GuardViolation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var violations []engine.GuardViolation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, newViolation(cp.policy, d))
		}
	}

	slices.SortFunc(violations, func(a, b engine.GuardViolation) int {
		if c := strings.Compare(a.Resource, b.Resource); c != 0 {
			return c
		}
		return strings.Compare(a.Message, b.Message)
	})
	return violations, nil
}

// newViolation reads a deny entry. Entries are either a message string or
// an object with message, severity and resource fields.
func newViolation(p Policy, entry interface{}) engine.GuardViolation {
	v := engine.GuardViolation{
		Policy:   p.Name,
		Severity: string(p.Severity),
	}

	switch d := entry.(type) {
	case string:
		v.Message = d
	case map[string]interface{}:
		if msg, ok := d["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := d["severity"].(string); ok && sev != "" {
			v.Severity = sev
		}
		if res, ok := d["resource"].(string); ok {
			v.Resource = res
		}
	default:
		v.Message = fmt.Sprintf("%v", entry)
	}
	return v
}
