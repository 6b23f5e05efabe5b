package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/cachegrid/cachemgmt/pkg/address"
	"github.com/cachegrid/cachemgmt/pkg/engine"
	"github.com/cachegrid/cachemgmt/pkg/value"
)

// State reads resources of the committed tree.
type State interface {
	ReadResource(addr address.Address) (*value.Object, error)
}

// StateFunc adapts a function to State.
type StateFunc func(addr address.Address) (*value.Object, error)

// ReadResource calls f.
func (f StateFunc) ReadResource(addr address.Address) (*value.Object, error) {
	return f(addr)
}

// Engine evaluates Rego admission policies against management operations.
// It implements engine.AdmissionPolicy.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	state    State
	logger   zerolog.Logger
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// Option configures an Engine.
type Option func(*engineOptions)

type engineOptions struct {
	builtin bool
	state   State
}

// WithBuiltin enables or disables the built-in policies. They are enabled by
// default.
func WithBuiltin(enabled bool) Option {
	return func(o *engineOptions) { o.builtin = enabled }
}

// WithState gives policies the committed attributes of the target and its
// parent.
func WithState(state State) Option {
	return func(o *engineOptions) { o.state = state }
}

// NewEngine creates a policy engine.
func NewEngine(logger zerolog.Logger, opts ...Option) (*Engine, error) {
	o := engineOptions{builtin: true}
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		state:    o.state,
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	if o.builtin {
		builtin := BuiltinPolicies()
		for i := range builtin {
			if err := e.compileAndStore(context.Background(), &builtin[i]); err != nil {
				return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtin[i].Name, err)
			}
		}
		e.logger.Debug().Int("count", len(builtin)).Msg("Built-in policies loaded")
	}

	return e, nil
}

var _ engine.AdmissionPolicy = (*Engine)(nil)

// Admit evaluates op and denies it when any blocking violation is found.
// Warnings are logged and reported as reasons of an allowed decision.
func (e *Engine) Admit(ctx context.Context, op *engine.Operation) (*engine.AdmissionDecision, error) {
	eval, err := e.Evaluate(ctx, op)
	if err != nil {
		return nil, err
	}

	decision := &engine.AdmissionDecision{Allowed: eval.Allowed}
	for _, v := range eval.Violations {
		decision.Reasons = append(decision.Reasons, fmt.Sprintf("%s: %s", v.Policy, v.Message))
	}
	for _, w := range eval.Warnings {
		e.logger.Warn().
			Str("policy", w.Policy).
			Str("address", w.Address).
			Msg(w.Message)
		if eval.Allowed {
			decision.Reasons = append(decision.Reasons, fmt.Sprintf("%s: %s", w.Policy, w.Message))
		}
	}
	return decision, nil
}

// Evaluate runs every enabled policy against op. A composite is evaluated
// step by step.
func (e *Engine) Evaluate(ctx context.Context, op *engine.Operation) (*Evaluation, error) {
	start := time.Now()

	ops := []*engine.Operation{op}
	if op.Type == engine.OpComposite {
		ops = op.Steps
	}
	inputs := make([]*Input, 0, len(ops))
	for _, step := range ops {
		if step.Version == nil {
			step = withVersion(step, op)
		}
		input, err := e.buildInput(step)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, input)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	eval := &Evaluation{Allowed: true}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		eval.EvaluatedPolicies = append(eval.EvaluatedPolicies, name)

		for _, input := range inputs {
			violations, err := e.evaluatePolicy(ctx, cp, input)
			if err != nil {
				return nil, fmt.Errorf("policy %s: %w", name, err)
			}
			for _, v := range violations {
				if v.Severity.Blocks() {
					eval.Allowed = false
					eval.Violations = append(eval.Violations, v)
				} else {
					eval.Warnings = append(eval.Warnings, v)
				}
			}
		}
	}
	eval.Duration = time.Since(start)

	e.logger.Debug().
		Str("operation", op.String()).
		Bool("allowed", eval.Allowed).
		Int("violations", len(eval.Violations)).
		Dur("duration", eval.Duration).
		Msg("Admission evaluated")

	return eval, nil
}

func withVersion(step, parent *engine.Operation) *engine.Operation {
	if parent.Version == nil {
		return step
	}
	cp := *step
	v := *parent.Version
	cp.Version = &v
	return &cp
}

// buildInput assembles the input document for one operation.
func (e *Engine) buildInput(op *engine.Operation) (*Input, error) {
	payload, err := objectToInput(op.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to convert payload of %s: %w", op, err)
	}
	input := &Input{
		Operation: OperationInput{
			ID:      op.ID,
			Type:    string(op.Type),
			Address: op.Address.String(),
			Payload: payload,
		},
	}
	if op.Version != nil {
		input.Operation.Version = op.Version.String()
	}

	if !op.Address.IsRoot() {
		target, err := e.resource(op.Address)
		if err != nil {
			return nil, err
		}
		input.Target = *target
		if parent := op.Address.Parent(); !parent.IsRoot() {
			if input.Parent, err = e.resource(parent); err != nil {
				return nil, err
			}
		}
	} else {
		input.Target = ResourceInput{Address: "/", Attributes: map[string]interface{}{}}
	}
	return input, nil
}

func (e *Engine) resource(addr address.Address) (*ResourceInput, error) {
	r := &ResourceInput{
		Type:       addr.Type(),
		Name:       addr.Name(),
		Address:    addr.String(),
		Attributes: map[string]interface{}{},
	}
	if e.state == nil {
		return r, nil
	}
	attrs, err := e.state.ReadResource(addr)
	if err != nil {
		// Absent resources are reported with Exists false.
		return r, nil
	}
	converted, err := objectToInput(attrs)
	if err != nil {
		return nil, fmt.Errorf("failed to convert attributes of %s: %w", addr, err)
	}
	r.Exists = true
	r.Attributes = converted
	return r, nil
}

// objectToInput converts attributes to plain JSON values.
func objectToInput(obj *value.Object) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	if obj == nil {
		return out, nil
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d, input))
		}
	}
	sort.Slice(violations, func(i, j int) bool { return violations[i].Message < violations[j].Message })
	return violations, nil
}

// createViolation creates a Violation from one member of a deny set.
func createViolation(policy *Policy, result interface{}, input *Input) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Address:  input.Operation.Address,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compileAndStore compiles a policy and stores it under its name. The caller
// holds the write lock or owns the engine exclusively.
func (e *Engine) compileAndStore(ctx context.Context, policy *Policy) error {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}
	if module == nil {
		return fmt.Errorf("policy %s is empty", policy.Name)
	}

	query, err := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		query:    query,
		compiled: time.Now(),
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Msg("Policy compiled successfully")

	return nil
}

// Load compiles policies and replaces every previously loaded non-builtin
// policy with them. Nothing changes when any policy fails to compile.
func (e *Engine) Load(ctx context.Context, policies []Policy) error {
	staged := &Engine{policies: make(map[string]*compiledPolicy), logger: e.logger}
	for i := range policies {
		p := policies[i]
		if p.Builtin {
			return fmt.Errorf("policy %s: loaded policies cannot be marked builtin", p.Name)
		}
		if err := staged.compileAndStore(ctx, &p); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for name := range staged.policies {
		if existing, ok := e.policies[name]; ok && existing.policy.Builtin {
			return fmt.Errorf("policy %s conflicts with a built-in policy", name)
		}
	}
	for name, cp := range e.policies {
		if !cp.policy.Builtin {
			delete(e.policies, name)
		}
	}
	for name, cp := range staged.policies {
		e.policies[name] = cp
	}

	e.logger.Info().
		Int("count", len(staged.policies)).
		Msg("Policies loaded")

	return nil
}

// LoadPaths loads policies from files and directories with a Loader.
func (e *Engine) LoadPaths(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.Load(ctx, policies)
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Watch loads policies from paths and keeps them current as files change.
// Stop the returned loader, or cancel ctx, to stop watching.
func (e *Engine) Watch(ctx context.Context, paths []string) (*Loader, error) {
	if err := e.LoadPaths(ctx, paths); err != nil {
		return nil, err
	}
	loader := NewLoader(e.logger)
	if err := loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.Load(ctx, policies)
	}); err != nil {
		return nil, err
	}
	return loader, nil
}
