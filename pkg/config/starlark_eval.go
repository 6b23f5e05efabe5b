package config

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/cachegrid/cachemgmt/pkg/address"
	"github.com/cachegrid/cachemgmt/pkg/engine"
	mgmterrors "github.com/cachegrid/cachemgmt/pkg/errors"
	"github.com/cachegrid/cachemgmt/pkg/schema"
	"github.com/cachegrid/cachemgmt/pkg/value"
)

// Executor runs management operations.
type Executor interface {
	Execute(ctx context.Context, op *engine.Operation) *engine.Result
}

// ScriptResult is the outcome of a management script.
type ScriptResult struct {
	// Results holds the result of every operation the script executed, in order.
	Results []*engine.Result

	// Printed holds the lines passed to print().
	Printed []string

	ExecutionTime time.Duration
}

// ScriptRunner executes Starlark management scripts. Every builtin runs one
// operation through the executor and a failed operation stops the script.
//
//	model_version("1.3")
//	add("/cache-container=web/distributed-cache=sessions", owners=3, **{"virtual-nodes": 4})
//	write("/cache-container=web/distributed-cache=sessions", "owners", 2)
//	print(read("/cache-container=web/distributed-cache=sessions", "segments"))
type ScriptRunner struct {
	exec    Executor
	timeout time.Duration
	logger  zerolog.Logger
}

// NewScriptRunner creates a runner. A zero timeout defaults to 30 seconds.
func NewScriptRunner(exec Executor, timeout time.Duration, logger zerolog.Logger) *ScriptRunner {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &ScriptRunner{
		exec:    exec,
		timeout: timeout,
		logger:  logger.With().Str("component", "script").Logger(),
	}
}

// session is the per-run state shared by the builtins.
type session struct {
	ctx     context.Context
	runner  *ScriptRunner
	version *schema.Version
	result  *ScriptResult
}

// Run executes script. The returned result is never nil and holds the
// operations run before any failure.
func (sr *ScriptRunner) Run(ctx context.Context, name, script string) (*ScriptResult, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, sr.timeout)
	defer cancel()

	s := &session{ctx: ctx, runner: sr, result: &ScriptResult{}}
	thread := &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			s.result.Printed = append(s.result.Printed, msg)
			sr.logger.Info().Str("script", name).Msg(msg)
		},
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()

	_, err := starlark.ExecFile(thread, name, script, s.predeclared())
	s.result.ExecutionTime = time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return s.result, fmt.Errorf("script %s timed out after %v: %w", name, sr.timeout, ctx.Err())
		}
		return s.result, fmt.Errorf("script %s failed: %w", name, err)
	}
	sr.logger.Debug().
		Str("script", name).
		Int("operations", len(s.result.Results)).
		Dur("duration", s.result.ExecutionTime).
		Msg("script completed")
	return s.result, nil
}

func (s *session) predeclared() starlark.StringDict {
	return starlark.StringDict{
		"struct":        starlarkstruct.Default,
		"add":           starlark.NewBuiltin("add", s.add),
		"remove":        starlark.NewBuiltin("remove", s.remove),
		"write":         starlark.NewBuiltin("write", s.write),
		"undefine":      starlark.NewBuiltin("undefine", s.undefine),
		"read":          starlark.NewBuiltin("read", s.read),
		"read_resource": starlark.NewBuiltin("read_resource", s.readResource),
		"children":      starlark.NewBuiltin("children", s.children),
		"describe":      starlark.NewBuiltin("describe", s.describe),
		"reload":        starlark.NewBuiltin("reload", s.reload),
		"model_version": starlark.NewBuiltin("model_version", s.modelVersion),
	}
}

// execute runs op and converts a failure into a Starlark error.
func (s *session) execute(b *starlark.Builtin, op *engine.Operation, legacy bool) (*engine.Result, error) {
	if legacy && s.version != nil {
		op.Legacy(*s.version)
	}
	res := s.runner.exec.Execute(s.ctx, op)
	s.result.Results = append(s.result.Results, res)
	if !res.Succeeded() {
		if res.Failure != nil {
			return nil, fmt.Errorf("%s: %s: %s", b.Name(), res.Failure.Code, res.Failure.Message)
		}
		return nil, fmt.Errorf("%s: %s rolled back", b.Name(), op)
	}
	return res, nil
}

func parseAddress(b *starlark.Builtin, s string) (address.Address, error) {
	addr, err := address.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return addr, nil
}

func (s *session) add(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var target string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, nil, 1, &target); err != nil {
		return nil, err
	}
	addr, err := parseAddress(b, target)
	if err != nil {
		return nil, err
	}
	payload := value.NewObject()
	for _, kv := range kwargs {
		name := string(kv[0].(starlark.String))
		v, err := fromStarlark(kv[1])
		if err != nil {
			return nil, fmt.Errorf("%s: attribute %s: %w", b.Name(), name, err)
		}
		payload.Set(name, v)
	}
	if _, err := s.execute(b, engine.NewOperation(engine.OpAdd, addr, payload), true); err != nil {
		return nil, err
	}
	return starlark.None, nil
}

func (s *session) remove(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var target string
	var cascade bool
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "address", &target, "cascade?", &cascade); err != nil {
		return nil, err
	}
	addr, err := parseAddress(b, target)
	if err != nil {
		return nil, err
	}
	payload := value.NewObject().Set("cascade", value.Bool(cascade))
	if _, err := s.execute(b, engine.NewOperation(engine.OpRemove, addr, payload), false); err != nil {
		return nil, err
	}
	return starlark.None, nil
}

func (s *session) write(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var target, name string
	var raw starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "address", &target, "name", &name, "value", &raw); err != nil {
		return nil, err
	}
	addr, err := parseAddress(b, target)
	if err != nil {
		return nil, err
	}
	v, err := fromStarlark(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	payload := value.NewObject().Set("name", value.String(name)).Set("value", v)
	res, err := s.execute(b, engine.NewOperation(engine.OpWriteAttribute, addr, payload), true)
	if err != nil {
		return nil, err
	}
	return pendingFlags(res), nil
}

func (s *session) undefine(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var target, name string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "address", &target, "name", &name); err != nil {
		return nil, err
	}
	addr, err := parseAddress(b, target)
	if err != nil {
		return nil, err
	}
	payload := value.NewObject().Set("name", value.String(name))
	res, err := s.execute(b, engine.NewOperation(engine.OpUndefineAttribute, addr, payload), true)
	if err != nil {
		return nil, err
	}
	return pendingFlags(res), nil
}

func (s *session) read(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var target, name string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "address", &target, "name", &name); err != nil {
		return nil, err
	}
	addr, err := parseAddress(b, target)
	if err != nil {
		return nil, err
	}
	payload := value.NewObject().Set("name", value.String(name))
	res, err := s.execute(b, engine.NewOperation(engine.OpReadAttribute, addr, payload), false)
	if err != nil {
		return nil, err
	}
	return toStarlark(res.Value), nil
}

func (s *session) readResource(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var target string
	recursive, includeDefaults := false, true
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"address", &target, "recursive?", &recursive, "include_defaults?", &includeDefaults); err != nil {
		return nil, err
	}
	addr, err := parseAddress(b, target)
	if err != nil {
		return nil, err
	}
	payload := value.NewObject().
		Set("recursive", value.Bool(recursive)).
		Set("include-defaults", value.Bool(includeDefaults))
	res, err := s.execute(b, engine.NewOperation(engine.OpReadResource, addr, payload), false)
	if err != nil {
		return nil, err
	}
	return toStarlark(res.Value), nil
}

func (s *session) children(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var target, childType string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "address", &target, "type", &childType); err != nil {
		return nil, err
	}
	addr, err := parseAddress(b, target)
	if err != nil {
		return nil, err
	}
	payload := value.NewObject().Set("child-type", value.String(childType))
	res, err := s.execute(b, engine.NewOperation(engine.OpReadChildrenNames, addr, payload), false)
	if err != nil {
		return nil, err
	}
	return toStarlark(res.Value), nil
}

func (s *session) describe(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var target string
	var version starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "address", &target, "version?", &version); err != nil {
		return nil, err
	}
	addr, err := parseAddress(b, target)
	if err != nil {
		return nil, err
	}
	payload := value.NewObject()
	if v, ok := version.(starlark.String); ok {
		payload.Set("version", value.String(string(v)))
	}
	res, err := s.execute(b, engine.NewOperation(engine.OpDescribe, addr, payload), false)
	if err != nil {
		return nil, err
	}
	return toStarlark(res.Value), nil
}

func (s *session) reload(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	if _, err := s.execute(b, engine.NewOperation(engine.OpReload, address.Root(), nil), false); err != nil {
		return nil, err
	}
	return starlark.None, nil
}

// modelVersion sets the model version subsequent add, write and undefine
// calls are written against. None returns to the current version.
func (s *session) modelVersion(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var raw starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &raw); err != nil {
		return nil, err
	}
	if raw == starlark.None {
		s.version = nil
		return starlark.None, nil
	}
	text, ok := starlark.AsString(raw)
	if !ok {
		return nil, fmt.Errorf("%s: got %s, want string", b.Name(), raw.Type())
	}
	v, err := schema.ParseVersion(text)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	s.version = &v
	return starlark.None, nil
}

func pendingFlags(res *engine.Result) starlark.Value {
	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"reload_required":  starlark.Bool(res.ReloadRequired),
		"restart_required": starlark.Bool(res.RestartRequired),
	})
}

// toStarlark converts a model value. Object field order is kept.
func toStarlark(v value.Value) starlark.Value {
	switch v.Type() {
	case value.TypeBoolean:
		b, _ := v.AsBool()
		return starlark.Bool(b)
	case value.TypeInt, value.TypeLong:
		n, _ := v.AsLong()
		return starlark.MakeInt64(n)
	case value.TypeDecimal:
		d, _ := v.AsDecimal()
		f, _ := d.Float64()
		return starlark.Float(f)
	case value.TypeString, value.TypeExpression:
		return starlark.String(v.AsString())
	case value.TypeList:
		items := v.AsList()
		out := make([]starlark.Value, len(items))
		for i, item := range items {
			out[i] = toStarlark(item)
		}
		return starlark.NewList(out)
	case value.TypeObject:
		obj := v.AsObject()
		dict := starlark.NewDict(obj.Len())
		obj.Range(func(name string, item value.Value) bool {
			_ = dict.SetKey(starlark.String(name), toStarlark(item))
			return true
		})
		return dict
	}
	return starlark.None
}

// fromStarlark converts a script value. Dict insertion order is kept.
func fromStarlark(v starlark.Value) (value.Value, error) {
	switch t := v.(type) {
	case starlark.NoneType:
		return value.Undefined(), nil
	case starlark.Bool:
		return value.Bool(bool(t)), nil
	case starlark.Int:
		if n, ok := t.Int64(); ok {
			return value.FromInterface(int(n))
		}
		return value.DecimalFromString(t.BigInt().String())
	case starlark.Float:
		return value.FromInterface(float64(t))
	case starlark.String:
		return value.FromInterface(string(t))
	case *starlark.List:
		items := make([]value.Value, t.Len())
		for i := 0; i < t.Len(); i++ {
			item, err := fromStarlark(t.Index(i))
			if err != nil {
				return value.Value{}, err
			}
			items[i] = item
		}
		return value.List(items...), nil
	case starlark.Tuple:
		return fromStarlark(starlark.NewList([]starlark.Value(t)))
	case *starlark.Dict:
		obj := value.NewObject()
		for _, item := range t.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return value.Value{}, fmt.Errorf("dict key %s is not a string", item[0])
			}
			field, err := fromStarlark(item[1])
			if err != nil {
				return value.Value{}, err
			}
			obj.Set(string(key), field)
		}
		return value.ObjectValue(obj), nil
	}
	return value.Value{}, fmt.Errorf("unsupported value of type %s", v.Type())
}

// Failure returns the failure of the operation that stopped the script, or
// nil when the last operation committed.
func (r *ScriptResult) Failure() *mgmterrors.Error {
	if len(r.Results) == 0 {
		return nil
	}
	return r.Results[len(r.Results)-1].Failure
}
