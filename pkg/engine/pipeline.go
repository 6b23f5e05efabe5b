package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	mgmterrors "github.com/cachegrid/cachemgmt/pkg/errors"
	"github.com/cachegrid/cachemgmt/pkg/schema"
	"github.com/cachegrid/cachemgmt/pkg/transform"
	"github.com/cachegrid/cachemgmt/pkg/tree"
	"github.com/cachegrid/cachemgmt/pkg/value"
)

const tracerName = "github.com/cachegrid/cachemgmt/pkg/engine"

// Pipeline executes management operations: admission, legacy translation,
// the model phase inside a tree transaction, the runtime phase through the
// reconciler, then commit or rollback.
type Pipeline struct {
	store      *tree.Store
	registry   *schema.Registry
	transforms *transform.Registry
	dispatch   *DispatchTable
	reconciler *Reconciler

	admission AdmissionPolicy
	journal   Journal
	publisher EventPublisher
	metrics   MetricsRecorder
	tracer    trace.Tracer
	logger    zerolog.Logger

	verifyTimeout time.Duration
	maxParallel   int

	reloadPending  atomic.Bool
	restartPending atomic.Bool
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithAdmission consults policy before every operation.
func WithAdmission(policy AdmissionPolicy) PipelineOption {
	return func(p *Pipeline) { p.admission = policy }
}

// WithJournal records every finished operation.
func WithJournal(j Journal) PipelineOption {
	return func(p *Pipeline) { p.journal = j }
}

// WithPublisher publishes operation events.
func WithPublisher(pub EventPublisher) PipelineOption {
	return func(p *Pipeline) { p.publisher = pub }
}

// WithPipelineMetrics records operation metrics.
func WithPipelineMetrics(m MetricsRecorder) PipelineOption {
	return func(p *Pipeline) { p.metrics = m }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) PipelineOption {
	return func(p *Pipeline) { p.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = logger }
}

// WithVerifyTimeout bounds the runtime phase.
func WithVerifyTimeout(d time.Duration) PipelineOption {
	return func(p *Pipeline) { p.verifyTimeout = d }
}

// WithMaxParallel bounds concurrent service installs.
func WithMaxParallel(n int) PipelineOption {
	return func(p *Pipeline) { p.maxParallel = n }
}

// NewPipeline creates a pipeline.
func NewPipeline(
	store *tree.Store,
	transforms *transform.Registry,
	dispatch *DispatchTable,
	reconciler *Reconciler,
	opts ...PipelineOption,
) *Pipeline {
	p := &Pipeline{
		store:         store,
		registry:      store.Registry(),
		transforms:    transforms,
		dispatch:      dispatch,
		reconciler:    reconciler,
		publisher:     nopPublisher{},
		metrics:       nopMetrics{},
		logger:        zerolog.Nop(),
		verifyTimeout: DefaultVerifyTimeout,
		maxParallel:   DefaultMaxParallel,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.tracer == nil {
		p.tracer = otel.Tracer(tracerName)
	}
	p.logger = p.logger.With().Str("component", "pipeline").Logger()
	return p
}

// Store returns the configuration tree store.
func (p *Pipeline) Store() *tree.Store { return p.store }

// Reconciler returns the service reconciler.
func (p *Pipeline) Reconciler() *Reconciler { return p.reconciler }

// Pending reports whether committed changes await a reload or a restart.
func (p *Pipeline) Pending() (reload, restart bool) {
	return p.reloadPending.Load(), p.restartPending.Load()
}

// ExecuteAll executes ops in order and stops at the first one that rolls back.
func (p *Pipeline) ExecuteAll(ctx context.Context, ops []*Operation) ([]*Result, error) {
	results := make([]*Result, 0, len(ops))
	for _, op := range ops {
		res := p.Execute(ctx, op)
		results = append(results, res)
		if !res.Succeeded() {
			return results, res.Err()
		}
	}
	return results, nil
}

// execution tracks one operation through the state machine.
type execution struct {
	p      *Pipeline
	op     *Operation
	state  OperationState
	result *Result
	logger zerolog.Logger
}

// outcome is what the model phase produced.
type outcome struct {
	value     value.Value
	reload    bool
	restart   bool
	reconcile bool
	verify    []string
	steps     []*Result
}

// Execute runs op to a terminal state. It never returns nil; failures are
// reported in Result.Failure with Result.State rolled-back.
func (p *Pipeline) Execute(ctx context.Context, op *Operation) *Result {
	start := time.Now()
	if op.ID == "" {
		op.ID = uuid.New().String()
	}
	if op.Payload == nil {
		op.Payload = value.NewObject()
	}

	ctx, span := p.tracer.Start(ctx, "operation."+string(op.Type), trace.WithAttributes(
		attribute.String("operation.id", op.ID),
		attribute.String("operation.type", string(op.Type)),
		attribute.String("resource.address", op.Address.String()),
	))
	defer span.End()

	e := &execution{
		p:     p,
		op:    op,
		state: OperationStateReceived,
		result: &Result{
			OperationID: op.ID,
			Type:        op.Type,
			Address:     op.Address.String(),
		},
		logger: p.logger.With().
			Str("operation_id", op.ID).
			Str("operation", string(op.Type)).
			Str("address", op.Address.String()).
			Logger(),
	}
	e.logger.Debug().Msg("Operation received")
	p.publish(ctx, op, EventOperationReceived, "operation received")

	e.run(ctx)

	res := e.result
	res.State = e.state
	res.Duration = time.Since(start)
	if res.Failure != nil {
		span.RecordError(res.Failure)
		span.SetStatus(codes.Error, res.Failure.Message)
		p.publish(ctx, op, EventOperationRolledBack, res.Failure.Error())
	} else {
		span.SetStatus(codes.Ok, "")
		p.publish(ctx, op, EventOperationCommitted, "operation committed")
	}
	span.SetAttributes(attribute.String("operation.state", string(res.State)))
	p.metrics.RecordOperation(string(op.Type), string(res.State), res.Duration)
	p.record(ctx, op, res, start)
	return res
}

func (e *execution) run(ctx context.Context) {
	p := e.p
	if err := p.receive(ctx, e.op); err != nil {
		e.fail("received", err)
		e.transition(OperationStateRolledBack)
		return
	}

	if e.op.Type.IsRead() {
		e.transition(OperationStateModelPhase)
		out, err := p.model(ctx, nil, p.store.View(), e.op, e.logger)
		if err != nil {
			e.fail("model", err)
			e.transition(OperationStateModelFailed)
			e.transition(OperationStateRolledBack)
			return
		}
		e.result.Value = out.value
		e.transition(OperationStateCommitted)
		return
	}

	tx, err := p.store.BeginTransaction(ctx)
	if err != nil {
		e.fail("received", err)
		e.transition(OperationStateRolledBack)
		return
	}
	defer func() { _ = tx.Rollback() }()

	e.transition(OperationStateModelPhase)
	modelCtx, modelSpan := p.tracer.Start(ctx, "model-phase")
	var out *outcome
	if e.op.Type == OpReload {
		out = &outcome{reconcile: true}
	} else {
		out, err = p.model(modelCtx, tx, tx, e.op, e.logger)
	}
	endSpan(modelSpan, err)
	if err != nil {
		e.fail("model", err)
		if out != nil {
			e.result.Steps = out.steps
		}
		e.transition(OperationStateModelFailed)
		_ = tx.Rollback()
		e.transition(OperationStateRolledBack)
		return
	}
	e.result.Value = out.value
	e.result.Steps = out.steps

	if !out.reconcile {
		if _, err := tx.Commit(ctx); err != nil {
			e.fail("model", err)
			e.transition(OperationStateModelFailed)
			e.transition(OperationStateRolledBack)
			return
		}
		e.commitFlags(out)
		e.transition(OperationStateCommitted)
		return
	}

	e.transition(OperationStateRuntimeQueued)
	e.transition(OperationStateRuntimePhase)

	// Past this point the change must either commit or be fully undone, so
	// caller cancellation no longer applies.
	runtimeCtx, runtimeSpan := p.tracer.Start(context.WithoutCancel(ctx), "runtime-phase")
	err = e.runtime(runtimeCtx, tx, out)
	endSpan(runtimeSpan, err)
	if err != nil {
		e.fail("runtime", err)
		e.transition(OperationStateRuntimeFailed)
		_ = tx.Rollback()
		e.transition(OperationStateRolledBack)
		return
	}
	e.commitFlags(out)
	e.transition(OperationStateCommitted)
}

// runtime plans and applies the service changes and commits tx. On failure
// the services are recovered before returning.
func (e *execution) runtime(ctx context.Context, tx *tree.Tx, out *outcome) error {
	p := e.p
	var (
		plan *Plan
		err  error
	)
	if e.op.Type == OpReload {
		plan, err = p.reconciler.PlanActive(p.store.Snapshot())
	} else {
		plan, err = p.reconciler.PlanSnapshots(p.store.Snapshot(), tx.Snapshot())
	}
	if err != nil {
		return err
	}
	e.result.Plan = plan.Summary()

	var verify []string
	if len(out.verify) > 0 {
		verify = out.verify
	}
	progress, err := p.reconciler.Apply(ctx, plan, ApplyOptions{
		Verify:      verify,
		Timeout:     p.verifyTimeout,
		MaxParallel: p.maxParallel,
	})
	if err != nil {
		e.recover(ctx, progress)
		return err
	}

	if e.op.Type == OpReload {
		p.reloadPending.Store(false)
		p.restartPending.Store(false)
		return nil
	}
	if _, err := tx.Commit(ctx); err != nil {
		e.recover(ctx, progress)
		return err
	}
	return nil
}

func (e *execution) recover(ctx context.Context, progress *Progress) {
	if err := e.p.reconciler.Recover(ctx, progress, e.p.verifyTimeout); err != nil {
		e.logger.Error().Err(err).Msg("Service recovery failed")
	}
}

func (e *execution) commitFlags(out *outcome) {
	e.result.ReloadRequired = out.reload
	e.result.RestartRequired = out.restart
	if out.reload {
		e.p.reloadPending.Store(true)
	}
	if out.restart {
		e.p.restartPending.Store(true)
	}
}

func (e *execution) transition(next OperationState) {
	if !e.state.CanTransition(next) {
		e.logger.Error().
			Str("from", string(e.state)).
			Str("to", string(next)).
			Msg("Invalid operation state transition")
	}
	e.logger.Debug().
		Str("from", string(e.state)).
		Str("to", string(next)).
		Msg("Operation state transition")
	e.p.metrics.RecordTransition(string(e.state), string(next))
	e.state = next
}

func (e *execution) fail(phase string, err error) {
	d := mgmterrors.Descriptor(err)
	if d.Operation == "" {
		d.Operation = string(e.op.Type)
	}
	if d.Address == "" && !e.op.Address.IsRoot() {
		d.Address = e.op.Address.String()
	}
	e.result.Failure = d
	e.p.metrics.RecordPhaseFailure(phase, string(d.Class))

	event := e.logger.Warn()
	if d.Class == mgmterrors.ClassInternal || d.Class == mgmterrors.ClassRuntime {
		event = e.logger.Error()
	}
	event.Err(err).
		Str("phase", phase).
		Str("class", string(d.Class)).
		Str("code", d.Code).
		Msg("Operation failed")
}

// receive validates the operation, consults admission, and translates a
// legacy payload to the current version.
func (p *Pipeline) receive(ctx context.Context, op *Operation) error {
	if !op.Type.Valid() {
		return mgmterrors.Validation(mgmterrors.CodeInvalidOperation, "unknown operation %q", op.Type)
	}
	if op.Type == OpComposite {
		if len(op.Steps) == 0 {
			return mgmterrors.Validation(mgmterrors.CodeInvalidOperation, "composite operation has no steps")
		}
		for i, step := range op.Steps {
			if step.Type == OpComposite || step.Type == OpReload || !step.Type.Valid() {
				return mgmterrors.Validation(mgmterrors.CodeInvalidOperation,
					"step %d: %q cannot be part of a composite", i, step.Type).
					WithDetail("step", i)
			}
		}
	}

	if p.admission != nil {
		decision, err := p.admission.Admit(ctx, op)
		if err != nil {
			return mgmterrors.Internal(err, "admission check failed")
		}
		if !decision.Allowed {
			return mgmterrors.Validation(mgmterrors.CodeAdmissionDenied,
				"operation %s denied by policy", op).
				WithDetail("reasons", decision.Reasons)
		}
	}

	if op.Type == OpComposite {
		for _, step := range op.Steps {
			if step.Version == nil {
				step.Version = op.Version
			}
			if step.Payload == nil {
				step.Payload = value.NewObject()
			}
			if err := p.translate(step); err != nil {
				return err
			}
		}
		return nil
	}
	return p.translate(op)
}

// translate rewrites the payload of a legacy operation for the current version.
func (p *Pipeline) translate(op *Operation) error {
	if op.Version == nil || *op.Version == p.transforms.Current() {
		return nil
	}
	from := *op.Version
	resourceType := op.Address.Type()

	switch op.Type {
	case OpAdd:
		payload, err := p.transforms.TranslatePayload(resourceType, op.Payload, from)
		if err != nil {
			return err
		}
		op.Payload = payload
	case OpWriteAttribute, OpUndefineAttribute:
		name := op.Payload.Lookup("name").AsString()
		if name == "" {
			return nil
		}
		single := value.NewObject().Set(name, op.Payload.Lookup("value"))
		translated, err := p.transforms.TranslatePayload(resourceType, single, from)
		if err != nil {
			return err
		}
		keys := translated.Keys()
		if len(keys) != 1 {
			return mgmterrors.Validation(mgmterrors.CodeUnknownAttribute,
				"attribute %q of version %s does not exist at version %s", name, from, p.transforms.Current()).
				WithDetail("attribute", name)
		}
		payload := op.Payload.Clone()
		payload.Set("name", value.String(keys[0]))
		if op.Type == OpWriteAttribute {
			payload.Set("value", translated.Lookup(keys[0]))
		}
		op.Payload = payload
	default:
		if !p.transforms.Known(from) {
			return mgmterrors.Transform(mgmterrors.CodeUnknownVersion, "unknown version %s", from)
		}
	}
	p.logger.Debug().
		Str("operation_id", op.ID).
		Str("from", from.String()).
		Msg("Legacy operation translated")
	return nil
}

// model runs the model phase of op against view (and tx for mutations).
func (p *Pipeline) model(ctx context.Context, tx *tree.Tx, view View, op *Operation, logger zerolog.Logger) (*outcome, error) {
	if op.Type != OpComposite {
		oc, err := p.step(ctx, tx, view, op, logger)
		if err != nil {
			return nil, err
		}
		return &outcome{
			value:     oc.result,
			reload:    oc.reload,
			restart:   oc.restart,
			reconcile: oc.reconcile,
			verify:    oc.verify,
		}, nil
	}

	out := &outcome{}
	values := make([]value.Value, 0, len(op.Steps))
	for i, step := range op.Steps {
		if step.ID == "" {
			step.ID = uuid.New().String()
		}
		oc, err := p.step(ctx, tx, view, step, logger.With().Int("step", i).Logger())
		stepResult := &Result{OperationID: step.ID, Type: step.Type, Address: step.Address.String()}
		out.steps = append(out.steps, stepResult)
		if err != nil {
			d := mgmterrors.Descriptor(err).WithDetail("step", i)
			stepResult.State = OperationStateRolledBack
			stepResult.Failure = d
			for _, prev := range out.steps[:i] {
				prev.State = OperationStateRolledBack
			}
			return out, d
		}
		stepResult.State = OperationStateCommitted
		stepResult.Value = oc.result
		stepResult.ReloadRequired = oc.reload
		stepResult.RestartRequired = oc.restart
		values = append(values, oc.result)
		out.reload = out.reload || oc.reload
		out.restart = out.restart || oc.restart
		out.reconcile = out.reconcile || oc.reconcile
		out.verify = append(out.verify, oc.verify...)
	}
	out.value = value.List(values...)
	return out, nil
}

// step dispatches one non-composite operation to its handler.
func (p *Pipeline) step(ctx context.Context, tx *tree.Tx, view View, op *Operation, logger zerolog.Logger) (*OperationContext, error) {
	oc := &OperationContext{
		Context:   ctx,
		Operation: op,
		View:      view,
		Tx:        tx,
		Registry:  p.registry,
		Logger:    logger,
	}

	rootAllowed := op.Type == OpReadResource || op.Type == OpReadChildrenNames || op.Type == OpDescribe
	var h Handlers
	if op.Address.IsRoot() {
		if !rootAllowed {
			return nil, mgmterrors.Validation(mgmterrors.CodeInvalidOperation,
				"%s is not supported on the root resource", op.Type)
		}
	} else {
		rs, err := p.registry.ResolveAddress(op.Address)
		if err != nil {
			return nil, err
		}
		oc.Schema = rs
		h, _ = p.dispatch.Lookup(rs.Key)
	}

	if !op.Type.IsRead() && tx == nil {
		return nil, mgmterrors.Internal(nil, "%s requires a transaction", op.Type)
	}

	var err error
	switch op.Type {
	case OpAdd:
		err = h.Add(oc)
	case OpRemove:
		err = h.Remove(oc)
	case OpWriteAttribute, OpUndefineAttribute:
		err = p.write(oc, h)
	case OpReadAttribute:
		err = readAttribute(oc, h)
	case OpReadResource:
		err = readResource(oc, p.dispatch)
	case OpReadChildrenNames:
		err = readChildrenNames(oc)
	case OpDescribe:
		err = describe(oc, p.transforms)
	default:
		err = mgmterrors.Validation(mgmterrors.CodeInvalidOperation, "%s cannot be dispatched", op.Type)
	}
	if err != nil {
		return nil, err
	}
	return oc, nil
}

func (p *Pipeline) write(oc *OperationContext, h Handlers) error {
	name, err := oc.StringParam("name")
	if err != nil {
		return err
	}
	def, err := oc.attribute(name)
	if err != nil {
		return err
	}
	fn := h.writer(def)
	if fn == nil {
		return mgmterrors.Validation(mgmterrors.CodeUnknownAttribute,
			"%s has no writable attribute %q", oc.Schema.Key, name).
			WithAddress(oc.Address().String()).
			WithDetail("attribute", name)
	}
	v := value.Undefined()
	if oc.Operation.Type == OpWriteAttribute {
		var ok bool
		v, ok = oc.Operation.Payload.Get("value")
		if !ok {
			return mgmterrors.Validation(mgmterrors.CodeInvalidOperation,
				"write-attribute requires parameter \"value\"")
		}
	}
	return fn(oc, def, v)
}

func (p *Pipeline) publish(ctx context.Context, op *Operation, t EventType, msg string) {
	event := &Event{
		ID:          uuid.New().String(),
		Type:        t,
		Timestamp:   time.Now(),
		OperationID: op.ID,
		Address:     op.Address.String(),
		Message:     msg,
		Data:        map[string]interface{}{"operation": string(op.Type)},
	}
	if err := p.publisher.Publish(ctx, event); err != nil {
		p.logger.Debug().Err(err).Str("event", string(t)).Msg("Failed to publish event")
	}
}

func (p *Pipeline) record(ctx context.Context, op *Operation, res *Result, start time.Time) {
	if p.journal == nil {
		return
	}
	rec := &OperationRecord{
		ID:              op.ID,
		Type:            op.Type,
		Address:         op.Address.String(),
		Payload:         op.Payload,
		State:           res.State,
		ReloadRequired:  res.ReloadRequired,
		RestartRequired: res.RestartRequired,
		Generation:      p.store.Generation(),
		StartedAt:       start,
		Duration:        res.Duration,
	}
	if op.Version != nil {
		rec.Version = op.Version.String()
	}
	if res.Failure != nil {
		rec.FailureCode = res.Failure.Code
		rec.FailureMessage = res.Failure.Message
	}
	if err := p.journal.Record(context.WithoutCancel(ctx), rec); err != nil {
		p.logger.Warn().Err(err).Str("operation_id", op.ID).Msg("Failed to journal operation")
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
