package telemetry

import (
	"context"
	"errors"
	"fmt"

	"github.com/cachegrid/cachemgmt/pkg/engine"
	"github.com/cachegrid/cachemgmt/pkg/transform"
	"github.com/cachegrid/cachemgmt/pkg/tree"
)

// Telemetry bundles the logger, tracer, metrics and event publisher.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	config  Config
}

type telemetryContextKey struct{}

// NewTelemetry validates cfg and builds every component.
func NewTelemetry(cfg Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer: %w", err)
	}
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  NewEventPublisher(cfg.Events),
		config:  cfg,
	}, nil
}

// PipelineOptions wires the bundle into an operation pipeline.
func (t *Telemetry) PipelineOptions() []engine.PipelineOption {
	return []engine.PipelineOption{
		engine.WithLogger(t.Logger.Zerolog()),
		engine.WithTracer(t.Tracer.Tracer()),
		engine.WithPipelineMetrics(t.Metrics),
		engine.WithPublisher(t.Events),
	}
}

// ReconcilerOptions wires the bundle into the service reconciler.
func (t *Telemetry) ReconcilerOptions() []engine.ReconcilerOption {
	return []engine.ReconcilerOption{
		engine.WithReconcilerLogger(t.Logger.Zerolog()),
		engine.WithMetrics(t.Metrics),
		engine.WithEventPublisher(t.Events),
	}
}

// StoreOptions wires the bundle into the tree store.
func (t *Telemetry) StoreOptions() []tree.Option {
	return []tree.Option{tree.WithLogger(t.Logger.Zerolog())}
}

// ObserveTransforms records every transformation of r.
func (t *Telemetry) ObserveTransforms(r *transform.Registry) {
	r.SetObserver(t.Metrics.ObserveTransform)
}

// Shutdown drains events, flushes traces and closes the log file.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
		t.Logger.Close(),
	)
}

// WithTelemetry adds the bundle and its logger to ctx.
func WithTelemetry(ctx context.Context, t *Telemetry) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext returns the bundle stored in ctx, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	t, _ := ctx.Value(telemetryContextKey{}).(*Telemetry)
	return t
}
