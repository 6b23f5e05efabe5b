package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/cachegrid/cachemgmt/pkg/engine"
	mgmterrors "github.com/cachegrid/cachemgmt/pkg/errors"
	"github.com/cachegrid/cachemgmt/pkg/schema"
)

var _ engine.MetricsRecorder = (*Metrics)(nil)

// Metrics records engine measurements in a private Prometheus registry.
// Every method is a no-op when metrics are disabled.
type Metrics struct {
	config   MetricsConfig
	registry *prometheus.Registry

	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	transitionsTotal  *prometheus.CounterVec
	phaseFailures     *prometheus.CounterVec

	reconcileSteps    *prometheus.CounterVec
	reconcileDuration *prometheus.HistogramVec
	units             *prometheus.GaugeVec

	transformsTotal   *prometheus.CounterVec
	transformDuration *prometheus.HistogramVec
	transformSteps    prometheus.Histogram
}

// NewMetrics creates and registers the engine metrics.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	m := &Metrics{config: cfg}
	if !cfg.Enabled {
		return m, nil
	}

	ns := cfg.Namespace
	opBuckets := cfg.OperationDurationBuckets
	if len(opBuckets) == 0 {
		opBuckets = prometheus.DefBuckets
	}
	recBuckets := cfg.ReconcileDurationBuckets
	if len(recBuckets) == 0 {
		recBuckets = prometheus.DefBuckets
	}

	m.registry = prometheus.NewRegistry()
	m.operationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "operation",
		Name:      "total",
		Help:      "Management operations by type and terminal state.",
	}, []string{"type", "state"})
	m.operationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Subsystem: "operation",
		Name:      "duration_seconds",
		Help:      "Duration of management operations.",
		Buckets:   opBuckets,
	}, []string{"type"})
	m.transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "operation",
		Name:      "transitions_total",
		Help:      "Operation state transitions.",
	}, []string{"from", "to"})
	m.phaseFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "operation",
		Name:      "phase_failures_total",
		Help:      "Operation failures by phase and failure class.",
	}, []string{"phase", "class"})
	m.reconcileSteps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "reconcile",
		Name:      "steps_total",
		Help:      "Service reconcile steps by action and outcome.",
	}, []string{"action", "outcome"})
	m.reconcileDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Subsystem: "reconcile",
		Name:      "step_duration_seconds",
		Help:      "Duration of service reconcile steps.",
		Buckets:   recBuckets,
	}, []string{"action"})
	m.units = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: "service",
		Name:      "units",
		Help:      "Active service units by state.",
	}, []string{"state"})
	m.transformsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "transform",
		Name:      "total",
		Help:      "Model version transformations by source, target and outcome.",
	}, []string{"from", "to", "outcome"})
	m.transformDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Subsystem: "transform",
		Name:      "duration_seconds",
		Help:      "Duration of model version transformations.",
		Buckets:   opBuckets,
	}, []string{"from", "to"})
	m.transformSteps = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns,
		Subsystem: "transform",
		Name:      "steps",
		Help:      "Adjacent-version steps per transformation.",
		Buckets:   prometheus.LinearBuckets(0, 1, 6),
	})

	collectorsToRegister := []prometheus.Collector{
		m.operationsTotal, m.operationDuration, m.transitionsTotal, m.phaseFailures,
		m.reconcileSteps, m.reconcileDuration, m.units,
		m.transformsTotal, m.transformDuration, m.transformSteps,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, c := range collectorsToRegister {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.config.Enabled
}

// RecordOperation records a finished operation.
func (m *Metrics) RecordOperation(opType, state string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.operationsTotal.WithLabelValues(opType, state).Inc()
	m.operationDuration.WithLabelValues(opType).Observe(duration.Seconds())
}

// RecordTransition records an operation state transition.
func (m *Metrics) RecordTransition(from, to string) {
	if !m.enabled() {
		return
	}
	m.transitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordPhaseFailure records a failure in the model or runtime phase.
func (m *Metrics) RecordPhaseFailure(phase, class string) {
	if !m.enabled() {
		return
	}
	m.phaseFailures.WithLabelValues(phase, class).Inc()
}

// RecordReconcileStep records one install or remove step.
func (m *Metrics) RecordReconcileStep(action, outcome string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.reconcileSteps.WithLabelValues(action, outcome).Inc()
	m.reconcileDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// SetUnitCount sets the number of active units in state.
func (m *Metrics) SetUnitCount(state string, count float64) {
	if !m.enabled() {
		return
	}
	m.units.WithLabelValues(state).Set(count)
}

// ObserveTransform records a transformation. Its signature matches
// transform.Observer.
func (m *Metrics) ObserveTransform(from, to schema.Version, steps int, duration time.Duration, err error) {
	if !m.enabled() {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = string(mgmterrors.ClassOf(err))
	}
	m.transformsTotal.WithLabelValues(from.String(), to.String(), outcome).Inc()
	m.transformDuration.WithLabelValues(from.String(), to.String()).Observe(duration.Seconds())
	m.transformSteps.Observe(float64(steps))
}

// Registry returns the Prometheus registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler serving the metrics.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Serve exposes the metrics over HTTP until ctx is done.
func (m *Metrics) Serve(ctx context.Context, logger zerolog.Logger) error {
	if !m.enabled() {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", m.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr).Str("path", m.config.Path).Msg("Serving metrics")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
