package engine

import (
	"context"
	"time"

	"github.com/cachegrid/cachemgmt/pkg/address"
	"github.com/cachegrid/cachemgmt/pkg/snapshot"
	"github.com/cachegrid/cachemgmt/pkg/value"
)

// Service is a runtime service managed by a ServiceContainer.
type Service interface {
	// Start starts the service. A returned error marks the unit failed.
	Start(ctx context.Context) error

	// Stop stops the service.
	Stop(ctx context.Context) error
}

// ServiceFactory builds the service for a unit once its dependencies are up.
type ServiceFactory func(ctx context.Context) (Service, error)

// ServiceHandle identifies an installed service.
type ServiceHandle interface {
	Name() string
}

// ServiceContainer owns service lifecycles. Install returns immediately; the
// container starts the service once every dependency is up and reports the
// outcome through listeners.
type ServiceContainer interface {
	// Install registers a service. Dependencies are names of installed services.
	Install(name string, dependencies []string, factory ServiceFactory) (ServiceHandle, error)

	// Remove stops and removes a service.
	Remove(ctx context.Context, handle ServiceHandle) error

	// AddListener registers callbacks for the service reaching up or failing.
	// A listener added after the service settled is called immediately.
	AddListener(handle ServiceHandle, onUp func(), onFailed func(error))
}

// CacheConfiguration is the engine-specific configuration of one cache,
// built from fully resolved attributes.
type CacheConfiguration struct {
	// Container is the owning cache container name.
	Container string `json:"container"`

	// Name is the cache name.
	Name string `json:"name"`

	// Mode is the cache type: local, invalidation, replicated or distributed.
	Mode string `json:"mode"`

	// Attributes are the resolved cache attributes, stores folded in.
	Attributes *value.Object `json:"attributes"`
}

// CacheHandle identifies a started cache.
type CacheHandle interface {
	Name() string
}

// CacheEngine builds and runs caches.
type CacheEngine interface {
	// BuildConfiguration validates resolved attributes and builds a configuration.
	BuildConfiguration(container, name, mode string, attrs *value.Object) (*CacheConfiguration, error)

	// StartCache starts a cache.
	StartCache(ctx context.Context, cfg *CacheConfiguration) (CacheHandle, error)

	// StopCache stops a cache.
	StopCache(ctx context.Context, handle CacheHandle) error
}

// UnitDeriver maps a configuration tree onto service units and builds their services.
type UnitDeriver interface {
	// DeriveUnits returns every unit implied by snap, with dependencies by name.
	DeriveUnits(snap *snapshot.Snapshot) ([]ServiceUnit, error)

	// Factory returns the factory building unit's service. Expressions in the
	// unit configuration are resolved by the factory.
	Factory(unit ServiceUnit) ServiceFactory
}

// View is read access to a configuration tree, committed or transactional.
type View interface {
	ReadResource(addr address.Address) (*value.Object, error)
	Exists(addr address.Address) bool
	Children(addr address.Address) []address.Address
}

// AdmissionDecision is the outcome of an admission check.
type AdmissionDecision struct {
	Allowed bool     `json:"allowed"`
	Reasons []string `json:"reasons,omitempty"`
}

// AdmissionPolicy decides whether an operation may run.
type AdmissionPolicy interface {
	Admit(ctx context.Context, op *Operation) (*AdmissionDecision, error)
}

// Journal records finished operations.
type Journal interface {
	Record(ctx context.Context, rec *OperationRecord) error
}

// EventPublisher publishes engine events to subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// MetricsRecorder receives engine measurements.
type MetricsRecorder interface {
	RecordOperation(opType, state string, duration time.Duration)
	RecordTransition(from, to string)
	RecordPhaseFailure(phase, class string)
	RecordReconcileStep(action, outcome string, duration time.Duration)
	SetUnitCount(state string, count float64)
}

type nopMetrics struct{}

func (nopMetrics) RecordOperation(string, string, time.Duration)     {}
func (nopMetrics) RecordTransition(string, string)                   {}
func (nopMetrics) RecordPhaseFailure(string, string)                 {}
func (nopMetrics) RecordReconcileStep(string, string, time.Duration) {}
func (nopMetrics) SetUnitCount(string, float64)                      {}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, *Event) error { return nil }
