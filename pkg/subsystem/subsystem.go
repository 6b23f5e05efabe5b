package subsystem

import (
	"github.com/rs/zerolog"

	"github.com/cachegrid/cachemgmt/pkg/address"
	"github.com/cachegrid/cachemgmt/pkg/engine"
	"github.com/cachegrid/cachemgmt/pkg/schema"
	"github.com/cachegrid/cachemgmt/pkg/snapshot"
	"github.com/cachegrid/cachemgmt/pkg/transform"
	"github.com/cachegrid/cachemgmt/pkg/tree"
	"github.com/cachegrid/cachemgmt/pkg/value"
)

// Config wires the subsystem to its runtime collaborators.
type Config struct {
	// Container runs the derived services. Required.
	Container engine.ServiceContainer

	// Caches builds and runs caches. Required.
	Caches engine.CacheEngine

	// Environment resolves expressions. Defaults to the process environment.
	Environment value.Environment

	Logger            zerolog.Logger
	StoreOptions      []tree.Option
	ReconcilerOptions []engine.ReconcilerOption
	PipelineOptions   []engine.PipelineOption
}

// Subsystem is the assembled cache management model and its pipeline.
type Subsystem struct {
	Registry   *schema.Registry
	Transforms *transform.Registry
	Dispatch   *engine.DispatchTable
	Deriver    *Deriver
	Store      *tree.Store
	Reconciler *engine.Reconciler
	Pipeline   *engine.Pipeline
}

// New assembles the subsystem.
func New(cfg Config) (*Subsystem, error) {
	if cfg.Environment == nil {
		cfg.Environment = value.OSEnvironment{}
	}

	registry, err := NewRegistry()
	if err != nil {
		return nil, err
	}
	transforms, err := NewTransforms(cfg.Logger)
	if err != nil {
		return nil, err
	}
	dispatch, err := engine.NewDispatchTable(registry, Handlers(cfg.Logger))
	if err != nil {
		return nil, err
	}

	deriver := NewDeriver(registry, cfg.Caches, cfg.Environment, cfg.Logger)
	store := tree.NewStore(registry, append([]tree.Option{tree.WithLogger(cfg.Logger)}, cfg.StoreOptions...)...)
	reconciler := engine.NewReconciler(cfg.Container, deriver,
		append([]engine.ReconcilerOption{engine.WithReconcilerLogger(cfg.Logger)}, cfg.ReconcilerOptions...)...)
	pipeline := engine.NewPipeline(store, transforms, dispatch, reconciler,
		append([]engine.PipelineOption{engine.WithLogger(cfg.Logger)}, cfg.PipelineOptions...)...)

	return &Subsystem{
		Registry:   registry,
		Transforms: transforms,
		Dispatch:   dispatch,
		Deriver:    deriver,
		Store:      store,
		Reconciler: reconciler,
		Pipeline:   pipeline,
	}, nil
}

// RestoreOperations returns the composite operation that recreates snap, in
// tree order, written against the snapshot's model version.
func RestoreOperations(snap *snapshot.Snapshot) *engine.Operation {
	var steps []*engine.Operation
	for _, e := range snap.Entries() {
		op := engine.NewOperation(engine.OpAdd, e.Address, e.Attributes)
		if snap.Version != CurrentVersion {
			op.Legacy(snap.Version)
		}
		steps = append(steps, op)
	}
	return engine.Composite(steps...)
}

// ContainerAddress returns the address of cache container name.
func ContainerAddress(name string) address.Address {
	return address.Root().Append(ContainerType, name)
}

// CacheAddress returns the address of a cache of type cacheType in container.
func CacheAddress(container, cacheType, name string) address.Address {
	return ContainerAddress(container).Append(cacheType, name)
}
