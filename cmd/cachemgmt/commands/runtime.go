package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cachegrid/cachemgmt/pkg/address"
	"github.com/cachegrid/cachemgmt/pkg/cacheengine"
	"github.com/cachegrid/cachemgmt/pkg/config"
	"github.com/cachegrid/cachemgmt/pkg/container"
	"github.com/cachegrid/cachemgmt/pkg/engine"
	"github.com/cachegrid/cachemgmt/pkg/policy"
	"github.com/cachegrid/cachemgmt/pkg/stores"
	"github.com/cachegrid/cachemgmt/pkg/subsystem"
	"github.com/cachegrid/cachemgmt/pkg/telemetry"
	"github.com/cachegrid/cachemgmt/pkg/tree"
	"github.com/cachegrid/cachemgmt/pkg/value"
)

// runtime is a booted management process.
type runtime struct {
	cfg       *config.ServerConfig
	tel       *telemetry.Telemetry
	logger    zerolog.Logger
	store     *stores.SQLiteStore
	policies  *policy.Engine
	loader    *policy.Loader
	container *container.Container
	caches    *cacheengine.Engine
	sub       *subsystem.Subsystem
}

// replayGate passes admission and journaling through to the real policy
// engine and store, except while the stored tree is being replayed.
type replayGate struct {
	admission engine.AdmissionPolicy
	journal   engine.Journal
	replaying atomic.Bool
}

func (g *replayGate) Admit(ctx context.Context, op *engine.Operation) (*engine.AdmissionDecision, error) {
	if g.replaying.Load() {
		return &engine.AdmissionDecision{Allowed: true}, nil
	}
	return g.admission.Admit(ctx, op)
}

func (g *replayGate) Record(ctx context.Context, rec *engine.OperationRecord) error {
	if g.replaying.Load() {
		return nil
	}
	return g.journal.Record(ctx, rec)
}

// run boots a runtime, runs fn inside a command span and shuts down.
func run(cmd *cobra.Command, fn func(ctx context.Context, rt *runtime) error) (err error) {
	ctx := cmd.Context()
	rt, err := boot(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = cerr
		}
	}()

	ctx = telemetry.WithTelemetry(ctx, rt.tel)
	ctx, span := rt.tel.Tracer.StartCommandSpan(ctx, cmd.Name())
	defer func() { telemetry.End(span, err) }()

	return fn(ctx, rt)
}

func boot(ctx context.Context) (*runtime, error) {
	cfg, err := config.LoadServerConfig(configPath)
	if err != nil {
		return nil, err
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Telemetry.Logging.Level = level
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	cfg.Telemetry.ServiceVersion = appVersion

	tel, err := telemetry.NewTelemetry(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	rt := &runtime{cfg: cfg, tel: tel, logger: tel.Logger.Zerolog()}
	if err := rt.open(ctx); err != nil {
		_ = rt.close(context.WithoutCancel(ctx))
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) open(ctx context.Context) error {
	cfg := rt.cfg

	if cfg.DatabasePath() != ":memory:" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            cfg.DatabasePath(),
		RetainSnapshots: cfg.Store.RetainSnapshots,
		Logger:          rt.logger,
	})
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return err
	}
	rt.store = store
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	latest, generation, err := store.LoadLatest(ctx)
	if err != nil && !errors.Is(err, stores.ErrNoSnapshot) {
		return err
	}

	rt.policies, err = policy.NewEngine(rt.logger,
		policy.WithBuiltin(cfg.Policy.Builtin),
		policy.WithState(policy.StateFunc(func(addr address.Address) (*value.Object, error) {
			return rt.sub.Store.ReadResource(addr)
		})))
	if err != nil {
		return err
	}
	if cfg.Policy.Dir != "" {
		if cfg.Policy.Watch {
			if rt.loader, err = rt.policies.Watch(ctx, []string{cfg.Policy.Dir}); err != nil {
				return err
			}
		} else if err := rt.policies.LoadPaths(ctx, []string{cfg.Policy.Dir}); err != nil {
			return err
		}
	}

	// The replayed tree is persisted again under its own generation.
	replay := latest != nil && latest.Len() > 0
	base := generation
	if replay {
		base = generation - 1
	}

	gate := &replayGate{admission: rt.policies, journal: store}
	rt.container = container.New(rt.logger)
	rt.caches = cacheengine.New(rt.logger)
	rt.sub, err = subsystem.New(subsystem.Config{
		Container:         rt.container,
		Caches:            rt.caches,
		Environment:       value.OSEnvironment{},
		Logger:            rt.logger,
		StoreOptions:      append(rt.tel.StoreOptions(), tree.WithPersister(store), tree.WithGeneration(base)),
		ReconcilerOptions: rt.tel.ReconcilerOptions(),
		PipelineOptions: append(rt.tel.PipelineOptions(),
			engine.WithAdmission(gate),
			engine.WithJournal(gate),
			engine.WithVerifyTimeout(cfg.Runtime.VerifyTimeout),
			engine.WithMaxParallel(cfg.Runtime.MaxParallel),
		),
	})
	if err != nil {
		return err
	}
	rt.tel.ObserveTransforms(rt.sub.Transforms)
	rt.tel.Events.Subscribe(func(e *engine.Event) {
		rt.logger.Warn().
			Str("unit", e.Unit).
			Str("operation_id", e.OperationID).
			Msg(e.Message)
	}, telemetry.FilterByType(engine.EventUnitFailed))

	switch {
	case replay:
		gate.replaying.Store(true)
		res := rt.sub.Pipeline.Execute(ctx, subsystem.RestoreOperations(latest))
		gate.replaying.Store(false)
		if !res.Succeeded() {
			return fmt.Errorf("failed to replay configuration generation %d: %w", generation, res.Err())
		}
		rt.logger.Debug().Uint64("generation", generation).Int("resources", latest.Len()).Msg("Configuration replayed")
	case latest == nil && len(cfg.Bootstrap) > 0:
		if err := rt.bootstrap(ctx); err != nil {
			return err
		}
	}

	for _, target := range failCaches {
		containerName, cacheName, ok := strings.Cut(target, "/")
		if !ok {
			return fmt.Errorf("invalid --fail-cache %q: want container/cache", target)
		}
		rt.caches.FailCache(containerName, cacheName, fmt.Errorf("injected start failure"))
	}
	return nil
}

func (rt *runtime) bootstrap(ctx context.Context) error {
	parser, err := config.NewCUEParser(rt.sub.Registry)
	if err != nil {
		return err
	}
	b, err := parser.Parse(rt.cfg.Bootstrap...)
	if err != nil {
		return fmt.Errorf("failed to parse bootstrap configuration: %w", err)
	}
	if len(b.Operations) == 0 {
		return nil
	}
	res := rt.sub.Pipeline.Execute(ctx, b.Operation())
	if !res.Succeeded() {
		return fmt.Errorf("failed to apply bootstrap configuration: %w", res.Err())
	}
	rt.logger.Info().
		Strs("sources", b.SourceFiles).
		Int("resources", len(b.Operations)).
		Msg("Bootstrap configuration applied")
	return nil
}

func (rt *runtime) close(ctx context.Context) error {
	var errs []error
	if rt.loader != nil {
		errs = append(errs, rt.loader.StopWatching())
	}
	if rt.container != nil {
		errs = append(errs, rt.container.Close(ctx))
	}
	if rt.store != nil {
		errs = append(errs, rt.store.Close())
	}
	errs = append(errs, rt.tel.Shutdown(ctx))
	return errors.Join(errs...)
}
