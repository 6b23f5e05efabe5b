package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	mgmterrors "github.com/cachegrid/cachemgmt/pkg/errors"
	"github.com/cachegrid/cachemgmt/pkg/snapshot"
)

const (
	// DefaultVerifyTimeout bounds a reconciliation when ApplyOptions.Timeout is unset.
	DefaultVerifyTimeout = 30 * time.Second

	// DefaultMaxParallel bounds concurrent installs within a rank.
	DefaultMaxParallel = 4
)

// Reconciler keeps the set of active service units in line with the
// configuration tree. It is not safe for concurrent Apply calls; the
// pipeline serialises them through the tree's single writer.
type Reconciler struct {
	container ServiceContainer
	deriver   UnitDeriver
	planner   *Planner
	publisher EventPublisher
	metrics   MetricsRecorder
	logger    zerolog.Logger

	mu     sync.RWMutex
	active map[string]*activeUnit
}

// activeUnit is a unit installed in the container.
type activeUnit struct {
	unit    ServiceUnit
	handle  ServiceHandle
	settled chan struct{}
	once    sync.Once
	err     error
}

func (a *activeUnit) settle(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.settled)
	})
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithEventPublisher publishes unit lifecycle events.
func WithEventPublisher(p EventPublisher) ReconcilerOption {
	return func(r *Reconciler) { r.publisher = p }
}

// WithMetrics records reconcile steps and unit counts.
func WithMetrics(m MetricsRecorder) ReconcilerOption {
	return func(r *Reconciler) { r.metrics = m }
}

// WithReconcilerLogger sets the logger.
func WithReconcilerLogger(logger zerolog.Logger) ReconcilerOption {
	return func(r *Reconciler) { r.logger = logger }
}

// NewReconciler creates a reconciler over container using deriver to map
// snapshots onto units.
func NewReconciler(container ServiceContainer, deriver UnitDeriver, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		container: container,
		deriver:   deriver,
		publisher: nopPublisher{},
		metrics:   nopMetrics{},
		logger:    zerolog.Nop(),
		active:    make(map[string]*activeUnit),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With().Str("component", "reconciler").Logger()
	r.planner = NewPlanner(r.logger)
	return r
}

// PlanSnapshots computes the plan between the units implied by two snapshots.
func (r *Reconciler) PlanSnapshots(old, desired *snapshot.Snapshot) (*Plan, error) {
	oldUnits, err := r.deriver.DeriveUnits(old)
	if err != nil {
		return nil, err
	}
	newUnits, err := r.deriver.DeriveUnits(desired)
	if err != nil {
		return nil, err
	}
	return r.planner.Plan(oldUnits, newUnits)
}

// PlanActive computes the plan between the active units and the units implied by desired.
func (r *Reconciler) PlanActive(desired *snapshot.Snapshot) (*Plan, error) {
	newUnits, err := r.deriver.DeriveUnits(desired)
	if err != nil {
		return nil, err
	}
	return r.planner.Plan(r.Units(), newUnits)
}

// Units returns a copy of the active units sorted by name.
func (r *Reconciler) Units() []ServiceUnit {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ServiceUnit, 0, len(r.active))
	for _, au := range r.active {
		out = append(out, au.unit.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Unit returns the active unit with the given name.
func (r *Reconciler) Unit(name string) (ServiceUnit, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	au, ok := r.active[name]
	if !ok {
		return ServiceUnit{}, false
	}
	return au.unit.Clone(), true
}

// Apply executes plan. Removals run first, sequentially and best effort.
// Installs run rank by rank with the units of one rank installed in parallel.
// The first start failure aborts the remaining ranks. The returned progress
// records what was changed, also on failure.
func (r *Reconciler) Apply(ctx context.Context, plan *Plan, opts ApplyOptions) (*Progress, error) {
	progress := &Progress{}
	if plan.IsEmpty() {
		return progress, nil
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultVerifyTimeout
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = DefaultMaxParallel
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	logger := r.logger.With().Str("plan_id", plan.ID).Logger()
	logger.Debug().
		Int("removals", len(plan.Removals)).
		Int("ranks", len(plan.Installs)).
		Msg("Applying service plan")

	for _, unit := range plan.Removals {
		if removed, ok := r.remove(ctx, unit.Name); ok {
			progress.Removed = append(progress.Removed, removed)
		}
	}

	verify := func(string) bool { return true }
	if opts.Verify != nil {
		set := toSet(opts.Verify)
		verify = func(name string) bool { return set[name] }
	}

	var pending []*activeUnit
	for rank, units := range plan.Installs {
		if err := firstFailure(pending); err != nil {
			return progress, err
		}

		installed := make([]*activeUnit, len(units))
		g := new(errgroup.Group)
		g.SetLimit(opts.MaxParallel)
		for i, unit := range units {
			g.Go(func() error {
				au, err := r.install(ctx, unit, progress)
				installed[i] = au
				return err
			})
		}
		err := g.Wait()
		r.mu.RLock()
		for _, au := range installed {
			if au != nil {
				progress.Installed = append(progress.Installed, au.unit.Clone())
				pending = append(pending, au)
			}
		}
		r.mu.RUnlock()
		if err != nil {
			return progress, err
		}

		for _, au := range installed {
			if !verify(au.unit.Name) {
				continue
			}
			if err := r.await(ctx, au); err != nil {
				return progress, err
			}
		}
		logger.Debug().Int("rank", rank).Int("units", len(units)).Msg("Rank installed")
	}

	if err := firstFailure(pending); err != nil {
		return progress, err
	}
	return progress, nil
}

// Recover undoes a partially applied plan: installed units are removed in
// reverse order, then removed units are reinstalled in dependency order.
// Failures are logged and joined; recovery always runs to the end.
func (r *Reconciler) Recover(ctx context.Context, progress *Progress, timeout time.Duration) error {
	if progress == nil || (len(progress.Installed) == 0 && len(progress.Removed) == 0) {
		return nil
	}
	if timeout <= 0 {
		timeout = DefaultVerifyTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r.publish(ctx, &Event{Type: EventRecoveryStarted, Message: "recovering services"})
	r.logger.Warn().
		Int("installed", len(progress.Installed)).
		Int("removed", len(progress.Removed)).
		Msg("Recovering services after runtime failure")

	var errs []error
	for i := len(progress.Installed) - 1; i >= 0; i-- {
		r.remove(ctx, progress.Installed[i].Name)
	}

	builder := NewDAGBuilder()
	if _, err := builder.BuildGraph(progress.Removed); err != nil {
		errs = append(errs, err)
	} else {
		for _, rank := range builder.Ranked() {
			var units []*activeUnit
			for _, unit := range rank {
				au, err := r.install(ctx, unit, nil)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				units = append(units, au)
			}
			for _, au := range units {
				if err := r.await(ctx, au); err != nil {
					errs = append(errs, err)
				}
			}
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		r.logger.Error().Err(err).Msg("Service recovery incomplete")
	}
	r.publish(ctx, &Event{Type: EventRecoveryCompleted, Message: "service recovery finished",
		Data: map[string]interface{}{"errors": len(errs)}})
	return err
}

// install installs unit into the container. A unit already active under the
// same name is removed first and recorded in progress.
func (r *Reconciler) install(ctx context.Context, unit ServiceUnit, progress *Progress) (*activeUnit, error) {
	start := time.Now()
	if removed, ok := r.remove(ctx, unit.Name); ok && progress != nil {
		r.mu.Lock()
		progress.Removed = append(progress.Removed, removed)
		r.mu.Unlock()
	}

	unit = unit.Clone()
	unit.State = UnitStateRegistered
	handle, err := r.container.Install(unit.Name, unit.Dependencies, r.deriver.Factory(unit))
	if err != nil {
		r.metrics.RecordReconcileStep(string(ActionInstall), "failed", time.Since(start))
		return nil, mgmterrors.Runtime(mgmterrors.CodeStartFailed, err,
			"failed to install service %s", unit.Name).
			WithAddress(unit.Resource.String()).
			WithDetail("unit", unit.Name)
	}

	au := &activeUnit{unit: unit, handle: handle, settled: make(chan struct{})}
	au.unit.State = UnitStateStarting

	r.mu.Lock()
	r.active[unit.Name] = au
	r.mu.Unlock()
	r.updateGauges()

	name := unit.Name
	r.container.AddListener(handle,
		func() {
			r.setState(au, UnitStateUp)
			au.settle(nil)
			r.metrics.RecordReconcileStep(string(ActionInstall), "up", time.Since(start))
			r.publish(context.Background(), &Event{Type: EventUnitUp, Unit: name, Address: unit.Resource.String(),
				Message: "service up"})
		},
		func(cause error) {
			r.setState(au, UnitStateFailed)
			au.settle(cause)
			r.metrics.RecordReconcileStep(string(ActionInstall), "failed", time.Since(start))
			r.publish(context.Background(), &Event{Type: EventUnitFailed, Unit: name, Address: unit.Resource.String(),
				Message: cause.Error()})
		},
	)

	r.logger.Debug().Str("unit", name).Strs("dependencies", unit.Dependencies).Msg("Service installed")
	r.publish(ctx, &Event{Type: EventUnitInstalled, Unit: name, Address: unit.Resource.String(),
		Message: "service installed"})
	return au, nil
}

// remove stops and removes the named unit if it is active. Failures are logged
// and the unit is forgotten regardless.
func (r *Reconciler) remove(ctx context.Context, name string) (ServiceUnit, bool) {
	r.mu.Lock()
	au, ok := r.active[name]
	if ok {
		au.unit.State = UnitStateStopping
	}
	r.mu.Unlock()
	if !ok {
		r.logger.Debug().Str("unit", name).Msg("Service not active, nothing to remove")
		return ServiceUnit{}, false
	}

	start := time.Now()
	outcome := "removed"
	if err := r.container.Remove(ctx, au.handle); err != nil {
		outcome = "failed"
		r.logger.Warn().Err(err).Str("unit", name).Msg("Service removal failed, continuing")
	}
	r.metrics.RecordReconcileStep(string(ActionRemove), outcome, time.Since(start))

	r.mu.Lock()
	if r.active[name] == au {
		delete(r.active, name)
	}
	unit := au.unit.Clone()
	r.mu.Unlock()
	r.updateGauges()

	unit.State = UnitStateDown
	r.publish(ctx, &Event{Type: EventUnitRemoved, Unit: name, Address: unit.Resource.String(),
		Message: "service removed"})
	return unit, true
}

// await waits until au settles or ctx expires.
func (r *Reconciler) await(ctx context.Context, au *activeUnit) error {
	select {
	case <-au.settled:
		if au.err != nil {
			return startFailed(au)
		}
		return nil
	case <-ctx.Done():
		return mgmterrors.Runtime(mgmterrors.CodeVerificationTimeout, ctx.Err(),
			"service %s did not come up in time", au.unit.Name).
			WithAddress(au.unit.Resource.String()).
			WithDetail("unit", au.unit.Name)
	}
}

func (r *Reconciler) setState(au *activeUnit, state UnitState) {
	r.mu.Lock()
	au.unit.State = state
	r.mu.Unlock()
	r.updateGauges()
}

func (r *Reconciler) updateGauges() {
	counts := map[UnitState]int{
		UnitStateRegistered: 0, UnitStateStarting: 0, UnitStateUp: 0,
		UnitStateStopping: 0, UnitStateFailed: 0,
	}
	r.mu.RLock()
	for _, au := range r.active {
		counts[au.unit.State]++
	}
	r.mu.RUnlock()
	for state, n := range counts {
		r.metrics.SetUnitCount(string(state), float64(n))
	}
}

func (r *Reconciler) publish(ctx context.Context, event *Event) {
	event.ID = uuid.New().String()
	event.Timestamp = time.Now()
	if err := r.publisher.Publish(ctx, event); err != nil {
		r.logger.Debug().Err(err).Str("event", string(event.Type)).Msg("Failed to publish event")
	}
}

// firstFailure returns the start failure of the first settled failed unit.
func firstFailure(units []*activeUnit) error {
	for _, au := range units {
		select {
		case <-au.settled:
			if au.err != nil {
				return startFailed(au)
			}
		default:
		}
	}
	return nil
}

func startFailed(au *activeUnit) error {
	return mgmterrors.Runtime(mgmterrors.CodeStartFailed, au.err,
		"service %s failed to start: %v", au.unit.Name, au.err).
		WithAddress(au.unit.Resource.String()).
		WithDetail("unit", au.unit.Name)
}
