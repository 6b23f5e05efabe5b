package telemetry_test

import (
	"context"
	"errors"
	"fmt"

	"github.com/cachegrid/cachemgmt/pkg/engine"
	mgmterrors "github.com/cachegrid/cachemgmt/pkg/errors"
	"github.com/cachegrid/cachemgmt/pkg/telemetry"
)

// Example_basicSetup builds the bundle and logs through a component logger.
func Example_basicSetup() {
	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	ctx := telemetry.WithTelemetry(context.Background(), tel)
	logger := telemetry.FromContext(ctx).NewComponentLogger("cli")
	logger.Info("Management engine started")
}

// Example_classifiedErrors shows failure class and code being attached to a log line.
func Example_classifiedErrors() {
	cfg := telemetry.DevelopmentConfig()
	cfg.Tracing.Enabled = false

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	err := mgmterrors.Runtime(mgmterrors.CodeStartFailed, errors.New("disk full"), "cache users failed to start")
	tel.Logger.WithUnit("web.users.cache").WithError(err).Error("Reconcile failed")
}

// Example_events subscribes to unit failures.
func Example_events() {
	cfg := telemetry.DefaultConfig()
	cfg.Events.Async = false

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	tel.Events.Subscribe(func(e *engine.Event) {
		fmt.Println(e.Type, e.Unit)
	}, telemetry.FilterByType(engine.EventUnitFailed))

	_ = tel.Events.Publish(context.Background(), &engine.Event{Type: engine.EventUnitUp, Unit: "web.container"})
	_ = tel.Events.Publish(context.Background(), &engine.Event{Type: engine.EventUnitFailed, Unit: "web.users.cache"})
	// Output: unit.failed web.users.cache
}
