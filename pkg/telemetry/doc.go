// Package telemetry provides the observability stack of the management
// engine: structured logging (zerolog), tracing (OpenTelemetry), metrics
// (Prometheus) and an in-process event publisher.
//
// # Usage
//
// Build the bundle once at startup and hand its options to the subsystem:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	sub, err := subsystem.New(subsystem.Config{
//		Container:         container.New(tel.Logger.Zerolog()),
//		Caches:            cacheengine.New(tel.Logger.Zerolog()),
//		Logger:            tel.Logger.Zerolog(),
//		StoreOptions:      tel.StoreOptions(),
//		ReconcilerOptions: tel.ReconcilerOptions(),
//		PipelineOptions:   tel.PipelineOptions(),
//	})
//	tel.ObserveTransforms(sub.Transforms)
//
// # Metrics
//
// Metrics live in a private registry under the configured namespace:
//
//   - operation_total{type,state} and operation_duration_seconds{type}
//   - operation_transitions_total{from,to}
//   - operation_phase_failures_total{phase,class}
//   - reconcile_steps_total{action,outcome} and reconcile_step_duration_seconds{action}
//   - service_units{state}
//   - transform_total{from,to,outcome}, transform_duration_seconds and transform_steps
//
// Serve exposes them over HTTP. With metrics disabled every recorder method
// is a no-op.
//
// # Events
//
// EventPublisher implements engine.EventPublisher. Subscribers receive
// operation and unit lifecycle events in publish order:
//
//	tel.Events.Subscribe(func(e *engine.Event) {
//		fmt.Println(e.Type, e.Unit)
//	}, telemetry.FilterByType(engine.EventUnitFailed))
package telemetry
