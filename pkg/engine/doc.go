// Package engine executes management operations against the configuration
// tree and keeps runtime services in line with it.
//
// # Overview
//
// Every operation moves through a fixed state machine:
//
//	Received -> ModelPhase -> RuntimePhaseQueued -> RuntimePhase -> Committed
//	              |                                   |
//	              v                                   v
//	         ModelFailed -> RolledBack          RuntimeFailed -> RolledBack
//
//  1. Received - the operation is validated, admitted by the optional
//     AdmissionPolicy, and a legacy payload is translated to the current model
//     version through the transform registry.
//  2. ModelPhase - the handler for the target resource type mutates a private
//     tree transaction. Reads run against the committed tree and never block.
//  3. RuntimePhase - when the change affects running services, the Reconciler
//     plans and applies service changes. Attributes that only take effect on
//     reload or restart skip this phase and set the matching Result flag.
//  4. Committed or RolledBack - a runtime failure first recovers the services
//     the plan touched, then discards the transaction, so the tree is exactly
//     as it was before the operation.
//
// # Dispatch
//
// Handlers are resolved once per resource type in a DispatchTable. Defaults
// (DefaultAdd, DefaultRemove, DefaultWrite) cover most types; a subsystem
// overrides individual entries, for example to serve a computed alias attribute.
//
// # Service Reconciliation
//
// A UnitDeriver maps a tree snapshot onto ServiceUnits. The Planner diffs two
// unit sets: vanished and changed units are removed (dependents first), new and
// changed units are installed in ranks computed by the DAGBuilder, and every
// unit downstream of a changed one is restarted. Units within a rank are
// installed concurrently.
//
// # Example
//
//	store := tree.NewStore(registry)
//	dispatch, _ := engine.NewDispatchTable(registry, overrides)
//	reconciler := engine.NewReconciler(container, deriver)
//	pipeline := engine.NewPipeline(store, transforms, dispatch, reconciler)
//
//	res := pipeline.Execute(ctx, engine.NewOperation(engine.OpAdd,
//	    address.MustParse("/cache-container=web"), nil))
//	if !res.Succeeded() {
//	    log.Error().Err(res.Err()).Msg("add failed")
//	}
package engine
