package engine

import (
	"fmt"
)

// OperationState is a state of the operation state machine.
type OperationState string

const (
	// OperationStateReceived indicates the operation was accepted for processing.
	OperationStateReceived OperationState = "received"

	// OperationStateModelPhase indicates the handler is mutating the tree transaction.
	OperationStateModelPhase OperationState = "model-phase"

	// OperationStateModelFailed indicates the model phase was rejected.
	OperationStateModelFailed OperationState = "model-failed"

	// OperationStateRuntimeQueued indicates the model phase succeeded and
	// service reconciliation is pending.
	OperationStateRuntimeQueued OperationState = "runtime-phase-queued"

	// OperationStateRuntimePhase indicates services are being reconciled.
	OperationStateRuntimePhase OperationState = "runtime-phase"

	// OperationStateRuntimeFailed indicates reconciliation failed.
	OperationStateRuntimeFailed OperationState = "runtime-failed"

	// OperationStateCommitted indicates the tree change is committed.
	OperationStateCommitted OperationState = "committed"

	// OperationStateRolledBack indicates every change was undone.
	OperationStateRolledBack OperationState = "rolled-back"
)

var operationTransitions = map[OperationState][]OperationState{
	OperationStateReceived:      {OperationStateModelPhase, OperationStateRolledBack},
	OperationStateModelPhase:    {OperationStateModelFailed, OperationStateRuntimeQueued, OperationStateCommitted},
	OperationStateModelFailed:   {OperationStateRolledBack},
	OperationStateRuntimeQueued: {OperationStateRuntimePhase},
	OperationStateRuntimePhase:  {OperationStateRuntimeFailed, OperationStateCommitted},
	OperationStateRuntimeFailed: {OperationStateRolledBack},
}

// IsTerminal returns true if the state is final.
func (s OperationState) IsTerminal() bool {
	return s == OperationStateCommitted || s == OperationStateRolledBack
}

// CanTransition reports whether the state machine allows moving to next.
func (s OperationState) CanTransition(next OperationState) bool {
	for _, allowed := range operationTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Validate checks if the operation state is valid.
func (s OperationState) Validate() error {
	switch s {
	case OperationStateReceived, OperationStateModelPhase, OperationStateModelFailed,
		OperationStateRuntimeQueued, OperationStateRuntimePhase, OperationStateRuntimeFailed,
		OperationStateCommitted, OperationStateRolledBack:
		return nil
	default:
		return fmt.Errorf("invalid operation state: %s", s)
	}
}

// UnitState represents the lifecycle state of a service unit.
type UnitState string

const (
	// UnitStateRegistered indicates the unit is installed but not yet started.
	UnitStateRegistered UnitState = "registered"

	// UnitStateStarting indicates the unit is starting.
	UnitStateStarting UnitState = "starting"

	// UnitStateUp indicates the unit is running.
	UnitStateUp UnitState = "up"

	// UnitStateStopping indicates the unit is stopping.
	UnitStateStopping UnitState = "stopping"

	// UnitStateDown indicates the unit is stopped.
	UnitStateDown UnitState = "down"

	// UnitStateFailed indicates the unit failed to start.
	UnitStateFailed UnitState = "failed"
)

// IsTransitional returns true if the state represents a transitional state.
func (s UnitState) IsTransitional() bool {
	return s == UnitStateRegistered || s == UnitStateStarting || s == UnitStateStopping
}

// IsTerminal returns true if the unit will not change state on its own.
func (s UnitState) IsTerminal() bool {
	return s == UnitStateUp || s == UnitStateDown || s == UnitStateFailed
}

// Validate checks if the unit state is valid.
func (s UnitState) Validate() error {
	switch s {
	case UnitStateRegistered, UnitStateStarting, UnitStateUp,
		UnitStateStopping, UnitStateDown, UnitStateFailed:
		return nil
	default:
		return fmt.Errorf("invalid unit state: %s", s)
	}
}
