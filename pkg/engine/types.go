package engine

import (
	"time"

	"github.com/cachegrid/cachemgmt/pkg/address"
	mgmterrors "github.com/cachegrid/cachemgmt/pkg/errors"
	"github.com/cachegrid/cachemgmt/pkg/schema"
	"github.com/cachegrid/cachemgmt/pkg/snapshot"
	"github.com/cachegrid/cachemgmt/pkg/value"
)

// OperationType names a management operation.
type OperationType string

const (
	// OpAdd creates a resource.
	OpAdd OperationType = "add"

	// OpRemove removes a resource (payload "cascade" removes its subtree).
	OpRemove OperationType = "remove"

	// OpReadAttribute reads one attribute (payload "name").
	OpReadAttribute OperationType = "read-attribute"

	// OpWriteAttribute writes one attribute (payload "name", "value").
	OpWriteAttribute OperationType = "write-attribute"

	// OpUndefineAttribute resets one attribute to its default (payload "name").
	OpUndefineAttribute OperationType = "undefine-attribute"

	// OpReadResource reads a resource (payload "recursive", "include-defaults").
	OpReadResource OperationType = "read-resource"

	// OpReadChildrenNames lists child names of one type (payload "child-type").
	OpReadChildrenNames OperationType = "read-children-names"

	// OpDescribe lists the add operations that recreate a subtree, optionally
	// expressed at an older model version (payload "version").
	OpDescribe OperationType = "describe"

	// OpComposite executes Steps in one transaction, all or nothing.
	OpComposite OperationType = "composite"

	// OpReload reconciles every service with the committed tree and clears
	// pending reload and restart flags.
	OpReload OperationType = "reload"
)

// IsRead reports whether the operation never mutates the tree.
func (t OperationType) IsRead() bool {
	switch t {
	case OpReadAttribute, OpReadResource, OpReadChildrenNames, OpDescribe:
		return true
	}
	return false
}

// Valid reports whether t is a known operation type.
func (t OperationType) Valid() bool {
	switch t {
	case OpAdd, OpRemove, OpReadAttribute, OpWriteAttribute, OpUndefineAttribute,
		OpReadResource, OpReadChildrenNames, OpDescribe, OpComposite, OpReload:
		return true
	}
	return false
}

// Operation is a single management request.
type Operation struct {
	// ID is the unique identifier for this operation. Assigned on receipt when empty.
	ID string `json:"id"`

	// Type is the operation type.
	Type OperationType `json:"operation"`

	// Address is the target resource.
	Address address.Address `json:"address"`

	// Payload holds the operation parameters.
	Payload *value.Object `json:"payload,omitempty"`

	// Version is the model version the payload was written against.
	// Nil means the current version.
	Version *schema.Version `json:"version,omitempty"`

	// Steps are the nested operations of a composite.
	Steps []*Operation `json:"steps,omitempty"`
}

// NewOperation creates an operation. Payload may be nil.
func NewOperation(opType OperationType, addr address.Address, payload *value.Object) *Operation {
	if payload == nil {
		payload = value.NewObject()
	}
	return &Operation{Type: opType, Address: addr, Payload: payload}
}

// Composite creates a composite operation executing steps in order.
func Composite(steps ...*Operation) *Operation {
	return &Operation{Type: OpComposite, Address: address.Root(), Payload: value.NewObject(), Steps: steps}
}

// Legacy marks the operation as written against model version v.
func (o *Operation) Legacy(v schema.Version) *Operation {
	o.Version = &v
	return o
}

// String returns a short description used in logs.
func (o *Operation) String() string {
	return string(o.Type) + " " + o.Address.String()
}

// Result is the outcome of an operation.
type Result struct {
	// OperationID is the ID of the operation.
	OperationID string `json:"operation_id"`

	// Type is the operation type.
	Type OperationType `json:"operation"`

	// Address is the target resource.
	Address string `json:"address"`

	// State is the terminal state: committed or rolled-back.
	State OperationState `json:"state"`

	// Value is the result of read operations.
	Value value.Value `json:"result"`

	// Failure describes why the operation rolled back.
	Failure *mgmterrors.Error `json:"failure,omitempty"`

	// ReloadRequired is set when a committed change only takes effect after a reload.
	ReloadRequired bool `json:"reload_required,omitempty"`

	// RestartRequired is set when a committed change only takes effect after a restart.
	RestartRequired bool `json:"restart_required,omitempty"`

	// Plan summarises the service changes applied in the runtime phase.
	Plan *PlanSummary `json:"plan,omitempty"`

	// Steps are the results of a composite's steps.
	Steps []*Result `json:"steps,omitempty"`

	// Duration is how long the operation took.
	Duration time.Duration `json:"duration"`
}

// Succeeded reports whether the operation committed.
func (r *Result) Succeeded() bool {
	return r.State == OperationStateCommitted
}

// Err returns the failure as an error, or nil.
func (r *Result) Err() error {
	if r.Failure == nil {
		return nil
	}
	return r.Failure
}

// ServiceUnit is one runtime service derived from the configuration tree.
type ServiceUnit struct {
	// Name uniquely identifies the unit, e.g. "web.sessions.cache".
	Name string `json:"name"`

	// Role is the kind of service: container, transport, cache or transport-requirement.
	Role string `json:"role"`

	// Resource is the address of the resource the unit realises.
	Resource address.Address `json:"resource"`

	// Config is the unresolved configuration the service is built from.
	Config *value.Object `json:"config,omitempty"`

	// Dependencies lists the names of units that must be up first.
	Dependencies []string `json:"dependencies,omitempty"`

	// State is the unit's lifecycle state.
	State UnitState `json:"state"`
}

// Clone returns a deep copy of the unit.
func (u ServiceUnit) Clone() ServiceUnit {
	out := u
	out.Resource = u.Resource.Clone()
	out.Config = u.Config.Clone()
	out.Dependencies = append([]string(nil), u.Dependencies...)
	return out
}

// sameDefinition reports whether two units would build the same service.
func (u ServiceUnit) sameDefinition(o ServiceUnit) bool {
	if u.Role != o.Role || !u.Resource.Equal(o.Resource) || len(u.Dependencies) != len(o.Dependencies) {
		return false
	}
	for i := range u.Dependencies {
		if u.Dependencies[i] != o.Dependencies[i] {
			return false
		}
	}
	return snapshot.SameAttributes(u.Config, o.Config)
}

// StepAction is the kind of a plan step.
type StepAction string

const (
	// ActionInstall installs and starts a unit.
	ActionInstall StepAction = "install"

	// ActionRemove stops and removes a unit.
	ActionRemove StepAction = "remove"
)

// PlanStep is one ordered action in a plan.
type PlanStep struct {
	Action StepAction  `json:"action"`
	Unit   ServiceUnit `json:"unit"`
	Rank   int         `json:"rank"`
}

// Plan is the ordered set of service changes that moves the runtime from one
// tree snapshot to another.
type Plan struct {
	// ID is the unique identifier for this plan.
	ID string `json:"id"`

	// Removals are applied first, dependents before their dependencies.
	Removals []ServiceUnit `json:"removals"`

	// Installs are grouped in ranks; every unit's in-plan dependencies are in
	// an earlier rank.
	Installs [][]ServiceUnit `json:"installs"`

	// Graph is the install graph.
	Graph *ExecutionGraph `json:"graph,omitempty"`

	// CreatedAt is when the plan was computed.
	CreatedAt time.Time `json:"created_at"`
}

// IsEmpty reports whether the plan changes nothing.
func (p *Plan) IsEmpty() bool {
	return p == nil || (len(p.Removals) == 0 && len(p.Installs) == 0)
}

// Steps returns the plan flattened in execution order.
func (p *Plan) Steps() []PlanStep {
	if p == nil {
		return nil
	}
	steps := make([]PlanStep, 0, len(p.Removals))
	for _, u := range p.Removals {
		steps = append(steps, PlanStep{Action: ActionRemove, Unit: u})
	}
	for rank, units := range p.Installs {
		for _, u := range units {
			steps = append(steps, PlanStep{Action: ActionInstall, Unit: u, Rank: rank})
		}
	}
	return steps
}

// InstallNames returns the names of all units to install.
func (p *Plan) InstallNames() []string {
	if p == nil {
		return nil
	}
	var names []string
	for _, units := range p.Installs {
		for _, u := range units {
			names = append(names, u.Name)
		}
	}
	return names
}

// Summary returns counts describing the plan.
func (p *Plan) Summary() *PlanSummary {
	if p == nil {
		return &PlanSummary{}
	}
	s := &PlanSummary{ID: p.ID, Removals: len(p.Removals), Ranks: len(p.Installs)}
	for _, u := range p.Removals {
		s.Removed = append(s.Removed, u.Name)
	}
	s.Installed = p.InstallNames()
	s.Installs = len(s.Installed)
	return s
}

// PlanSummary describes an applied plan.
type PlanSummary struct {
	ID        string   `json:"id,omitempty"`
	Removals  int      `json:"removals"`
	Installs  int      `json:"installs"`
	Ranks     int      `json:"ranks"`
	Removed   []string `json:"removed,omitempty"`
	Installed []string `json:"installed,omitempty"`
}

// ExecutionGraph represents the dependency graph of service units.
type ExecutionGraph struct {
	// Nodes maps unit names to graph nodes.
	Nodes map[string]*GraphNode `json:"nodes"`

	// Edges lists dependencies (from dependency to dependent).
	Edges []*GraphEdge `json:"edges"`

	// Levels groups units that can start in parallel, in start order.
	Levels [][]string `json:"levels"`
}

// GraphNode represents a node in the execution graph.
type GraphNode struct {
	// ID is the unit name.
	ID string `json:"id"`

	// Role is the unit role.
	Role string `json:"role"`

	// Level is the rank of the node (0 = no in-graph dependencies).
	Level int `json:"level"`

	// Dependencies are in-graph units this node depends on.
	Dependencies []string `json:"dependencies"`

	// Dependents are in-graph units that depend on this node.
	Dependents []string `json:"dependents"`

	// External are dependencies that are not part of the graph.
	External []string `json:"external,omitempty"`
}

// GraphEdge represents a dependency edge.
type GraphEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// ApplyOptions configure a reconciliation.
type ApplyOptions struct {
	// Verify lists the units whose start must be confirmed. Nil verifies every
	// installed unit.
	Verify []string

	// Timeout bounds the whole reconciliation, verification included.
	Timeout time.Duration

	// MaxParallel bounds concurrent installs within one rank.
	MaxParallel int
}

// Progress records what a reconciliation actually changed, so it can be undone.
type Progress struct {
	// Removed are units that were stopped and removed, in removal order.
	Removed []ServiceUnit

	// Installed are units that were installed, in installation order.
	Installed []ServiceUnit
}

// OperationRecord is the journal entry for a finished operation.
type OperationRecord struct {
	ID              string         `json:"id"`
	Type            OperationType  `json:"operation"`
	Address         string         `json:"address"`
	Payload         *value.Object  `json:"payload,omitempty"`
	Version         string         `json:"version,omitempty"`
	State           OperationState `json:"state"`
	FailureCode     string         `json:"failure_code,omitempty"`
	FailureMessage  string         `json:"failure_message,omitempty"`
	ReloadRequired  bool           `json:"reload_required,omitempty"`
	RestartRequired bool           `json:"restart_required,omitempty"`
	Generation      uint64         `json:"generation"`
	StartedAt       time.Time      `json:"started_at"`
	Duration        time.Duration  `json:"duration"`
}

// EventType identifies an engine event.
type EventType string

const (
	EventOperationReceived   EventType = "operation.received"
	EventOperationCommitted  EventType = "operation.committed"
	EventOperationRolledBack EventType = "operation.rolled_back"
	EventUnitInstalled       EventType = "unit.installed"
	EventUnitUp              EventType = "unit.up"
	EventUnitFailed          EventType = "unit.failed"
	EventUnitRemoved         EventType = "unit.removed"
	EventRecoveryStarted     EventType = "recovery.started"
	EventRecoveryCompleted   EventType = "recovery.completed"
)

// Event is published for operation and unit lifecycle changes.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Type is the type of event.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// OperationID is the operation this event belongs to, if any.
	OperationID string `json:"operation_id,omitempty"`

	// Unit is the service unit name, if applicable.
	Unit string `json:"unit,omitempty"`

	// Address is the resource address, if applicable.
	Address string `json:"address,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Data contains event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}
