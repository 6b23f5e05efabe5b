package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cachegrid/cachemgmt/pkg/address"
	mgmterrors "github.com/cachegrid/cachemgmt/pkg/errors"
	"github.com/cachegrid/cachemgmt/pkg/schema"
	"github.com/cachegrid/cachemgmt/pkg/tree"
	"github.com/cachegrid/cachemgmt/pkg/value"
)

// HandlerFunc performs the model phase of an add or remove.
type HandlerFunc func(oc *OperationContext) error

// WriteFunc performs the model phase of a write or undefine of one attribute.
// An undefine passes an undefined value.
type WriteFunc func(oc *OperationContext, def *schema.AttributeDefinition, v value.Value) error

// ReadFunc computes the value of one attribute from the stored attributes.
type ReadFunc func(oc *OperationContext, attrs *value.Object) (value.Value, error)

// Handlers are the model-phase handlers of one resource type. Nil entries
// fall back to the defaults.
type Handlers struct {
	Add            HandlerFunc
	Remove         HandlerFunc
	WriteAttribute map[string]WriteFunc
	ReadAttribute  map[string]ReadFunc
}

// DispatchTable maps resource type keys to their handlers. It is resolved once
// at construction and read-only afterwards.
type DispatchTable struct {
	handlers map[string]Handlers
}

// NewDispatchTable creates default handlers for every schema in registry and
// overlays overrides. Overrides for unregistered types are an error.
func NewDispatchTable(registry *schema.Registry, overrides map[string]Handlers) (*DispatchTable, error) {
	d := &DispatchTable{handlers: make(map[string]Handlers)}
	for _, key := range registry.Keys() {
		d.handlers[key] = Handlers{
			Add:            DefaultAdd,
			Remove:         DefaultRemove,
			WriteAttribute: map[string]WriteFunc{},
			ReadAttribute:  map[string]ReadFunc{},
		}
	}

	for key, o := range overrides {
		h, ok := d.handlers[key]
		if !ok {
			return nil, fmt.Errorf("handlers registered for unknown resource type %q", key)
		}
		rs, _ := registry.Lookup(key)
		if o.Add != nil {
			h.Add = o.Add
		}
		if o.Remove != nil {
			h.Remove = o.Remove
		}
		for name, fn := range o.WriteAttribute {
			if _, ok := rs.Attribute(name); !ok {
				return nil, fmt.Errorf("write handler for unknown attribute %s.%s", key, name)
			}
			h.WriteAttribute[name] = fn
		}
		for name, fn := range o.ReadAttribute {
			if _, ok := rs.Attribute(name); !ok {
				return nil, fmt.Errorf("read handler for unknown attribute %s.%s", key, name)
			}
			h.ReadAttribute[name] = fn
		}
		d.handlers[key] = h
	}
	return d, nil
}

// Lookup returns the handlers for a resource type.
func (d *DispatchTable) Lookup(key string) (Handlers, bool) {
	h, ok := d.handlers[key]
	return h, ok
}

// writer returns the write handler for def, or nil when the attribute cannot be written.
func (h Handlers) writer(def *schema.AttributeDefinition) WriteFunc {
	if fn, ok := h.WriteAttribute[def.Name]; ok {
		return fn
	}
	if def.Alias {
		return nil
	}
	return DefaultWrite
}

// OperationContext is handed to handlers during the model phase.
type OperationContext struct {
	// Context is the operation's context.
	Context context.Context

	// Operation is the operation being executed, payload already translated to
	// the current version.
	Operation *Operation

	// Schema is the schema of the target resource; nil for the root.
	Schema *schema.ResourceSchema

	// View reads the tree as the operation sees it.
	View View

	// Tx is the write transaction; nil for top-level reads.
	Tx *tree.Tx

	// Registry is the resource schema registry.
	Registry *schema.Registry

	// Logger is scoped to the operation.
	Logger zerolog.Logger

	result    value.Value
	reload    bool
	restart   bool
	reconcile bool
	verify    []string
}

// Address returns the target address.
func (oc *OperationContext) Address() address.Address {
	return oc.Operation.Address
}

// SetResult sets the operation result value.
func (oc *OperationContext) SetResult(v value.Value) {
	oc.result = v
}

// ReloadRequired flags that the change takes effect after a reload.
func (oc *OperationContext) ReloadRequired() {
	oc.reload = true
}

// RestartRequired flags that the change takes effect after a restart.
func (oc *OperationContext) RestartRequired() {
	oc.restart = true
}

// Reconcile requests the runtime phase. Units names, when given, are added to
// the set whose start is verified; without names every installed unit is verified.
func (oc *OperationContext) Reconcile(units ...string) {
	oc.reconcile = true
	oc.verify = append(oc.verify, units...)
}

// StringParam returns a required string payload parameter.
func (oc *OperationContext) StringParam(name string) (string, error) {
	v, ok := oc.Operation.Payload.Get(name)
	if !ok || !v.IsDefined() {
		return "", mgmterrors.Validation(mgmterrors.CodeInvalidOperation,
			"%s requires parameter %q", oc.Operation.Type, name)
	}
	return v.AsString(), nil
}

// BoolParam returns an optional boolean payload parameter.
func (oc *OperationContext) BoolParam(name string, def bool) (bool, error) {
	v, ok := oc.Operation.Payload.Get(name)
	if !ok || !v.IsDefined() {
		return def, nil
	}
	b, err := v.AsBool()
	if err != nil {
		return false, mgmterrors.Validation(mgmterrors.CodeTypeMismatch,
			"parameter %q of %s must be a boolean", name, oc.Operation.Type)
	}
	return b, nil
}

// attribute returns the definition of name on the target.
func (oc *OperationContext) attribute(name string) (*schema.AttributeDefinition, error) {
	if oc.Schema == nil {
		return nil, mgmterrors.Validation(mgmterrors.CodeInvalidOperation,
			"the root resource has no attributes")
	}
	def, ok := oc.Schema.Attribute(name)
	if !ok {
		return nil, mgmterrors.Validation(mgmterrors.CodeUnknownAttribute,
			"%s has no attribute %q", oc.Schema.Key, name).
			WithAddress(oc.Address().String()).
			WithDetail("attribute", name)
	}
	return def, nil
}

// applyMutability sets the flags implied by changing an attribute.
func (oc *OperationContext) applyMutability(def *schema.AttributeDefinition) {
	switch def.Mutability {
	case schema.Immediate:
		if oc.Schema.Runtime {
			oc.Reconcile()
		}
	case schema.RequiresReload:
		oc.ReloadRequired()
	case schema.RequiresRestart:
		oc.RestartRequired()
	}
}

// DefaultAdd creates the target resource from the payload attributes.
func DefaultAdd(oc *OperationContext) error {
	if err := oc.Tx.CreateResource(oc.Address(), oc.Operation.Payload); err != nil {
		return err
	}
	if oc.Schema.Runtime {
		oc.Reconcile()
	}
	return nil
}

// DefaultRemove removes the target resource; payload "cascade" removes the subtree.
func DefaultRemove(oc *OperationContext) error {
	cascade, err := oc.BoolParam("cascade", false)
	if err != nil {
		return err
	}
	if err := oc.Tx.RemoveResource(oc.Address(), cascade); err != nil {
		return err
	}
	if oc.Schema.Runtime {
		oc.Reconcile()
	}
	return nil
}

// DefaultWrite stores v (or resets the attribute when v is undefined) and sets
// the flags implied by the attribute's mutability.
func DefaultWrite(oc *OperationContext, def *schema.AttributeDefinition, v value.Value) error {
	var err error
	if v.IsDefined() {
		err = oc.Tx.SetAttribute(oc.Address(), def.Name, v)
	} else {
		err = oc.Tx.UndefineAttribute(oc.Address(), def.Name)
	}
	if err != nil {
		return err
	}
	oc.applyMutability(def)
	return nil
}

// defaultRead returns the stored value of the attribute.
func defaultRead(name string) ReadFunc {
	return func(_ *OperationContext, attrs *value.Object) (value.Value, error) {
		return attrs.Lookup(name), nil
	}
}
