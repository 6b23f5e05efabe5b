package tree

import (
	"context"
	"errors"
	"sync"

	"github.com/cachegrid/cachemgmt/pkg/address"
	mgmterrors "github.com/cachegrid/cachemgmt/pkg/errors"
	"github.com/cachegrid/cachemgmt/pkg/schema"
	"github.com/cachegrid/cachemgmt/pkg/snapshot"
	"github.com/cachegrid/cachemgmt/pkg/value"
)

// Tx is a write transaction. It is used by one operation at a time; the
// mutex only guards against misuse after Commit or Rollback.
type Tx struct {
	mu      sync.Mutex
	store   *Store
	base    uint64
	working *snapshot.Snapshot
	done    bool
}

func (tx *Tx) check() error {
	if tx.done {
		return &mgmterrors.Error{
			Class:   mgmterrors.ClassInternal,
			Code:    mgmterrors.CodeTransactionClosed,
			Message: "transaction already committed or rolled back",
		}
	}
	return nil
}

// ReadResource returns a copy of the attributes of addr as seen by the transaction.
func (tx *Tx) ReadResource(addr address.Address) (*value.Object, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.check(); err != nil {
		return nil, err
	}
	return readResource(tx.working, addr)
}

// Exists reports whether addr is present in the transaction's tree.
func (tx *Tx) Exists(addr address.Address) bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return !tx.done && tx.working.Has(addr)
}

// Children returns the direct children of addr in the transaction's tree.
func (tx *Tx) Children(addr address.Address) []address.Address {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return nil
	}
	return tx.working.Children(addr)
}

// CreateResource adds a resource whose attributes are the schema defaults
// overlaid with attrs.
func (tx *Tx) CreateResource(addr address.Address, attrs *value.Object) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.check(); err != nil {
		return err
	}

	rs, err := tx.store.registry.ResolveAddress(addr)
	if err != nil {
		return err
	}
	if tx.working.Has(addr) {
		return mgmterrors.Address(mgmterrors.CodeDuplicateAddress, "resource %s already exists", addr).
			WithAddress(addr.String())
	}
	if parent := addr.Parent(); !parent.IsRoot() && !tx.working.Has(parent) {
		return mgmterrors.Address(mgmterrors.CodeInvalidParent, "parent %s does not exist", parent).
			WithAddress(addr.String())
	}

	merged := rs.Defaults()
	var verr error
	attrs.Range(func(name string, v value.Value) bool {
		def, ok := rs.Attribute(name)
		if !ok {
			verr = unknownAttribute(addr, name)
			return false
		}
		if def.Alias {
			return true
		}
		if !v.IsDefined() {
			if !def.Default.IsDefined() {
				merged.Delete(name)
			}
			return true
		}
		coerced, err := schema.Coerce(v, def)
		if err != nil {
			verr = withAddress(err, addr)
			return false
		}
		merged.Set(name, coerced)
		return true
	})
	if verr != nil {
		return verr
	}
	for _, def := range rs.Attributes() {
		if def.Alias || !def.Required() || !def.PresentIn(tx.store.registry.CurrentVersion()) {
			continue
		}
		if !merged.Has(def.Name) {
			return mgmterrors.Validation(mgmterrors.CodeConstraintViolation,
				"attribute %s is required", def.Name).
				WithAddress(addr.String()).
				WithDetail("attribute", def.Name)
		}
	}
	tx.working.Put(addr, merged)
	return nil
}

// RemoveResource deletes addr. Without cascade a resource with children
// cannot be removed.
func (tx *Tx) RemoveResource(addr address.Address, cascade bool) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.check(); err != nil {
		return err
	}
	if !tx.working.Has(addr) {
		return notFound(addr)
	}
	if !cascade && tx.working.HasChildren(addr) {
		return mgmterrors.Address(mgmterrors.CodeHasChildren, "resource %s has children", addr).
			WithAddress(addr.String())
	}
	tx.working.DeleteSubtree(addr)
	return nil
}

// SetAttribute validates v against the attribute definition and stores it
// on addr. Undefined values behave like UndefineAttribute.
func (tx *Tx) SetAttribute(addr address.Address, name string, v value.Value) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.check(); err != nil {
		return err
	}
	rs, err := tx.store.registry.ResolveAddress(addr)
	if err != nil {
		return err
	}
	def, ok := rs.Attribute(name)
	if !ok || def.Alias {
		return unknownAttribute(addr, name)
	}
	if def.Mutability == schema.ReadOnly {
		return readOnly(addr, name)
	}
	if !v.IsDefined() {
		return tx.undefine(addr, name)
	}
	coerced, err := schema.Coerce(v, def)
	if err != nil {
		return withAddress(err, addr)
	}
	if !tx.working.Update(addr, func(attrs *value.Object) { attrs.Set(name, coerced) }) {
		return notFound(addr)
	}
	return nil
}

// UndefineAttribute resets name to its schema default, or removes it when
// the attribute has none.
func (tx *Tx) UndefineAttribute(addr address.Address, name string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.check(); err != nil {
		return err
	}
	return tx.undefine(addr, name)
}

func (tx *Tx) undefine(addr address.Address, name string) error {
	rs, err := tx.store.registry.ResolveAddress(addr)
	if err != nil {
		return err
	}
	def, ok := rs.Attribute(name)
	if !ok || def.Alias {
		return unknownAttribute(addr, name)
	}
	if def.Mutability == schema.ReadOnly {
		return readOnly(addr, name)
	}
	if def.Required() {
		return mgmterrors.Validation(mgmterrors.CodeConstraintViolation, "attribute %s is required", name).
			WithAddress(addr.String()).
			WithDetail("attribute", name)
	}
	if !tx.working.Update(addr, func(attrs *value.Object) {
		if def.Default.IsDefined() {
			attrs.Set(name, def.Default)
			return
		}
		attrs.Delete(name)
	}) {
		return notFound(addr)
	}
	return nil
}

// Snapshot returns a copy of the transaction's working tree, or nil once
// the transaction is finished.
func (tx *Tx) Snapshot() *snapshot.Snapshot {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return nil
	}
	return tx.working.Clone()
}

// Commit publishes the working tree and releases the writer slot. When
// persisting fails nothing is published and the transaction stays open so
// the caller can roll back.
func (tx *Tx) Commit(ctx context.Context) (uint64, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.check(); err != nil {
		return 0, err
	}
	generation, err := tx.store.commit(ctx, tx)
	if err != nil {
		return 0, err
	}
	tx.done = true
	tx.store.writer.Release(1)
	return generation, nil
}

// Rollback discards the working tree and releases the writer slot.
// Rolling back a finished transaction returns a TRANSACTION_CLOSED error and
// has no other effect, so it is safe to defer.
func (tx *Tx) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.check(); err != nil {
		return err
	}
	tx.done = true
	tx.working = nil
	tx.store.writer.Release(1)
	tx.store.logger.Debug().Uint64("generation", tx.base).Msg("Transaction rolled back")
	return nil
}

func unknownAttribute(addr address.Address, name string) error {
	return mgmterrors.Validation(mgmterrors.CodeUnknownAttribute, "unknown attribute %s", name).
		WithAddress(addr.String()).
		WithDetail("attribute", name)
}

func withAddress(err error, addr address.Address) error {
	var e *mgmterrors.Error
	if errors.As(err, &e) && e.Address == "" {
		e.WithAddress(addr.String())
	}
	return err
}

func readOnly(addr address.Address, name string) error {
	return mgmterrors.Validation(mgmterrors.CodeReadOnlyAttribute, "attribute %s is read-only", name).
		WithAddress(addr.String()).
		WithDetail("attribute", name)
}
