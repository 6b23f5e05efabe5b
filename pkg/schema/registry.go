// Package schema declares the resource types of the management model: their
// attributes (types, defaults, constraints, mutability, version ranges), their
// allowed children, and the registry that resolves addresses to schemas.
//
// Schemas are composed from fragments rather than inherited, so a distributed
// cache is "base + locking + eviction + clustered + distribution" instead of a
// subclass of a clustered cache.
package schema

import (
	"fmt"
	"sync"

	"github.com/cachegrid/cachemgmt/pkg/address"
	mgmterrors "github.com/cachegrid/cachemgmt/pkg/errors"
)

// Registry maps resource type keys to schemas. It is populated at startup
// and sealed before the first operation is accepted.
type Registry struct {
	mu      sync.RWMutex
	current Version
	schemas map[string]*ResourceSchema
	order   []string
	roots   []string
	sealed  bool
}

// NewRegistry creates an empty registry for the given current model version.
func NewRegistry(current Version) *Registry {
	return &Registry{
		current: current,
		schemas: make(map[string]*ResourceSchema),
	}
}

// Register adds a schema that may only appear beneath a parent.
func (r *Registry) Register(s *ResourceSchema) error {
	return r.register(s, false)
}

// RegisterRoot adds a schema that may appear at the top level.
func (r *Registry) RegisterRoot(s *ResourceSchema) error {
	return r.register(s, true)
}

func (r *Registry) register(s *ResourceSchema, root bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("registry is sealed: cannot register %s", s.Key)
	}
	if _, exists := r.schemas[s.Key]; exists {
		return fmt.Errorf("schema already registered: %s", s.Key)
	}
	r.schemas[s.Key] = s
	r.order = append(r.order, s.Key)
	if root {
		r.roots = append(r.roots, s.Key)
	}
	return nil
}

// Seal freezes the registry after verifying every declared child type exists.
func (r *Registry) Seal() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, key := range r.order {
		for _, child := range r.schemas[key].children {
			if _, ok := r.schemas[child]; !ok {
				return fmt.Errorf("schema %s declares unknown child type %s", key, child)
			}
		}
	}
	r.sealed = true
	return nil
}

// Sealed reports whether Seal has been called.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// CurrentVersion returns the model version the registry describes.
func (r *Registry) CurrentVersion() Version {
	return r.current
}

// Lookup returns the schema registered under key.
func (r *Registry) Lookup(key string) (*ResourceSchema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[key]
	return s, ok
}

// Keys returns all registered type keys in registration order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Roots returns the type keys allowed at the top level.
func (r *Registry) Roots() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.roots))
	copy(out, r.roots)
	return out
}

// ResolveAddress returns the schema of the resource at addr, checking that
// every step is an allowed child of the previous one.
func (r *Registry) ResolveAddress(addr address.Address) (*ResourceSchema, error) {
	if addr.IsRoot() {
		return nil, mgmterrors.Address(mgmterrors.CodeInvalidParent, "the root address has no resource type").
			WithAddress(addr.String())
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var parent *ResourceSchema
	for i, e := range addr {
		s, ok := r.schemas[e.Key]
		if !ok {
			return nil, mgmterrors.Address(mgmterrors.CodeNotFound, "unknown resource type %s", e.Key).
				WithAddress(addr.String())
		}
		if i == 0 {
			if !r.isRoot(e.Key) {
				return nil, mgmterrors.Address(mgmterrors.CodeInvalidParent,
					"resource type %s cannot appear at the top level", e.Key).WithAddress(addr.String())
			}
		} else if !parent.AllowsChild(e.Key) {
			return nil, mgmterrors.Address(mgmterrors.CodeInvalidParent,
				"resource type %s is not a valid child of %s", e.Key, parent.Key).WithAddress(addr.String())
		}
		if s.FixedName != "" && e.Value != s.FixedName {
			return nil, mgmterrors.Address(mgmterrors.CodeInvalidParent,
				"resource %s must be named %s", e.Key, s.FixedName).WithAddress(addr.String())
		}
		parent = s
	}
	return parent, nil
}

func (r *Registry) isRoot(key string) bool {
	for _, k := range r.roots {
		if k == key {
			return true
		}
	}
	return false
}
