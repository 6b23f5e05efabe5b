package value

import (
	"strconv"
	"strings"

	mgmterrors "github.com/cachegrid/cachemgmt/pkg/errors"
)

// Object is an insertion-ordered map from names to values.
// Read methods are safe on a nil *Object.
type Object struct {
	keys   []string
	values map[string]Value
}

// NewObject creates an empty object.
func NewObject() *Object {
	return &Object{values: make(map[string]Value)}
}

// Set stores v under name. An existing name keeps its position.
func (o *Object) Set(name string, v Value) *Object {
	if _, exists := o.values[name]; !exists {
		o.keys = append(o.keys, name)
	}
	o.values[name] = v
	return o
}

// Add stores v under name and fails if name is already present.
func (o *Object) Add(name string, v Value) error {
	if _, exists := o.values[name]; exists {
		return mgmterrors.Validation(mgmterrors.CodeConstraintViolation,
			"duplicate key %q", name)
	}
	o.Set(name, v)
	return nil
}

// Get returns the value stored under name.
func (o *Object) Get(name string) (Value, bool) {
	if o == nil {
		return Value{}, false
	}
	v, ok := o.values[name]
	return v, ok
}

// Lookup returns the value stored under name or undefined.
func (o *Object) Lookup(name string) Value {
	v, _ := o.Get(name)
	return v
}

// Has reports whether name is present.
func (o *Object) Has(name string) bool {
	_, ok := o.Get(name)
	return ok
}

// Delete removes name and reports whether it was present.
func (o *Object) Delete(name string) bool {
	if o == nil {
		return false
	}
	if _, ok := o.values[name]; !ok {
		return false
	}
	delete(o.values, name)
	for i, k := range o.keys {
		if k == name {
			o.keys = append(o.keys[:i], o.keys[i+1:]...)
			break
		}
	}
	return true
}

// Rename moves the value stored under from to to, keeping its position.
// It reports whether from was present. An existing to is overwritten.
func (o *Object) Rename(from, to string) bool {
	v, ok := o.Get(from)
	if !ok || from == to {
		return ok
	}
	if _, exists := o.values[to]; exists {
		o.Delete(to)
	}
	for i, k := range o.keys {
		if k == from {
			o.keys[i] = to
			break
		}
	}
	delete(o.values, from)
	o.values[to] = v
	return true
}

// Keys returns the names in insertion order.
func (o *Object) Keys() []string {
	if o == nil {
		return nil
	}
	keys := make([]string, len(o.keys))
	copy(keys, o.keys)
	return keys
}

// Len returns the number of entries.
func (o *Object) Len() int {
	if o == nil {
		return 0
	}
	return len(o.keys)
}

// Range calls fn for every entry in order until fn returns false.
func (o *Object) Range(fn func(name string, v Value) bool) {
	if o == nil {
		return
	}
	for _, k := range o.keys {
		if !fn(k, o.values[k]) {
			return
		}
	}
}

// Clone returns a deep copy. Cloning nil yields an empty object.
func (o *Object) Clone() *Object {
	c := NewObject()
	if o == nil {
		return c
	}
	c.keys = make([]string, len(o.keys))
	copy(c.keys, o.keys)
	for k, v := range o.values {
		c.values[k] = v.Clone()
	}
	return c
}

// Equal reports whether both objects hold the same entries in the same order.
func (o *Object) Equal(other *Object) bool {
	if o.Len() != other.Len() {
		return false
	}
	if o.Len() == 0 {
		return true
	}
	for i, k := range o.keys {
		if other.keys[i] != k {
			return false
		}
		if !o.values[k].Equal(other.values[k]) {
			return false
		}
	}
	return true
}

// String returns a compact human-readable representation.
func (o *Object) String() string {
	var sb strings.Builder
	sb.WriteString("{")
	for i, k := range o.Keys() {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(strconv.Quote(k))
		sb.WriteString("=>")
		sb.WriteString(o.values[k].String())
	}
	sb.WriteString("}")
	return sb.String()
}
