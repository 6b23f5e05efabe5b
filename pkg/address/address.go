// Package address implements resource addresses: ordered lists of
// (type key, instance name) pairs such as
// /cache-container=web/distributed-cache=sessions.
package address

import (
	"fmt"
	"strings"

	mgmterrors "github.com/cachegrid/cachemgmt/pkg/errors"
)

// Element is one step of an address.
type Element struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// String returns "key=value".
func (e Element) String() string {
	return e.Key + "=" + e.Value
}

// Address identifies a resource. The empty address is the root.
type Address []Element

// Root returns the empty address.
func Root() Address {
	return Address{}
}

// New builds an address from alternating key and value arguments.
func New(pairs ...string) (Address, error) {
	if len(pairs)%2 != 0 {
		return nil, fmt.Errorf("address requires key/value pairs, got %d arguments", len(pairs))
	}
	addr := make(Address, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		e := Element{Key: pairs[i], Value: pairs[i+1]}
		if err := validateElement(e); err != nil {
			return nil, err
		}
		addr = append(addr, e)
	}
	return addr, nil
}

// MustNew is like New but panics on invalid input. Intended for static addresses.
func MustNew(pairs ...string) Address {
	addr, err := New(pairs...)
	if err != nil {
		panic(err)
	}
	return addr
}

// Parse parses the textual form "/k1=v1/k2=v2". "/" and "" denote the root.
func Parse(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "/" {
		return Root(), nil
	}
	if !strings.HasPrefix(s, "/") {
		return nil, invalid(s, "must start with '/'")
	}
	parts := strings.Split(strings.TrimPrefix(s, "/"), "/")
	addr := make(Address, 0, len(parts))
	for _, part := range parts {
		key, val, ok := strings.Cut(part, "=")
		if !ok {
			return nil, invalid(s, fmt.Sprintf("element %q is not key=value", part))
		}
		e := Element{Key: key, Value: val}
		if err := validateElement(e); err != nil {
			return nil, invalid(s, err.Error())
		}
		addr = append(addr, e)
	}
	return addr, nil
}

// MustParse is like Parse but panics on invalid input.
func MustParse(s string) Address {
	addr, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return addr
}

func validateElement(e Element) error {
	if e.Key == "" || e.Value == "" {
		return fmt.Errorf("empty key or value in %q", e.String())
	}
	if strings.ContainsAny(e.Key, "/=") || strings.ContainsAny(e.Value, "/=") {
		return fmt.Errorf("element %q contains a reserved character", e.String())
	}
	return nil
}

func invalid(s, reason string) error {
	return mgmterrors.Validation(mgmterrors.CodeInvalidOperation, "invalid address %q: %s", s, reason)
}

// String returns the canonical textual form.
func (a Address) String() string {
	if len(a) == 0 {
		return "/"
	}
	var sb strings.Builder
	for _, e := range a {
		sb.WriteString("/")
		sb.WriteString(e.String())
	}
	return sb.String()
}

// IsRoot reports whether a is the root address.
func (a Address) IsRoot() bool {
	return len(a) == 0
}

// Len returns the number of elements.
func (a Address) Len() int {
	return len(a)
}

// Last returns the final element. It panics on the root address.
func (a Address) Last() Element {
	return a[len(a)-1]
}

// Type returns the key of the final element, or "" for the root.
func (a Address) Type() string {
	if len(a) == 0 {
		return ""
	}
	return a[len(a)-1].Key
}

// Name returns the value of the final element, or "" for the root.
func (a Address) Name() string {
	if len(a) == 0 {
		return ""
	}
	return a[len(a)-1].Value
}

// Parent returns the address without its last element. The parent of the root is the root.
func (a Address) Parent() Address {
	if len(a) == 0 {
		return Root()
	}
	return a[:len(a)-1].Clone()
}

// Append returns a new address with e appended.
func (a Address) Append(key, val string) Address {
	out := make(Address, len(a), len(a)+1)
	copy(out, a)
	return append(out, Element{Key: key, Value: val})
}

// Clone returns a copy of a.
func (a Address) Clone() Address {
	out := make(Address, len(a))
	copy(out, a)
	return out
}

// Equal reports whether both addresses have identical elements.
func (a Address) Equal(b Address) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// HasPrefix reports whether prefix is an ancestor of, or equal to, a.
func (a Address) HasPrefix(prefix Address) bool {
	if len(prefix) > len(a) {
		return false
	}
	return a[:len(prefix)].Equal(prefix)
}

// Find returns the value of the first element with the given key.
func (a Address) Find(key string) (string, bool) {
	for _, e := range a {
		if e.Key == key {
			return e.Value, true
		}
	}
	return "", false
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
