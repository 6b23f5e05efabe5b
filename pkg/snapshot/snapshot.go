// Package snapshot holds the serialisable form of the configuration tree:
// an ordered map from resource address to attribute values, tagged with the
// model version it conforms to. Snapshots are what the tree store commits,
// what transformers rewrite, and what the persistence layer saves.
package snapshot

import (
	"sort"

	"github.com/cachegrid/cachemgmt/pkg/address"
	"github.com/cachegrid/cachemgmt/pkg/schema"
	"github.com/cachegrid/cachemgmt/pkg/value"
)

// Entry is one resource of a snapshot.
type Entry struct {
	Address    address.Address
	Attributes *value.Object
}

type entry struct {
	addr  address.Address
	attrs *value.Object
	seq   uint64
}

// Snapshot is not safe for concurrent mutation. The tree store only ever
// shares snapshots that are no longer mutated.
type Snapshot struct {
	Version schema.Version

	entries map[string]*entry
	nextSeq uint64
}

// New returns an empty snapshot for version v.
func New(v schema.Version) *Snapshot {
	return &Snapshot{Version: v, entries: make(map[string]*entry)}
}

// Put stores a copy of attrs under addr. Replacing an entry keeps its position.
func (s *Snapshot) Put(addr address.Address, attrs *value.Object) {
	key := addr.String()
	if e, ok := s.entries[key]; ok {
		e.attrs = attrs.Clone()
		return
	}
	s.nextSeq++
	s.entries[key] = &entry{addr: addr.Clone(), attrs: attrs.Clone(), seq: s.nextSeq}
}

// Get returns a copy of the attributes stored under addr.
func (s *Snapshot) Get(addr address.Address) (*value.Object, bool) {
	e, ok := s.entries[addr.String()]
	if !ok {
		return nil, false
	}
	return e.attrs.Clone(), true
}

// Has reports whether addr is present.
func (s *Snapshot) Has(addr address.Address) bool {
	_, ok := s.entries[addr.String()]
	return ok
}

// Update calls fn with the stored attributes of addr for in-place edits.
// It reports whether addr is present.
func (s *Snapshot) Update(addr address.Address, fn func(attrs *value.Object)) bool {
	e, ok := s.entries[addr.String()]
	if !ok {
		return false
	}
	fn(e.attrs)
	return true
}

// Delete removes addr only and reports whether it was present.
func (s *Snapshot) Delete(addr address.Address) bool {
	key := addr.String()
	if _, ok := s.entries[key]; !ok {
		return false
	}
	delete(s.entries, key)
	return true
}

// DeleteSubtree removes addr and all its descendants, returning how many
// entries were removed.
func (s *Snapshot) DeleteSubtree(addr address.Address) int {
	removed := 0
	for key, e := range s.entries {
		if e.addr.HasPrefix(addr) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of resources.
func (s *Snapshot) Len() int {
	return len(s.entries)
}

// Children returns the direct children of addr in insertion order.
func (s *Snapshot) Children(addr address.Address) []address.Address {
	var found []*entry
	for _, e := range s.entries {
		if e.addr.Len() == addr.Len()+1 && e.addr.HasPrefix(addr) {
			found = append(found, e)
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].seq < found[j].seq })
	out := make([]address.Address, len(found))
	for i, e := range found {
		out[i] = e.addr.Clone()
	}
	return out
}

// HasChildren reports whether any resource lives beneath addr.
func (s *Snapshot) HasChildren(addr address.Address) bool {
	for _, e := range s.entries {
		if e.addr.Len() > addr.Len() && e.addr.HasPrefix(addr) {
			return true
		}
	}
	return false
}

// Entries returns copies of all resources in tree order: every parent
// precedes its children and siblings keep insertion order.
func (s *Snapshot) Entries() []Entry {
	children := make(map[string][]*entry, len(s.entries))
	var tops []*entry
	for _, e := range s.entries {
		parent := e.addr.Parent()
		if _, ok := s.entries[parent.String()]; ok && !parent.IsRoot() {
			children[parent.String()] = append(children[parent.String()], e)
			continue
		}
		tops = append(tops, e)
	}
	bySeq := func(list []*entry) {
		sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })
	}

	out := make([]Entry, 0, len(s.entries))
	var walk func(list []*entry)
	walk = func(list []*entry) {
		bySeq(list)
		for _, e := range list {
			out = append(out, Entry{Address: e.addr.Clone(), Attributes: e.attrs.Clone()})
			walk(children[e.addr.String()])
		}
	}
	walk(tops)
	return out
}

// Addresses returns every address in tree order.
func (s *Snapshot) Addresses() []address.Address {
	entries := s.Entries()
	out := make([]address.Address, len(entries))
	for i, e := range entries {
		out[i] = e.Address
	}
	return out
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	c := &Snapshot{
		Version: s.Version,
		entries: make(map[string]*entry, len(s.entries)),
		nextSeq: s.nextSeq,
	}
	for key, e := range s.entries {
		c.entries[key] = &entry{addr: e.addr.Clone(), attrs: e.attrs.Clone(), seq: e.seq}
	}
	return c
}

// Equal reports whether both snapshots hold the same version, the same set
// of resources and the same attribute values. Attribute order is ignored.
func (s *Snapshot) Equal(o *Snapshot) bool {
	if s.Version != o.Version || len(s.entries) != len(o.entries) {
		return false
	}
	for key, e := range s.entries {
		other, ok := o.entries[key]
		if !ok || !SameAttributes(e.attrs, other.attrs) {
			return false
		}
	}
	return true
}

// SameAttributes compares two attribute maps ignoring key order.
func SameAttributes(a, b *value.Object) bool {
	if a.Len() != b.Len() {
		return false
	}
	same := true
	a.Range(func(name string, v value.Value) bool {
		other, ok := b.Get(name)
		if !ok || !v.Equal(other) {
			same = false
		}
		return same
	})
	return same
}
