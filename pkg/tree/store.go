// Package tree implements the configuration tree store: the last committed
// resource tree plus single-writer transactions over a private copy of it.
//
// Readers always see the last committed snapshot and never block on a
// writer. A transaction works on a clone; Commit atomically publishes the
// clone (after persisting it, when a Persister is configured) and Rollback
// discards it, so a rolled back tree is exactly the tree before Begin.
package tree

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/cachegrid/cachemgmt/pkg/address"
	mgmterrors "github.com/cachegrid/cachemgmt/pkg/errors"
	"github.com/cachegrid/cachemgmt/pkg/schema"
	"github.com/cachegrid/cachemgmt/pkg/snapshot"
	"github.com/cachegrid/cachemgmt/pkg/value"
)

// Persister saves committed snapshots outside the process.
type Persister interface {
	SaveSnapshot(ctx context.Context, snap *snapshot.Snapshot, generation uint64) error
}

type committed struct {
	snap       *snapshot.Snapshot
	generation uint64
}

// Store holds the committed configuration tree.
type Store struct {
	registry  *schema.Registry
	persister Persister
	logger    zerolog.Logger
	writer    *semaphore.Weighted
	current   atomic.Pointer[committed]
	base      uint64
}

// Option configures a Store.
type Option func(*Store)

// WithPersister persists every commit through p.
func WithPersister(p Persister) Option {
	return func(s *Store) {
		s.persister = p
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithGeneration starts the commit counter at base, so the first commit is
// generation base+1.
func WithGeneration(base uint64) Option {
	return func(s *Store) {
		s.base = base
	}
}

// NewStore creates an empty tree at the registry's current version.
func NewStore(registry *schema.Registry, opts ...Option) *Store {
	s := &Store{
		registry: registry,
		logger:   zerolog.Nop(),
		writer:   semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "tree").Logger()
	s.current.Store(&committed{snap: snapshot.New(registry.CurrentVersion()), generation: s.base})
	return s
}

// Registry returns the schema registry the store validates against.
func (s *Store) Registry() *schema.Registry {
	return s.registry
}

// Snapshot returns a copy of the committed tree.
func (s *Store) Snapshot() *snapshot.Snapshot {
	return s.current.Load().snap.Clone()
}

// Generation returns the number of commits so far.
func (s *Store) Generation() uint64 {
	return s.current.Load().generation
}

// ReadResource returns a copy of the committed attributes of addr.
func (s *Store) ReadResource(addr address.Address) (*value.Object, error) {
	return readResource(s.current.Load().snap, addr)
}

// Exists reports whether addr is present in the committed tree.
func (s *Store) Exists(addr address.Address) bool {
	return s.current.Load().snap.Has(addr)
}

// Children returns the committed direct children of addr.
func (s *Store) Children(addr address.Address) []address.Address {
	return s.current.Load().snap.Children(addr)
}

// View is a read-only view pinned to one committed generation. Every read
// through it sees the same tree, whatever commits happen meanwhile.
type View struct {
	snap       *snapshot.Snapshot
	generation uint64
}

// View pins the current committed tree.
func (s *Store) View() *View {
	c := s.current.Load()
	return &View{snap: c.snap, generation: c.generation}
}

// Generation returns the generation the view is pinned to.
func (v *View) Generation() uint64 {
	return v.generation
}

// ReadResource returns a copy of the attributes of addr.
func (v *View) ReadResource(addr address.Address) (*value.Object, error) {
	return readResource(v.snap, addr)
}

// Exists reports whether addr is present.
func (v *View) Exists(addr address.Address) bool {
	return v.snap.Has(addr)
}

// Children returns the direct children of addr.
func (v *View) Children(addr address.Address) []address.Address {
	return v.snap.Children(addr)
}

// BeginTransaction waits for the writer slot and opens a transaction over
// a copy of the committed tree. It fails when ctx is done first.
func (s *Store) BeginTransaction(ctx context.Context) (*Tx, error) {
	if err := s.writer.Acquire(ctx, 1); err != nil {
		return nil, mgmterrors.Internal(err, "failed to acquire configuration write lock")
	}
	base := s.current.Load()
	s.logger.Debug().Uint64("generation", base.generation).Msg("Transaction started")
	return &Tx{
		store:   s,
		base:    base.generation,
		working: base.snap.Clone(),
	}, nil
}

func (s *Store) commit(ctx context.Context, tx *Tx) (uint64, error) {
	base := s.current.Load()
	if base.generation != tx.base {
		return 0, mgmterrors.Internal(nil, "committed tree moved from generation %d to %d during transaction",
			tx.base, base.generation)
	}
	next := &committed{snap: tx.working, generation: base.generation + 1}
	if s.persister != nil {
		if err := s.persister.SaveSnapshot(ctx, next.snap, next.generation); err != nil {
			return 0, mgmterrors.Internal(err, "failed to persist configuration generation %d", next.generation)
		}
	}
	s.current.Store(next)
	s.logger.Debug().
		Uint64("generation", next.generation).
		Int("resources", next.snap.Len()).
		Msg("Transaction committed")
	return next.generation, nil
}

func readResource(snap *snapshot.Snapshot, addr address.Address) (*value.Object, error) {
	attrs, ok := snap.Get(addr)
	if !ok {
		return nil, notFound(addr)
	}
	return attrs, nil
}

func notFound(addr address.Address) error {
	return mgmterrors.Address(mgmterrors.CodeNotFound, "resource %s not found", addr).
		WithAddress(addr.String())
}
