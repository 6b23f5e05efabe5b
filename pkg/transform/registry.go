// Package transform converts configuration snapshots and operation payloads
// between model versions.
//
// Versions are totally ordered, so the chain between two versions is simply
// the sequence of adjacent versions between them. Each adjacent pair is served
// by one Transformer; going up applies forward functions in order, going down
// applies inverse functions in reverse order.
package transform

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	mgmterrors "github.com/cachegrid/cachemgmt/pkg/errors"
	"github.com/cachegrid/cachemgmt/pkg/schema"
	"github.com/cachegrid/cachemgmt/pkg/snapshot"
	"github.com/cachegrid/cachemgmt/pkg/value"
)

// Observer is notified after every Transform call.
type Observer func(from, to schema.Version, steps int, duration time.Duration, err error)

// Registry holds the known versions and the transformers linking them.
type Registry struct {
	mu       sync.RWMutex
	versions []schema.Version
	links    map[schema.Version]Transformer
	logger   zerolog.Logger
	observer Observer
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		links:  make(map[schema.Version]Transformer),
		logger: logger.With().Str("component", "transform").Logger(),
	}
}

// SetObserver installs a callback used for metrics.
func (r *Registry) SetObserver(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = o
}

// RegisterVersion adds a known version.
func (r *Registry) RegisterVersion(v schema.Version) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.versions {
		if existing == v {
			return fmt.Errorf("version %s already registered", v)
		}
	}
	r.versions = append(r.versions, v)
	sort.Slice(r.versions, func(i, j int) bool { return r.versions[i].Less(r.versions[j]) })
	return nil
}

// Register adds the transformer for an adjacent pair of registered versions.
func (r *Registry) Register(t Transformer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(t.From())
	if i < 0 || r.indexOf(t.To()) < 0 {
		return fmt.Errorf("transformer %s -> %s references an unregistered version", t.From(), t.To())
	}
	if i+1 >= len(r.versions) || r.versions[i+1] != t.To() {
		return fmt.Errorf("transformer %s -> %s does not link adjacent versions", t.From(), t.To())
	}
	if _, exists := r.links[t.From()]; exists {
		return fmt.Errorf("transformer from %s already registered", t.From())
	}
	r.links[t.From()] = t
	return nil
}

// Versions returns the known versions in ascending order.
func (r *Registry) Versions() []schema.Version {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]schema.Version, len(r.versions))
	copy(out, r.versions)
	return out
}

// Current returns the highest registered version.
func (r *Registry) Current() schema.Version {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.versions) == 0 {
		return schema.Version{}
	}
	return r.versions[len(r.versions)-1]
}

// Known reports whether v is registered.
func (r *Registry) Known(v schema.Version) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.indexOf(v) >= 0
}

// Transform returns a copy of snap converted from version from to version to.
// snap itself is never modified, also when the transformation fails.
func (r *Registry) Transform(snap *snapshot.Snapshot, from, to schema.Version) (*snapshot.Snapshot, error) {
	start := time.Now()
	chain, up, err := r.chain(from, to)
	if err == nil && !snap.Version.IsZero() && snap.Version != from {
		err = mgmterrors.Transform(mgmterrors.CodeUnknownVersion,
			"snapshot is at version %s, not %s", snap.Version, from)
	}
	if err != nil {
		r.observe(from, to, 0, time.Since(start), err)
		return nil, err
	}

	out := snap.Clone()
	out.Version = from
	for _, t := range chain {
		if up {
			err = t.Up(out)
		} else {
			err = t.Down(out)
		}
		if err != nil {
			err = mgmterrors.Transform(mgmterrors.CodeNoTransformerChain,
				"transformer %s -> %s failed: %v", t.From(), t.To(), err)
			r.observe(from, to, len(chain), time.Since(start), err)
			return nil, err
		}
	}
	out.Version = to

	r.logger.Debug().
		Str("from", from.String()).
		Str("to", to.String()).
		Int("steps", len(chain)).
		Int("resources", out.Len()).
		Msg("Snapshot transformed")
	r.observe(from, to, len(chain), time.Since(start), nil)
	return out, nil
}

// TranslatePayload upgrades the payload of an operation on resourceType
// written against version from to the current version. It returns a copy.
func (r *Registry) TranslatePayload(resourceType string, payload *value.Object, from schema.Version) (*value.Object, error) {
	out := payload.Clone()
	chain, up, err := r.chain(from, r.Current())
	if err != nil {
		return nil, err
	}
	if !up {
		return nil, mgmterrors.Transform(mgmterrors.CodeUnknownVersion,
			"operation version %s is newer than the current version %s", from, r.Current())
	}
	for _, t := range chain {
		if err := t.UpPayload(resourceType, out); err != nil {
			return nil, mgmterrors.Transform(mgmterrors.CodeNoTransformerChain,
				"transformer %s -> %s failed on payload: %v", t.From(), t.To(), err)
		}
	}
	return out, nil
}

// AttributeSet lists the stored attributes of rs that exist at version v.
func AttributeSet(v schema.Version, rs *schema.ResourceSchema) []string {
	return rs.AttributeNames(v)
}

// chain returns the transformers between from and to and whether they are
// applied upwards.
func (r *Registry) chain(from, to schema.Version) ([]Transformer, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fi, ti := r.indexOf(from), r.indexOf(to)
	if fi < 0 {
		return nil, false, mgmterrors.Transform(mgmterrors.CodeUnknownVersion, "unknown version %s", from)
	}
	if ti < 0 {
		return nil, false, mgmterrors.Transform(mgmterrors.CodeUnknownVersion, "unknown version %s", to)
	}

	up := fi <= ti
	lo, hi := fi, ti
	if !up {
		lo, hi = ti, fi
	}
	chain := make([]Transformer, 0, hi-lo)
	for i := lo; i < hi; i++ {
		t, ok := r.links[r.versions[i]]
		if !ok {
			return nil, false, mgmterrors.Transform(mgmterrors.CodeNoTransformerChain,
				"no transformer between %s and %s", r.versions[i], r.versions[i+1])
		}
		chain = append(chain, t)
	}
	if !up {
		for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
			chain[i], chain[j] = chain[j], chain[i]
		}
	}
	return chain, up, nil
}

func (r *Registry) indexOf(v schema.Version) int {
	for i, existing := range r.versions {
		if existing == v {
			return i
		}
	}
	return -1
}

func (r *Registry) observe(from, to schema.Version, steps int, d time.Duration, err error) {
	r.mu.RLock()
	o := r.observer
	r.mu.RUnlock()
	if o != nil {
		o(from, to, steps, d, err)
	}
	if err != nil {
		r.logger.Warn().Err(err).
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("Snapshot transformation failed")
	}
}
