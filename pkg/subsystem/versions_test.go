package subsystem

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachegrid/cachemgmt/pkg/schema"
	"github.com/cachegrid/cachemgmt/pkg/snapshot"
	"github.com/cachegrid/cachemgmt/pkg/transform"
	"github.com/cachegrid/cachemgmt/pkg/value"
)

func mustTransforms(t *testing.T) *transform.Registry {
	t.Helper()
	r, err := NewTransforms(zerolog.Nop())
	require.NoError(t, err)
	return r
}

func TestTransforms_Chain(t *testing.T) {
	r := mustTransforms(t)
	assert.Equal(t, CurrentVersion, r.Current())
	for _, v := range Versions() {
		assert.True(t, r.Known(v), v.String())
	}
	assert.False(t, r.Known(schema.V(2, 0)))
}

// legacySnapshot is a 1.0 tree using every attribute later versions change.
func legacySnapshot() *snapshot.Snapshot {
	snap := snapshot.New(schema.V(1, 0))
	web := ContainerAddress("web")
	sessions := CacheAddress("web", DistributedCacheType, "sessions")
	snap.Put(web, value.NewObject().Set("default-cache", value.String("sessions")))
	snap.Put(web.Append(TransportType, TransportName), value.NewObject().Set("stack", value.String("udp")))
	snap.Put(sessions, value.NewObject().
		Set("owners", value.Int(2)).
		Set("virtual-nodes", value.Int(12)))
	snap.Put(sessions.Append(FileStoreType, FileStoreName), value.NewObject().
		Set("dir", value.String("sessions")))
	return snap
}

func TestTransforms_UpgradeLegacyTree(t *testing.T) {
	r := mustTransforms(t)
	out, err := r.Transform(legacySnapshot(), schema.V(1, 0), CurrentVersion)
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, out.Version)

	transport, _ := out.Get(ContainerAddress("web").Append(TransportType, TransportName))
	assert.True(t, transport.Lookup("lock-timeout").Equal(value.Long(240000)))

	container, _ := out.Get(ContainerAddress("web"))
	assert.True(t, container.Lookup("statistics-enabled").Equal(value.Bool(false)))
	assert.False(t, container.Has("module"), "module has no default and is not introduced")

	sessions := CacheAddress("web", DistributedCacheType, "sessions")
	cache, _ := out.Get(sessions)
	assert.True(t, cache.Lookup("segments").Equal(value.Int(72)))
	assert.False(t, cache.Has("virtual-nodes"))
	assert.True(t, cache.Lookup("statistics-enabled").Equal(value.Bool(false)))

	store, _ := out.Get(sessions.Append(FileStoreType, FileStoreName))
	assert.True(t, store.Lookup("path").Equal(value.String("sessions")))
	assert.False(t, store.Has("dir"))
}

func TestTransforms_AdjacentRoundTrips(t *testing.T) {
	r := mustTransforms(t)
	versions := Versions()

	snap := legacySnapshot()
	for i := 0; i+1 < len(versions); i++ {
		from, to := versions[i], versions[i+1]
		up, err := r.Transform(snap, from, to)
		require.NoError(t, err, "%s -> %s", from, to)
		down, err := r.Transform(up, to, from)
		require.NoError(t, err, "%s -> %s", to, from)
		assert.True(t, down.Equal(snap), "%s round trip changed the tree", from)
		snap = up
	}
}

func TestTransforms_SegmentsDowngrade(t *testing.T) {
	r := mustTransforms(t)
	sessions := CacheAddress("web", DistributedCacheType, "sessions")

	snap := snapshot.New(CurrentVersion)
	snap.Put(ContainerAddress("web"), value.NewObject())
	snap.Put(sessions, value.NewObject().
		Set("segments", value.Int(72)).
		Set("statistics-enabled", value.Bool(true)))

	out, err := r.Transform(snap, CurrentVersion, schema.V(1, 3))
	require.NoError(t, err)
	cache, _ := out.Get(sessions)
	assert.True(t, cache.Lookup("virtual-nodes").Equal(value.Int(12)))
	assert.False(t, cache.Has("segments"))
	assert.False(t, cache.Has("statistics-enabled"))
}

func TestTransforms_ExpressionsPassThrough(t *testing.T) {
	r := mustTransforms(t)
	sessions := CacheAddress("web", DistributedCacheType, "sessions")
	expr := value.Expression("${env.VNODES:12}")

	snap := snapshot.New(schema.V(1, 3))
	snap.Put(ContainerAddress("web"), value.NewObject())
	snap.Put(sessions, value.NewObject().Set("virtual-nodes", expr))

	up, err := r.Transform(snap, schema.V(1, 3), CurrentVersion)
	require.NoError(t, err)
	cache, _ := up.Get(sessions)
	assert.True(t, cache.Lookup("segments").Equal(expr))

	down, err := r.Transform(up, CurrentVersion, schema.V(1, 3))
	require.NoError(t, err)
	cache, _ = down.Get(sessions)
	assert.True(t, cache.Lookup("virtual-nodes").Equal(expr))
}

func TestTransforms_TranslatePayload(t *testing.T) {
	r := mustTransforms(t)

	payload, err := r.TranslatePayload(DistributedCacheType,
		value.NewObject().Set("virtual-nodes", value.Int(4)), schema.V(1, 3))
	require.NoError(t, err)
	assert.True(t, payload.Lookup("segments").Equal(value.Int(24)))

	payload, err = r.TranslatePayload(FileStoreType,
		value.NewObject().Set("dir", value.String("data")), schema.V(1, 0))
	require.NoError(t, err)
	assert.True(t, payload.Lookup("path").Equal(value.String("data")))

	_, err = r.TranslatePayload(LocalCacheType, value.NewObject(), schema.V(0, 9))
	assert.Error(t, err)
}
