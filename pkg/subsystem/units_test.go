package subsystem

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachegrid/cachemgmt/pkg/cacheengine"
	"github.com/cachegrid/cachemgmt/pkg/engine"
	mgmterrors "github.com/cachegrid/cachemgmt/pkg/errors"
	"github.com/cachegrid/cachemgmt/pkg/snapshot"
	"github.com/cachegrid/cachemgmt/pkg/value"
)

func unitsByName(units []engine.ServiceUnit) map[string]engine.ServiceUnit {
	out := make(map[string]engine.ServiceUnit, len(units))
	for _, u := range units {
		out[u.Name] = u
	}
	return out
}

func clusteredSnapshot() *snapshot.Snapshot {
	snap := snapshot.New(CurrentVersion)
	web := ContainerAddress("web")
	snap.Put(web, value.NewObject().Set("default-cache", value.String("users")))
	snap.Put(web.Append(TransportType, TransportName), value.NewObject())
	users := CacheAddress("web", LocalCacheType, "users")
	snap.Put(users, value.NewObject().Set("eviction-max-entries", value.Int(100)))
	snap.Put(users.Append(FileStoreType, FileStoreName), value.NewObject().Set("path", value.String("users")))
	snap.Put(CacheAddress("web", DistributedCacheType, "sessions"), value.NewObject().
		Set("owners", value.Expression("${env.OWNERS:2}")).
		Set("segments", value.Int(80)))
	return snap
}

func TestDeriver_DeriveUnits(t *testing.T) {
	d := NewDeriver(mustRegistry(t), cacheengine.New(zerolog.Nop()), value.MapEnvironment{}, zerolog.Nop())
	units, err := d.DeriveUnits(clusteredSnapshot())
	require.NoError(t, err)

	byName := unitsByName(units)
	assert.Len(t, units, 5)

	container := byName["web.container"]
	assert.Equal(t, RoleContainer, container.Role)
	assert.Empty(t, container.Dependencies)

	assert.Equal(t, []string{"web.container"}, byName["web.transport"].Dependencies)

	users := byName["web.users.cache"]
	assert.Equal(t, RoleCache, users.Role)
	assert.Equal(t, []string{"web.container"}, users.Dependencies)
	store := users.Config.Lookup(FileStoreType).AsObject()
	require.NotNil(t, store, "the file store must be folded into the cache configuration")
	assert.True(t, store.Lookup("path").Equal(value.String("users")))

	req := byName["web.sessions.transport-requirement"]
	assert.Equal(t, RoleRequirement, req.Role)
	assert.Equal(t, []string{"web.transport"}, req.Dependencies)
	assert.Equal(t, []string{"web.container", "web.sessions.transport-requirement"},
		byName["web.sessions.cache"].Dependencies)
}

func TestDeriver_ClusteredCacheWithoutTransportCannotPlan(t *testing.T) {
	d := NewDeriver(mustRegistry(t), cacheengine.New(zerolog.Nop()), value.MapEnvironment{}, zerolog.Nop())
	snap := clusteredSnapshot()
	snap.Delete(ContainerAddress("web").Append(TransportType, TransportName))

	units, err := d.DeriveUnits(snap)
	require.NoError(t, err)

	_, err = engine.NewPlanner(zerolog.Nop()).Plan(nil, units)
	assert.ErrorIs(t, err, mgmterrors.ErrMissingDependency)
}

func TestDeriver_FactoryResolvesExpressions(t *testing.T) {
	caches := cacheengine.New(zerolog.Nop())
	d := NewDeriver(mustRegistry(t), caches, value.MapEnvironment{"env.OWNERS": "3"}, zerolog.Nop())
	units, err := d.DeriveUnits(clusteredSnapshot())
	require.NoError(t, err)

	ctx := context.Background()
	svc, err := d.Factory(unitsByName(units)["web.sessions.cache"])(ctx)
	require.NoError(t, err)
	require.NoError(t, svc.Start(ctx))

	cfg, ok := caches.Configuration("web", "sessions")
	require.True(t, ok)
	assert.Equal(t, "distributed", cfg.Mode)
	assert.True(t, cfg.Attributes.Lookup("owners").Equal(value.Int(3)))

	c, ok := caches.Cache("web", "sessions")
	require.True(t, ok)
	assert.Equal(t, int64(3), c.Settings().Owners)

	require.NoError(t, svc.Stop(ctx))
	assert.Empty(t, caches.Caches())
}

func TestDeriver_FactoryRejectsBadExpressionValue(t *testing.T) {
	d := NewDeriver(mustRegistry(t), cacheengine.New(zerolog.Nop()), value.MapEnvironment{"env.OWNERS": "0"}, zerolog.Nop())
	units, err := d.DeriveUnits(clusteredSnapshot())
	require.NoError(t, err)

	_, err = d.Factory(unitsByName(units)["web.sessions.cache"])(context.Background())
	assert.Error(t, err, "owners=0 violates min=1 once resolved")
}

func TestDeriver_FactoryResolvesFoldedStores(t *testing.T) {
	caches := cacheengine.New(zerolog.Nop())
	d := NewDeriver(mustRegistry(t), caches, value.MapEnvironment{"env.REMOTE": "cache1:11222"}, zerolog.Nop())

	snap := snapshot.New(CurrentVersion)
	users := CacheAddress("web", LocalCacheType, "users")
	snap.Put(ContainerAddress("web"), value.NewObject())
	snap.Put(users, value.NewObject())
	snap.Put(users.Append(RemoteStoreType, RemoteStoreName), value.NewObject().
		Set("remote-servers", value.List(value.Expression("${env.REMOTE}"))).
		Set("socket-timeout", value.Expression("${env.TIMEOUT:5000}")))

	units, err := d.DeriveUnits(snap)
	require.NoError(t, err)
	svc, err := d.Factory(unitsByName(units)["web.users.cache"])(context.Background())
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))

	cfg, _ := caches.Configuration("web", "users")
	store := cfg.Attributes.Lookup(RemoteStoreType).AsObject()
	assert.True(t, store.Lookup("socket-timeout").Equal(value.Long(5000)))
	assert.Equal(t, []string{"cache1:11222"}, mustCache(t, caches, "web", "users").Settings().RemoteServers)
}

func mustCache(t *testing.T, caches *cacheengine.Engine, container, name string) *cacheengine.Cache {
	t.Helper()
	c, ok := caches.Cache(container, name)
	require.True(t, ok)
	return c
}
