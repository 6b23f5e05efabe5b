package subsystem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachegrid/cachemgmt/pkg/address"
	mgmterrors "github.com/cachegrid/cachemgmt/pkg/errors"
	"github.com/cachegrid/cachemgmt/pkg/schema"
	"github.com/cachegrid/cachemgmt/pkg/value"
)

func mustRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	r, err := NewRegistry()
	require.NoError(t, err)
	return r
}

func TestRegistry_Layout(t *testing.T) {
	r := mustRegistry(t)

	assert.True(t, r.Sealed())
	assert.Equal(t, CurrentVersion, r.CurrentVersion())
	assert.Equal(t, []string{ContainerType}, r.Roots())

	container, ok := r.Lookup(ContainerType)
	require.True(t, ok)
	for _, child := range append([]string{TransportType}, CacheTypes...) {
		assert.True(t, container.AllowsChild(child), child)
	}
	for _, cacheType := range CacheTypes {
		rs, ok := r.Lookup(cacheType)
		require.True(t, ok, cacheType)
		assert.ElementsMatch(t, StoreTypes, rs.ChildKeys(), cacheType)
		assert.True(t, rs.Runtime)
	}
}

func TestRegistry_CapabilitiesFollowClusteringMode(t *testing.T) {
	r := mustRegistry(t)

	tests := []struct {
		cacheType string
		has       []string
		lacks     []string
	}{
		{LocalCacheType, []string{"isolation", "eviction-max-entries"}, []string{"mode", "owners", "state-transfer-enabled"}},
		{InvalidationCacheType, []string{"mode", "remote-timeout"}, []string{"owners", "state-transfer-enabled"}},
		{ReplicatedCacheType, []string{"mode", "state-transfer-enabled"}, []string{"owners", "segments"}},
		{DistributedCacheType, []string{"mode", "state-transfer-enabled", "owners", "segments", "virtual-nodes"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.cacheType, func(t *testing.T) {
			rs, _ := r.Lookup(tt.cacheType)
			for _, name := range tt.has {
				_, ok := rs.Attribute(name)
				assert.True(t, ok, "expected %s", name)
			}
			for _, name := range tt.lacks {
				_, ok := rs.Attribute(name)
				assert.False(t, ok, "unexpected %s", name)
			}
		})
	}
}

func TestRegistry_AttributeDefinitions(t *testing.T) {
	r := mustRegistry(t)
	dist, _ := r.Lookup(DistributedCacheType)

	maxEntries, ok := dist.Attribute("eviction-max-entries")
	require.True(t, ok)
	assert.Equal(t, schema.RequiresRestart, maxEntries.Mutability)
	assert.True(t, maxEntries.Default.Equal(value.Int(10000)))

	stats, _ := dist.Attribute("statistics-enabled")
	assert.Equal(t, schema.Immediate, stats.Mutability)
	assert.Equal(t, schema.V(1, 4), stats.Since)

	vn, _ := dist.Attribute("virtual-nodes")
	assert.True(t, vn.Alias)
	assert.False(t, vn.Required())

	mode, _ := dist.Attribute("mode")
	assert.ErrorIs(t, schema.Validate(value.String("LAZY"), mode), mgmterrors.ErrConstraintViolation)

	assert.NotContains(t, dist.AttributeNames(schema.V(1, 3)), "segments")
	assert.NotContains(t, dist.AttributeNames(schema.V(1, 3)), "virtual-nodes")
	assert.Contains(t, dist.AttributeNames(schema.V(1, 4)), "segments")
}

func TestRegistry_Stores(t *testing.T) {
	r := mustRegistry(t)

	remote, _ := r.Lookup(RemoteStoreType)
	servers, _ := remote.Attribute("remote-servers")
	assert.True(t, servers.Required())
	assert.Error(t, schema.Validate(value.List(), servers))
	assert.NoError(t, schema.Validate(value.StringList("cache1:11222"), servers))

	custom, _ := r.Lookup(CustomStoreType)
	class, _ := custom.Attribute("class")
	assert.ErrorIs(t, schema.Validate(value.Expression("${store.class}"), class), mgmterrors.ErrTypeMismatch)

	file, _ := r.Lookup(FileStoreType)
	assert.True(t, file.Defaults().Lookup("relative-to").Equal(value.String("jboss.server.data.dir")))
}

func TestRegistry_FixedNames(t *testing.T) {
	r := mustRegistry(t)
	web := ContainerAddress("web")

	_, err := r.ResolveAddress(web.Append(TransportType, TransportName))
	assert.NoError(t, err)

	_, err = r.ResolveAddress(web.Append(TransportType, "tcp"))
	assert.True(t, mgmterrors.IsAddress(err), "got %v", err)

	users := CacheAddress("web", LocalCacheType, "users")
	_, err = r.ResolveAddress(users.Append(FileStoreType, FileStoreName))
	assert.NoError(t, err)

	_, err = r.ResolveAddress(address.MustParse("/local-cache=users"))
	assert.Error(t, err)
}
