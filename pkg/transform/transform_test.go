package transform

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachegrid/cachemgmt/pkg/address"
	mgmterrors "github.com/cachegrid/cachemgmt/pkg/errors"
	"github.com/cachegrid/cachemgmt/pkg/schema"
	"github.com/cachegrid/cachemgmt/pkg/snapshot"
	"github.com/cachegrid/cachemgmt/pkg/value"
)

var (
	v10 = schema.V(1, 0)
	v11 = schema.V(1, 1)
	v12 = schema.V(1, 2)
	v13 = schema.V(1, 3)

	fileStore = address.MustParse("/cache-container=web/local-cache=s/file-store=FILE_STORE")
	dist      = address.MustParse("/cache-container=web/distributed-cache=d")
	container = address.MustParse("/cache-container=web")
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(zerolog.Nop())
	for _, v := range []schema.Version{v13, v10, v12, v11} {
		require.NoError(t, r.RegisterVersion(v))
	}
	require.NoError(t, r.Register(NewRuleTransformer(v10, v11,
		Introduce{Types: []string{"cache-container"}, Attribute: "statistics-enabled", Default: value.Bool(false)},
	)))
	require.NoError(t, r.Register(NewRuleTransformer(v11, v12,
		Rename{Types: []string{"file-store"}, From: "dir", To: "path"},
	)))
	require.NoError(t, r.Register(NewRuleTransformer(v12, v13,
		Convert{Types: []string{"distributed-cache"}, From: "virtual-nodes", To: "segments", Ratio: 6},
		Discard{Types: []string{"distributed-cache"}, Attribute: "l1-enabled", Default: value.Bool(true)},
	)))
	return r
}

func legacySnapshot() *snapshot.Snapshot {
	s := snapshot.New(v10)
	s.Put(container, value.NewObject().Set("default-cache", value.String("s")))
	s.Put(address.MustParse("/cache-container=web/local-cache=s"), value.NewObject())
	s.Put(fileStore, value.NewObject().Set("dir", value.String("/var/data")).Set("relative-to", value.String("jboss.server.data.dir")))
	s.Put(dist, value.NewObject().Set("owners", value.Int(2)).Set("virtual-nodes", value.Int(12)).Set("l1-enabled", value.Bool(true)))
	return s
}

func TestRegistry_Versions(t *testing.T) {
	r := newRegistry(t)
	assert.Equal(t, []schema.Version{v10, v11, v12, v13}, r.Versions())
	assert.Equal(t, v13, r.Current())
	assert.True(t, r.Known(v12))
	assert.False(t, r.Known(schema.V(2, 0)))
}

func TestRegistry_RejectsNonAdjacent(t *testing.T) {
	r := newRegistry(t)
	err := r.Register(NewRuleTransformer(v10, v12))
	assert.Error(t, err)
	err = r.Register(NewRuleTransformer(v10, v11))
	assert.Error(t, err, "duplicate link")
}

func TestTransform_UpAcrossChain(t *testing.T) {
	r := newRegistry(t)
	in := legacySnapshot()
	original := in.Clone()

	out, err := r.Transform(in, v10, v13)
	require.NoError(t, err)
	assert.Equal(t, v13, out.Version)
	assert.True(t, in.Equal(original), "input snapshot must not change")

	attrs, _ := out.Get(fileStore)
	assert.Equal(t, []string{"path", "relative-to"}, attrs.Keys())
	assert.True(t, attrs.Lookup("path").Equal(value.String("/var/data")))

	d, _ := out.Get(dist)
	assert.True(t, d.Lookup("segments").Equal(value.Int(72)))
	assert.False(t, d.Has("virtual-nodes"))
	assert.False(t, d.Has("l1-enabled"))

	c, _ := out.Get(container)
	assert.True(t, c.Lookup("statistics-enabled").Equal(value.Bool(false)))
}

func TestTransform_RoundTripAdjacentPairs(t *testing.T) {
	r := newRegistry(t)
	versions := r.Versions()

	// Build the starting snapshot at every version by walking up.
	at := map[schema.Version]*snapshot.Snapshot{v10: legacySnapshot()}
	for i := 1; i < len(versions); i++ {
		next, err := r.Transform(at[versions[i-1]], versions[i-1], versions[i])
		require.NoError(t, err)
		at[versions[i]] = next
	}

	for i := 0; i+1 < len(versions); i++ {
		a, b := versions[i], versions[i+1]
		s := at[a]
		up, err := r.Transform(s, a, b)
		require.NoError(t, err)
		back, err := r.Transform(up, b, a)
		require.NoError(t, err)
		assert.True(t, s.Equal(back), "round trip %s -> %s -> %s", a, b, a)
	}
}

func TestTransform_Down(t *testing.T) {
	r := newRegistry(t)
	s := snapshot.New(v13)
	s.Put(dist, value.NewObject().Set("segments", value.Int(72)))
	s.Put(fileStore, value.NewObject().Set("path", value.String("/p")))

	out, err := r.Transform(s, v13, v10)
	require.NoError(t, err)

	d, _ := out.Get(dist)
	assert.True(t, d.Lookup("virtual-nodes").Equal(value.Int(12)))
	assert.True(t, d.Lookup("l1-enabled").Equal(value.Bool(true)))
	fs, _ := out.Get(fileStore)
	assert.True(t, fs.Lookup("dir").Equal(value.String("/p")))
}

func TestTransform_Errors(t *testing.T) {
	r := newRegistry(t)
	s := legacySnapshot()

	_, err := r.Transform(s, v10, schema.V(9, 9))
	assert.True(t, errors.Is(err, mgmterrors.ErrUnknownVersion))
	assert.True(t, mgmterrors.IsTransform(err))

	_, err = r.Transform(s, v11, v12)
	assert.True(t, errors.Is(err, mgmterrors.ErrUnknownVersion), "snapshot version mismatch")

	gap := NewRegistry(zerolog.Nop())
	require.NoError(t, gap.RegisterVersion(v10))
	require.NoError(t, gap.RegisterVersion(v11))
	_, err = gap.Transform(snapshot.New(v10), v10, v11)
	assert.True(t, errors.Is(err, mgmterrors.ErrNoTransformerChain))
}

func TestConvert_VirtualNodesToSegments(t *testing.T) {
	rule := Convert{From: "virtual-nodes", To: "segments", Ratio: 6}

	attrs := value.NewObject().Set("virtual-nodes", value.Int(12))
	rule.Upgrade(attrs)
	assert.True(t, attrs.Lookup("segments").Equal(value.Int(72)))

	rule.Downgrade(attrs)
	assert.True(t, attrs.Lookup("virtual-nodes").Equal(value.Int(12)))

	expr := value.Expression("${vnodes:1}")
	attrs = value.NewObject().Set("virtual-nodes", expr)
	rule.Upgrade(attrs)
	assert.True(t, attrs.Lookup("segments").Equal(expr))
	rule.Downgrade(attrs)
	assert.True(t, attrs.Lookup("virtual-nodes").Equal(expr))
}

func TestConvert_SegmentsAuthoritative(t *testing.T) {
	rule := Convert{From: "virtual-nodes", To: "segments", Ratio: 6}
	attrs := value.NewObject().Set("virtual-nodes", value.Int(12)).Set("segments", value.Int(40))
	rule.UpgradePayload(attrs)
	assert.False(t, attrs.Has("virtual-nodes"))
	assert.True(t, attrs.Lookup("segments").Equal(value.Int(40)))
}

func TestScaleUnscale(t *testing.T) {
	assert.True(t, Scale(value.Long(1<<40), 6).Equal(value.Long(6<<40)))
	assert.True(t, Unscale(value.Int(80), 6).Equal(value.Int(13)))
	assert.True(t, Unscale(value.Int(3), 6).Equal(value.Int(1)))
	assert.True(t, Unscale(value.Int(0), 6).Equal(value.Int(0)))
	assert.True(t, Scale(value.String("x"), 6).Equal(value.String("x")))

	d, err := value.DecimalFromString("1.5")
	require.NoError(t, err)
	scaled, err := Scale(d, 6).AsLong()
	require.NoError(t, err)
	assert.Equal(t, int64(9), scaled)
}

func TestIntroduce_DowngradeToleratesAbsence(t *testing.T) {
	rule := Introduce{Attribute: "module"}
	attrs := value.NewObject().Set("owners", value.Int(2))
	assert.NotPanics(t, func() { rule.Downgrade(attrs) })
	assert.Equal(t, []string{"owners"}, attrs.Keys())

	attrs.Set("module", value.String("org.example"))
	rule.Downgrade(attrs)
	assert.False(t, attrs.Has("module"))
}

func TestTranslatePayload(t *testing.T) {
	r := newRegistry(t)

	payload := value.NewObject().Set("dir", value.String("/d"))
	out, err := r.TranslatePayload("file-store", payload, v10)
	require.NoError(t, err)
	assert.True(t, out.Lookup("path").Equal(value.String("/d")))
	assert.True(t, payload.Has("dir"), "input payload must not change")

	out, err = r.TranslatePayload("cache-container", value.NewObject(), v10)
	require.NoError(t, err)
	assert.Equal(t, 0, out.Len(), "introduced attributes are not added to payloads")

	_, err = r.TranslatePayload("file-store", payload, schema.V(0, 9))
	assert.Error(t, err)
}

func TestAttributeSet(t *testing.T) {
	rs := schema.NewBuilder("distributed-cache").
		Attribute(schema.AttributeDefinition{Name: "owners", Type: value.TypeInt, Default: value.Int(2)}).
		Attribute(schema.AttributeDefinition{Name: "segments", Type: value.TypeInt, Default: value.Int(80), Since: v13}).
		Attribute(schema.AttributeDefinition{Name: "virtual-nodes", Type: value.TypeInt, Alias: true}).
		MustBuild()
	assert.Equal(t, []string{"owners"}, AttributeSet(v12, rs))
	assert.Equal(t, []string{"owners", "segments"}, AttributeSet(v13, rs))
}
