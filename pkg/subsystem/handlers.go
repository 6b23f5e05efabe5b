package subsystem

import (
	"math"

	"github.com/rs/zerolog"

	"github.com/cachegrid/cachemgmt/pkg/address"
	"github.com/cachegrid/cachemgmt/pkg/engine"
	mgmterrors "github.com/cachegrid/cachemgmt/pkg/errors"
	"github.com/cachegrid/cachemgmt/pkg/schema"
	"github.com/cachegrid/cachemgmt/pkg/transform"
	"github.com/cachegrid/cachemgmt/pkg/value"
)

// Handlers returns the handler overrides of the cache subsystem, keyed by
// resource type. Types without an entry use the engine defaults.
func Handlers(logger zerolog.Logger) map[string]engine.Handlers {
	h := &handlers{logger: logger.With().Str("component", "subsystem").Logger()}

	out := map[string]engine.Handlers{
		ContainerType: {Remove: h.removeContainer},
	}
	for _, t := range CacheTypes {
		out[t] = engine.Handlers{Add: h.addCache}
	}
	out[DistributedCacheType] = engine.Handlers{
		Add:            h.addCache,
		ReadAttribute:  map[string]engine.ReadFunc{"virtual-nodes": readVirtualNodes},
		WriteAttribute: map[string]engine.WriteFunc{"virtual-nodes": writeVirtualNodes},
	}
	return out
}

type handlers struct {
	logger zerolog.Logger
}

// addCache rejects a cache whose name is taken by a cache of another type in
// the same container, since both would derive the same services. For
// distributed caches a legacy virtual-nodes parameter is stored as segments;
// when both are supplied segments wins.
func (h *handlers) addCache(oc *engine.OperationContext) error {
	addr := oc.Address()
	containerAddr := addr.Parent()
	for _, sibling := range oc.View.Children(containerAddr) {
		if IsCacheType(sibling.Type()) && sibling.Type() != addr.Type() && sibling.Name() == addr.Name() {
			return mgmterrors.Address(mgmterrors.CodeDuplicateAddress,
				"cache %s already exists in container %s as a %s", addr.Name(), containerAddr.Name(), sibling.Type()).
				WithAddress(addr.String()).
				WithDetail("existing", sibling.String())
		}
	}

	if addr.Type() == DistributedCacheType {
		payload := oc.Operation.Payload
		if vn, ok := payload.Get("virtual-nodes"); ok && vn.IsDefined() {
			payload = payload.Clone()
			payload.Delete("virtual-nodes")
			if payload.Has("segments") {
				h.logger.Warn().
					Str("address", addr.String()).
					Str("segments", payload.Lookup("segments").String()).
					Str("virtual_nodes", vn.String()).
					Msg("Both segments and virtual-nodes supplied, ignoring virtual-nodes")
			} else {
				segments, err := virtualNodesToSegments(addr, vn)
				if err != nil {
					return err
				}
				payload.Set("segments", segments)
			}
			oc.Operation.Payload = payload
		}
	}

	if err := engine.DefaultAdd(oc); err != nil {
		return err
	}
	oc.Reconcile(CacheUnit(containerAddr.Name(), addr.Name()))
	return nil
}

// removeContainer refuses to remove a container while its default cache
// exists, unless the removal cascades.
func (h *handlers) removeContainer(oc *engine.OperationContext) error {
	cascade, err := oc.BoolParam("cascade", false)
	if err != nil {
		return err
	}
	if !cascade {
		if attrs, err := oc.View.ReadResource(oc.Address()); err == nil {
			if dc := attrs.Lookup("default-cache"); dc.IsDefined() {
				for _, child := range oc.View.Children(oc.Address()) {
					if IsCacheType(child.Type()) && child.Name() == dc.AsString() {
						return mgmterrors.Validation(mgmterrors.CodeInvalidOperation,
							"cache container %s still holds its default cache %s", oc.Address().Name(), dc.AsString()).
							WithAddress(oc.Address().String()).
							WithDetail("default-cache", dc.AsString())
					}
				}
			}
		}
	}
	return engine.DefaultRemove(oc)
}

func readVirtualNodes(_ *engine.OperationContext, attrs *value.Object) (value.Value, error) {
	return transform.Unscale(attrs.Lookup("segments"), SegmentsPerVirtualNode), nil
}

func writeVirtualNodes(oc *engine.OperationContext, def *schema.AttributeDefinition, v value.Value) error {
	segments, _ := oc.Schema.Attribute("segments")
	if !v.IsDefined() {
		return engine.DefaultWrite(oc, segments, v)
	}
	if err := schema.Validate(v, def); err != nil {
		return err
	}
	scaled, err := virtualNodesToSegments(oc.Address(), v)
	if err != nil {
		return err
	}
	return engine.DefaultWrite(oc, segments, scaled)
}

// virtualNodesToSegments scales a virtual-nodes count to segments. An Int
// count whose segments no longer fit an Int is out of range.
func virtualNodesToSegments(addr address.Address, vn value.Value) (value.Value, error) {
	segments := transform.Scale(vn, SegmentsPerVirtualNode)
	if vn.Type() == value.TypeInt && segments.Type() != value.TypeInt {
		return value.Value{}, mgmterrors.Validation(mgmterrors.CodeConstraintViolation,
			"virtual-nodes %s is out of range, the maximum is %d", vn, math.MaxInt32/SegmentsPerVirtualNode).
			WithAddress(addr.String()).
			WithDetail("attribute", "virtual-nodes")
	}
	return segments, nil
}
