package engine

import (
	"github.com/cachegrid/cachemgmt/pkg/address"
	mgmterrors "github.com/cachegrid/cachemgmt/pkg/errors"
	"github.com/cachegrid/cachemgmt/pkg/schema"
	"github.com/cachegrid/cachemgmt/pkg/snapshot"
	"github.com/cachegrid/cachemgmt/pkg/transform"
	"github.com/cachegrid/cachemgmt/pkg/value"
)

// readAttribute serves read-attribute: payload "name".
func readAttribute(oc *OperationContext, h Handlers) error {
	name, err := oc.StringParam("name")
	if err != nil {
		return err
	}
	def, err := oc.attribute(name)
	if err != nil {
		return err
	}
	attrs, err := oc.View.ReadResource(oc.Address())
	if err != nil {
		return err
	}
	read, ok := h.ReadAttribute[def.Name]
	if !ok {
		read = defaultRead(def.Name)
	}
	v, err := read(oc, attrs)
	if err != nil {
		return err
	}
	oc.SetResult(v)
	return nil
}

// readResource serves read-resource: payload "recursive" and "include-defaults".
// The result holds the attributes followed by one object per child type,
// keyed by child name, when recursive.
func readResource(oc *OperationContext, dispatch *DispatchTable) error {
	recursive, err := oc.BoolParam("recursive", false)
	if err != nil {
		return err
	}
	includeDefaults, err := oc.BoolParam("include-defaults", true)
	if err != nil {
		return err
	}
	if !oc.Address().IsRoot() && !oc.View.Exists(oc.Address()) {
		return mgmterrors.Address(mgmterrors.CodeNotFound, "resource %s does not exist", oc.Address()).
			WithAddress(oc.Address().String())
	}
	obj, err := describeResource(oc, dispatch, oc.Address(), recursive, includeDefaults)
	if err != nil {
		return err
	}
	oc.SetResult(value.ObjectValue(obj))
	return nil
}

func describeResource(oc *OperationContext, dispatch *DispatchTable, addr address.Address, recursive, includeDefaults bool) (*value.Object, error) {
	out := value.NewObject()
	if !addr.IsRoot() {
		rs, err := oc.Registry.ResolveAddress(addr)
		if err != nil {
			return nil, err
		}
		attrs, err := oc.View.ReadResource(addr)
		if err != nil {
			return nil, err
		}
		h, _ := dispatch.Lookup(rs.Key)
		sub := &OperationContext{
			Context:   oc.Context,
			Operation: &Operation{Type: OpReadAttribute, Address: addr, Payload: value.NewObject()},
			Schema:    rs,
			View:      oc.View,
			Registry:  oc.Registry,
			Logger:    oc.Logger,
		}
		for _, def := range rs.Attributes() {
			v := attrs.Lookup(def.Name)
			if read, ok := h.ReadAttribute[def.Name]; ok {
				if !includeDefaults {
					continue
				}
				computed, err := read(sub, attrs)
				if err != nil {
					return nil, err
				}
				v = computed
			} else if def.Alias {
				continue
			}
			if !includeDefaults && def.Default.IsDefined() && v.Equal(def.Default) {
				continue
			}
			if !includeDefaults && !v.IsDefined() {
				continue
			}
			out.Set(def.Name, v)
		}
	}
	if !recursive {
		return out, nil
	}

	for _, child := range oc.View.Children(addr) {
		key, name := child.Type(), child.Name()
		group, ok := out.Get(key)
		var byName *value.Object
		if ok {
			byName = group.AsObject()
		} else {
			byName = value.NewObject()
		}
		obj, err := describeResource(oc, dispatch, child, true, includeDefaults)
		if err != nil {
			return nil, err
		}
		byName.Set(name, value.ObjectValue(obj))
		out.Set(key, value.ObjectValue(byName))
	}
	return out, nil
}

// readChildrenNames serves read-children-names: payload "child-type".
func readChildrenNames(oc *OperationContext) error {
	childType, err := oc.StringParam("child-type")
	if err != nil {
		return err
	}
	if oc.Schema != nil && !oc.Schema.AllowsChild(childType) {
		return mgmterrors.Validation(mgmterrors.CodeInvalidOperation,
			"%s has no children of type %q", oc.Schema.Key, childType).
			WithAddress(oc.Address().String())
	}
	if oc.Schema == nil && !isRoot(oc.Registry, childType) {
		return mgmterrors.Validation(mgmterrors.CodeInvalidOperation,
			"%q is not a top-level resource type", childType)
	}
	if !oc.Address().IsRoot() && !oc.View.Exists(oc.Address()) {
		return mgmterrors.Address(mgmterrors.CodeNotFound, "resource %s does not exist", oc.Address()).
			WithAddress(oc.Address().String())
	}

	var names []value.Value
	for _, child := range oc.View.Children(oc.Address()) {
		if child.Type() == childType {
			names = append(names, value.String(child.Name()))
		}
	}
	oc.SetResult(value.List(names...))
	return nil
}

// describe serves describe: the add operations recreating the target subtree,
// in tree order, optionally expressed at an older version (payload "version").
func describe(oc *OperationContext, transforms *transform.Registry) error {
	target := oc.Registry.CurrentVersion()
	if v, ok := oc.Operation.Payload.Get("version"); ok && v.IsDefined() {
		parsed, err := schema.ParseVersion(v.AsString())
		if err != nil {
			return mgmterrors.Validation(mgmterrors.CodeInvalidOperation, "invalid version %q", v.AsString())
		}
		target = parsed
	}
	if !oc.Address().IsRoot() && !oc.View.Exists(oc.Address()) {
		return mgmterrors.Address(mgmterrors.CodeNotFound, "resource %s does not exist", oc.Address()).
			WithAddress(oc.Address().String())
	}

	snap := snapshot.New(oc.Registry.CurrentVersion())
	collect(oc.View, oc.Address(), snap)
	if target != snap.Version {
		out, err := transforms.Transform(snap, snap.Version, target)
		if err != nil {
			return err
		}
		snap = out
	}

	var ops []value.Value
	for _, e := range snap.Entries() {
		op := value.NewObject().
			Set("operation", value.String(string(OpAdd))).
			Set("address", value.String(e.Address.String()))
		e.Attributes.Range(func(name string, v value.Value) bool {
			op.Set(name, v)
			return true
		})
		ops = append(ops, value.ObjectValue(op))
	}
	oc.SetResult(value.List(ops...))
	return nil
}

// collect copies the subtree at addr into snap.
func collect(view View, addr address.Address, snap *snapshot.Snapshot) {
	if !addr.IsRoot() {
		attrs, err := view.ReadResource(addr)
		if err != nil {
			return
		}
		snap.Put(addr, attrs)
	}
	for _, child := range view.Children(addr) {
		collect(view, child, snap)
	}
}

func isRoot(registry *schema.Registry, key string) bool {
	for _, r := range registry.Roots() {
		if r == key {
			return true
		}
	}
	return false
}
