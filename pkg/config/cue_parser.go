package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"

	"github.com/cachegrid/cachemgmt/pkg/address"
	"github.com/cachegrid/cachemgmt/pkg/engine"
	"github.com/cachegrid/cachemgmt/pkg/schema"
	"github.com/cachegrid/cachemgmt/pkg/value"
)

// Bootstrap is a parsed bootstrap document: add operations in tree order.
type Bootstrap struct {
	// Version is the model version the document is written against.
	Version schema.Version

	// Legacy is true when Version is not the registry's current version.
	Legacy bool

	Operations  []*engine.Operation
	SourceFiles []string
}

// Operation returns one composite operation adding every resource, so the
// bootstrap applies all or nothing.
func (b *Bootstrap) Operation() *engine.Operation {
	return engine.Composite(b.Operations...)
}

// CUEParser turns CUE bootstrap documents into add operations.
//
// A document nests resources by type, then name, then body. Keys of a body
// that name an allowed child type hold child resources; all other keys are
// attributes:
//
//	version: "1.4"
//	resources: "cache-container": web: {
//		"default-cache": "users"
//		transport: jgroups: stack: "udp"
//		"local-cache": users: "file-store": FILE_STORE: path: "users"
//	}
type CUEParser struct {
	ctx      *cue.Context
	schema   cue.Value
	registry *schema.Registry
}

// NewCUEParser creates a parser resolving resource types against registry.
func NewCUEParser(registry *schema.Registry) (*CUEParser, error) {
	ctx := cuecontext.New()
	s, err := compileSchema(ctx, "bootstrap.cue", bootstrapSchema)
	if err != nil {
		return nil, err
	}
	return &CUEParser{ctx: ctx, schema: s, registry: registry}, nil
}

// Parse parses and unifies CUE files and directories.
func (cp *CUEParser) Parse(sources ...string) (*Bootstrap, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var unified cue.Value
	var files []string
	var problems []ValidationError
	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		var val cue.Value
		if info.IsDir() {
			var dirFiles []string
			var errs []ValidationError
			val, dirFiles, errs = cp.loadDirectory(source)
			files = append(files, dirFiles...)
			problems = append(problems, errs...)
		} else {
			content, err := os.ReadFile(source)
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", source, err)
			}
			val = cp.ctx.CompileBytes(content, cue.Filename(source))
			files = append(files, source)
			if err := val.Err(); err != nil {
				problems = append(problems, convertCUEErrors(err)...)
			}
		}
		if !val.Exists() || val.Err() != nil {
			continue
		}
		if unified.Exists() {
			unified = unified.Unify(val)
		} else {
			unified = val
		}
	}
	if len(problems) > 0 {
		return nil, &ParseError{Errors: problems}
	}
	return cp.extract(unified, files)
}

// ParseString parses a single in-memory document.
func (cp *CUEParser) ParseString(name, content string) (*Bootstrap, error) {
	val := cp.ctx.CompileString(content, cue.Filename(name))
	if err := val.Err(); err != nil {
		return nil, &ParseError{Errors: convertCUEErrors(err)}
	}
	return cp.extract(val, []string{name})
}

func (cp *CUEParser) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	instances := load.Instances([]string{dir}, nil)
	if len(instances) == 0 {
		return cue.Value{}, nil, []ValidationError{{File: dir, Message: "no CUE files found"}}
	}
	inst := instances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, convertCUEErrors(inst.Err)
	}
	val := cp.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, convertCUEErrors(err)
	}
	var files []string
	for _, f := range inst.Files {
		if f.Filename != "" {
			files = append(files, f.Filename)
		}
	}
	return val, files, nil
}

func (cp *CUEParser) extract(doc cue.Value, files []string) (*Bootstrap, error) {
	doc = cp.schema.Unify(doc)
	if err := doc.Validate(cue.Concrete(true)); err != nil {
		return nil, &ParseError{Errors: convertCUEErrors(err)}
	}

	b := &Bootstrap{Version: cp.registry.CurrentVersion(), SourceFiles: files}
	if s, err := doc.LookupPath(cue.ParsePath("version")).String(); err == nil {
		parsed, err := schema.ParseVersion(s)
		if err != nil {
			return nil, &ParseError{Errors: []ValidationError{{Path: "version", Message: err.Error()}}}
		}
		b.Version = parsed
		b.Legacy = parsed != cp.registry.CurrentVersion()
	}

	w := &walker{registry: cp.registry, bootstrap: b}
	w.children(address.Root(), doc.LookupPath(cue.ParsePath("resources")), cp.registry.Roots(), "resources")
	if len(w.problems) > 0 {
		return nil, &ParseError{Errors: w.problems}
	}
	return b, nil
}

type walker struct {
	registry  *schema.Registry
	bootstrap *Bootstrap
	problems  []ValidationError
}

func (w *walker) fail(v cue.Value, path, format string, args ...interface{}) {
	ve := ValidationError{Path: path, Message: fmt.Sprintf(format, args...)}
	if pos := v.Pos(); pos.IsValid() {
		ve.File, ve.Line, ve.Column = pos.Filename(), pos.Line(), pos.Column()
	}
	w.problems = append(w.problems, ve)
}

// children walks a {type: {name: body}} struct under parent.
func (w *walker) children(parent address.Address, types cue.Value, allowed []string, path string) {
	iter, err := types.Fields()
	if err != nil {
		w.fail(types, path, "expected a struct of resource types: %v", err)
		return
	}
	for iter.Next() {
		w.typed(parent, iter.Selector().Unquoted(), iter.Value(), allowed, path)
	}
}

// typed walks the {name: body} struct of one child type.
func (w *walker) typed(parent address.Address, childType string, names cue.Value, allowed []string, path string) {
	typePath := path + "." + childType
	if !contains(allowed, childType) {
		w.fail(names, typePath, "resource type %s is not allowed here", childType)
		return
	}
	iter, err := names.Fields()
	if err != nil {
		w.fail(names, typePath, "expected a struct of resource names: %v", err)
		return
	}
	for iter.Next() {
		name := iter.Selector().Unquoted()
		w.resource(parent.Append(childType, name), iter.Value(), typePath+"."+name)
	}
}

type nestedField struct {
	key string
	val cue.Value
}

func (w *walker) resource(addr address.Address, body cue.Value, path string) {
	rs, err := w.registry.ResolveAddress(addr)
	if err != nil {
		w.fail(body, path, "%v", err)
		return
	}

	iter, err := body.Fields()
	if err != nil {
		w.fail(body, path, "expected a resource body: %v", err)
		return
	}
	attrs := value.NewObject()
	var nested []nestedField
	for iter.Next() {
		key := iter.Selector().Unquoted()
		if rs.AllowsChild(key) {
			nested = append(nested, nestedField{key: key, val: iter.Value()})
			continue
		}
		// Older versions are checked by the transformer chain on apply.
		if _, ok := rs.Attribute(key); !ok && !w.bootstrap.Legacy {
			w.fail(iter.Value(), path+"."+key, "%s has no attribute or child type %s", rs.Key, key)
			continue
		}
		v, err := toValue(iter.Value())
		if err != nil {
			w.fail(iter.Value(), path+"."+key, "%v", err)
			continue
		}
		attrs.Set(key, v)
	}

	op := engine.NewOperation(engine.OpAdd, addr, attrs)
	if w.bootstrap.Legacy {
		op.Legacy(w.bootstrap.Version)
	}
	w.bootstrap.Operations = append(w.bootstrap.Operations, op)

	for _, f := range nested {
		w.typed(addr, f.key, f.val, rs.ChildKeys(), path)
	}
}

// toValue converts a concrete CUE value, keeping struct field order.
func toValue(v cue.Value) (value.Value, error) {
	switch v.Kind() {
	case cue.NullKind:
		return value.Undefined(), nil
	case cue.BoolKind:
		b, err := v.Bool()
		if err != nil {
			return value.Value{}, err
		}
		return value.Bool(b), nil
	case cue.IntKind:
		n, err := v.Int64()
		if err != nil {
			return value.Value{}, err
		}
		return value.FromInterface(int(n))
	case cue.FloatKind:
		f, err := v.Float64()
		if err != nil {
			return value.Value{}, err
		}
		return value.FromInterface(f)
	case cue.StringKind:
		s, err := v.String()
		if err != nil {
			return value.Value{}, err
		}
		return value.FromInterface(s)
	case cue.ListKind:
		iter, err := v.List()
		if err != nil {
			return value.Value{}, err
		}
		var items []value.Value
		for iter.Next() {
			item, err := toValue(iter.Value())
			if err != nil {
				return value.Value{}, err
			}
			items = append(items, item)
		}
		return value.List(items...), nil
	case cue.StructKind:
		iter, err := v.Fields()
		if err != nil {
			return value.Value{}, err
		}
		obj := value.NewObject()
		for iter.Next() {
			field, err := toValue(iter.Value())
			if err != nil {
				return value.Value{}, err
			}
			obj.Set(iter.Selector().Unquoted(), field)
		}
		return value.ObjectValue(obj), nil
	}
	return value.Value{}, fmt.Errorf("unsupported CUE value of kind %s", v.Kind())
}

func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{Path: strings.Join(e.Path(), "."), Message: cueerrors.Details(e, nil)}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			ve.File, ve.Line, ve.Column = pos[0].Filename(), pos[0].Line(), pos[0].Column()
		}
		out = append(out, ve)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].File != out[j].File {
			return out[i].File < out[j].File
		}
		return out[i].Line < out[j].Line
	})
	return out
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
