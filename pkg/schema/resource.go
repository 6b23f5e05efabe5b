package schema

import (
	"fmt"
	"slices"

	"github.com/cachegrid/cachemgmt/pkg/value"
)

// Fragment is a named, reusable group of attribute definitions
// (for example "locking" or "eviction") composed into resource schemas.
type Fragment struct {
	Name       string
	Attributes []AttributeDefinition
}

// ResourceSchema is the immutable description of one resource type.
type ResourceSchema struct {
	Key         string
	Description string
	// FixedName is set for singleton children whose instance name is fixed,
	// such as transport=jgroups.
	FixedName    string
	Capabilities []string
	// Runtime reports whether adding or removing the resource changes services.
	Runtime bool

	attributes []AttributeDefinition
	byName     map[string]int
	children   []string
}

// Attribute returns the definition of name.
func (s *ResourceSchema) Attribute(name string) (*AttributeDefinition, bool) {
	i, ok := s.byName[name]
	if !ok {
		return nil, false
	}
	def := s.attributes[i]
	return &def, true
}

// Attributes returns copies of all definitions in declaration order.
func (s *ResourceSchema) Attributes() []AttributeDefinition {
	out := make([]AttributeDefinition, len(s.attributes))
	copy(out, s.attributes)
	return out
}

// AttributeNames returns the attribute names present at version v,
// excluding aliases. A zero version selects every attribute.
func (s *ResourceSchema) AttributeNames(v Version) []string {
	names := make([]string, 0, len(s.attributes))
	for i := range s.attributes {
		def := &s.attributes[i]
		if def.Alias {
			continue
		}
		if !v.IsZero() && !def.PresentIn(v) {
			continue
		}
		names = append(names, def.Name)
	}
	return names
}

// ChildKeys returns the resource type keys allowed as children.
func (s *ResourceSchema) ChildKeys() []string {
	return slices.Clone(s.children)
}

// AllowsChild reports whether key may appear beneath this resource.
func (s *ResourceSchema) AllowsChild(key string) bool {
	return slices.Contains(s.children, key)
}

// HasCapability reports whether the schema was composed with the named fragment.
func (s *ResourceSchema) HasCapability(name string) bool {
	return slices.Contains(s.Capabilities, name)
}

// Defaults returns the stored attributes that carry a default value.
func (s *ResourceSchema) Defaults() *value.Object {
	obj := value.NewObject()
	for i := range s.attributes {
		def := &s.attributes[i]
		if def.Alias || !def.Default.IsDefined() {
			continue
		}
		obj.Set(def.Name, def.Default)
	}
	return obj
}

// Builder composes a ResourceSchema from a base fragment and capability fragments.
type Builder struct {
	schema  ResourceSchema
	sources map[string]string
	err     error
}

// NewBuilder starts a schema for resource type key.
func NewBuilder(key string) *Builder {
	return &Builder{
		schema: ResourceSchema{
			Key:    key,
			byName: make(map[string]int),
		},
		sources: make(map[string]string),
	}
}

// Describe sets the description.
func (b *Builder) Describe(description string) *Builder {
	b.schema.Description = description
	return b
}

// Fragment adds every attribute of f and records f as a capability.
// An attribute already contributed by another fragment is an error.
func (b *Builder) Fragment(f Fragment) *Builder {
	for _, def := range f.Attributes {
		b.add(def, f.Name)
	}
	if !slices.Contains(b.schema.Capabilities, f.Name) {
		b.schema.Capabilities = append(b.schema.Capabilities, f.Name)
	}
	return b
}

// Attribute adds a single attribute owned by the resource itself.
func (b *Builder) Attribute(def AttributeDefinition) *Builder {
	b.add(def, b.schema.Key)
	return b
}

// Override replaces an attribute contributed earlier, keeping its position.
func (b *Builder) Override(def AttributeDefinition) *Builder {
	i, ok := b.schema.byName[def.Name]
	if !ok {
		b.fail(fmt.Errorf("schema %s: cannot override unknown attribute %s", b.schema.Key, def.Name))
		return b
	}
	b.schema.attributes[i] = def
	b.sources[def.Name] = b.schema.Key
	return b
}

// Children declares the allowed child resource types.
func (b *Builder) Children(keys ...string) *Builder {
	for _, k := range keys {
		if !slices.Contains(b.schema.children, k) {
			b.schema.children = append(b.schema.children, k)
		}
	}
	return b
}

// FixedName marks the resource as a singleton with the given instance name.
func (b *Builder) FixedName(name string) *Builder {
	b.schema.FixedName = name
	return b
}

// Runtime marks whether the resource is backed by services.
func (b *Builder) Runtime(runtime bool) *Builder {
	b.schema.Runtime = runtime
	return b
}

// Build validates and returns the schema.
func (b *Builder) Build() (*ResourceSchema, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.schema.Key == "" {
		return nil, fmt.Errorf("schema key must not be empty")
	}
	for i := range b.schema.attributes {
		def := &b.schema.attributes[i]
		if def.Default.IsDefined() && !def.Default.IsExpression() {
			if err := Validate(def.Default, def); err != nil {
				return nil, fmt.Errorf("schema %s: invalid default for %s: %w", b.schema.Key, def.Name, err)
			}
		}
	}
	s := b.schema
	s.attributes = slices.Clone(b.schema.attributes)
	s.children = slices.Clone(b.schema.children)
	s.Capabilities = slices.Clone(b.schema.Capabilities)
	s.byName = make(map[string]int, len(s.attributes))
	for i, def := range s.attributes {
		s.byName[def.Name] = i
	}
	return &s, nil
}

// MustBuild is like Build but panics on error. Intended for static schema tables.
func (b *Builder) MustBuild() *ResourceSchema {
	s, err := b.Build()
	if err != nil {
		panic(err)
	}
	return s
}

func (b *Builder) add(def AttributeDefinition, source string) {
	if def.Name == "" {
		b.fail(fmt.Errorf("schema %s: attribute without a name in %s", b.schema.Key, source))
		return
	}
	if prev, exists := b.sources[def.Name]; exists {
		b.fail(fmt.Errorf("schema %s: attribute %s from %s duplicates one from %s",
			b.schema.Key, def.Name, source, prev))
		return
	}
	b.schema.byName[def.Name] = len(b.schema.attributes)
	b.schema.attributes = append(b.schema.attributes, def)
	b.sources[def.Name] = source
}

func (b *Builder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}
