package transform

import (
	"fmt"
	"slices"
	"strings"

	"github.com/cachegrid/cachemgmt/pkg/value"
)

// Rule is one attribute-level rewrite applied by a RuleTransformer.
type Rule interface {
	// AppliesTo reports whether the rule touches resources of the given type.
	AppliesTo(resourceType string) bool
	// Upgrade rewrites stored attributes from the older to the newer version.
	Upgrade(attrs *value.Object)
	// UpgradePayload rewrites an operation payload. Unlike Upgrade it never
	// introduces attributes the caller did not send.
	UpgradePayload(attrs *value.Object)
	// Downgrade rewrites stored attributes from the newer to the older version.
	Downgrade(attrs *value.Object)
	String() string
}

// scope restricts a rule to a set of resource types; empty means every type.
type scope []string

func (s scope) AppliesTo(resourceType string) bool {
	return len(s) == 0 || slices.Contains(s, resourceType)
}

func (s scope) String() string {
	if len(s) == 0 {
		return "*"
	}
	return strings.Join(s, "|")
}

// Rename renames an attribute, keeping its position and value.
type Rename struct {
	Types []string
	From  string
	To    string
}

func (r Rename) AppliesTo(resourceType string) bool { return scope(r.Types).AppliesTo(resourceType) }
func (r Rename) Upgrade(attrs *value.Object)        { attrs.Rename(r.From, r.To) }
func (r Rename) UpgradePayload(attrs *value.Object) { attrs.Rename(r.From, r.To) }
func (r Rename) Downgrade(attrs *value.Object)      { attrs.Rename(r.To, r.From) }
func (r Rename) String() string {
	return fmt.Sprintf("rename %s.%s -> %s", scope(r.Types), r.From, r.To)
}

// Introduce adds an attribute that only exists at the newer version. Upgrading
// sets Default when the attribute is absent and Default is defined;
// downgrading removes it unconditionally and tolerates its absence.
type Introduce struct {
	Types     []string
	Attribute string
	Default   value.Value
}

func (r Introduce) AppliesTo(resourceType string) bool { return scope(r.Types).AppliesTo(resourceType) }

func (r Introduce) Upgrade(attrs *value.Object) {
	if r.Default.IsDefined() && !attrs.Has(r.Attribute) {
		attrs.Set(r.Attribute, r.Default)
	}
}

func (r Introduce) UpgradePayload(*value.Object) {}

func (r Introduce) Downgrade(attrs *value.Object) { attrs.Delete(r.Attribute) }

func (r Introduce) String() string {
	return fmt.Sprintf("introduce %s.%s", scope(r.Types), r.Attribute)
}

// Discard removes an attribute that no longer exists at the newer version.
// Upgrading is lossy: the value cannot be recovered, so downgrading restores
// Default (when defined) rather than the original value.
type Discard struct {
	Types     []string
	Attribute string
	Default   value.Value
}

func (r Discard) AppliesTo(resourceType string) bool { return scope(r.Types).AppliesTo(resourceType) }
func (r Discard) Upgrade(attrs *value.Object)        { attrs.Delete(r.Attribute) }
func (r Discard) UpgradePayload(attrs *value.Object) { attrs.Delete(r.Attribute) }

func (r Discard) Downgrade(attrs *value.Object) {
	if r.Default.IsDefined() && !attrs.Has(r.Attribute) {
		attrs.Set(r.Attribute, r.Default)
	}
}

func (r Discard) String() string {
	return fmt.Sprintf("discard %s.%s", scope(r.Types), r.Attribute)
}

// Convert replaces attribute From with attribute To holding From*Ratio.
// Downgrading divides by Ratio. Expressions pass through unconverted.
// When a payload carries both attributes, To is authoritative and From is dropped.
type Convert struct {
	Types []string
	From  string
	To    string
	Ratio int64
}

func (r Convert) AppliesTo(resourceType string) bool { return scope(r.Types).AppliesTo(resourceType) }

func (r Convert) Upgrade(attrs *value.Object) {
	v, ok := attrs.Get(r.From)
	if !ok {
		return
	}
	if attrs.Has(r.To) {
		attrs.Delete(r.From)
		return
	}
	attrs.Rename(r.From, r.To)
	attrs.Set(r.To, Scale(v, r.Ratio))
}

func (r Convert) UpgradePayload(attrs *value.Object) { r.Upgrade(attrs) }

func (r Convert) Downgrade(attrs *value.Object) {
	v, ok := attrs.Get(r.To)
	if !ok {
		return
	}
	attrs.Rename(r.To, r.From)
	attrs.Set(r.From, Unscale(v, r.Ratio))
}

func (r Convert) String() string {
	return fmt.Sprintf("convert %s.%s -> %s (x%d)", scope(r.Types), r.From, r.To, r.Ratio)
}
