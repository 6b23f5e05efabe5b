package transform

import (
	"github.com/cachegrid/cachemgmt/pkg/schema"
	"github.com/cachegrid/cachemgmt/pkg/snapshot"
	"github.com/cachegrid/cachemgmt/pkg/value"
)

// Transformer converts snapshots between two adjacent versions. Up and Down
// mutate the snapshot they are given; the registry always hands them a copy.
type Transformer interface {
	From() schema.Version
	To() schema.Version
	Up(snap *snapshot.Snapshot) error
	Down(snap *snapshot.Snapshot) error
	// UpPayload rewrites the payload of an operation written against From so
	// it can be applied at To.
	UpPayload(resourceType string, payload *value.Object) error
}

// RuleTransformer is a Transformer built from declarative attribute rules.
// Rules run in declaration order going up and in reverse order going down.
type RuleTransformer struct {
	from  schema.Version
	to    schema.Version
	rules []Rule
}

// NewRuleTransformer creates a transformer from version from to version to.
func NewRuleTransformer(from, to schema.Version, rules ...Rule) *RuleTransformer {
	return &RuleTransformer{from: from, to: to, rules: rules}
}

// From implements Transformer.
func (t *RuleTransformer) From() schema.Version { return t.from }

// To implements Transformer.
func (t *RuleTransformer) To() schema.Version { return t.to }

// Rules returns the transformer's rules in declaration order.
func (t *RuleTransformer) Rules() []Rule {
	out := make([]Rule, len(t.rules))
	copy(out, t.rules)
	return out
}

// Up implements Transformer.
func (t *RuleTransformer) Up(snap *snapshot.Snapshot) error {
	for _, e := range snap.Entries() {
		resourceType := e.Address.Type()
		snap.Update(e.Address, func(attrs *value.Object) {
			for _, r := range t.rules {
				if r.AppliesTo(resourceType) {
					r.Upgrade(attrs)
				}
			}
		})
	}
	snap.Version = t.to
	return nil
}

// Down implements Transformer.
func (t *RuleTransformer) Down(snap *snapshot.Snapshot) error {
	for _, e := range snap.Entries() {
		resourceType := e.Address.Type()
		snap.Update(e.Address, func(attrs *value.Object) {
			for i := len(t.rules) - 1; i >= 0; i-- {
				if t.rules[i].AppliesTo(resourceType) {
					t.rules[i].Downgrade(attrs)
				}
			}
		})
	}
	snap.Version = t.from
	return nil
}

// UpPayload implements Transformer.
func (t *RuleTransformer) UpPayload(resourceType string, payload *value.Object) error {
	for _, r := range t.rules {
		if r.AppliesTo(resourceType) {
			r.UpgradePayload(payload)
		}
	}
	return nil
}
