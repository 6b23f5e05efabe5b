package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/cachegrid/cachemgmt/pkg/address"
	"github.com/cachegrid/cachemgmt/pkg/schema"
	"github.com/cachegrid/cachemgmt/pkg/value"
)

type document struct {
	Version   schema.Version  `json:"version"`
	Resources json.RawMessage `json:"resources"`
}

// MarshalJSON encodes {"version": "1.4", "resources": {address: attributes}}
// with resources in tree order.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	version, err := json.Marshal(s.Version)
	if err != nil {
		return nil, err
	}
	buf.WriteString(`{"version":`)
	buf.Write(version)
	buf.WriteString(`,"resources":{`)
	for i, e := range s.Entries() {
		if i > 0 {
			buf.WriteString(",")
		}
		key, err := json.Marshal(e.Address.String())
		if err != nil {
			return nil, err
		}
		attrs, err := e.Attributes.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", e.Address, err)
		}
		buf.Write(key)
		buf.WriteString(":")
		buf.Write(attrs)
	}
	buf.WriteString("}}")
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes the format written by MarshalJSON.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}
	decoded := New(doc.Version)
	if len(doc.Resources) > 0 {
		var resources value.Value
		if err := json.Unmarshal(doc.Resources, &resources); err != nil {
			return fmt.Errorf("failed to decode snapshot resources: %w", err)
		}
		if err := decoded.fill(resources); err != nil {
			return err
		}
	}
	*s = *decoded
	return nil
}

// MarshalYAML encodes the same structure as MarshalJSON.
func (s *Snapshot) MarshalYAML() (interface{}, error) {
	resources := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, e := range s.Entries() {
		attrs, err := e.Attributes.MarshalYAML()
		if err != nil {
			return nil, err
		}
		resources.Content = append(resources.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: e.Address.String()},
			attrs.(*yaml.Node))
	}
	return &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map", Content: []*yaml.Node{
		{Kind: yaml.ScalarNode, Tag: "!!str", Value: "version"},
		{Kind: yaml.ScalarNode, Tag: "!!str", Value: s.Version.String(), Style: yaml.DoubleQuotedStyle},
		{Kind: yaml.ScalarNode, Tag: "!!str", Value: "resources"},
		resources,
	}}, nil
}

// UnmarshalYAML decodes the format written by MarshalYAML.
func (s *Snapshot) UnmarshalYAML(node *yaml.Node) error {
	var doc struct {
		Version   string      `yaml:"version"`
		Resources value.Value `yaml:"resources"`
	}
	if err := node.Decode(&doc); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}
	v, err := schema.ParseVersion(doc.Version)
	if err != nil {
		return err
	}
	decoded := New(v)
	if err := decoded.fill(doc.Resources); err != nil {
		return err
	}
	*s = *decoded
	return nil
}

func (s *Snapshot) fill(resources value.Value) error {
	if !resources.IsDefined() {
		return nil
	}
	if resources.Type() != value.TypeObject {
		return fmt.Errorf("snapshot resources must be an object, got %s", resources.Type())
	}
	var err error
	resources.AsObject().Range(func(key string, attrs value.Value) bool {
		var addr address.Address
		addr, err = address.Parse(key)
		if err != nil {
			return false
		}
		switch attrs.Type() {
		case value.TypeObject:
			s.Put(addr, attrs.AsObject())
		case value.TypeUndefined:
			s.Put(addr, value.NewObject())
		default:
			err = fmt.Errorf("attributes of %s must be an object, got %s", key, attrs.Type())
			return false
		}
		return true
	})
	return err
}
