package value

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/apd/v3"
	"gopkg.in/yaml.v3"
)

// ExpressionKey marks an encoded expression in JSON: {"EXPRESSION_VALUE": "${x}"}.
const ExpressionKey = "EXPRESSION_VALUE"

// MarshalJSON encodes v as natural JSON.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.writeJSON(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) writeJSON(buf *bytes.Buffer) error {
	switch v.kind {
	case TypeUndefined:
		buf.WriteString("null")
	case TypeBoolean:
		buf.WriteString(strconv.FormatBool(v.b))
	case TypeInt, TypeLong:
		buf.WriteString(strconv.FormatInt(v.n, 10))
	case TypeDecimal:
		buf.WriteString(v.d.Text('f'))
	case TypeString:
		b, err := json.Marshal(v.s)
		if err != nil {
			return err
		}
		buf.Write(b)
	case TypeExpression:
		b, err := json.Marshal(v.s)
		if err != nil {
			return err
		}
		buf.WriteString(`{"` + ExpressionKey + `":`)
		buf.Write(b)
		buf.WriteString("}")
	case TypeList:
		buf.WriteString("[")
		for i, item := range v.list {
			if i > 0 {
				buf.WriteString(",")
			}
			if err := item.writeJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteString("]")
	case TypeObject:
		return v.obj.writeJSON(buf)
	default:
		return fmt.Errorf("cannot encode value of type %s", v.kind)
	}
	return nil
}

// UnmarshalJSON decodes natural JSON, preserving object key order.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	decoded, err := decodeJSON(dec)
	if err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("unexpected trailing data after JSON value")
	}
	*v = decoded
	return nil
}

// MarshalJSON encodes the object preserving key order.
func (o *Object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := o.writeJSON(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (o *Object) writeJSON(buf *bytes.Buffer) error {
	buf.WriteString("{")
	for i, k := range o.Keys() {
		if i > 0 {
			buf.WriteString(",")
		}
		key, err := json.Marshal(k)
		if err != nil {
			return err
		}
		buf.Write(key)
		buf.WriteString(":")
		if err := o.values[k].writeJSON(buf); err != nil {
			return err
		}
	}
	buf.WriteString("}")
	return nil
}

// UnmarshalJSON decodes a JSON object preserving key order.
func (o *Object) UnmarshalJSON(data []byte) error {
	var v Value
	if err := v.UnmarshalJSON(data); err != nil {
		return err
	}
	if v.kind != TypeObject {
		return fmt.Errorf("expected JSON object, got %s", v.kind)
	}
	*o = *v.obj
	return nil
}

func decodeJSON(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, fmt.Errorf("failed to decode JSON value: %w", err)
	}
	switch t := tok.(type) {
	case nil:
		return Undefined(), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		return numberValue(string(t))
	case string:
		return String(t), nil
	case json.Delim:
		switch t {
		case '[':
			var items []Value
			for dec.More() {
				item, err := decodeJSON(dec)
				if err != nil {
					return Value{}, err
				}
				items = append(items, item)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return List(items...), nil
		case '{':
			obj := NewObject()
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return Value{}, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return Value{}, fmt.Errorf("invalid object key %v", keyTok)
				}
				item, err := decodeJSON(dec)
				if err != nil {
					return Value{}, err
				}
				if err := obj.Add(key, item); err != nil {
					return Value{}, err
				}
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			if obj.Len() == 1 {
				if expr, ok := obj.Get(ExpressionKey); ok && expr.kind == TypeString {
					return Expression(expr.s), nil
				}
			}
			return Value{kind: TypeObject, obj: obj}, nil
		}
	}
	return Value{}, fmt.Errorf("unexpected JSON token %v", tok)
}

// numberValue maps a numeric literal to Int, Long or Decimal.
func numberValue(text string) (Value, error) {
	if n, err := strconv.ParseInt(text, 10, 64); err == nil {
		if n >= math.MinInt32 && n <= math.MaxInt32 {
			return Int(int32(n)), nil
		}
		return Long(n), nil
	}
	return DecimalFromString(text)
}

// MarshalYAML encodes v as a yaml.Node so object key order survives.
func (v Value) MarshalYAML() (interface{}, error) {
	return v.yamlNode(), nil
}

func (v Value) yamlNode() *yaml.Node {
	switch v.kind {
	case TypeUndefined:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}
	case TypeBoolean:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: strconv.FormatBool(v.b)}
	case TypeInt, TypeLong:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.FormatInt(v.n, 10)}
	case TypeDecimal:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!float", Value: v.d.Text('f')}
	case TypeString, TypeExpression:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v.s}
	case TypeList:
		n := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, item := range v.list {
			n.Content = append(n.Content, item.yamlNode())
		}
		return n
	case TypeObject:
		return v.obj.yamlNode()
	}
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}
}

func (o *Object) yamlNode() *yaml.Node {
	n := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	o.Range(func(name string, v Value) bool {
		n.Content = append(n.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: name},
			v.yamlNode())
		return true
	})
	return n
}

// MarshalYAML encodes the object as an ordered mapping.
func (o *Object) MarshalYAML() (interface{}, error) {
	return o.yamlNode(), nil
}

// UnmarshalYAML decodes a YAML node. Strings containing ${...} become expressions.
func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	decoded, err := fromYAML(node)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

// UnmarshalYAML decodes a YAML mapping preserving key order.
func (o *Object) UnmarshalYAML(node *yaml.Node) error {
	v, err := fromYAML(node)
	if err != nil {
		return err
	}
	if v.kind != TypeObject {
		return fmt.Errorf("expected YAML mapping, got %s", v.kind)
	}
	*o = *v.obj
	return nil
}

func fromYAML(node *yaml.Node) (Value, error) {
	switch node.Kind {
	case yaml.DocumentNode:
		if len(node.Content) == 0 {
			return Undefined(), nil
		}
		return fromYAML(node.Content[0])
	case yaml.AliasNode:
		return fromYAML(node.Alias)
	case yaml.SequenceNode:
		items := make([]Value, 0, len(node.Content))
		for _, c := range node.Content {
			item, err := fromYAML(c)
			if err != nil {
				return Value{}, err
			}
			items = append(items, item)
		}
		return List(items...), nil
	case yaml.MappingNode:
		obj := NewObject()
		for i := 0; i+1 < len(node.Content); i += 2 {
			item, err := fromYAML(node.Content[i+1])
			if err != nil {
				return Value{}, err
			}
			if err := obj.Add(node.Content[i].Value, item); err != nil {
				return Value{}, fmt.Errorf("line %d: %w", node.Content[i].Line, err)
			}
		}
		return Value{kind: TypeObject, obj: obj}, nil
	case yaml.ScalarNode:
		switch node.ShortTag() {
		case "!!null":
			return Undefined(), nil
		case "!!bool":
			b, err := strconv.ParseBool(strings.ToLower(node.Value))
			if err != nil {
				return Value{}, fmt.Errorf("invalid boolean %q at line %d", node.Value, node.Line)
			}
			return Bool(b), nil
		case "!!int":
			return numberValue(node.Value)
		case "!!float":
			return DecimalFromString(node.Value)
		default:
			if IsExpression(node.Value) {
				return Expression(node.Value), nil
			}
			return String(node.Value), nil
		}
	}
	return Value{}, fmt.Errorf("unsupported YAML node kind %d at line %d", node.Kind, node.Line)
}

// FromInterface converts a Go value produced by a decoder or scripting bridge.
// Map keys are sorted because Go maps carry no order.
func FromInterface(in interface{}) (Value, error) {
	switch t := in.(type) {
	case nil:
		return Undefined(), nil
	case Value:
		return t.Clone(), nil
	case *Object:
		return ObjectValue(t), nil
	case bool:
		return Bool(t), nil
	case int:
		return numberValue(strconv.Itoa(t))
	case int32:
		return Int(t), nil
	case int64:
		return Long(t), nil
	case uint64:
		if t > math.MaxInt64 {
			return DecimalFromString(strconv.FormatUint(t, 10))
		}
		return Long(int64(t)), nil
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return numberValue(strconv.FormatInt(int64(t), 10))
		}
		return DecimalFromString(strconv.FormatFloat(t, 'f', -1, 64))
	case *apd.Decimal:
		return Decimal(t), nil
	case json.Number:
		return numberValue(string(t))
	case string:
		if IsExpression(t) {
			return Expression(t), nil
		}
		return String(t), nil
	case []string:
		return StringList(t...), nil
	case []interface{}:
		items := make([]Value, len(t))
		for i, item := range t {
			v, err := FromInterface(item)
			if err != nil {
				return Value{}, fmt.Errorf("list item %d: %w", i, err)
			}
			items[i] = v
		}
		return List(items...), nil
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		obj := NewObject()
		for _, k := range keys {
			v, err := FromInterface(t[k])
			if err != nil {
				return Value{}, fmt.Errorf("field %s: %w", k, err)
			}
			obj.Set(k, v)
		}
		return Value{kind: TypeObject, obj: obj}, nil
	}
	return Value{}, fmt.Errorf("unsupported value type %T", in)
}

// Interface converts v to plain Go values. Decimals become float64 and
// objects become map[string]interface{}.
func (v Value) Interface() interface{} {
	switch v.kind {
	case TypeBoolean:
		return v.b
	case TypeInt:
		return int32(v.n)
	case TypeLong:
		return v.n
	case TypeDecimal:
		f, _ := v.d.Float64()
		return f
	case TypeString, TypeExpression:
		return v.s
	case TypeList:
		out := make([]interface{}, len(v.list))
		for i, item := range v.list {
			out[i] = item.Interface()
		}
		return out
	case TypeObject:
		out := make(map[string]interface{}, v.obj.Len())
		v.obj.Range(func(name string, item Value) bool {
			out[name] = item.Interface()
			return true
		})
		return out
	}
	return nil
}
