// Package value implements the dynamic, typed value tree used for attribute
// values, operation payloads and operation results.
//
// A Value is immutable once constructed: constructors copy their inputs and
// accessors return copies, so a value stored in the configuration tree can be
// handed to callers without aliasing. Object is the one mutable container; it
// preserves insertion order and is always cloned when wrapped in a Value.
package value

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/cockroachdb/apd/v3"

	mgmterrors "github.com/cachegrid/cachemgmt/pkg/errors"
)

// Type is the declared type of a Value.
type Type int

const (
	// TypeUndefined is the type of the zero Value.
	TypeUndefined Type = iota
	// TypeBoolean holds true or false.
	TypeBoolean
	// TypeInt holds a 32-bit signed integer.
	TypeInt
	// TypeLong holds a 64-bit signed integer.
	TypeLong
	// TypeDecimal holds an arbitrary-precision decimal.
	TypeDecimal
	// TypeString holds text.
	TypeString
	// TypeList holds an ordered list of values.
	TypeList
	// TypeObject holds an ordered name to value map.
	TypeObject
	// TypeExpression holds an unresolved ${...} expression standing in for a scalar.
	TypeExpression
)

var typeNames = map[Type]string{
	TypeUndefined:  "UNDEFINED",
	TypeBoolean:    "BOOLEAN",
	TypeInt:        "INT",
	TypeLong:       "LONG",
	TypeDecimal:    "DECIMAL",
	TypeString:     "STRING",
	TypeList:       "LIST",
	TypeObject:     "OBJECT",
	TypeExpression: "EXPRESSION",
}

// String returns the canonical upper-case name of the type.
func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// IsScalar reports whether values of this type are scalars.
func (t Type) IsScalar() bool {
	switch t {
	case TypeBoolean, TypeInt, TypeLong, TypeDecimal, TypeString:
		return true
	}
	return false
}

// IsNumeric reports whether values of this type are numbers.
func (t Type) IsNumeric() bool {
	return t == TypeInt || t == TypeLong || t == TypeDecimal
}

// ParseType parses a type name as returned by Type.String (case-insensitive).
func ParseType(s string) (Type, error) {
	upper := strings.ToUpper(strings.TrimSpace(s))
	for t, name := range typeNames {
		if name == upper {
			return t, nil
		}
	}
	return TypeUndefined, fmt.Errorf("unknown value type: %s", s)
}

// Value is a discriminated union over the supported types.
// The zero Value is undefined.
type Value struct {
	kind Type
	b    bool
	n    int64
	d    *apd.Decimal
	s    string
	list []Value
	obj  *Object
}

// Undefined returns the undefined value.
func Undefined() Value {
	return Value{}
}

// Bool returns a boolean value.
func Bool(b bool) Value {
	return Value{kind: TypeBoolean, b: b}
}

// Int returns a 32-bit integer value.
func Int(n int32) Value {
	return Value{kind: TypeInt, n: int64(n)}
}

// Long returns a 64-bit integer value.
func Long(n int64) Value {
	return Value{kind: TypeLong, n: n}
}

// Decimal returns a decimal value holding a copy of d.
func Decimal(d *apd.Decimal) Value {
	c := new(apd.Decimal)
	if d != nil {
		c.Set(d)
	}
	return Value{kind: TypeDecimal, d: c}
}

// DecimalFromString parses s as a decimal value.
func DecimalFromString(s string) (Value, error) {
	d, _, err := apd.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Value{}, mgmterrors.Validation(mgmterrors.CodeTypeMismatch, "invalid decimal %q", s)
	}
	return Value{kind: TypeDecimal, d: d}, nil
}

// String returns a string value.
func String(s string) Value {
	return Value{kind: TypeString, s: s}
}

// Expression returns an unresolved expression value such as "${jboss.node.name:node1}".
func Expression(expr string) Value {
	return Value{kind: TypeExpression, s: expr}
}

// List returns a list value holding copies of items.
func List(items ...Value) Value {
	l := make([]Value, len(items))
	copy(l, items)
	return Value{kind: TypeList, list: l}
}

// StringList returns a list of string values.
func StringList(items ...string) Value {
	l := make([]Value, len(items))
	for i, s := range items {
		l[i] = String(s)
	}
	return Value{kind: TypeList, list: l}
}

// ObjectValue returns an object value holding a copy of o.
func ObjectValue(o *Object) Value {
	return Value{kind: TypeObject, obj: o.Clone()}
}

// Type returns the value's type.
func (v Value) Type() Type {
	return v.kind
}

// IsDefined reports whether the value is not undefined.
func (v Value) IsDefined() bool {
	return v.kind != TypeUndefined
}

// IsExpression reports whether the value is an unresolved expression.
func (v Value) IsExpression() bool {
	return v.kind == TypeExpression
}

func mismatch(v Value, want Type) error {
	return mgmterrors.Validation(mgmterrors.CodeTypeMismatch,
		"cannot convert %s to %s", v.kind, want)
}

// AsBool returns the boolean held by v.
func (v Value) AsBool() (bool, error) {
	switch v.kind {
	case TypeBoolean:
		return v.b, nil
	case TypeString:
		b, err := strconv.ParseBool(v.s)
		if err != nil {
			return false, mismatch(v, TypeBoolean)
		}
		return b, nil
	}
	return false, mismatch(v, TypeBoolean)
}

// AsLong returns v as a 64-bit integer. Decimals must be integral.
func (v Value) AsLong() (int64, error) {
	switch v.kind {
	case TypeInt, TypeLong:
		return v.n, nil
	case TypeDecimal:
		n, err := v.d.Int64()
		if err != nil {
			return 0, mismatch(v, TypeLong)
		}
		var check apd.Decimal
		check.SetInt64(n)
		if check.Cmp(v.d) != 0 {
			return 0, mismatch(v, TypeLong)
		}
		return n, nil
	}
	return 0, mismatch(v, TypeLong)
}

// AsInt returns v as a 32-bit integer.
func (v Value) AsInt() (int32, error) {
	n, err := v.AsLong()
	if err != nil {
		return 0, mismatch(v, TypeInt)
	}
	if n < math.MinInt32 || n > math.MaxInt32 {
		return 0, mismatch(v, TypeInt)
	}
	return int32(n), nil
}

// AsDecimal returns a copy of v as a decimal.
func (v Value) AsDecimal() (*apd.Decimal, error) {
	switch v.kind {
	case TypeInt, TypeLong:
		return apd.New(v.n, 0), nil
	case TypeDecimal:
		return new(apd.Decimal).Set(v.d), nil
	}
	return nil, mismatch(v, TypeDecimal)
}

// AsString returns the textual form of a scalar or expression value.
func (v Value) AsString() string {
	switch v.kind {
	case TypeUndefined:
		return ""
	case TypeBoolean:
		return strconv.FormatBool(v.b)
	case TypeInt, TypeLong:
		return strconv.FormatInt(v.n, 10)
	case TypeDecimal:
		return v.d.Text('f')
	case TypeString, TypeExpression:
		return v.s
	}
	return v.String()
}

// AsList returns a copy of the list items. Non-list values yield nil.
func (v Value) AsList() []Value {
	if v.kind != TypeList {
		return nil
	}
	l := make([]Value, len(v.list))
	copy(l, v.list)
	return l
}

// AsObject returns a copy of the object. Non-object values yield nil.
func (v Value) AsObject() *Object {
	if v.kind != TypeObject {
		return nil
	}
	return v.obj.Clone()
}

// Len returns the number of list items or object fields.
func (v Value) Len() int {
	switch v.kind {
	case TypeList:
		return len(v.list)
	case TypeObject:
		return v.obj.Len()
	}
	return 0
}

// Clone returns a deep copy of v.
func (v Value) Clone() Value {
	switch v.kind {
	case TypeDecimal:
		return Decimal(v.d)
	case TypeList:
		l := make([]Value, len(v.list))
		for i, item := range v.list {
			l[i] = item.Clone()
		}
		return Value{kind: TypeList, list: l}
	case TypeObject:
		return Value{kind: TypeObject, obj: v.obj.Clone()}
	}
	return v
}

// Equal reports whether v and other hold the same type and content.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case TypeUndefined:
		return true
	case TypeBoolean:
		return v.b == other.b
	case TypeInt, TypeLong:
		return v.n == other.n
	case TypeDecimal:
		return v.d.Cmp(other.d) == 0
	case TypeString, TypeExpression:
		return v.s == other.s
	case TypeList:
		if len(v.list) != len(other.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(other.list[i]) {
				return false
			}
		}
		return true
	case TypeObject:
		return v.obj.Equal(other.obj)
	}
	return false
}

// String returns a compact human-readable representation.
func (v Value) String() string {
	switch v.kind {
	case TypeUndefined:
		return "undefined"
	case TypeString:
		return strconv.Quote(v.s)
	case TypeExpression:
		return "expression " + strconv.Quote(v.s)
	case TypeList:
		parts := make([]string, len(v.list))
		for i, item := range v.list {
			parts[i] = item.String()
		}
		return "[" + strings.Join(parts, ",") + "]"
	case TypeObject:
		return v.obj.String()
	}
	return v.AsString()
}
