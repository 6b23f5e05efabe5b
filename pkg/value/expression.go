package value

import (
	"os"
	"regexp"
	"strings"

	mgmterrors "github.com/cachegrid/cachemgmt/pkg/errors"
)

// placeholder matches ${name}, ${name:default} and ${a,b:default}.
var placeholder = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// IsExpression reports whether s contains at least one ${...} placeholder.
func IsExpression(s string) bool {
	return strings.Contains(s, "${") && placeholder.MatchString(s)
}

// Environment supplies values for expression placeholders.
type Environment interface {
	Lookup(name string) (string, bool)
}

// MapEnvironment is an Environment backed by a map.
type MapEnvironment map[string]string

// Lookup implements Environment.
func (m MapEnvironment) Lookup(name string) (string, bool) {
	v, ok := m[name]
	return v, ok
}

// OSEnvironment resolves "env.NAME" placeholders from the process environment.
type OSEnvironment struct{}

// Lookup implements Environment.
func (OSEnvironment) Lookup(name string) (string, bool) {
	if !strings.HasPrefix(name, "env.") {
		return "", false
	}
	return os.LookupEnv(strings.TrimPrefix(name, "env."))
}

// ChainEnvironment consults each environment in order.
type ChainEnvironment []Environment

// Lookup implements Environment.
func (c ChainEnvironment) Lookup(name string) (string, bool) {
	for _, env := range c {
		if env == nil {
			continue
		}
		if v, ok := env.Lookup(name); ok {
			return v, true
		}
	}
	return "", false
}

// Substitute replaces every placeholder in expr. A placeholder may list
// alternative names separated by commas; the first one found wins, then the
// default. A placeholder with neither fails with UNRESOLVED_EXPRESSION.
func Substitute(expr string, env Environment) (string, error) {
	var firstErr error
	out := placeholder.ReplaceAllStringFunc(expr, func(match string) string {
		groups := placeholder.FindStringSubmatch(match)
		for _, name := range strings.Split(groups[1], ",") {
			name = strings.TrimSpace(name)
			if env == nil {
				break
			}
			if v, ok := env.Lookup(name); ok {
				return v
			}
		}
		if strings.Contains(match, ":") {
			return groups[2]
		}
		if firstErr == nil {
			firstErr = mgmterrors.Validation(mgmterrors.CodeUnresolvedExpression,
				"no value for %s in expression %q", groups[1], expr).
				WithDetail("name", groups[1])
		}
		return match
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// Resolve turns v into a concrete value of type target. Expressions are
// substituted and parsed; lists and objects are resolved element-wise with
// their element type left as is. Other values pass through unchanged.
func Resolve(v Value, env Environment, target Type) (Value, error) {
	switch v.kind {
	case TypeExpression:
		text, err := Substitute(v.s, env)
		if err != nil {
			return Value{}, err
		}
		if target == TypeUndefined || target == TypeExpression {
			target = TypeString
		}
		return Parse(text, target)
	case TypeList:
		items := make([]Value, len(v.list))
		for i, item := range v.list {
			r, err := Resolve(item, env, item.kind)
			if err != nil {
				return Value{}, err
			}
			items[i] = r
		}
		return List(items...), nil
	case TypeObject:
		obj := NewObject()
		var err error
		v.obj.Range(func(name string, item Value) bool {
			var r Value
			r, err = Resolve(item, env, item.kind)
			if err != nil {
				return false
			}
			obj.Set(name, r)
			return true
		})
		if err != nil {
			return Value{}, err
		}
		return Value{kind: TypeObject, obj: obj}, nil
	}
	return v, nil
}

// Parse converts text into a scalar of type target.
func Parse(text string, target Type) (Value, error) {
	s := String(text)
	switch target {
	case TypeString:
		return s, nil
	case TypeBoolean:
		b, err := s.AsBool()
		if err != nil {
			return Value{}, parseErr(text, target)
		}
		return Bool(b), nil
	case TypeInt, TypeLong:
		n, err := numberValue(strings.TrimSpace(text))
		if err != nil {
			return Value{}, parseErr(text, target)
		}
		return Convert(n, target)
	case TypeDecimal:
		d, err := DecimalFromString(text)
		if err != nil {
			return Value{}, parseErr(text, target)
		}
		return d, nil
	}
	return Value{}, parseErr(text, target)
}

func parseErr(text string, target Type) error {
	return mgmterrors.Validation(mgmterrors.CodeTypeMismatch,
		"cannot parse %q as %s", text, target)
}

// Convert performs lossless numeric conversion of v to target.
// Values already of type target are returned unchanged.
func Convert(v Value, target Type) (Value, error) {
	if v.kind == target {
		return v, nil
	}
	switch target {
	case TypeInt:
		n, err := v.AsInt()
		if err != nil || !v.kind.IsNumeric() {
			return Value{}, mismatch(v, target)
		}
		return Int(n), nil
	case TypeLong:
		n, err := v.AsLong()
		if err != nil || !v.kind.IsNumeric() {
			return Value{}, mismatch(v, target)
		}
		return Long(n), nil
	case TypeDecimal:
		d, err := v.AsDecimal()
		if err != nil {
			return Value{}, err
		}
		return Decimal(d), nil
	}
	return Value{}, mismatch(v, target)
}
