package schema

import (
	"errors"
	"fmt"
	"slices"

	"github.com/go-playground/validator/v10"

	mgmterrors "github.com/cachegrid/cachemgmt/pkg/errors"
	"github.com/cachegrid/cachemgmt/pkg/value"
)

// Mutability describes what happens when an attribute is written.
type Mutability int

const (
	// ReadOnly attributes reject writes.
	ReadOnly Mutability = iota
	// RequiresReload changes take effect on the next server reload.
	RequiresReload
	// RequiresRestart changes take effect when the resource's services and
	// their dependents are restarted.
	RequiresRestart
	// Immediate changes are applied to running services at once.
	Immediate
)

// String returns the mutability name.
func (m Mutability) String() string {
	switch m {
	case ReadOnly:
		return "read-only"
	case RequiresReload:
		return "reload-required"
	case RequiresRestart:
		return "restart-required"
	case Immediate:
		return "immediate"
	}
	return fmt.Sprintf("Mutability(%d)", int(m))
}

// ValidatorFunc performs custom validation after the built-in checks pass.
type ValidatorFunc func(v value.Value) error

// AttributeDefinition declares one attribute of a resource type.
type AttributeDefinition struct {
	Name        string
	Description string
	Type        value.Type
	// ElementType constrains list elements when Type is TypeList.
	ElementType value.Type
	Nullable    bool
	Mutability  Mutability
	Default     value.Value
	// Constraint is a validator tag such as "min=1,max=1024".
	Constraint string
	Allowed    []string
	Validator  ValidatorFunc
	// Since and Until bound the versions in which the attribute exists:
	// present for Since <= v < Until. Zero values are unbounded.
	Since Version
	Until Version
	// RejectExpressions disables ${...} values for this scalar attribute.
	RejectExpressions bool
	// Alias attributes are computed by handlers and never stored.
	Alias bool
	Unit  string
}

// PresentIn reports whether the attribute exists at version v.
func (d *AttributeDefinition) PresentIn(v Version) bool {
	if !d.Since.IsZero() && v.Less(d.Since) {
		return false
	}
	if !d.Until.IsZero() && !v.Less(d.Until) {
		return false
	}
	return true
}

// AcceptsExpressions reports whether the attribute may hold an unresolved expression.
func (d *AttributeDefinition) AcceptsExpressions() bool {
	return !d.RejectExpressions && d.Type.IsScalar()
}

// Required reports whether the attribute must always hold a value.
func (d *AttributeDefinition) Required() bool {
	return !d.Nullable && !d.Default.IsDefined()
}

var validate = validator.New()

// Validate checks v against def. Expressions skip the type and constraint
// checks; they are resolved and checked when the runtime phase applies them.
func Validate(v value.Value, def *AttributeDefinition) error {
	if !v.IsDefined() {
		if def.Required() {
			return violation(def, "attribute %s is required", def.Name)
		}
		return nil
	}

	if v.IsExpression() {
		if !def.AcceptsExpressions() {
			return mismatch(def, v)
		}
		return nil
	}

	if !assignable(v.Type(), def.Type) {
		return mismatch(def, v)
	}

	if def.Type == value.TypeList && def.ElementType != value.TypeUndefined {
		for i, item := range v.AsList() {
			if item.IsExpression() && def.ElementType.IsScalar() {
				continue
			}
			if !assignable(item.Type(), def.ElementType) {
				return mgmterrors.Validation(mgmterrors.CodeTypeMismatch,
					"attribute %s: element %d is %s, expected %s", def.Name, i, item.Type(), def.ElementType).
					WithDetail("attribute", def.Name)
			}
		}
	}

	if len(def.Allowed) > 0 && !slices.Contains(def.Allowed, v.AsString()) {
		return violation(def, "attribute %s: %s is not one of %v", def.Name, v, def.Allowed)
	}

	if def.Constraint != "" {
		if err := validate.Var(constraintInput(v), def.Constraint); err != nil {
			var verrs validator.ValidationErrors
			tag := def.Constraint
			if errors.As(err, &verrs) && len(verrs) > 0 {
				tag = verrs[0].ActualTag()
				if p := verrs[0].Param(); p != "" {
					tag += "=" + p
				}
			}
			return violation(def, "attribute %s: %s violates %s", def.Name, v, tag).
				WithDetail("constraint", def.Constraint)
		}
	}

	if def.Validator != nil {
		if err := def.Validator(v); err != nil {
			if mgmterrors.IsValidation(err) {
				return err
			}
			return violation(def, "attribute %s: %v", def.Name, err)
		}
	}
	return nil
}

// Coerce validates v and widens integral values to the declared type.
func Coerce(v value.Value, def *AttributeDefinition) (value.Value, error) {
	if err := Validate(v, def); err != nil {
		return value.Value{}, err
	}
	if !v.IsDefined() || v.IsExpression() || v.Type() == def.Type {
		return v, nil
	}
	return value.Convert(v, def.Type)
}

// assignable reports whether a value of type got may be stored as want.
func assignable(got, want value.Type) bool {
	if got == want {
		return true
	}
	switch want {
	case value.TypeLong:
		return got == value.TypeInt
	case value.TypeDecimal:
		return got == value.TypeInt || got == value.TypeLong
	}
	return false
}

// constraintInput maps a value to the Go type the validator tags expect:
// numbers compare by magnitude, strings and lists by length.
func constraintInput(v value.Value) interface{} {
	switch v.Type() {
	case value.TypeInt, value.TypeLong:
		n, _ := v.AsLong()
		return n
	case value.TypeDecimal:
		return v.Interface()
	case value.TypeBoolean:
		b, _ := v.AsBool()
		return b
	case value.TypeList:
		return v.Interface()
	case value.TypeObject:
		return v.Interface()
	}
	return v.AsString()
}

func mismatch(def *AttributeDefinition, v value.Value) *mgmterrors.Error {
	return mgmterrors.Validation(mgmterrors.CodeTypeMismatch,
		"attribute %s expects %s, got %s", def.Name, def.Type, v.Type()).
		WithDetail("attribute", def.Name)
}

func violation(def *AttributeDefinition, format string, args ...interface{}) *mgmterrors.Error {
	return mgmterrors.Validation(mgmterrors.CodeConstraintViolation, format, args...).
		WithDetail("attribute", def.Name)
}
