// Package errors provides the classified error type shared by every layer of the
// management model: schema validation, the configuration tree, the operation
// pipeline, the service reconciler and the version transformers.
//
// Errors carry a Class (how the pipeline must react) and a Code (what exactly
// went wrong). errors.Is matches on class and code, so the exported sentinels can
// be used directly:
//
//	if errors.Is(err, mgmterrors.ErrNotFound) { ... }
package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Class represents the classification of an error for propagation and rollback logic.
type Class string

const (
	// ClassValidation indicates a bad payload. Never retried, surfaced verbatim.
	ClassValidation Class = "validation"

	// ClassAddress indicates a caller logic error about resource addresses
	// (duplicate, missing, or invalid parent).
	ClassAddress Class = "address"

	// ClassRuntime indicates a service failed to start, stop or verify.
	// Triggers rollback of the model change and service recovery.
	ClassRuntime Class = "runtime"

	// ClassTransform indicates a snapshot could not cross a version boundary.
	ClassTransform Class = "transform"

	// ClassDependency indicates an invalid service dependency graph.
	ClassDependency Class = "dependency"

	// ClassInternal indicates a broken invariant inside the engine.
	ClassInternal Class = "internal"
)

// Error codes.
const (
	CodeTypeMismatch         = "TYPE_MISMATCH"
	CodeConstraintViolation  = "CONSTRAINT_VIOLATION"
	CodeUnresolvedExpression = "UNRESOLVED_EXPRESSION"
	CodeUnknownAttribute     = "UNKNOWN_ATTRIBUTE"
	CodeReadOnlyAttribute    = "READ_ONLY_ATTRIBUTE"
	CodeInvalidOperation     = "INVALID_OPERATION"
	CodeAdmissionDenied      = "ADMISSION_DENIED"
	CodeDuplicateAddress     = "DUPLICATE_ADDRESS"
	CodeNotFound             = "NOT_FOUND"
	CodeInvalidParent        = "INVALID_PARENT"
	CodeHasChildren          = "HAS_CHILDREN"
	CodeStartFailed          = "START_FAILED"
	CodeStartTimeout         = "START_TIMEOUT"
	CodeVerificationTimeout  = "VERIFICATION_TIMEOUT"
	CodeMissingDependency    = "MISSING_DEPENDENCY"
	CodeNoTransformerChain   = "NO_TRANSFORMER_CHAIN"
	CodeUnknownVersion       = "UNKNOWN_VERSION"
	CodeDependencyCycle      = "DEPENDENCY_CYCLE"
	CodeTransactionClosed    = "TRANSACTION_CLOSED"
	CodeInternal             = "INTERNAL_ERROR"
)

// Sentinels for errors.Is checks. Only Class and Code take part in matching.
var (
	ErrTypeMismatch         = &Error{Class: ClassValidation, Code: CodeTypeMismatch}
	ErrConstraintViolation  = &Error{Class: ClassValidation, Code: CodeConstraintViolation}
	ErrUnresolvedExpression = &Error{Class: ClassValidation, Code: CodeUnresolvedExpression}
	ErrUnknownAttribute     = &Error{Class: ClassValidation, Code: CodeUnknownAttribute}
	ErrReadOnlyAttribute    = &Error{Class: ClassValidation, Code: CodeReadOnlyAttribute}
	ErrInvalidOperation     = &Error{Class: ClassValidation, Code: CodeInvalidOperation}
	ErrAdmissionDenied      = &Error{Class: ClassValidation, Code: CodeAdmissionDenied}
	ErrDuplicateAddress     = &Error{Class: ClassAddress, Code: CodeDuplicateAddress}
	ErrNotFound             = &Error{Class: ClassAddress, Code: CodeNotFound}
	ErrInvalidParent        = &Error{Class: ClassAddress, Code: CodeInvalidParent}
	ErrHasChildren          = &Error{Class: ClassAddress, Code: CodeHasChildren}
	ErrStartFailed          = &Error{Class: ClassRuntime, Code: CodeStartFailed}
	ErrStartTimeout         = &Error{Class: ClassRuntime, Code: CodeStartTimeout}
	ErrVerificationTimeout  = &Error{Class: ClassRuntime, Code: CodeVerificationTimeout}
	ErrMissingDependency    = &Error{Class: ClassDependency, Code: CodeMissingDependency}
	ErrNoTransformerChain   = &Error{Class: ClassTransform, Code: CodeNoTransformerChain}
	ErrUnknownVersion       = &Error{Class: ClassTransform, Code: CodeUnknownVersion}
	ErrDependencyCycle      = &Error{Class: ClassDependency, Code: CodeDependencyCycle}
	ErrTransactionClosed    = &Error{Class: ClassInternal, Code: CodeTransactionClosed}
)

// Error represents a classified management error with context.
type Error struct {
	// Class is the error classification.
	Class Class `json:"class"`

	// Code identifies the exact failure.
	Code string `json:"code"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Address is the resource address involved, if any.
	Address string `json:"address,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString("[")
	sb.WriteString(string(e.Class))
	if e.Code != "" {
		sb.WriteString("/")
		sb.WriteString(e.Code)
	}
	sb.WriteString("] ")
	sb.WriteString(e.Message)

	ctx := make([]string, 0, 2)
	if e.Address != "" {
		ctx = append(ctx, "address="+e.Address)
	}
	if e.Operation != "" {
		ctx = append(ctx, "operation="+e.Operation)
	}
	if len(ctx) > 0 {
		sb.WriteString(" (")
		sb.WriteString(strings.Join(ctx, ", "))
		sb.WriteString(")")
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// WithAddress adds resource address context to an error.
func (e *Error) WithAddress(address string) *Error {
	e.Address = address
	return e
}

// WithOperation adds operation context to an error.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithDetail adds a detail field to the error context.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// DetailKeys returns the detail keys in sorted order.
func (e *Error) DetailKeys() []string {
	keys := make([]string, 0, len(e.Details))
	for k := range e.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func newError(class Class, code, format string, args ...interface{}) *Error {
	return &Error{
		Class:   class,
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Validation creates a validation-class error.
func Validation(code, format string, args ...interface{}) *Error {
	return newError(ClassValidation, code, format, args...)
}

// Address creates an address-class error.
func Address(code, format string, args ...interface{}) *Error {
	return newError(ClassAddress, code, format, args...)
}

// Runtime creates a runtime-class error wrapping cause.
func Runtime(code string, cause error, format string, args ...interface{}) *Error {
	e := newError(ClassRuntime, code, format, args...)
	e.Err = cause
	return e
}

// Transform creates a transform-class error.
func Transform(code, format string, args ...interface{}) *Error {
	return newError(ClassTransform, code, format, args...)
}

// Dependency creates a dependency-class error.
func Dependency(code, format string, args ...interface{}) *Error {
	return newError(ClassDependency, code, format, args...)
}

// Internal creates an internal-class error wrapping cause.
func Internal(cause error, format string, args ...interface{}) *Error {
	e := newError(ClassInternal, CodeInternal, format, args...)
	e.Err = cause
	return e
}

// ClassOf returns the class of the first *Error in err's chain, or ClassInternal.
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ClassInternal
}

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Descriptor converts any error into an *Error suitable for reporting to callers.
// Errors that are not classified are reported as internal errors.
func Descriptor(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err, "unexpected failure")
}

// IsValidation returns true if the error is classified as a validation error.
func IsValidation(err error) bool {
	return ClassOf(err) == ClassValidation
}

// IsAddress returns true if the error is classified as an address error.
func IsAddress(err error) bool {
	return ClassOf(err) == ClassAddress
}

// IsRuntime returns true if the error is classified as a runtime failure.
func IsRuntime(err error) bool {
	return ClassOf(err) == ClassRuntime
}

// IsTransform returns true if the error is classified as a transform error.
func IsTransform(err error) bool {
	return ClassOf(err) == ClassTransform
}
