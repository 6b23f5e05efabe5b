package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that are reported but do not block.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that deny the operation.
	SeverityError Severity = "error"

	// SeverityCritical is for violations that deny the operation and must be
	// addressed immediately.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity denies the operation.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is an admission rule written in Rego. The module must define a
// "deny" set whose members are messages or objects with "message" and
// optionally "severity".
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego module.
	Rego string `json:"rego"`

	// Severity is the default severity of the policy's violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is evaluated.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with the engine. Loading files never
	// replaces them.
	Builtin bool `json:"builtin,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`
}

// Violation is one denial or warning produced by a policy.
type Violation struct {
	Policy   string   `json:"policy"`
	Address  string   `json:"address,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Evaluation is the outcome of evaluating every enabled policy against one
// operation.
type Evaluation struct {
	// Allowed is false when any violation blocks.
	Allowed bool `json:"allowed"`

	// Violations lists the blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists violations that do not block.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Input is the document policies see as "input".
type Input struct {
	Operation OperationInput `json:"operation"`

	// Target is the resource the operation addresses.
	Target ResourceInput `json:"target"`

	// Parent is the parent of the target, absent for top-level resources.
	Parent *ResourceInput `json:"parent,omitempty"`
}

// OperationInput describes the operation under admission.
type OperationInput struct {
	ID      string                 `json:"id,omitempty"`
	Type    string                 `json:"type"`
	Address string                 `json:"address"`
	Version string                 `json:"version,omitempty"`
	Payload map[string]interface{} `json:"payload"`
}

// ResourceInput describes a resource of the committed tree.
type ResourceInput struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Address string `json:"address"`

	// Exists is false when the resource is not in the committed tree.
	Exists bool `json:"exists"`

	// Attributes holds the committed attributes when Exists is true.
	Attributes map[string]interface{} `json:"attributes"`
}
