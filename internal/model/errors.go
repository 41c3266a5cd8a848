package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyTerminal = errors.New("task already finished")
	ErrNotFinished     = errors.New("task not finished")
	ErrTaskInProgress  = errors.New("task in progress")
	ErrQueueFull       = errors.New("task queue is full")
)

// NotFoundError reports an unknown simulator, task or history record.
type NotFoundError struct {
	Kind string
	ID   string
}

func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

func (e *NotFoundError) Error() string {
	return e.Kind + " " + strconv.Quote(e.ID) + ": " + ErrNotFound.Error()
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// Constraint codes used in Violation.Constraint
const (
	ConstraintRequired    = "required"
	ConstraintType        = "type"
	ConstraintMin         = "min"
	ConstraintMax         = "max"
	ConstraintEnum        = "enum"
	ConstraintPattern     = "pattern"
	ConstraintUnknown     = "unknown_field"
	ConstraintUnique      = "unique"
	ConstraintPrereq      = "prerequisite"
	ConstraintMaxCells    = "max_cells"
	ConstraintThermal     = "thermal_budget"
	ConstraintConsistency = "physical_consistency"
)

// Violation is a single failed constraint. Bound holds the limit which was
// violated (a number for ranges, a list for enumerations), if any.
type Violation struct {
	Field      string `json:"field"`
	Value      any    `json:"value,omitempty"`
	Constraint string `json:"constraint"`
	Bound      any    `json:"bound,omitempty"`
	Message    string `json:"message"`
}

func (v Violation) String() string {
	return v.Field + ": " + v.Message
}

// ValidationError carries every violation found by a single validation call.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Violations) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.String())
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Field returns the first violation of a given field.
func (e *ValidationError) Field(name string) (Violation, bool) {
	for _, v := range e.Violations {
		if v.Field == name {
			return v, true
		}
	}
	return Violation{}, false
}

// Invalid returns a ValidationError with a single violation.
func Invalid(field string, value any, constraint string, bound any, format string, args ...any) *ValidationError {
	return &ValidationError{Violations: []Violation{{
		Field:      field,
		Value:      value,
		Constraint: constraint,
		Bound:      bound,
		Message:    fmt.Sprintf(format, args...),
	}}}
}

// EngineError is a failure reported by the computation engine. Message is
// kept verbatim.
type EngineError struct {
	Step    string
	Message string
}

func (e *EngineError) Error() string {
	return e.Message
}
