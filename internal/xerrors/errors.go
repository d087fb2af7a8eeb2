// Package xerrors is the structured error type shared across the execution
// core: every failure a node or the scheduler produces carries one of the
// Code constants below, so callers can branch on kind with errors.As without
// parsing messages.
package xerrors

import (
	"errors"
	"fmt"
)

// Error codes, one per kind in the error taxonomy.
const (
	CodeInvalidGraph       = "INVALID_GRAPH"
	CodeComponentLoad      = "COMPONENT_LOAD"
	CodeInputResolution    = "INPUT_RESOLUTION"
	CodeComponentExecution = "COMPONENT_EXECUTION"
	CodeTimeout            = "TIMEOUT"
	CodeCancelled          = "CANCELLED"
	CodeInvalidOutput      = "INVALID_OUTPUT"
)

// HostError codes, nested under CodeComponentExecution.
const (
	HostInstantiation  = "INSTANTIATION"
	HostTrap           = "TRAP"
	HostComponentError = "COMPONENT_ERROR"
)

// Error is the structured error type for the execution core.
type Error struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
	NodeID   string         `json:"node_id,omitempty"`
	HostCode string         `json:"host_code,omitempty"`
	Cause    error          `json:"-"`
}

func (e *Error) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new Error.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a new Error with a formatted message.
func Newf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *Error) WithNode(nodeID string) *Error {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// WithHostCode attaches a HostError sub-code (Instantiation / Trap /
// ComponentError) to a CodeComponentExecution error.
func (e *Error) WithHostCode(code string) *Error {
	e.HostCode = code
	return e
}

// InvalidGraph builds a terminal graph-validation error.
func InvalidGraph(format string, args ...any) *Error {
	return Newf(CodeInvalidGraph, format, args...)
}

// ComponentLoad builds a per-node component load/compile error.
func ComponentLoad(nodeID, format string, args ...any) *Error {
	return Newf(CodeComponentLoad, format, args...).WithNode(nodeID)
}

// InputResolution builds a per-node template/coercion error.
func InputResolution(nodeID, msg string) *Error {
	return New(CodeInputResolution, msg).WithNode(nodeID)
}

// ComponentExecution wraps a HostError under a node.
func ComponentExecution(nodeID, hostCode, msg string) *Error {
	return New(CodeComponentExecution, msg).WithNode(nodeID).WithHostCode(hostCode)
}

// Timeout builds a per-node timeout error, derived from an epoch trap.
func Timeout(nodeID string) *Error {
	return New(CodeTimeout, "node exceeded its timeout").WithNode(nodeID)
}

// Cancelled builds the whole-execution cancellation error.
func Cancelled() *Error {
	return New(CodeCancelled, "execution cancelled")
}

// InvalidOutput builds a per-node malformed-output error.
func InvalidOutput(nodeID, msg string) *Error {
	return New(CodeInvalidOutput, msg).WithNode(nodeID)
}

// IsCode reports whether err is an *Error with the given code.
func IsCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
