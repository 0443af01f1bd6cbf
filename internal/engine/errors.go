package engine

import (
	"errors"
	"fmt"

	"scriptflow/internal/gate"
	"scriptflow/pkg/rules"
)

// Sentinel errors for typed error checking at the API boundary.
var (
	ErrInvalidRequest   = errors.New("invalid execution request")
	ErrCapacity         = errors.New("execution capacity exhausted")
	ErrSecurityRejected = errors.New("security gate rejected code")
	ErrStopped          = errors.New("engine stopped")
	ErrTimeout          = errors.New("execution timed out")
	ErrMemoryLimit      = errors.New("memory limit exceeded")
)

// SecurityError carries the gate's verdict back to the submit caller.
// No execution record is created for these.
type SecurityError struct {
	Verdict      gate.Verdict
	Reason       string
	Severity     rules.Severity
	QuarantineID string
	Errors       []string
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("security gate %s code: %s (severity %s)", e.Verdict, e.Reason, e.Severity)
}

func (e *SecurityError) Unwrap() error {
	return ErrSecurityRejected
}

// ExecutionError wraps errors with execution context.
type ExecutionError struct {
	ExecID string
	Op     string
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.ExecID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsCapacity returns true if the error means the caller should retry later.
func IsCapacity(err error) bool {
	return errors.Is(err, ErrCapacity)
}

// IsSecurityRejection returns true if the gate refused the code.
func IsSecurityRejection(err error) bool {
	return errors.Is(err, ErrSecurityRejected)
}
