// FILE: errors.go
// Package main – Error taxonomy shared by the pipeline.
//
//   • ExecutionBlockedError – the gate denied an order; fatal to that attempt only
//   • ValidationFailure     – risk/profit-floor rejection; signal dropped
//   • TransientAPIError     – timeout / 5xx from a broker or sink; next poll retries
//   • ConfigurationError    – bad credentials or account records; aborts startup
//   • PartialFailure        – some accounts failed mid-cycle; the rest completed
//
// Callers match with errors.As; nothing here is swallowed silently.
package main

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// ExecutionBlockedError is returned by the gate when it denies an order.
type ExecutionBlockedError struct {
	Decision   ExecutionDecision
	Instrument string
	AccountID  string
}

func (e *ExecutionBlockedError) Error() string {
	return fmt.Sprintf("execution blocked: %s (account=%s instrument=%s)", e.Decision.Reason, e.AccountID, e.Instrument)
}

// ValidationFailure is a non-fatal risk rejection.
type ValidationFailure struct {
	Rule   string
	Detail string
}

func (e *ValidationFailure) Error() string {
	return fmt.Sprintf("validation failed [%s]: %s", e.Rule, e.Detail)
}

// TransientAPIError marks a failure that the next poll or cycle retries implicitly.
type TransientAPIError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransientAPIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: transient status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientAPIError) Unwrap() error { return e.Err }

// ConfigurationError is the only error class allowed to abort the process.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// PartialFailure collects per-account errors from one cycle.
type PartialFailure struct {
	Failed map[string]error
}

func (e *PartialFailure) Error() string {
	parts := make([]string, 0, len(e.Failed))
	for id, err := range e.Failed {
		parts = append(parts, fmt.Sprintf("%s: %v", id, err))
	}
	return fmt.Sprintf("partial failure (%d accounts): %s", len(e.Failed), strings.Join(parts, "; "))
}

// Unwrap exposes every account error to errors.Is / errors.As.
func (e *PartialFailure) Unwrap() []error {
	out := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		out = append(out, err)
	}
	return out
}

// IsExecutionBlocked reports whether err carries a gate denial.
func IsExecutionBlocked(err error) bool {
	var eb *ExecutionBlockedError
	return errors.As(err, &eb)
}

// IsTransient reports whether err is worth retrying on the next poll.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientAPIError
	if errors.As(err, &te) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// transientFromStatus classifies an HTTP status; 5xx and 429 are transient.
func transientFromStatus(op string, status int, body string) error {
	err := fmt.Errorf("%s %d: %s", op, status, strings.TrimSpace(body))
	if status >= 500 || status == 429 {
		return &TransientAPIError{Op: op, Status: status, Err: err}
	}
	return err
}
