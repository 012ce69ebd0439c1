package webhook

import (
	"fmt"

	"github.com/storefront/webhooks/internal/pkg/retry"
)

// Code classifies a failed handler run.
type Code string

const (
	CodeTransient Code = "TRANSIENT"
	CodePermanent Code = "PERMANENT"
)

// HandlerError describes why a handler failed.
type HandlerError struct {
	Code    Code
	Message string
	Retries int
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// HandlerResult is the outcome of one handler invocation. It is never stored.
type HandlerResult struct {
	Success bool
	Error   *HandlerError
	// Warnings lists best-effort steps that failed without failing the run.
	Warnings []string
}

// OK returns a successful result.
func OK() HandlerResult {
	return HandlerResult{Success: true}
}

// Transient returns a failed result the sender should retry.
func Transient(msg string, err error, retries int) HandlerResult {
	return HandlerResult{Error: &HandlerError{Code: CodeTransient, Message: msg, Retries: retries, Err: err}}
}

// Permanent returns a failed result that retrying cannot fix.
func Permanent(msg string, err error, retries int) HandlerResult {
	return HandlerResult{Error: &HandlerError{Code: CodePermanent, Message: msg, Retries: retries, Err: err}}
}

// FromRetry converts a failed retry.Result of the named step.
func FromRetry(step string, res retry.Result) HandlerResult {
	msg := fmt.Sprintf("%s: %v", step, res.Err)
	if res.Class == retry.ClassTransient {
		return Transient(msg, res.Err, res.Retries())
	}
	return Permanent(msg, res.Err, res.Retries())
}

// IsTransient reports whether the run failed in a way worth retrying.
func (r HandlerResult) IsTransient() bool {
	return !r.Success && r.Error != nil && r.Error.Code == CodeTransient
}

func (r HandlerResult) warn(format string, args ...any) HandlerResult {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
	return r
}
