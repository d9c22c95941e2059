// Package kernel implements the orchestration kernel of the Decisio platform.
// It sequences decision pipeline stages per submitted goal, tracks run state,
// applies retry policy, and records every transition in the decision ledger.
package kernel

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and admission logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary stage failure that may succeed on retry.
	// Examples: collaborator timeouts, temporary dependency unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates admission was rejected because the tenant is at
	// its concurrency cap. Retriable by the client after backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassTerminal indicates a non-recoverable stage failure.
	// Examples: invalid input, constraint violation, collaborator rejection.
	ErrorClassTerminal ErrorClass = "terminal"

	// ErrorClassInvalid indicates a caller error that is never retried.
	// Examples: malformed goal, illegal state transition.
	ErrorClassInvalid ErrorClass = "invalid"

	// ErrorClassLedger indicates a ledger commit failure. A commit must succeed
	// before a transition is durable; the run stalls rather than progressing.
	ErrorClassLedger ErrorClass = "ledger"
)

// Error represents a classified kernel error with context.
type Error struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// RunID is the run that caused the error, if applicable.
	RunID string `json:"run_id,omitempty"`

	// Stage is the pipeline stage being executed when the error occurred.
	Stage StageKind `json:"stage,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.RunID != "" && e.Stage != "" {
		return fmt.Sprintf("[%s] %s (run=%s, stage=%s): %s",
			e.Class, e.Message, e.RunID, e.Stage, e.unwrapMessage())
	}
	if e.RunID != "" {
		return fmt.Sprintf("[%s] %s (run=%s): %s",
			e.Class, e.Message, e.RunID, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// unwrapMessage returns the error message from the underlying error chain.
func (e *Error) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient stage error.
func NewTransientError(message string, err error) *Error {
	return &Error{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewTerminalError creates a new terminal stage error.
func NewTerminalError(message string, err error) *Error {
	return &Error{
		Class:   ErrorClassTerminal,
		Message: message,
		Err:     err,
	}
}

// NewThrottledError creates a new admission throttling error.
func NewThrottledError(message string) *Error {
	return &Error{
		Class:   ErrorClassThrottled,
		Message: message,
		Code:    ErrCodeThrottled,
	}
}

// NewInvalidGoalError creates a caller error for a goal that failed validation.
func NewInvalidGoalError(message string, err error) *Error {
	return &Error{
		Class:   ErrorClassInvalid,
		Message: message,
		Code:    ErrCodeInvalidGoal,
		Err:     err,
	}
}

// NewInvalidTransitionError creates a caller error for an illegal state transition.
func NewInvalidTransitionError(from, to RunStatus) *Error {
	return &Error{
		Class:   ErrorClassInvalid,
		Message: fmt.Sprintf("transition %s -> %s is not legal", from, to),
		Code:    ErrCodeInvalidTransition,
	}
}

// NewLedgerError creates an error for a failed ledger commit.
func NewLedgerError(message string, err error) *Error {
	return &Error{
		Class:   ErrorClassLedger,
		Message: message,
		Code:    ErrCodeLedgerCommit,
		Err:     err,
	}
}

// WithRun adds run context to an error.
func (e *Error) WithRun(runID string) *Error {
	e.RunID = runID
	return e
}

// WithStage adds stage context to an error.
func (e *Error) WithStage(stage StageKind) *Error {
	e.Stage = stage
	return e
}

// WithCode adds an error code to an error.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsTerminal returns true if the error is classified as terminal.
func IsTerminal(err error) bool {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Class == ErrorClassTerminal
	}
	return false
}

// IsInvalid returns true if the error is a caller error.
func IsInvalid(err error) bool {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Class == ErrorClassInvalid
	}
	return false
}

// IsLedger returns true if the error is a ledger commit failure.
func IsLedger(err error) bool {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Class == ErrorClassLedger
	}
	return false
}

// IsRetryable returns true if the stage error can be retried.
// Only transient errors are retried; terminal and caller errors never are.
func IsRetryable(err error) bool {
	return IsTransient(err)
}

// Common error codes.
const (
	ErrCodeThrottled         = "THROTTLED"
	ErrCodeInvalidGoal       = "INVALID_GOAL"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeRetriesExhausted  = "RETRIES_EXHAUSTED"
	ErrCodeLedgerCommit      = "LEDGER_COMMIT_FAILED"
	ErrCodeInfeasible        = "INFEASIBLE"
	ErrCodeCollaborator      = "COLLABORATOR_FAILED"
	ErrCodeInternal          = "INTERNAL_ERROR"
)
