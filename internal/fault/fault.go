// Package fault defines the machine-readable error taxonomy shared by the
// submission, worker and reaper services. Every user-visible failure is a
// *Error carrying a reason code; raw error text from stores and drivers
// never escapes to responses.
package fault

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Reason is a short machine-readable error tag. Terminal reasons are also
// persisted on the run row as last_error_reason.
type Reason string

const (
	ReasonInvalidMoneyScale   Reason = "INVALID_MONEY_SCALE"
	ReasonValidationFailed    Reason = "VALIDATION_FAILED"
	ReasonAuthInvalid         Reason = "AUTH_INVALID"
	ReasonBudgetDrained       Reason = "BUDGET_DRAINED"
	ReasonIdempotencyConflict Reason = "IDEMPOTENCY_CONFLICT"
	ReasonIdempotencyRetry    Reason = "IDEMPOTENCY_RETRY"
	ReasonQueueEnqueueFailed  Reason = "QUEUE_ENQUEUE_FAILED"
	ReasonRateLimited         Reason = "RATE_LIMITED"
	ReasonRunNotFound         Reason = "RUN_NOT_FOUND"
	ReasonRunExpired          Reason = "RUN_EXPIRED"
	ReasonInternal            Reason = "INTERNAL"

	// Terminal run failure reasons.
	ReasonExecutorTimeout    Reason = "EXECUTOR_TIMEOUT"
	ReasonWorkerTimeout      Reason = "WORKER_TIMEOUT"
	ReasonReservationExpired Reason = "RESERVATION_EXPIRED"
	ReasonResultUploadFailed Reason = "RESULT_UPLOAD_FAILED"
	ReasonReconcileNoResult  Reason = "RECONCILE_NO_RESULT"
)

// statusByReason maps each reason to its HTTP surface. Terminal reasons are
// reported inside poll bodies, not as response statuses, so they map to 200.
var statusByReason = map[Reason]int{
	ReasonInvalidMoneyScale:   http.StatusUnprocessableEntity,
	ReasonValidationFailed:    http.StatusBadRequest,
	ReasonAuthInvalid:         http.StatusUnauthorized,
	ReasonBudgetDrained:       http.StatusPaymentRequired,
	ReasonIdempotencyConflict: http.StatusConflict,
	ReasonIdempotencyRetry:    http.StatusConflict,
	ReasonQueueEnqueueFailed:  http.StatusServiceUnavailable,
	ReasonRateLimited:         http.StatusTooManyRequests,
	ReasonRunNotFound:         http.StatusNotFound,
	ReasonRunExpired:          http.StatusGone,
	ReasonInternal:            http.StatusInternalServerError,
}

// Error is the single error type surfaced across service boundaries.
type Error struct {
	Reason     Reason
	Message    string
	RunID      string
	RetryAfter time.Duration

	cause error
}

// New creates an Error with the given reason and message.
func New(reason Reason, message string) *Error {
	return &Error{Reason: reason, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(reason Reason, format string, args ...interface{}) *Error {
	return &Error{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a reason and message to an underlying cause. The cause is
// available to errors.Is/As chains but is never rendered to clients.
func Wrap(cause error, reason Reason, message string) *Error {
	return &Error{Reason: reason, Message: message, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Status returns the HTTP status for the error's reason, defaulting to 500.
func (e *Error) Status() int {
	if s, ok := statusByReason[e.Reason]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// As extracts a *Error from an error chain.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// StatusOf returns the HTTP status for any error; unknown errors map to 500.
func StatusOf(err error) int {
	if fe, ok := As(err); ok {
		return fe.Status()
	}
	return http.StatusInternalServerError
}

// ReasonOf returns the reason for any error; unknown errors map to INTERNAL.
func ReasonOf(err error) Reason {
	if fe, ok := As(err); ok {
		return fe.Reason
	}
	return ReasonInternal
}
