// Package errs defines the normalized error shape shared by every planrun component.
package errs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Code is a stable, machine-readable error identifier.
type Code string

// Plan errors.
const (
	PlanInvalid Code = "PLAN_INVALID"
)

// Budget errors. All of them are terminal for the run.
const (
	BudgetSteps         Code = "BUDGET_STEPS"
	BudgetToolCalls     Code = "BUDGET_TOOL_CALLS"
	BudgetLatency       Code = "BUDGET_LATENCY"
	BudgetCost          Code = "BUDGET_COST"
	BudgetModelUpgrades Code = "BUDGET_MODEL_UPGRADES"
)

// Outbound policy errors. Never retryable.
const (
	OutboundIPLiteralForbidden    Code = "OUTBOUND_IP_LITERAL_FORBIDDEN"
	OutboundPrivateAddressBlocked Code = "OUTBOUND_PRIVATE_ADDRESS_BLOCKED"
	OutboundNotAllowed            Code = "OUTBOUND_NOT_ALLOWED"
	OutboundSchemeNotAllowed      Code = "OUTBOUND_SCHEME_NOT_ALLOWED"
	OutboundCredentialsForbidden  Code = "OUTBOUND_CREDENTIALS_FORBIDDEN"
	OutboundRedirectBlocked       Code = "OUTBOUND_REDIRECT_BLOCKED"
	OutboundResponseTooLarge      Code = "OUTBOUND_RESPONSE_TOO_LARGE"
	OutboundPayloadTooLarge       Code = "OUTBOUND_PAYLOAD_TOO_LARGE"
)

// Runtime errors.
const (
	RateLimit        Code = "RATE_LIMIT"
	ProviderError    Code = "PROVIDER_ERROR"
	OutputContract   Code = "OUTPUT_CONTRACT"
	ToolNotAllowed   Code = "TOOL_NOT_ALLOWED"
	ToolArgsInvalid  Code = "TOOL_ARGS_INVALID"
	ToolFailed       Code = "TOOL_FAILED"
	TaskTimeout      Code = "TASK_TIMEOUT"
	DependencyFailed Code = "DEPENDENCY_FAILED"
	Cancelled        Code = "CANCELLED"
	RunNotFound      Code = "RUN_NOT_FOUND"
	WaitTimeout      Code = "WAIT_TIMEOUT"
	Internal         Code = "INTERNAL"
)

// Suggested actions a caller can branch on.
const (
	ActionRetry        = "retry"
	ActionUpgrade      = "upgrade"
	ActionResubmit     = "resubmit"
	ActionFixPlan      = "fix_plan"
	ActionFixAllowlist = "fix_allowlist"
)

// Error is the normalized failure attached to logs and Run.Error.
type Error struct {
	Code            Code      `json:"code"`
	Message         string    `json:"message"`
	Retryable       bool      `json:"retryable"`
	SuggestedAction string    `json:"suggested_action,omitempty"`
	At              time.Time `json:"at"`
	Status          int       `json:"status,omitempty"`

	cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches another *Error by code so errors.Is(err, &Error{Code: X}) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithAction returns a copy of e carrying the suggested action.
func (e *Error) WithAction(action string) *Error {
	cp := *e
	cp.SuggestedAction = action
	return &cp
}

// WithRetryable returns a copy of e with the retryable flag set.
func (e *Error) WithRetryable(retryable bool) *Error {
	cp := *e
	cp.Retryable = retryable
	return &cp
}

// WithStatus returns a copy of e carrying an upstream status code.
func (e *Error) WithStatus(status int) *Error {
	cp := *e
	cp.Status = status
	return &cp
}

// Clone returns a detached copy. A nil receiver yields nil.
func (e *Error) Clone() *Error {
	if e == nil {
		return nil
	}
	cp := *e
	return &cp
}

// New creates a non-retryable error with the default action for its code.
func New(code Code, message string) *Error {
	return &Error{
		Code:            code,
		Message:         message,
		Retryable:       code == RateLimit,
		SuggestedAction: defaultAction(code),
		At:              time.Now().UTC(),
	}
}

// Newf is New with formatting.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates an error of the given code that unwraps to err.
func Wrap(code Code, err error, message string) *Error {
	e := New(code, message)
	if err != nil {
		if message == "" {
			e.Message = err.Error()
		} else {
			e.Message = message + ": " + err.Error()
		}
	}
	e.cause = err
	return e
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the code of err, or empty when err is not normalized.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether err is a normalized retryable error.
func IsRetryable(err error) bool {
	e, ok := As(err)
	return ok && e.Retryable
}

// Normalize converts any error into an *Error. Context errors map to CANCELLED
// unless the context cause is itself normalized.
func Normalize(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := As(err); ok {
		return e
	}
	switch {
	case errors.Is(err, context.Canceled):
		return Wrap(Cancelled, err, "")
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(Cancelled, err, "deadline exceeded")
	default:
		return Wrap(Internal, err, "")
	}
}

func defaultAction(code Code) string {
	switch code {
	case PlanInvalid:
		return ActionFixPlan
	case RateLimit:
		return ActionRetry
	case BudgetSteps, BudgetToolCalls, BudgetLatency, BudgetCost, BudgetModelUpgrades:
		return ActionResubmit
	case OutboundNotAllowed, ToolNotAllowed:
		return ActionFixAllowlist
	default:
		return ""
	}
}
