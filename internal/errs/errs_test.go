package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DefaultsByCode(t *testing.T) {
	tests := []struct {
		code      Code
		retryable bool
		action    string
	}{
		{PlanInvalid, false, ActionFixPlan},
		{RateLimit, true, ActionRetry},
		{BudgetSteps, false, ActionResubmit},
		{BudgetLatency, false, ActionResubmit},
		{ToolNotAllowed, false, ActionFixAllowlist},
		{OutboundNotAllowed, false, ActionFixAllowlist},
		{OutboundPrivateAddressBlocked, false, ""},
		{Internal, false, ""},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			e := New(tt.code, "boom")
			assert.Equal(t, tt.retryable, e.Retryable)
			assert.Equal(t, tt.action, e.SuggestedAction)
			assert.False(t, e.At.IsZero())
			assert.Equal(t, string(tt.code)+": boom", e.Error())
		})
	}
}

func TestWithMethodsCopy(t *testing.T) {
	orig := New(ProviderError, "overloaded")
	up := orig.WithAction(ActionUpgrade).WithRetryable(true).WithStatus(529)

	assert.Empty(t, orig.SuggestedAction)
	assert.False(t, orig.Retryable)
	assert.Zero(t, orig.Status)
	assert.Equal(t, ActionUpgrade, up.SuggestedAction)
	assert.True(t, up.Retryable)
	assert.Equal(t, 529, up.Status)
}

func TestWrapAndAs(t *testing.T) {
	base := errors.New("connection reset")
	e := Wrap(ToolFailed, base, "fetch")
	assert.Equal(t, "fetch: connection reset", e.Message)
	assert.ErrorIs(t, e, base)

	outer := fmt.Errorf("task a: %w", e)
	got, ok := As(outer)
	require.True(t, ok)
	assert.Equal(t, ToolFailed, got.Code)
	assert.Equal(t, ToolFailed, CodeOf(outer))
	assert.True(t, errors.Is(outer, &Error{Code: ToolFailed}))
	assert.False(t, errors.Is(outer, &Error{Code: Internal}))

	assert.Equal(t, Code(""), CodeOf(base))
	assert.True(t, IsRetryable(New(RateLimit, "slow down")))
	assert.False(t, IsRetryable(base))
}

func TestNormalize(t *testing.T) {
	assert.Nil(t, Normalize(nil))

	typed := New(BudgetCost, "over budget")
	assert.Same(t, typed, Normalize(fmt.Errorf("wrapped: %w", typed)))

	assert.Equal(t, Cancelled, Normalize(context.Canceled).Code)
	assert.Equal(t, Cancelled, Normalize(context.DeadlineExceeded).Code)

	plain := Normalize(errors.New("nil pointer"))
	assert.Equal(t, Internal, plain.Code)
	assert.False(t, plain.Retryable)
}

func TestClone(t *testing.T) {
	var nilErr *Error
	assert.Nil(t, nilErr.Clone())

	e := New(PlanInvalid, "cycle")
	cp := e.Clone()
	cp.Message = "changed"
	assert.Equal(t, "cycle", e.Message)
}
