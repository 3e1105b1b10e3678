// Package provider defines the contract between the engine and an LLM backend.
package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/metalagman/planrun/internal/errs"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is one tool invocation requested by the model. CallID correlates
// the call with its tool-result message.
type ToolCall struct {
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message is one conversation entry.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolSpec advertises a tool to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Request is one round.
type Request struct {
	RequestID string     `json:"request_id"`
	RunID     string     `json:"run_id"`
	TaskName  string     `json:"task_name"`
	Step      int        `json:"step"`
	Attempt   int        `json:"attempt"`
	Model     string     `json:"model"`
	MaxTokens int        `json:"max_tokens"`
	Tier      int        `json:"tier"`
	Messages  []Message  `json:"messages"`
	Tools     []ToolSpec `json:"tools"`
}

// Usage is token usage for one round.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Response is either a final payload or a set of tool calls.
type Response struct {
	RequestID         string          `json:"request_id"`
	OutputText        *string         `json:"output_text,omitempty"`
	OutputJSON        json.RawMessage `json:"output_json,omitempty"`
	ToolCalls         []ToolCall      `json:"tool_calls,omitempty"`
	Usage             *Usage          `json:"usage,omitempty"`
	ProviderLatencyMS int64           `json:"provider_latency_ms,omitempty"`
	Model             string          `json:"model,omitempty"`
}

// Final reports whether the response ends the task's round loop.
func (r Response) Final() bool {
	return r.OutputText != nil || len(r.OutputJSON) > 0
}

// Payload returns the final payload as JSON. Text output is encoded as a JSON
// string.
func (r Response) Payload() (json.RawMessage, error) {
	if len(r.OutputJSON) > 0 {
		return r.OutputJSON, nil
	}
	if r.OutputText != nil {
		return json.Marshal(*r.OutputText)
	}
	return nil, nil
}

// Adapter is implemented by every backend. Failures should be *errs.Error;
// plain errors are treated as non-retryable PROVIDER_ERROR.
type Adapter interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// AdapterFunc adapts a function to Adapter.
type AdapterFunc func(ctx context.Context, req Request) (Response, error)

// Complete implements Adapter.
func (f AdapterFunc) Complete(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// Retryable returns a retryable provider error.
func Retryable(message string) *errs.Error {
	return errs.New(errs.ProviderError, message).WithRetryable(true).WithAction(errs.ActionRetry)
}

// Upgrade returns an error asking the engine to retry at a higher tier.
func Upgrade(message string) *errs.Error {
	return errs.New(errs.ProviderError, message).WithAction(errs.ActionUpgrade)
}

// StatusError classifies an upstream HTTP failure: 429 is RATE_LIMIT, 5xx
// and 408 are retryable, other statuses are terminal.
func StatusError(status int, err error) *errs.Error {
	switch {
	case status == http.StatusTooManyRequests:
		return errs.Wrap(errs.RateLimit, err, "provider rate limited").WithStatus(status)
	case status >= 500 || status == http.StatusRequestTimeout:
		return errs.Wrap(errs.ProviderError, err, "provider unavailable").
			WithRetryable(true).WithAction(errs.ActionRetry).WithStatus(status)
	default:
		return errs.Wrap(errs.ProviderError, err, "provider rejected request").WithStatus(status)
	}
}

// FinalText fills resp with text, promoting it to OutputJSON when the text is
// a JSON object or array.
func FinalText(resp *Response, text string) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		if json.Valid([]byte(trimmed)) {
			resp.OutputJSON = json.RawMessage(trimmed)
			return
		}
	}
	resp.OutputText = &text
}
