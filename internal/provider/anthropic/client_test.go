package anthropic

import (
	"context"
	"encoding/json"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/metalagman/planrun/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubMessages struct {
	got  sdk.MessageNewParams
	resp *sdk.Message
	err  error
}

func (s *stubMessages) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.got = body
	return s.resp, s.err
}

func TestComplete_TextResponse(t *testing.T) {
	stub := &stubMessages{resp: &sdk.Message{
		Model:   sdk.Model("claude-test"),
		Content: []sdk.ContentBlockUnion{{Type: "text", Text: `{"answer":42}`}},
		Usage:   sdk.Usage{InputTokens: 7, OutputTokens: 3},
	}}
	c := New(stub, "claude-test", 0, 0)

	out, err := c.Complete(context.Background(), provider.Request{
		RequestID: "req-1",
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: "be terse"},
			{Role: provider.RoleUser, Content: "question"},
		},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"answer":42}`, string(out.OutputJSON))
	assert.Equal(t, "req-1", out.RequestID)
	require.NotNil(t, out.Usage)
	assert.Equal(t, int64(7), out.Usage.InputTokens)

	require.Len(t, stub.got.System, 1)
	assert.Equal(t, "be terse", stub.got.System[0].Text)
	assert.Len(t, stub.got.Messages, 1)
	assert.Equal(t, int64(defaultMaxTokens), stub.got.MaxTokens)
}

func TestComplete_ToolUseResponse(t *testing.T) {
	stub := &stubMessages{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{{
			Type:  "tool_use",
			ID:    "toolu_1",
			Name:  "http_fetch",
			Input: json.RawMessage(`{"url":"https://example.com"}`),
		}},
	}}
	c := New(stub, "claude-test", 0, 0)

	out, err := c.Complete(context.Background(), provider.Request{
		Messages: []provider.Message{
			{Role: provider.RoleUser, Content: "fetch"},
			{Role: provider.RoleAssistant, ToolCalls: []provider.ToolCall{
				{CallID: "a", Name: "http_fetch", Arguments: json.RawMessage(`{}`)},
				{CallID: "b", Name: "http_fetch", Arguments: json.RawMessage(`{}`)},
			}},
			{Role: provider.RoleTool, ToolCallID: "a", Content: "one"},
			{Role: provider.RoleTool, ToolCallID: "b", Content: "two"},
		},
		Tools: []provider.ToolSpec{{Name: "http_fetch", Description: "fetch", Parameters: json.RawMessage(`{"type":"object"}`)}},
	})
	require.NoError(t, err)
	assert.False(t, out.Final())
	require.Len(t, out.ToolCalls, 1)
	assert.Equal(t, "toolu_1", out.ToolCalls[0].CallID)
	assert.JSONEq(t, `{"url":"https://example.com"}`, string(out.ToolCalls[0].Arguments))

	// user, assistant, one folded tool-result turn
	assert.Len(t, stub.got.Messages, 3)
	assert.Len(t, stub.got.Tools, 1)
}

func TestNewClient_RequiresAPIKey(t *testing.T) {
	t.Setenv("PLANRUN_ANTHROPIC_MISSING", "")
	_, err := NewClient(Config{Model: "claude-test", APIKeyEnv: "PLANRUN_ANTHROPIC_MISSING"}, nil)
	require.Error(t, err)
}
