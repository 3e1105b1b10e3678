// Package anthropic adapts the Anthropic Messages API to provider.Adapter.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/metalagman/planrun/internal/errs"
	"github.com/metalagman/planrun/internal/provider"
	"golang.org/x/time/rate"
)

const (
	defaultAPIKeyEnv = "ANTHROPIC_API_KEY"
	defaultTimeout   = 60 * time.Second
	defaultMaxTokens = 1024
)

// Config is Anthropic API client configuration.
type Config struct {
	Model             string
	BaseURL           string
	APIKey            string
	APIKeyEnv         string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// MessagesClient is the subset of the SDK used by the adapter. It is satisfied
// by *sdk.MessageService.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Client implements provider.Adapter over the Messages API.
type Client struct {
	model   string
	msg     MessagesClient
	limiter *rate.Limiter
}

// NewClient constructs a client from cfg.
func NewClient(cfg Config, httpClient *http.Client) (*Client, error) {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, fmt.Errorf("anthropic model is required")
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		envKey := strings.TrimSpace(cfg.APIKeyEnv)
		if envKey == "" {
			envKey = defaultAPIKeyEnv
		}
		apiKey = strings.TrimSpace(os.Getenv(envKey))
	}
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic api key is required (set api_key or api_key_env)")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithRequestTimeout(timeout),
		option.WithMaxRetries(0),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	ac := sdk.NewClient(opts...)
	return New(&ac.Messages, model, cfg.RequestsPerSecond, cfg.Burst), nil
}

// New wraps an existing messages client.
func New(msg MessagesClient, model string, rps float64, burst int) *Client {
	c := &Client{model: model, msg: msg}
	if rps > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
	}
	return c
}

// Complete issues one Messages.New request.
func (c *Client) Complete(ctx context.Context, req provider.Request) (provider.Response, error) {
	if len(req.Messages) == 0 {
		return provider.Response{}, errs.New(errs.ProviderError, "anthropic: messages are required")
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return provider.Response{}, context.Cause(ctx)
			}
			return provider.Response{}, errs.Wrap(errs.RateLimit, err, "anthropic: local rate limit")
		}
	}

	params, err := c.prepare(req)
	if err != nil {
		return provider.Response{}, errs.Wrap(errs.ProviderError, err, "anthropic")
	}
	started := time.Now()
	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return provider.Response{}, classify(ctx, err)
	}
	out, err := translateResponse(msg)
	if err != nil {
		return provider.Response{}, err
	}
	out.RequestID = req.RequestID
	out.ProviderLatencyMS = time.Since(started).Milliseconds()
	return out, nil
}

func (c *Client) prepare(req provider.Request) (sdk.MessageNewParams, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	msgs, system := encodeMessages(req.Messages)
	params := sdk.MessageNewParams{
		MaxTokens: maxTokens,
		Messages:  msgs,
		Model:     sdk.Model(modelID),
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(req.Tools) > 0 {
		tools := make([]sdk.ToolUnionParam, 0, len(req.Tools))
		for _, t := range req.Tools {
			schema, err := inputSchema(t.Parameters)
			if err != nil {
				return sdk.MessageNewParams{}, fmt.Errorf("tool %q schema: %w", t.Name, err)
			}
			u := sdk.ToolUnionParamOfTool(schema, t.Name)
			if t.Description != "" && u.OfTool != nil {
				u.OfTool.Description = sdk.String(t.Description)
			}
			tools = append(tools, u)
		}
		params.Tools = tools
	}
	return params, nil
}

// encodeMessages splits out system text and folds consecutive tool results
// into a single user turn, which the Messages API requires.
func encodeMessages(msgs []provider.Message) ([]sdk.MessageParam, []sdk.TextBlockParam) {
	var (
		conversation []sdk.MessageParam
		system       []sdk.TextBlockParam
		results      []sdk.ContentBlockParamUnion
	)
	flush := func() {
		if len(results) > 0 {
			conversation = append(conversation, sdk.NewUserMessage(results...))
			results = nil
		}
	}
	for _, m := range msgs {
		switch m.Role {
		case provider.RoleSystem:
			system = append(system, sdk.TextBlockParam{Text: m.Content})
		case provider.RoleTool:
			results = append(results, sdk.NewToolResultBlock(m.ToolCallID, m.Content, false))
		case provider.RoleAssistant:
			flush()
			blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.ToolCalls)+1)
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input any = map[string]any{}
				if len(tc.Arguments) > 0 {
					input = tc.Arguments
				}
				blocks = append(blocks, sdk.NewToolUseBlock(tc.CallID, input, tc.Name))
			}
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		default:
			flush()
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}
	flush()
	return conversation, system
}

func inputSchema(raw json.RawMessage) (sdk.ToolInputSchemaParam, error) {
	if len(raw) == 0 {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

func translateResponse(msg *sdk.Message) (provider.Response, error) {
	if msg == nil {
		return provider.Response{}, errs.New(errs.ProviderError, "anthropic: response message is nil")
	}
	out := provider.Response{
		Model: string(msg.Model),
		Usage: &provider.Usage{
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
		},
	}
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args := json.RawMessage(block.Input)
			if len(args) == 0 {
				args = json.RawMessage(`{}`)
			}
			out.ToolCalls = append(out.ToolCalls, provider.ToolCall{
				CallID:    block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		}
	}
	if len(out.ToolCalls) > 0 {
		return out, nil
	}
	if strings.TrimSpace(text.String()) == "" {
		return out, errs.New(errs.ProviderError, "anthropic: response did not contain text")
	}
	provider.FinalText(&out, text.String())
	return out, nil
}

func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return provider.StatusError(apiErr.StatusCode, err)
	}
	return errs.Wrap(errs.ProviderError, err, "anthropic messages.new").
		WithRetryable(true).WithAction(errs.ActionRetry)
}
