// Package openai adapts the OpenAI Chat Completions API to provider.Adapter.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/metalagman/planrun/internal/errs"
	"github.com/metalagman/planrun/internal/provider"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultAPIKeyEnv = "OPENAI_API_KEY"
	defaultTimeout   = 60 * time.Second
)

// Config is OpenAI API client configuration.
type Config struct {
	Model             string
	BaseURL           string
	APIKey            string
	APIKeyEnv         string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// Client implements provider.Adapter over Chat Completions.
type Client struct {
	cfg     Config
	client  openai.Client
	limiter *rate.Limiter
}

// NewClient constructs a new OpenAI API client.
func NewClient(cfg Config, httpClient *http.Client) (*Client, error) {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, fmt.Errorf("openai model is required")
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
		return nil, fmt.Errorf("openai api key is required (set api_key or api_key_env)")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	// Retries belong to the engine, which counts them against the run.
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
		option.WithRequestTimeout(timeout),
		option.WithMaxRetries(0),
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}

	c := &Client{
		cfg: Config{
			Model:   model,
			BaseURL: baseURL,
			Timeout: timeout,
		},
		client: openai.NewClient(opts...),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := max(cfg.Burst, 1)
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c, nil
}

// Complete executes one Chat Completions round.
func (c *Client) Complete(ctx context.Context, req provider.Request) (provider.Response, error) {
	if len(req.Messages) == 0 {
		return provider.Response{}, errs.New(errs.ProviderError, "openai: messages are required")
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return provider.Response{}, context.Cause(ctx)
			}
			return provider.Response{}, errs.Wrap(errs.RateLimit, err, "openai: local rate limit")
		}
	}

	modelID := req.Model
	if modelID == "" {
		modelID = c.cfg.Model
	}
	tools, err := encodeTools(req.Tools)
	if err != nil {
		return provider.Response{}, errs.Wrap(errs.ProviderError, err, "openai")
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(modelID),
		Messages: encodeMessages(req.Messages),
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}

	started := time.Now()
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return provider.Response{}, classify(ctx, err)
	}
	out, err := translateResponse(resp)
	if err != nil {
		return provider.Response{}, err
	}
	out.RequestID = req.RequestID
	out.ProviderLatencyMS = time.Since(started).Milliseconds()
	return out, nil
}

func encodeMessages(msgs []provider.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case provider.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case provider.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			calls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				calls = append(calls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.CallID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			assistant := openai.ChatCompletionAssistantMessageParam{ToolCalls: calls}
			if m.Content != "" {
				assistant.Content.OfString = openai.String(m.Content)
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case provider.RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func encodeTools(specs []provider.ToolSpec) ([]openai.ChatCompletionToolParam, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	out := make([]openai.ChatCompletionToolParam, 0, len(specs))
	for _, s := range specs {
		fn := openai.FunctionDefinitionParam{Name: s.Name}
		if s.Description != "" {
			fn.Description = openai.String(s.Description)
		}
		if len(s.Parameters) > 0 {
			var params map[string]any
			if err := json.Unmarshal(s.Parameters, &params); err != nil {
				return nil, fmt.Errorf("tool %s schema: %w", s.Name, err)
			}
			fn.Parameters = openai.FunctionParameters(params)
		}
		out = append(out, openai.ChatCompletionToolParam{Function: fn})
	}
	return out, nil
}

func translateResponse(resp *openai.ChatCompletion) (provider.Response, error) {
	out := provider.Response{
		Model: resp.Model,
		Usage: &provider.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	if len(resp.Choices) == 0 {
		return out, provider.Retryable("openai: response has no choices")
	}
	msg := resp.Choices[0].Message
	for _, call := range msg.ToolCalls {
		args := json.RawMessage(call.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		out.ToolCalls = append(out.ToolCalls, provider.ToolCall{
			CallID:    call.ID,
			Name:      call.Function.Name,
			Arguments: args,
		})
	}
	if len(out.ToolCalls) > 0 {
		return out, nil
	}
	if strings.TrimSpace(msg.Content) == "" {
		return out, errs.New(errs.ProviderError, "openai: response did not contain output text")
	}
	provider.FinalText(&out, msg.Content)
	return out, nil
}

func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		e := provider.StatusError(apiErr.StatusCode, err)
		if apiErr.Code == "context_length_exceeded" {
			e = e.WithAction(errs.ActionUpgrade)
		}
		return e
	}
	return errs.Wrap(errs.ProviderError, err, "openai chat.completions.create").
		WithRetryable(true).WithAction(errs.ActionRetry)
}
