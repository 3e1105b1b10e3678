package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/metalagman/planrun/internal/errs"
	"github.com/metalagman/planrun/internal/outbound"
)

// CallbackName is the registered name of the callback tool.
const CallbackName = "callback"

// Callback POSTs a JSON payload to a callback destination. Destinations are
// checked against their own allowlist, separate from http_fetch.
type Callback struct {
	fetcher  *outbound.Fetcher
	maxBytes int64
}

// NewCallback returns the callback tool. maxBytes caps the encoded payload.
func NewCallback(f *outbound.Fetcher, maxBytes int64) *Callback {
	return &Callback{fetcher: f, maxBytes: maxBytes}
}

func (t *Callback) Spec() Spec {
	return Spec{
		Name:        CallbackName,
		Description: "POST a JSON payload to an allow-listed callback URL.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"url": {"type": "string", "minLength": 1},
				"payload": {}
			},
			"required": ["url", "payload"],
			"additionalProperties": false
		}`),
		SideEffect: true,
	}
}

type callbackArgs struct {
	URL     string          `json:"url"`
	Payload json.RawMessage `json:"payload"`
}

func (t *Callback) Call(ctx context.Context, raw json.RawMessage) (Result, error) {
	var args callbackArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return Result{}, fmt.Errorf("decode args: %w", err)
	}
	if t.maxBytes > 0 && int64(len(args.Payload)) > t.maxBytes {
		return Result{}, errs.Newf(errs.OutboundPayloadTooLarge,
			"callback payload is %d bytes, cap is %d", len(args.Payload), t.maxBytes)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, args.URL, bytes.NewReader(args.Payload))
	if err != nil {
		return Result{}, errs.Wrap(errs.OutboundNotAllowed, err, "build callback request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.fetcher.Do(ctx, req)
	if err != nil {
		return Result{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, errs.Newf(errs.ToolFailed, "callback returned status %d", resp.StatusCode).
			WithStatus(resp.StatusCode)
	}
	out, err := json.Marshal(map[string]any{"status": resp.StatusCode, "delivered": true})
	if err != nil {
		return Result{}, fmt.Errorf("encode output: %w", err)
	}
	return Result{Output: out}, nil
}
