package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/metalagman/planrun/internal/outbound"
)

// HTTPFetchName is the registered name of the fetch tool.
const HTTPFetchName = "http_fetch"

// HTTPFetch GETs an allow-listed URL through the outbound policy.
type HTTPFetch struct {
	fetcher *outbound.Fetcher
}

// NewHTTPFetch returns the fetch tool over f.
func NewHTTPFetch(f *outbound.Fetcher) *HTTPFetch {
	return &HTTPFetch{fetcher: f}
}

func (t *HTTPFetch) Spec() Spec {
	return Spec{
		Name:        HTTPFetchName,
		Description: "Fetch a URL over HTTPS and return its status and body.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {"url": {"type": "string", "minLength": 1}},
			"required": ["url"],
			"additionalProperties": false
		}`),
	}
}

type fetchArgs struct {
	URL string `json:"url"`
}

type fetchOutput struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Body        string `json:"body"`
	Binary      bool   `json:"binary,omitempty"`
}

func (t *HTTPFetch) Call(ctx context.Context, raw json.RawMessage) (Result, error) {
	var args fetchArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return Result{}, fmt.Errorf("decode args: %w", err)
	}
	resp, err := t.fetcher.Get(ctx, args.URL)
	if err != nil {
		return Result{}, err
	}

	out := fetchOutput{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
	}
	if utf8.Valid(resp.Body) {
		out.Body = string(resp.Body)
	} else {
		out.Binary = true
	}
	b, err := json.Marshal(out)
	if err != nil {
		return Result{}, fmt.Errorf("encode output: %w", err)
	}
	return Result{Output: b}, nil
}
