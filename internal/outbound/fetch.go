package outbound

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/metalagman/planrun/internal/errs"
	"github.com/rs/zerolog/log"
)

const defaultMaxBytes = 1 << 20

// FetcherConfig configures a Fetcher.
type FetcherConfig struct {
	Options
	MaxBytes int64
	Timeout  time.Duration
	// Client overrides the default pinned transport. Redirect following is
	// disabled on a copy of it regardless of its own settings.
	Client *http.Client
}

// Fetcher performs policy-checked HTTP requests.
type Fetcher struct {
	cfg FetcherConfig
}

// Response is a fully read, size-capped response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// NewFetcher constructs a Fetcher.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	return &Fetcher{cfg: cfg}
}

// Get fetches rawURL with GET.
func (f *Fetcher) Get(ctx context.Context, rawURL string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errs.Wrap(errs.OutboundNotAllowed, err, "build request")
	}
	return f.Do(ctx, req)
}

// Do checks req.URL against the policy, sends it without following redirects
// and reads at most MaxBytes of the body.
func (f *Fetcher) Do(ctx context.Context, req *http.Request) (*Response, error) {
	checked, err := CheckURL(ctx, req.URL.String(), f.cfg.Options)
	if err != nil {
		return nil, err
	}
	if f.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.Timeout)
		defer cancel()
	}

	client := f.client(checked)
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("outbound %s %s: %w", req.Method, checked.Host, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if isRedirect(resp.StatusCode) {
		return nil, errs.Newf(errs.OutboundRedirectBlocked, "redirect from %q to %q is not followed",
			checked.Host, resp.Header.Get("Location"))
	}
	if resp.ContentLength > f.cfg.MaxBytes {
		return nil, errs.Newf(errs.OutboundResponseTooLarge, "response declares %d bytes, cap is %d",
			resp.ContentLength, f.cfg.MaxBytes)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", checked.Host, err)
	}
	if int64(len(body)) > f.cfg.MaxBytes {
		return nil, errs.Newf(errs.OutboundResponseTooLarge, "response exceeds %d bytes", f.cfg.MaxBytes)
	}

	log.Debug().
		Str("host", checked.Host).
		Int("status", resp.StatusCode).
		Int("bytes", len(body)).
		Msg("outbound: fetched")
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

func (f *Fetcher) client(checked *Checked) *http.Client {
	var c http.Client
	if f.cfg.Client != nil {
		c = *f.cfg.Client
	} else {
		c.Transport = pinnedTransport(checked)
	}
	c.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &c
}

// pinnedTransport dials only the addresses that passed the policy check, so a
// second resolution at dial time cannot swap in a private address.
func pinnedTransport(checked *Checked) *http.Transport {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:             nil,
		DisableKeepAlives: true,
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var lastErr error
			for _, ip := range checked.Addrs {
				conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), checked.Port))
				if err == nil {
					return conn, nil
				}
				lastErr = err
			}
			if lastErr == nil {
				lastErr = errors.New("no addresses to dial")
			}
			return nil, lastErr
		},
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
}

func isRedirect(status int) bool {
	return status >= 300 && status < 400 && status != http.StatusNotModified
}
