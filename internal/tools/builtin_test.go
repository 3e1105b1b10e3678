package tools

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/metalagman/planrun/internal/errs"
	"github.com/metalagman/planrun/internal/outbound"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFetcher(srv *httptest.Server, opts outbound.Options) *outbound.Fetcher {
	addr := srv.Listener.Addr().String()
	return outbound.NewFetcher(outbound.FetcherConfig{
		Options: opts,
		Client: &http.Client{Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		}},
	})
}

func TestHTTPFetch_ReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "hello")
	}))
	t.Cleanup(srv.Close)

	tool := NewHTTPFetch(testFetcher(srv, outbound.Options{
		Allowlist: outbound.MustParseAllowlist("docs.example.com"),
		AllowHTTP: true,
		Resolver:  outbound.StaticResolver{"docs.example.com": {"93.184.216.34"}},
	}))

	res, err := tool.Call(context.Background(), json.RawMessage(`{"url":"http://docs.example.com/readme"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":200,"content_type":"text/plain","body":"hello"}`, string(res.Output))
}

func TestCallback_DeliversPayload(t *testing.T) {
	var got []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		got, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)

	tool := NewCallback(testFetcher(srv, outbound.Options{
		Allowlist: outbound.MustParseAllowlist("hooks.example.com"),
		AllowHTTP: true,
		Resolver:  outbound.StaticResolver{"hooks.example.com": {"93.184.216.34"}},
	}), 1024)

	res, err := tool.Call(context.Background(),
		json.RawMessage(`{"url":"http://hooks.example.com/cb","payload":{"done":true}}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"done":true}`, string(got))
	assert.JSONEq(t, `{"status":202,"delivered":true}`, string(res.Output))
}

func TestCallback_RejectsOversizedPayload(t *testing.T) {
	tool := NewCallback(outbound.NewFetcher(outbound.FetcherConfig{}), 16)
	args := `{"url":"https://hooks.example.com/cb","payload":"` + strings.Repeat("x", 64) + `"}`

	_, err := tool.Call(context.Background(), json.RawMessage(args))
	assert.Equal(t, errs.OutboundPayloadTooLarge, errs.CodeOf(err))
}

func TestCallback_LocalBypassKeepsAddressBlocking(t *testing.T) {
	tool := NewCallback(outbound.NewFetcher(outbound.FetcherConfig{
		Options: outbound.Options{
			BypassAllowlist: true,
			Resolver:        outbound.StaticResolver{"localhost.test": {"127.0.0.1"}},
		},
	}), 1024)

	_, err := tool.Call(context.Background(), json.RawMessage(`{"url":"https://localhost.test/cb","payload":{}}`))
	assert.Equal(t, errs.OutboundPrivateAddressBlocked, errs.CodeOf(err))
}

func TestWriteArtifact_Writes(t *testing.T) {
	dir := t.TempDir()
	tool := NewWriteArtifact(dir, 1024)
	ctx := WithInvocation(context.Background(), Invocation{RunID: "run-1", Task: "write"})

	res, err := tool.Call(ctx, json.RawMessage(`{"name":"out.txt","content":"data"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.ArtifactBytes)

	b, err := os.ReadFile(filepath.Join(dir, "run-1", "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "data", string(b))
}

func TestWriteArtifact_RejectsTraversalAndOversize(t *testing.T) {
	tool := NewWriteArtifact(t.TempDir(), 4)

	_, err := tool.Call(context.Background(), json.RawMessage(`{"name":"../escape.txt","content":"x"}`))
	assert.Equal(t, errs.ToolArgsInvalid, errs.CodeOf(err))

	_, err = tool.Call(context.Background(), json.RawMessage(`{"name":"big.txt","content":"too long"}`))
	assert.Equal(t, errs.ToolArgsInvalid, errs.CodeOf(err))
}

func TestWriteArtifact_CancelledDuringDelayWritesNothing(t *testing.T) {
	dir := t.TempDir()
	tool := NewWriteArtifact(dir, 1024)
	ctx, cancel := context.WithCancel(WithInvocation(context.Background(), Invocation{RunID: "run-2"}))

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := tool.Call(ctx, json.RawMessage(`{"name":"late.txt","content":"data","delay_ms":500}`))
	require.ErrorIs(t, err, context.Canceled)

	_, statErr := os.Stat(tool.Path("run-2", "late.txt"))
	assert.True(t, os.IsNotExist(statErr))
}
