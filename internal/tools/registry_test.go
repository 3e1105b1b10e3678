package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/metalagman/planrun/internal/config"
	"github.com/metalagman/planrun/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoTool struct {
	name  string
	err   error
	calls int
}

func (t *echoTool) Spec() Spec {
	return Spec{
		Name: t.name,
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {"text": {"type": "string"}},
			"required": ["text"]
		}`),
	}
}

func (t *echoTool) Call(_ context.Context, args json.RawMessage) (Result, error) {
	t.calls++
	if t.err != nil {
		return Result{}, t.err
	}
	return Result{Output: args}, nil
}

func TestRegistry_RegisterRejectsDuplicates(t *testing.T) {
	reg := NewRegistry([]string{"echo"})
	require.NoError(t, reg.Register(&echoTool{name: "echo"}))
	require.Error(t, reg.Register(&echoTool{name: "echo"}))
	assert.Equal(t, []string{"echo"}, reg.Names())
}

func TestRegistry_ExistsAndAllowedAreIndependent(t *testing.T) {
	reg := NewRegistry([]string{"echo", "ghost"})
	require.NoError(t, reg.Register(&echoTool{name: "echo"}))
	require.NoError(t, reg.Register(&echoTool{name: "hidden"}))

	assert.True(t, reg.Exists("echo"))
	assert.True(t, reg.Allowed("echo"))
	assert.True(t, reg.Exists("hidden"))
	assert.False(t, reg.Allowed("hidden"))
	assert.False(t, reg.Exists("ghost"))
	assert.True(t, reg.Allowed("ghost"))

	specs := reg.Specs([]string{"hidden", "echo", "ghost"})
	require.Len(t, specs, 1)
	assert.Equal(t, "echo", specs[0].Name)
}

func TestRegistry_Invoke(t *testing.T) {
	reg := NewRegistry([]string{"echo", "broken"})
	echo := &echoTool{name: "echo"}
	require.NoError(t, reg.Register(echo))
	require.NoError(t, reg.Register(&echoTool{name: "broken", err: errors.New("boom")}))
	require.NoError(t, reg.Register(&echoTool{name: "denied"}))

	res, err := reg.Invoke(context.Background(), "echo", json.RawMessage(`{"text":"hi"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"hi"}`, string(res.Output))

	_, err = reg.Invoke(context.Background(), "echo", json.RawMessage(`{"text":1}`))
	assert.Equal(t, errs.ToolArgsInvalid, errs.CodeOf(err))

	_, err = reg.Invoke(context.Background(), "missing", nil)
	assert.Equal(t, errs.ToolNotAllowed, errs.CodeOf(err))

	_, err = reg.Invoke(context.Background(), "denied", json.RawMessage(`{"text":"x"}`))
	assert.Equal(t, errs.ToolNotAllowed, errs.CodeOf(err))

	_, err = reg.Invoke(context.Background(), "broken", json.RawMessage(`{"text":"x"}`))
	assert.Equal(t, errs.ToolFailed, errs.CodeOf(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	before := echo.calls
	_, err = reg.Invoke(ctx, "echo", json.RawMessage(`{"text":"late"}`))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, before, echo.calls)
}

func TestNewBuiltin_RegistersAllTools(t *testing.T) {
	cfg := config.Default()
	cfg.Tools.Allowed = []string{HTTPFetchName}
	cfg.Tools.ArtifactsDir = t.TempDir()

	reg, err := NewBuiltin(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{CallbackName, HTTPFetchName, WriteArtifactName}, reg.Names())
	assert.True(t, reg.Allowed(HTTPFetchName))
	assert.False(t, reg.Allowed(WriteArtifactName))
}

func TestNewBuiltin_RejectsBadAllowlist(t *testing.T) {
	cfg := config.Default()
	cfg.Outbound.Allowlist = []string{"10.0.0.1"}

	_, err := NewBuiltin(cfg, nil)
	require.Error(t, err)
}
