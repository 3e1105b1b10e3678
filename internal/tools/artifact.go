package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/metalagman/planrun/internal/errs"
	"github.com/rs/zerolog/log"
)

// WriteArtifactName is the registered name of the artifact tool.
const WriteArtifactName = "write_artifact"

type invocationKey struct{}

// Invocation identifies the run and task a tool call belongs to.
type Invocation struct {
	RunID string
	Task  string
}

// WithInvocation attaches inv to ctx.
func WithInvocation(ctx context.Context, inv Invocation) context.Context {
	return context.WithValue(ctx, invocationKey{}, inv)
}

// InvocationFrom returns the invocation attached to ctx, if any.
func InvocationFrom(ctx context.Context) (Invocation, bool) {
	inv, ok := ctx.Value(invocationKey{}).(Invocation)
	return inv, ok
}

// WriteArtifact stores a named file under <dir>/<run id>/. The write commits
// by renaming a temp file, and the rename is skipped once ctx is done.
type WriteArtifact struct {
	dir      string
	maxBytes int64
}

// NewWriteArtifact returns the artifact tool rooted at dir.
func NewWriteArtifact(dir string, maxBytes int64) *WriteArtifact {
	return &WriteArtifact{dir: dir, maxBytes: maxBytes}
}

func (t *WriteArtifact) Spec() Spec {
	return Spec{
		Name:        WriteArtifactName,
		Description: "Write a text artifact for this run.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"name": {"type": "string", "minLength": 1},
				"content": {"type": "string"},
				"delay_ms": {"type": "integer", "minimum": 0}
			},
			"required": ["name", "content"],
			"additionalProperties": false
		}`),
		SideEffect: true,
	}
}

type artifactArgs struct {
	Name    string `json:"name"`
	Content string `json:"content"`
	DelayMS int64  `json:"delay_ms"`
}

// Path returns where an artifact named name for runID is written.
func (t *WriteArtifact) Path(runID, name string) string {
	return filepath.Join(t.dir, runID, name)
}

func (t *WriteArtifact) Call(ctx context.Context, raw json.RawMessage) (Result, error) {
	var args artifactArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return Result{}, fmt.Errorf("decode args: %w", err)
	}
	if !filepath.IsLocal(args.Name) {
		return Result{}, errs.Newf(errs.ToolArgsInvalid, "artifact name %q escapes the artifacts directory", args.Name)
	}
	if t.maxBytes > 0 && int64(len(args.Content)) > t.maxBytes {
		return Result{}, errs.Newf(errs.ToolArgsInvalid, "artifact is %d bytes, cap is %d", len(args.Content), t.maxBytes)
	}
	runID := "adhoc"
	if inv, ok := InvocationFrom(ctx); ok && inv.RunID != "" {
		runID = inv.RunID
	}

	if args.DelayMS > 0 {
		timer := time.NewTimer(time.Duration(args.DelayMS) * time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Result{}, context.Cause(ctx)
		case <-timer.C:
		}
	}
	if ctx.Err() != nil {
		return Result{}, context.Cause(ctx)
	}

	target := t.Path(runID, args.Name)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return Result{}, fmt.Errorf("create artifacts dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".artifact-*")
	if err != nil {
		return Result{}, fmt.Errorf("create temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.WriteString(args.Content); err != nil {
		_ = tmp.Close()
		return Result{}, fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Result{}, fmt.Errorf("close artifact: %w", err)
	}

	if ctx.Err() != nil {
		return Result{}, context.Cause(ctx)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return Result{}, fmt.Errorf("commit artifact: %w", err)
	}

	log.Debug().Str("run_id", runID).Str("artifact", args.Name).Int("bytes", len(args.Content)).Msg("artifact written")
	out, err := json.Marshal(map[string]any{"name": args.Name, "bytes": len(args.Content)})
	if err != nil {
		return Result{}, fmt.Errorf("encode output: %w", err)
	}
	return Result{Output: out, ArtifactBytes: int64(len(args.Content))}, nil
}
