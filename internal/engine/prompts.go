package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/metalagman/planrun/internal/model"
	"github.com/metalagman/planrun/internal/provider"
)

const defaultSystemPrompt = `You are the %s agent executing one task of a larger plan.
Use the tools you are given when they help. When the task is done, reply with the final result only.
If the task input asks for structured data, reply with a single JSON value.`

// systemPrompt picks the task's own prompt, then the configured default for
// its agent, then a generic one.
func (x *execution) systemPrompt(t model.TaskSpec) string {
	if strings.TrimSpace(t.SystemPrompt) != "" {
		return t.SystemPrompt
	}
	if p, ok := x.cfg.Engine.SystemPrompts[t.Agent]; ok && strings.TrimSpace(p) != "" {
		return p
	}
	agent := t.Agent
	if agent == "" {
		agent = "assistant"
	}
	return fmt.Sprintf(defaultSystemPrompt, agent)
}

// taskPrompt renders the opening user message: the task input, plan-wide
// constraints and one digest per dependency.
func (x *execution) taskPrompt(t model.TaskSpec, deps []Digest) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", t.Name)
	if x.plan.Rationale != "" {
		fmt.Fprintf(&b, "Plan rationale: %s\n", x.plan.Rationale)
	}
	if t.ReasoningLevel != "" {
		fmt.Fprintf(&b, "Reasoning level: %s\n", t.ReasoningLevel)
	}
	writeList(&b, "Invariants", x.plan.Invariants)
	writeList(&b, "Success criteria", x.plan.SuccessCriteria)

	if len(t.Input) > 0 {
		b.WriteString("\nInput:\n")
		b.Write(t.Input)
		b.WriteString("\n")
	}
	if len(deps) > 0 {
		raw, err := json.MarshalIndent(deps, "", "  ")
		if err != nil {
			return "", fmt.Errorf("encode dependency digests: %w", err)
		}
		b.WriteString("\nDependency digests:\n")
		b.Write(raw)
		b.WriteString("\n")
	}
	return b.String(), nil
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "%s:\n", title)
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
}

// openingMessages builds the first round's messages for t.
func (x *execution) openingMessages(t model.TaskSpec) ([]provider.Message, error) {
	deps := make([]Digest, 0, len(t.DependsOn))
	for _, dep := range t.DependsOn {
		deps = append(deps, NewDigest(dep, x.run.ResultsByTask[dep], x.cfg.Engine.DigestMaxChars))
	}
	user, err := x.taskPrompt(t, deps)
	if err != nil {
		return nil, err
	}
	return []provider.Message{
		{Role: provider.RoleSystem, Content: x.systemPrompt(t)},
		{Role: provider.RoleUser, Content: user},
	}, nil
}
