// Package plan validates, defaults and loads plans.
package plan

import (
	"fmt"

	"github.com/metalagman/planrun/internal/errs"
	"github.com/metalagman/planrun/internal/model"
	"github.com/xeipuuv/gojsonschema"
)

// ToolCatalog answers the two independent tool questions: is it registered,
// and is it currently allowed.
type ToolCatalog interface {
	Exists(name string) bool
	Allowed(name string) bool
}

func invalid(format string, args ...any) error {
	return errs.Newf(errs.PlanInvalid, format, args...)
}

// Validate checks p before execution. The first violation is returned as a
// PLAN_INVALID error.
func Validate(p *model.Plan, reg ToolCatalog) error {
	if p == nil {
		return invalid("plan is required")
	}
	if err := validateShape(p); err != nil {
		return err
	}

	if p.OutputContract.Type == model.OutputJSON && len(p.OutputContract.Schema) > 0 {
		if _, err := CompileSchema(p.OutputContract.Schema); err != nil {
			return invalid("output_contract.schema does not compile: %v", err)
		}
	}

	byName := make(map[string]*model.TaskSpec, len(p.Tasks))
	for i := range p.Tasks {
		t := &p.Tasks[i]
		if _, dup := byName[t.Name]; dup {
			return invalid("duplicate task name %q", t.Name)
		}
		byName[t.Name] = t
	}

	if p.Budget.MaxSteps <= 0 {
		return invalid("budget.max_steps must be positive")
	}
	if err := validateBudgetSigns(p.Budget); err != nil {
		return err
	}
	if len(p.Tasks) > p.Budget.MaxSteps {
		return invalid("plan has %d tasks but budget.max_steps is %d", len(p.Tasks), p.Budget.MaxSteps)
	}

	for _, t := range p.Tasks {
		if t.TimeoutMS < 0 {
			return invalid("task %q: timeout_ms must not be negative", t.Name)
		}
		if p.Budget.MaxLatencyMS > 0 && t.TimeoutMS > p.Budget.MaxLatencyMS {
			return invalid("task %q: timeout_ms %d exceeds budget.max_latency_ms %d",
				t.Name, t.TimeoutMS, p.Budget.MaxLatencyMS)
		}
	}

	for _, t := range p.Tasks {
		for _, dep := range t.DependsOn {
			if _, ok := byName[dep]; !ok {
				return invalid("task %q depends on unknown task %q", t.Name, dep)
			}
		}
	}

	for _, t := range p.Tasks {
		for _, tool := range t.ToolsAllowed {
			if reg == nil || !reg.Exists(tool) {
				return invalid("task %q: tool %q is not registered", t.Name, tool)
			}
			if !reg.Allowed(tool) {
				return invalid("task %q: tool %q is not allowed", t.Name, tool)
			}
		}
	}

	if name, ok := findCycle(p.Tasks); ok {
		return invalid("dependency cycle detected at task %q", name)
	}

	return checkParallelGroups(p.Tasks)
}

func validateShape(p *model.Plan) error {
	if len(p.Tasks) == 0 {
		return invalid("plan has no tasks")
	}
	switch p.Mode {
	case "", model.ModeMulti:
	case model.ModeSingle:
		if len(p.Tasks) != 1 {
			return invalid("mode %q requires exactly one task, got %d", p.Mode, len(p.Tasks))
		}
	default:
		return invalid("unknown mode %q", p.Mode)
	}
	switch p.OutputContract.Type {
	case "", model.OutputJSON, model.OutputText:
	default:
		return invalid("unknown output_contract.type %q", p.OutputContract.Type)
	}
	for i, t := range p.Tasks {
		if t.Name == "" {
			return invalid("task #%d has no name", i)
		}
		if t.MaxOutputTokens < 0 {
			return invalid("task %q: max_output_tokens must not be negative", t.Name)
		}
	}
	return nil
}

const (
	unvisited = iota
	visiting
	visited
)

// findCycle runs a depth-first traversal in plan order and returns the first
// task found on a back edge.
func findCycle(tasks []model.TaskSpec) (string, bool) {
	deps := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		deps[t.Name] = t.DependsOn
	}
	state := make(map[string]int, len(tasks))

	var visit func(name string) (string, bool)
	visit = func(name string) (string, bool) {
		state[name] = visiting
		for _, dep := range deps[name] {
			switch state[dep] {
			case visiting:
				return dep, true
			case unvisited:
				if found, ok := visit(dep); ok {
					return found, true
				}
			}
		}
		state[name] = visited
		return "", false
	}

	for _, t := range tasks {
		if state[t.Name] != unvisited {
			continue
		}
		if found, ok := visit(t.Name); ok {
			return found, true
		}
	}
	return "", false
}

// checkParallelGroups rejects a group whose members reach one another through
// depends_on, directly or transitively.
func checkParallelGroups(tasks []model.TaskSpec) error {
	groups := make(map[string][]string)
	groupOf := make(map[string]string)
	for _, t := range tasks {
		if t.ParallelGroup == "" {
			continue
		}
		groups[t.ParallelGroup] = append(groups[t.ParallelGroup], t.Name)
		groupOf[t.Name] = t.ParallelGroup
	}
	if len(groups) == 0 {
		return nil
	}

	deps := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		deps[t.Name] = t.DependsOn
	}
	for _, t := range tasks {
		if t.ParallelGroup == "" {
			continue
		}
		seen := map[string]bool{t.Name: true}
		stack := append([]string(nil), t.DependsOn...)
		for len(stack) > 0 {
			n := len(stack) - 1
			dep := stack[n]
			stack = stack[:n]
			if seen[dep] {
				continue
			}
			seen[dep] = true
			if groupOf[dep] == t.ParallelGroup {
				return invalid("parallel_group %q: task %q depends on group member %q",
					t.ParallelGroup, t.Name, dep)
			}
			stack = append(stack, deps[dep]...)
		}
	}
	return nil
}

// CompileSchema compiles a JSON schema document.
func CompileSchema(raw []byte) (*gojsonschema.Schema, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

func validateBudgetSigns(b model.Budget) error {
	if b.MaxToolCalls != nil && *b.MaxToolCalls < 0 {
		return invalid("budget.max_tool_calls must not be negative")
	}
	if b.MaxLatencyMS < 0 {
		return invalid("budget.max_latency_ms must not be negative")
	}
	if b.MaxCostEstimate < 0 {
		return invalid("budget.max_cost_estimate must not be negative")
	}
	if b.MaxModelUpgrades != nil && *b.MaxModelUpgrades < 0 {
		return invalid("budget.max_model_upgrades must not be negative")
	}
	return nil
}
