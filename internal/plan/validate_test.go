package plan

import (
	"encoding/json"
	"testing"

	"github.com/metalagman/planrun/internal/config"
	"github.com/metalagman/planrun/internal/errs"
	"github.com/metalagman/planrun/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type catalog struct {
	registered map[string]bool
	allowed    map[string]bool
}

func (c catalog) Exists(name string) bool  { return c.registered[name] }
func (c catalog) Allowed(name string) bool { return c.allowed[name] }

func testCatalog() catalog {
	return catalog{
		registered: map[string]bool{"http_fetch": true, "write_artifact": true},
		allowed:    map[string]bool{"http_fetch": true},
	}
}

func task(name string, deps ...string) model.TaskSpec {
	return model.TaskSpec{Name: name, Agent: "worker", DependsOn: deps}
}

func basePlan(tasks ...model.TaskSpec) *model.Plan {
	p := &model.Plan{Tasks: tasks}
	ApplyDefaults(p, config.Default().Budgets)
	return p
}

func TestValidate_AcceptsDiamond(t *testing.T) {
	p := basePlan(task("a"), task("b", "a"), task("c", "a"), task("d", "b", "c"))
	require.NoError(t, Validate(p, testCatalog()))
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name string
		plan func() *model.Plan
		want string
	}{
		{
			name: "no tasks",
			plan: func() *model.Plan { return basePlan() },
			want: "no tasks",
		},
		{
			name: "unknown mode",
			plan: func() *model.Plan {
				p := basePlan(task("a"))
				p.Mode = "swarm"
				return p
			},
			want: "unknown mode",
		},
		{
			name: "single mode with two tasks",
			plan: func() *model.Plan {
				p := basePlan(task("a"), task("b"))
				p.Mode = model.ModeSingle
				return p
			},
			want: "exactly one task",
		},
		{
			name: "output schema does not compile",
			plan: func() *model.Plan {
				p := basePlan(task("a"))
				p.OutputContract = model.OutputContract{Type: model.OutputJSON, Schema: json.RawMessage(`{"type": 12}`)}
				return p
			},
			want: "output_contract.schema",
		},
		{
			name: "duplicate names",
			plan: func() *model.Plan { return basePlan(task("a"), task("a")) },
			want: `duplicate task name "a"`,
		},
		{
			name: "more tasks than steps",
			plan: func() *model.Plan {
				p := basePlan(task("a"), task("b"), task("c"))
				p.Budget.MaxSteps = 2
				return p
			},
			want: "budget.max_steps is 2",
		},
		{
			name: "task timeout above run latency",
			plan: func() *model.Plan {
				a := task("a")
				a.TimeoutMS = 5000
				p := basePlan(a)
				p.Budget.MaxLatencyMS = 1000
				return p
			},
			want: "exceeds budget.max_latency_ms",
		},
		{
			name: "negative tool call budget",
			plan: func() *model.Plan {
				p := basePlan(task("a"))
				p.Budget.MaxToolCalls = model.Limit(-1)
				return p
			},
			want: "budget.max_tool_calls must not be negative",
		},
		{
			name: "negative latency budget",
			plan: func() *model.Plan {
				p := basePlan(task("a"))
				p.Budget.MaxLatencyMS = -1
				return p
			},
			want: "budget.max_latency_ms must not be negative",
		},
		{
			name: "negative cost budget",
			plan: func() *model.Plan {
				p := basePlan(task("a"))
				p.Budget.MaxCostEstimate = -0.5
				return p
			},
			want: "budget.max_cost_estimate must not be negative",
		},
		{
			name: "negative upgrade budget",
			plan: func() *model.Plan {
				p := basePlan(task("a"))
				p.Budget.MaxModelUpgrades = model.Limit(-2)
				return p
			},
			want: "budget.max_model_upgrades must not be negative",
		},
		{
			name: "unknown dependency",
			plan: func() *model.Plan { return basePlan(task("a", "ghost")) },
			want: `unknown task "ghost"`,
		},
		{
			name: "unregistered tool",
			plan: func() *model.Plan {
				a := task("a")
				a.ToolsAllowed = []string{"shell"}
				return basePlan(a)
			},
			want: `tool "shell" is not registered`,
		},
		{
			name: "registered but disallowed tool",
			plan: func() *model.Plan {
				a := task("a")
				a.ToolsAllowed = []string{"write_artifact"}
				return basePlan(a)
			},
			want: `tool "write_artifact" is not allowed`,
		},
		{
			name: "cycle",
			plan: func() *model.Plan { return basePlan(task("a", "c"), task("b", "a"), task("c", "b")) },
			want: "dependency cycle",
		},
		{
			name: "self dependency",
			plan: func() *model.Plan { return basePlan(task("a", "a")) },
			want: `cycle detected at task "a"`,
		},
		{
			name: "parallel group members depend on each other",
			plan: func() *model.Plan {
				a, b, c := task("a"), task("b", "a"), task("c", "b")
				a.ParallelGroup, c.ParallelGroup = "fanout", "fanout"
				return basePlan(a, b, c)
			},
			want: `parallel_group "fanout"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.plan(), testCatalog())
			require.Error(t, err)
			e, ok := errs.As(err)
			require.True(t, ok)
			assert.Equal(t, errs.PlanInvalid, e.Code)
			assert.False(t, e.Retryable)
			assert.Equal(t, errs.ActionFixPlan, e.SuggestedAction)
			assert.Contains(t, e.Message, tt.want)
		})
	}
}

func TestValidate_ReportsFirstViolation(t *testing.T) {
	// Duplicate names are checked before cycles.
	p := basePlan(task("a", "b"), task("b", "a"), task("b"))
	err := Validate(p, testCatalog())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate task name")
}

func TestValidate_ParallelGroupOfIndependentTasks(t *testing.T) {
	a, b, c := task("a"), task("b"), task("c", "a", "b")
	a.ParallelGroup, b.ParallelGroup = "fanout", "fanout"
	require.NoError(t, Validate(basePlan(a, b, c), testCatalog()))
}

func TestApplyDefaults(t *testing.T) {
	p := &model.Plan{
		Budget:         model.Budget{MaxSteps: 3},
		OutputContract: model.OutputContract{Schema: json.RawMessage(`{"type":"object"}`)},
	}
	ApplyDefaults(p, config.Budgets{MaxSteps: 10, MaxToolCalls: 5, MaxLatencyMS: 1000, MaxCostEstimate: 1, MaxModelUpgrades: 2})

	assert.Equal(t, model.ModeMulti, p.Mode)
	assert.Equal(t, model.OutputJSON, p.OutputContract.Type)
	assert.Equal(t, model.Budget{
		MaxSteps:         3,
		MaxToolCalls:     model.Limit(5),
		MaxLatencyMS:     1000,
		MaxCostEstimate:  1,
		MaxModelUpgrades: model.Limit(2),
	}, p.Budget)
}

func TestApplyDefaults_KeepsExplicitZeroLimits(t *testing.T) {
	p := &model.Plan{Budget: model.Budget{MaxToolCalls: model.Limit(0), MaxModelUpgrades: model.Limit(0)}}
	ApplyDefaults(p, config.Budgets{MaxSteps: 10, MaxToolCalls: 5, MaxModelUpgrades: 2})

	require.NotNil(t, p.Budget.MaxToolCalls)
	require.NotNil(t, p.Budget.MaxModelUpgrades)
	assert.Equal(t, 0, *p.Budget.MaxToolCalls)
	assert.Equal(t, 0, *p.Budget.MaxModelUpgrades)
	require.NoError(t, Validate(p, testCatalog()))
}

func TestValidate_RejectsNegativeToolCallsBeforeDefaults(t *testing.T) {
	p := &model.Plan{Budget: model.Budget{MaxToolCalls: model.Limit(-1)}, Tasks: []model.TaskSpec{task("a")}}
	ApplyDefaults(p, config.Default().Budgets)

	err := Validate(p, testCatalog())
	assert.Equal(t, errs.PlanInvalid, errs.CodeOf(err))
}

func TestTopoOrder(t *testing.T) {
	p := basePlan(task("d", "b", "c"), task("c", "a"), task("b", "a"), task("a"), task("e"))
	order, err := TopoOrder(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c", "b", "d", "e"}, order)

	_, err = TopoOrder(basePlan(task("x", "y"), task("y", "x")))
	assert.Equal(t, errs.PlanInvalid, errs.CodeOf(err))
}
