// Package model holds the plan and run documents shared by the validator, store and engine.
package model

import (
	"encoding/json"
	"maps"
	"slices"
	"time"

	"github.com/metalagman/planrun/internal/errs"
)

// Plan modes.
const (
	ModeSingle = "single"
	ModeMulti  = "multi"
)

// Output contract types.
const (
	OutputJSON = "json"
	OutputText = "text"
)

// Plan is a declarative task graph with its resource budget and output contract.
type Plan struct {
	Mode            string         `json:"mode"`
	Rationale       string         `json:"rationale"`
	Budget          Budget         `json:"budget"`
	Invariants      []string       `json:"invariants"`
	SuccessCriteria []string       `json:"success_criteria"`
	OutputContract  OutputContract `json:"output_contract"`
	Tasks           []TaskSpec     `json:"tasks"`
}

// Budget bounds a whole run, not a single task. A zero MaxSteps,
// MaxLatencyMS or MaxCostEstimate takes the system default. MaxToolCalls and
// MaxModelUpgrades are pointers so that an explicit 0 forbids the action
// while an absent field takes the default.
type Budget struct {
	MaxSteps         int     `json:"max_steps"`
	MaxToolCalls     *int    `json:"max_tool_calls,omitempty"`
	MaxLatencyMS     int64   `json:"max_latency_ms"`
	MaxCostEstimate  float64 `json:"max_cost_estimate"`
	MaxModelUpgrades *int    `json:"max_model_upgrades,omitempty"`
}

// Limit returns a pointer to n for the optional budget fields.
func Limit(n int) *int { return &n }

func cloneLimit(p *int) *int {
	if p == nil {
		return nil
	}
	return Limit(*p)
}

// OutputContract describes the shape of the aggregated result.
type OutputContract struct {
	Type   string          `json:"type"`
	Schema json.RawMessage `json:"schema,omitempty"`
}

// TaskSpec is one named unit of work.
type TaskSpec struct {
	Name            string          `json:"name"`
	Agent           string          `json:"agent"`
	Input           json.RawMessage `json:"input,omitempty"`
	DependsOn       []string        `json:"depends_on,omitempty"`
	ToolsAllowed    []string        `json:"tools_allowed,omitempty"`
	Model           string          `json:"model,omitempty"`
	ReasoningLevel  string          `json:"reasoning_level,omitempty"`
	MaxOutputTokens int             `json:"max_output_tokens,omitempty"`
	TimeoutMS       int64           `json:"timeout_ms,omitempty"`
	SystemPrompt    string          `json:"system_prompt,omitempty"`
	ParallelGroup   string          `json:"parallel_group,omitempty"`
}

// Clone returns a deep copy of the plan.
func (p Plan) Clone() Plan {
	out := p
	out.Budget.MaxToolCalls = cloneLimit(p.Budget.MaxToolCalls)
	out.Budget.MaxModelUpgrades = cloneLimit(p.Budget.MaxModelUpgrades)
	out.Invariants = slices.Clone(p.Invariants)
	out.SuccessCriteria = slices.Clone(p.SuccessCriteria)
	out.OutputContract.Schema = slices.Clone(p.OutputContract.Schema)
	out.Tasks = make([]TaskSpec, len(p.Tasks))
	for i, t := range p.Tasks {
		t.Input = slices.Clone(t.Input)
		t.DependsOn = slices.Clone(t.DependsOn)
		t.ToolsAllowed = slices.Clone(t.ToolsAllowed)
		out.Tasks[i] = t
	}
	return out
}

// Run statuses. Succeeded and failed are terminal and sticky.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s can no longer change.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Run is one execution of a Plan.
type Run struct {
	ID            string                     `json:"id"`
	Owner         string                     `json:"owner,omitempty"`
	CreatedAt     time.Time                  `json:"created_at"`
	StartedAt     time.Time                  `json:"started_at,omitzero"`
	FinishedAt    time.Time                  `json:"finished_at,omitzero"`
	Status        Status                     `json:"status"`
	Plan          Plan                       `json:"plan"`
	ResultsByTask map[string]json.RawMessage `json:"results_by_task"`
	Tasks         map[string]Status          `json:"tasks"`
	Progress      Progress                   `json:"progress"`
	Metrics       Metrics                    `json:"metrics"`
	Logs          []LogEntry                 `json:"logs"`
	LogsBase      int                        `json:"logs_base"`
	Error         *errs.Error                `json:"error,omitempty"`
}

// Progress counts tasks by state.
type Progress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Running   int `json:"running"`
	Queued    int `json:"queued"`
	Failed    int `json:"failed"`
}

// Metrics are the run-wide counters reported to callers.
type Metrics struct {
	TotalMS            int64            `json:"total_ms"`
	TasksMS            map[string]int64 `json:"tasks_ms"`
	ToolCalls          int              `json:"tool_calls"`
	Retries            int              `json:"retries"`
	Fallback           bool             `json:"fallback"`
	ModelUpgrades      int              `json:"model_upgrades"`
	CostEstimate       CostEstimate     `json:"cost_estimate"`
	ArtifactsBytes     int64            `json:"artifacts_bytes"`
	EventsTruncated    bool             `json:"events_truncated"`
	StepsExecutedTotal int              `json:"steps_executed_total"`
}

// CostEstimate splits spend by outcome for billing reconciliation.
type CostEstimate struct {
	Running   float64 `json:"running"`
	Committed float64 `json:"committed"`
	Failed    float64 `json:"failed"`
}

// LogEntry is one event in a run's bounded log.
type LogEntry struct {
	Seq     int       `json:"seq"`
	At      time.Time `json:"at"`
	Level   string    `json:"level"`
	Task    string    `json:"task,omitempty"`
	Type    string    `json:"type"`
	Message string    `json:"message"`
	Code    errs.Code `json:"code,omitempty"`
}

// NewRun allocates a queued run for plan.
func NewRun(id, owner string, plan Plan, now time.Time) *Run {
	tasks := make(map[string]Status, len(plan.Tasks))
	for _, t := range plan.Tasks {
		tasks[t.Name] = StatusQueued
	}
	return &Run{
		ID:            id,
		Owner:         owner,
		CreatedAt:     now,
		Status:        StatusQueued,
		Plan:          plan.Clone(),
		ResultsByTask: map[string]json.RawMessage{},
		Tasks:         tasks,
		Progress:      Progress{Total: len(plan.Tasks), Queued: len(plan.Tasks)},
		Metrics:       Metrics{TasksMS: map[string]int64{}},
	}
}

// Clone returns a deep copy safe to hand to other goroutines.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	out := *r
	out.Plan = r.Plan.Clone()
	out.ResultsByTask = make(map[string]json.RawMessage, len(r.ResultsByTask))
	for k, v := range r.ResultsByTask {
		out.ResultsByTask[k] = slices.Clone(v)
	}
	out.Tasks = maps.Clone(r.Tasks)
	out.Metrics.TasksMS = maps.Clone(r.Metrics.TasksMS)
	out.Logs = slices.Clone(r.Logs)
	out.Error = r.Error.Clone()
	return &out
}

// Pricing maps tier index to token prices.
type Pricing struct {
	Tiers []TierPrice `json:"tiers" mapstructure:"tiers"`
}

// TierPrice is expressed per million tokens.
type TierPrice struct {
	InputPerMTok  float64 `json:"input_per_mtok"  mapstructure:"input_per_mtok"`
	OutputPerMTok float64 `json:"output_per_mtok" mapstructure:"output_per_mtok"`
}

// Cost prices a round's usage at tier. Tiers past the table use its last entry.
func (p Pricing) Cost(tier int, inputTokens, outputTokens int64) float64 {
	if len(p.Tiers) == 0 {
		return 0
	}
	if tier < 0 {
		tier = 0
	}
	if tier >= len(p.Tiers) {
		tier = len(p.Tiers) - 1
	}
	price := p.Tiers[tier]
	return (float64(inputTokens)*price.InputPerMTok + float64(outputTokens)*price.OutputPerMTok) / 1e6
}
