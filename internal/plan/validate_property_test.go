package plan

import (
	"fmt"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/metalagman/planrun/internal/errs"
	"github.com/metalagman/planrun/internal/model"
)

// chainPlan builds t0 <- t1 <- ... <- t(n-1), each task depending on the
// previous one.
func chainPlan(n int) *model.Plan {
	tasks := make([]model.TaskSpec, n)
	for i := range tasks {
		tasks[i] = model.TaskSpec{Name: fmt.Sprintf("t%d", i), Agent: "worker"}
		if i > 0 {
			tasks[i].DependsOn = []string{fmt.Sprintf("t%d", i-1)}
		}
	}
	return &model.Plan{
		Mode:   model.ModeMulti,
		Budget: model.Budget{MaxSteps: 100, MaxLatencyMS: 60_000},
		Tasks:  tasks,
	}
}

func TestValidateCycleProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("a back edge is reported as a cycle naming a member", prop.ForAll(
		func(n, a, b int) bool {
			lo, hi := a%n, b%n
			if lo > hi {
				lo, hi = hi, lo
			}
			p := chainPlan(n)
			// t(lo) now also depends on t(hi), closing the cycle t(lo)..t(hi).
			p.Tasks[lo].DependsOn = append(p.Tasks[lo].DependsOn, fmt.Sprintf("t%d", hi))

			e, ok := errs.As(Validate(p, nil))
			if !ok || e.Code != errs.PlanInvalid || !strings.Contains(e.Message, "cycle") {
				return false
			}
			for i := lo; i <= hi; i++ {
				if strings.Contains(e.Message, fmt.Sprintf("%q", fmt.Sprintf("t%d", i))) {
					return true
				}
			}
			return false
		},
		gen.IntRange(1, 20),
		gen.IntRange(0, 50),
		gen.IntRange(0, 50),
	))

	properties.Property("acyclic chains validate", prop.ForAll(
		func(n int) bool {
			return Validate(chainPlan(n), nil) == nil
		},
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}

func TestValidateStepBudgetProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("more tasks than max_steps is rejected", prop.ForAll(
		func(n, steps int) bool {
			p := chainPlan(n)
			p.Budget.MaxSteps = steps
			err := Validate(p, nil)
			if n > steps {
				e, ok := errs.As(err)
				return ok && e.Code == errs.PlanInvalid && strings.Contains(e.Message, "max_steps")
			}
			return err == nil
		},
		gen.IntRange(1, 30),
		gen.IntRange(1, 30),
	))

	properties.TestingRun(t)
}
