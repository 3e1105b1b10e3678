package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/metalagman/planrun/internal/db"
	"github.com/metalagman/planrun/internal/errs"
	"github.com/metalagman/planrun/internal/model"
)

func TestRunPlan_ArchivesFinishedRun(t *testing.T) {
	root := t.TempDir()
	t.Chdir(root)
	resetViper(t)

	if err := writeTestFile(filepath.Join(root, defaultConfigPath), "store:\n  persist: true\n"); err != nil {
		t.Fatalf("write config: %v", err)
	}
	planPath := filepath.Join(root, "plan.yaml")
	if err := writeTestFile(planPath, `tasks:
  - name: gather
    agent: researcher
    input: {topic: go}
  - name: summarize
    agent: writer
    depends_on: [gather]
`); err != nil {
		t.Fatalf("write plan: %v", err)
	}

	if err := runPlan(context.Background(), planPath, runOptions{owner: "cli", wait: true, jsonOut: true}); err != nil {
		t.Fatalf("run plan: %v", err)
	}

	storeDB, closeFn, err := openDB(context.Background(), filepath.Join(root, ".planrun", "planrun.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer closeFn()

	runs, err := db.NewArchive(storeDB).List(context.Background(), db.ListFilter{})
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("archived runs = %d, want 1", len(runs))
	}
	if runs[0].Status != model.StatusSucceeded || runs[0].Owner != "cli" {
		t.Fatalf("archived run = %+v", runs[0])
	}
	if runs[0].Steps != 2 {
		t.Fatalf("steps = %d, want 2", runs[0].Steps)
	}
}

func TestRunPlan_InvalidPlan(t *testing.T) {
	root := t.TempDir()
	t.Chdir(root)
	resetViper(t)

	planPath := filepath.Join(root, "plan.json")
	if err := writeTestFile(planPath, `{"tasks":[{"name":"a","depends_on":["b"]},{"name":"b","depends_on":["a"]}]}`); err != nil {
		t.Fatalf("write plan: %v", err)
	}

	err := runPlan(context.Background(), planPath, runOptions{wait: true})
	if got := errs.CodeOf(err); got != errs.PlanInvalid {
		t.Fatalf("error code = %q, want %q (err: %v)", got, errs.PlanInvalid, err)
	}
}
