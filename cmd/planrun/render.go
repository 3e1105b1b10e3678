package main

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/metalagman/planrun/internal/db"
	"github.com/metalagman/planrun/internal/model"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func statusStyle(s model.Status) lipgloss.Style {
	switch s {
	case model.StatusSucceeded:
		return okStyle
	case model.StatusFailed:
		return errorStyle
	case model.StatusRunning:
		return warnStyle
	default:
		return mutedStyle
	}
}

// renderRun prints a human summary of run: status, per-task states, metrics
// and the error if any.
func renderRun(w io.Writer, run *model.Run) {
	fmt.Fprintf(w, "%s %s %s\n", headerStyle.Render("run"), run.ID, statusStyle(run.Status).Render(string(run.Status)))
	if run.Owner != "" {
		fmt.Fprintf(w, "  owner     %s\n", run.Owner)
	}
	p := run.Progress
	fmt.Fprintf(w, "  progress  %d/%d completed, %d running, %d queued, %d failed\n",
		p.Completed, p.Total, p.Running, p.Queued, p.Failed)

	names := make([]string, 0, len(run.Tasks))
	for name := range run.Tasks {
		names = append(names, name)
	}
	slices.Sort(names)
	fmt.Fprintln(w, headerStyle.Render("tasks"))
	for _, name := range names {
		st := run.Tasks[name]
		fmt.Fprintf(w, "  %-20s %s", name, statusStyle(st).Render(string(st)))
		if ms, ok := run.Metrics.TasksMS[name]; ok {
			fmt.Fprintf(w, " %s", mutedStyle.Render(formatMS(ms)))
		}
		fmt.Fprintln(w)
	}

	m := run.Metrics
	fmt.Fprintln(w, headerStyle.Render("metrics"))
	fmt.Fprintf(w, "  steps %d  tool calls %d  retries %d  upgrades %d  artifacts %dB  total %s\n",
		m.StepsExecutedTotal, m.ToolCalls, m.Retries, m.ModelUpgrades, m.ArtifactsBytes, formatMS(m.TotalMS))
	fmt.Fprintf(w, "  cost committed %.6f  failed %.6f  running %.6f\n",
		m.CostEstimate.Committed, m.CostEstimate.Failed, m.CostEstimate.Running)
	if m.EventsTruncated {
		fmt.Fprintf(w, "  %s\n", warnStyle.Render(fmt.Sprintf("event log truncated, %d oldest events dropped", run.LogsBase)))
	}

	if run.Error != nil {
		fmt.Fprintf(w, "%s %s: %s\n", errorStyle.Render("error"), run.Error.Code, run.Error.Message)
		if run.Error.SuggestedAction != "" {
			fmt.Fprintf(w, "  suggested action: %s\n", run.Error.SuggestedAction)
		}
	}
}

func renderEvents(w io.Writer, events []model.LogEntry) {
	fmt.Fprintln(w, headerStyle.Render("events"))
	for _, ev := range events {
		line := fmt.Sprintf("  %4d %s %-5s %-16s", ev.Seq, ev.At.UTC().Format(time.RFC3339), ev.Level, ev.Type)
		if ev.Task != "" {
			line += " [" + ev.Task + "]"
		}
		line += " " + ev.Message
		if ev.Code != "" {
			line += " (" + string(ev.Code) + ")"
		}
		switch ev.Level {
		case "error":
			line = errorStyle.Render(line)
		case "warn":
			line = warnStyle.Render(line)
		}
		fmt.Fprintln(w, line)
	}
}

func renderSummaries(w io.Writer, runs []db.Summary) {
	if len(runs) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("no archived runs"))
		return
	}
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%-36s  %-10s  %-16s  %-20s  %5s  %s", "RUN", "STATUS", "OWNER", "CREATED", "STEPS", "ERROR")))
	for _, s := range runs {
		status := fmt.Sprintf("%-10s", s.Status)
		fmt.Fprintf(w, "%-36s  %s  %-16s  %-20s  %5d  %s\n",
			s.ID, statusStyle(s.Status).Render(status), truncate(s.Owner, 16),
			s.CreatedAt.UTC().Format(time.RFC3339), s.Steps, s.ErrorCode)
	}
}

func formatMS(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).String()
}

func truncate(s string, n int) string {
	if len([]rune(s)) <= n {
		return s
	}
	return strings.TrimSpace(string([]rune(s)[:n-1])) + "~"
}
