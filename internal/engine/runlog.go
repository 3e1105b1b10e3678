package engine

import (
	"slices"
	"sync"
	"time"

	"github.com/metalagman/planrun/internal/errs"
	"github.com/metalagman/planrun/internal/model"
)

// Log levels and event types recorded in a run's log.
const (
	levelInfo  = "info"
	levelWarn  = "warn"
	levelError = "error"

	eventRunStarted      = "run_started"
	eventRunSucceeded    = "run_succeeded"
	eventRunFailed       = "run_failed"
	eventTaskStarted     = "task_started"
	eventTaskSucceeded   = "task_succeeded"
	eventTaskFailed      = "task_failed"
	eventTaskSkipped     = "task_skipped"
	eventResultDiscarded = "result_discarded"
	eventRetry           = "provider_retry"
	eventUpgrade         = "model_upgrade"
	eventToolCall        = "tool_call"
)

// runLog is a bounded event sequence. Once full, the oldest entries are
// dropped and base counts how many were dropped.
type runLog struct {
	max int
	now func() time.Time

	mu        sync.Mutex
	entries   []model.LogEntry
	seq       int
	base      int
	truncated bool
}

func newRunLog(limit int, now func() time.Time) *runLog {
	if limit <= 0 {
		limit = 1
	}
	return &runLog{max: limit, now: now}
}

func (l *runLog) add(level, task, typ, msg string, code errs.Code) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	l.entries = append(l.entries, model.LogEntry{
		Seq:     l.seq,
		At:      l.now().UTC(),
		Level:   level,
		Task:    task,
		Type:    typ,
		Message: msg,
		Code:    code,
	})
	if over := len(l.entries) - l.max; over > 0 {
		l.entries = slices.Delete(l.entries, 0, over)
		l.base += over
		l.truncated = true
	}
}

func (l *runLog) info(task, typ, msg string) {
	l.add(levelInfo, task, typ, msg, "")
}

func (l *runLog) warn(task, typ, msg string, code errs.Code) {
	l.add(levelWarn, task, typ, msg, code)
}

func (l *runLog) fail(task, typ string, err *errs.Error) {
	l.add(levelError, task, typ, err.Message, err.Code)
}

// copyTo writes the retained entries into run.
func (l *runLog) copyTo(run *model.Run) {
	l.mu.Lock()
	defer l.mu.Unlock()
	run.Logs = slices.Clone(l.entries)
	run.LogsBase = l.base
	run.Metrics.EventsTruncated = l.truncated
}
