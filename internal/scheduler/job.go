package scheduler

import (
	"time"

	"github.com/corehost/pluginhost/internal/descriptor"
)

// RunState is the runtime state of one job (§3 "Job runtime record").
type RunState string

const (
	Scheduled      RunState = "scheduled"
	WaitingForDeps RunState = "waiting_for_deps"
	Running        RunState = "running"
	Succeeded      RunState = "succeeded"
	Failed         RunState = "failed"
	Cancelled      RunState = "cancelled"
)

// HistoryEntry is one completed run, kept in a bounded ring per job.
type HistoryEntry struct {
	Attempt  int
	State    RunState
	StartedAt time.Time
	EndedAt   time.Time
	Error     string
}

const historyLimit = 50

// runtimeJob is the scheduler's live bookkeeping for one registered job,
// wrapping its immutable descriptor.JobDescriptor.
type runtimeJob struct {
	desc descriptor.JobDescriptor

	state      RunState
	attempt    int
	lastRunAt  time.Time
	nextRunAt  time.Time
	lastError  string
	lastFailed bool
	history    []HistoryEntry

	cancel func() // stops this job's trigger driver goroutine
}

func (j *runtimeJob) pushHistory(h HistoryEntry) {
	j.history = append(j.history, h)
	if len(j.history) > historyLimit {
		j.history = j.history[len(j.history)-historyLimit:]
	}
}

// Snapshot is the read-only introspection view of §4.I "Introspection".
type Snapshot struct {
	ID          string
	Plugin      string
	Name        string
	State       RunState
	Attempt     int
	LastRunAt   time.Time
	NextRunAt   time.Time
	LastError   string
	History     []HistoryEntry
	Priority    descriptor.Priority
	Execution   descriptor.Execution
	DependsOn   []string
}
