// Package scheduler owns the recurring/one-shot job space (§4.I): trigger
// types, priority queues, a declared dependency graph with cycle
// detection, two worker pools, retries with backoff, and failure
// alerting.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/corehost/pluginhost/internal/descriptor"
	"github.com/corehost/pluginhost/internal/hosterr"
	"github.com/corehost/pluginhost/internal/metrics"
)

// Caller invokes a plugin's callable_ref, the same shape
// pluginmanager.Manager.Call exposes — the scheduler never holds a direct
// reference to the plugin manager type to avoid a import cycle, only this
// narrow function.
type Caller func(ctx context.Context, plugin, action string, payload json.RawMessage, deadline time.Duration) (json.RawMessage, error)

// Alerter publishes a structured failure alert (§4.I "routed by the
// collaborator described in §6"); internal/alerts implements it over NATS
// with a graceful no-op when unconfigured.
type Alerter interface {
	Publish(ctx context.Context, plugin, job, message string) error
}

// Scheduler is the process-wide job engine. One instance per host.
type Scheduler struct {
	mu   sync.RWMutex
	jobs map[string]*runtimeJob

	ioPool  *pool
	cpuPool *pool

	cronSched *cron.Cron
	cronIDs   map[string]cron.EntryID

	caller  Caller
	alerter Alerter
	log     zerolog.Logger
	metrics *metrics.Collectors

	shutdownOnce sync.Once
	shuttingDown bool
	inFlight     sync.WaitGroup
}

// New constructs a Scheduler with an I/O pool sized ioWorkers and a CPU
// pool sized cpuWorkers (conventionally runtime.NumCPU()).
func New(ioWorkers, cpuWorkers int, caller Caller, alerter Alerter, log zerolog.Logger, m *metrics.Collectors) *Scheduler {
	s := &Scheduler{
		jobs:      make(map[string]*runtimeJob),
		cronSched: cron.New(),
		cronIDs:   make(map[string]cron.EntryID),
		caller:    caller,
		alerter:   alerter,
		log:       log,
		metrics:   m,
	}
	s.ioPool = newPool("io", ioWorkers, s)
	s.cpuPool = newPool("cpu", cpuWorkers, s)
	return s
}

// Start launches the worker pools and the cron scheduler.
func (s *Scheduler) Start(ctx context.Context) {
	s.ioPool.start(ctx)
	s.cpuPool.start(ctx)
	s.cronSched.Start()
	go func() {
		<-ctx.Done()
		s.cronSched.Stop()
	}()
}

// Register adds a job at plugin start. It rejects a dependency cycle
// (checked across the full currently-registered graph plus this job) and
// rejects a duplicate id.
func (s *Scheduler) Register(job descriptor.JobDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return hosterr.New(hosterr.Config, "duplicate_job_id", fmt.Sprintf("job %q already registered", job.ID))
	}

	candidate := map[string][]string{job.ID: job.DependsOn}
	for id, rj := range s.jobs {
		candidate[id] = rj.desc.DependsOn
	}
	for _, dep := range job.DependsOn {
		if _, ok := candidate[dep]; !ok {
			return hosterr.New(hosterr.Dependency, "unknown_dependency", fmt.Sprintf("job %q depends on unknown job %q", job.ID, dep))
		}
	}
	if hasCycle(candidate) {
		return hosterr.New(hosterr.Dependency, "dependency_cycle", fmt.Sprintf("registering job %q would create a dependency cycle", job.ID))
	}

	rj := &runtimeJob{desc: job, state: Scheduled}
	s.jobs[job.ID] = rj

	ctx, cancel := context.WithCancel(context.Background())
	rj.cancel = cancel
	s.startTrigger(ctx, rj)

	return nil
}

// Deregister removes a job at plugin stop. Registering then deregistering
// a job with the same id leaves the job table unchanged (§8).
func (s *Scheduler) Deregister(id string) {
	s.mu.Lock()
	rj, ok := s.jobs[id]
	if ok {
		delete(s.jobs, id)
	}
	if entryID, ok := s.cronIDs[id]; ok {
		s.cronSched.Remove(entryID)
		delete(s.cronIDs, id)
	}
	s.mu.Unlock()
	if ok && rj.cancel != nil {
		rj.cancel()
	}
}

// hasCycle runs a DFS cycle check over the dependency graph represented
// as arena-style adjacency by job id (§9 "represent them as ... integer
// indices; cycles ... rejected at registration").
func hasCycle(graph map[string][]string) bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	var visit func(string) bool
	visit = func(n string) bool {
		color[n] = gray
		for _, dep := range graph[n] {
			switch color[dep] {
			case gray:
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		color[n] = black
		return false
	}
	for n := range graph {
		if color[n] == white {
			if visit(n) {
				return true
			}
		}
	}
	return false
}

// eligible reports whether a job's dependencies allow it to run now: none
// of depends_on may be currently running or most-recently failed (§4.I,
// §8).
func (s *Scheduler) eligible(rj *runtimeJob) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, dep := range rj.desc.DependsOn {
		depJob, ok := s.jobs[dep]
		if !ok {
			continue
		}
		if depJob.state == Running || depJob.lastFailed {
			return false
		}
	}
	return true
}

// enqueue pushes a fire event onto the appropriate pool/priority queue.
func (s *Scheduler) enqueue(jobID string, manual bool) {
	s.mu.RLock()
	rj, ok := s.jobs[jobID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	p := s.ioPool
	if rj.desc.Execution == descriptor.ExecutionCPU {
		p = s.cpuPool
	}
	p.enqueue(rj.desc.Priority, workItem{jobID: jobID, manual: manual})
}

// TriggerManually runs a job immediately as attempt 1, without resetting
// its schedule (§4.I "Introspection").
func (s *Scheduler) TriggerManually(id string) error {
	s.mu.RLock()
	_, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return hosterr.New(hosterr.Config, "unknown_job", fmt.Sprintf("job %q is not registered", id))
	}
	s.enqueue(id, true)
	return nil
}

// execute runs one job attempt, retrying with backoff up to max_retries,
// recording history, and alerting on final failure (§4.I "Retries").
func (s *Scheduler) execute(ctx context.Context, item workItem) {
	s.mu.RLock()
	rj, ok := s.jobs[item.jobID]
	s.mu.RUnlock()
	if !ok || s.isShuttingDown() {
		return
	}

	if !item.manual && !s.eligible(rj) {
		s.mu.Lock()
		rj.state = WaitingForDeps
		s.mu.Unlock()
		time.AfterFunc(200*time.Millisecond, func() { s.enqueue(item.jobID, item.manual) })
		return
	}

	s.inFlight.Add(1)
	defer s.inFlight.Done()

	attempt := 1
	if item.manual {
		attempt = 1
	}
	for {
		start := time.Now()
		s.mu.Lock()
		rj.state = Running
		rj.attempt = attempt
		rj.lastRunAt = start
		s.mu.Unlock()

		runCtx, cancel := context.WithCancel(ctx)
		_, err := s.caller(runCtx, rj.desc.Plugin, rj.desc.CallableRef, nil, jobDeadline(rj.desc))
		cancel()
		end := time.Now()

		if s.metrics != nil {
			outcome := "succeeded"
			if err != nil {
				outcome = "failed"
			}
			s.metrics.JobRuns.WithLabelValues(rj.desc.Name, outcome).Inc()
			s.metrics.JobLatency.WithLabelValues(rj.desc.Name).Observe(end.Sub(start).Seconds())
		}

		if ctx.Err() != nil {
			s.finish(rj, Cancelled, attempt, start, end, "")
			s.selfDeleteIfOnce(rj)
			return
		}

		if err == nil {
			s.finish(rj, Succeeded, attempt, start, end, "")
			s.selfDeleteIfOnce(rj)
			return
		}

		if attempt >= maxRetries(rj.desc) {
			s.finish(rj, Failed, attempt, start, end, err.Error())
			if rj.desc.AlertOnFailure && s.alerter != nil {
				_ = s.alerter.Publish(context.Background(), rj.desc.Plugin, rj.desc.Name, err.Error())
			}
			s.selfDeleteIfOnce(rj)
			return
		}

		backoff := time.Duration(rj.desc.RetryBackoffMS) * time.Millisecond
		for i := 1; i < attempt; i++ {
			backoff *= 2
		}
		attempt++
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			s.finish(rj, Cancelled, attempt, start, time.Now(), "")
			s.selfDeleteIfOnce(rj)
			return
		}
	}
}

func maxRetries(d descriptor.JobDescriptor) int {
	if d.MaxRetries <= 0 {
		return 1
	}
	return d.MaxRetries
}

// defaultJobDeadline applies when a job was registered with no TimeoutMS
// of its own and no owning plugin descriptor to inherit one from (e.g. a
// job registered directly by a test or an administrator tool).
const defaultJobDeadline = 30 * time.Second

// jobDeadline derives the per-attempt call deadline from the job's
// TimeoutMS (itself defaulted from the owning plugin's TimeoutMS by
// descriptor.Load), never the literal zero value a bare struct would
// otherwise pass straight through to context.WithTimeout.
func jobDeadline(d descriptor.JobDescriptor) time.Duration {
	if d.TimeoutMS <= 0 {
		return defaultJobDeadline
	}
	return time.Duration(d.TimeoutMS) * time.Millisecond
}

func (s *Scheduler) finish(rj *runtimeJob, state RunState, attempt int, start, end time.Time, errMsg string) {
	s.mu.Lock()
	rj.state = state
	rj.lastFailed = state == Failed
	rj.lastError = errMsg
	rj.pushHistory(HistoryEntry{Attempt: attempt, State: state, StartedAt: start, EndedAt: end, Error: errMsg})
	s.mu.Unlock()
}

// selfDeleteIfOnce implements the once trigger's "self-deletes after
// completion" rule (§4.I): a single-shot job never lingers in the job
// table once it has run, regardless of outcome.
func (s *Scheduler) selfDeleteIfOnce(rj *runtimeJob) {
	if rj.desc.Trigger == descriptor.TriggerOnce {
		go s.Deregister(rj.desc.ID)
	}
}

func (s *Scheduler) isShuttingDown() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shuttingDown
}

// Shutdown stops accepting new runs, cancels every job's trigger driver,
// and awaits in-flight runs up to grace (§4.I "Cancellation and
// shutdown"). It does not cancel the in-flight runs themselves: a run's
// context derives from the one passed to Start, so a run is cancelled
// only when that context is. Runs past the deadline are left as whatever
// the in-flight goroutine itself records.
func (s *Scheduler) Shutdown(grace time.Duration) {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.shuttingDown = true
		for _, rj := range s.jobs {
			if rj.cancel != nil {
				rj.cancel()
			}
		}
		s.mu.Unlock()

		done := make(chan struct{})
		go func() {
			s.inFlight.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(grace):
		}
	})
}

// List returns introspection snapshots for every registered job.
func (s *Scheduler) List() []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Snapshot, 0, len(s.jobs))
	for _, rj := range s.jobs {
		hist := make([]HistoryEntry, len(rj.history))
		copy(hist, rj.history)
		out = append(out, Snapshot{
			ID: rj.desc.ID, Plugin: rj.desc.Plugin, Name: rj.desc.Name,
			State: rj.state, Attempt: rj.attempt, LastRunAt: rj.lastRunAt,
			NextRunAt: rj.nextRunAt, LastError: rj.lastError, History: hist,
			Priority: rj.desc.Priority, Execution: rj.desc.Execution, DependsOn: rj.desc.DependsOn,
		})
	}
	return out
}
