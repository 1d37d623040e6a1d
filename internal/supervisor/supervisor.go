// Package supervisor owns one plugin's lifecycle state machine: spawning
// (in-process or a sandboxed child), health monitoring, crash-restart
// with backoff, and graceful-then-forced shutdown (§4.E).
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/corehost/pluginhost/internal/descriptor"
	"github.com/corehost/pluginhost/internal/hosterr"
	"github.com/corehost/pluginhost/internal/ipc"
	"github.com/corehost/pluginhost/internal/metrics"
	"github.com/corehost/pluginhost/internal/pluginapi"
	"github.com/corehost/pluginhost/internal/registry"
)

const (
	pingInterval          = 5 * time.Second
	pingTimeout           = 2 * time.Second
	maxConsecutivePingFail = 3
)

// WorkerLauncher spawns the sandboxed child process for a descriptor and
// returns an IPC channel. It exists as an injected function so tests can
// substitute a fake worker binary; the production implementation lives in
// cmd/pluginhostd and execs cmd/pluginworker.
type WorkerLauncher func(ctx context.Context, log zerolog.Logger, desc *descriptor.PluginDescriptor, onUnhealthy ipc.UnhealthyFunc, onEvent ipc.EventFunc) (*ipc.Channel, error)

// Supervisor is one plugin's controller. Exactly one Supervisor exists
// per mounted plugin, owned by the plugin manager.
type Supervisor struct {
	desc     *descriptor.PluginDescriptor
	svc      *registry.FilteredView
	log      zerolog.Logger
	metrics  *metrics.Collectors
	policy   RestartPolicy
	rng      *rand.Rand

	startGrace time.Duration
	stopGrace  time.Duration

	launchWorker WorkerLauncher
	trustedNew   pluginapi.Factory // nil for sandboxed plugins

	mu                 sync.RWMutex
	kind               StateKind
	consecutiveCrashes int
	lastError          string
	startedAt          time.Time
	windowStart        time.Time
	recentCrashes      []CrashRecord
	latestSample       *ResourceSample
	stopRequested      bool
	instanceID         string

	channel *ipc.Channel      // sandboxed mode only
	handler pluginapi.Handler // trusted mode only

	restartTimer *time.Timer
	pingCancel   context.CancelFunc
}

// New constructs a Supervisor in state Unloaded. Exactly one of
// trustedNew or launchWorker is used, selected by desc.Mode.
func New(desc *descriptor.PluginDescriptor, svc *registry.FilteredView, log zerolog.Logger, m *metrics.Collectors, policy RestartPolicy, startGrace, stopGrace time.Duration, trustedNew pluginapi.Factory, launchWorker WorkerLauncher) *Supervisor {
	return &Supervisor{
		desc:         desc,
		svc:          svc,
		log:          log,
		metrics:      m,
		policy:       policy,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		startGrace:   startGrace,
		stopGrace:    stopGrace,
		trustedNew:   trustedNew,
		launchWorker: launchWorker,
		kind:         Unloaded,
	}
}

// Descriptor returns the descriptor this supervisor was built from.
func (s *Supervisor) Descriptor() *descriptor.PluginDescriptor { return s.desc }

func (s *Supervisor) setState(kind StateKind) {
	s.kind = kind
	if s.metrics != nil {
		s.metrics.SetPluginState(s.desc.Name, string(kind))
	}
}

// Load transitions Unloaded -> Loaded; a no-op placeholder step that
// exists so the full §3 transition chain is explicit and observable.
func (s *Supervisor) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !validTransition(s.kind, Loaded) {
		return fmt.Errorf("supervisor %s: invalid transition %s->%s", s.desc.Name, s.kind, Loaded)
	}
	s.setState(Loaded)
	return nil
}

// Start spawns the worker (or trusted instance), waits for readiness
// within startGrace, and transitions to Running.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if !validTransition(s.kind, Starting) {
		s.mu.Unlock()
		return fmt.Errorf("supervisor %s: invalid transition %s->%s", s.desc.Name, s.kind, Starting)
	}
	s.setState(Starting)
	s.instanceID = uuid.NewString()
	s.windowStart = time.Now()
	s.mu.Unlock()

	if s.desc.Mode == descriptor.Trusted {
		return s.startTrusted(ctx)
	}
	return s.startSandboxed(ctx)
}

func (s *Supervisor) startTrusted(ctx context.Context) (err error) {
	handler := s.trustedNew()
	pctx := pluginapi.Context{PluginName: s.desc.Name, Services: s.svc, Logger: pluginLogger{log: s.log}, Config: envToConfig(s.desc.Env)}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("on_load panicked: %v", r)
		}
	}()

	if loadErr := handler.OnLoad(ctx, pctx); loadErr != nil {
		err = loadErr
	}
	if err != nil {
		s.handleCrash(err)
		return err
	}

	s.mu.Lock()
	s.handler = handler
	s.startedAt = time.Now()
	s.setState(Running)
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) startSandboxed(ctx context.Context) error {
	readyCh := make(chan struct{}, 1)
	onEvent := func(event string, payload json.RawMessage) {
		switch event {
		case ipc.EventReady:
			select {
			case readyCh <- struct{}{}:
			default:
			}
		case ipc.EventResource:
			var sample struct {
				MemoryBytes int64   `json:"memory_bytes"`
				CPUSeconds  float64 `json:"cpu_seconds"`
			}
			if json.Unmarshal(payload, &sample) == nil {
				s.mu.Lock()
				s.latestSample = &ResourceSample{At: time.Now(), MemoryBytes: sample.MemoryBytes, CPUSeconds: sample.CPUSeconds}
				overMem := s.desc.Resources.MaxMemoryBytes > 0 && sample.MemoryBytes > s.desc.Resources.MaxMemoryBytes
				overCPU := s.desc.Resources.MaxCPUSeconds > 0 && int64(sample.CPUSeconds) > s.desc.Resources.MaxCPUSeconds
				s.mu.Unlock()
				if overMem {
					s.handleUnhealthy(hosterr.New(hosterr.Capacity, "memory_limit_exceeded", "plugin exceeded max_memory_bytes"))
				} else if overCPU {
					s.handleUnhealthy(hosterr.New(hosterr.Capacity, "cpu_limit_exceeded", "plugin exceeded max_cpu_seconds"))
				}
			}
		}
	}

	ch, err := s.launchWorker(ctx, s.log, s.desc, s.handleUnhealthy, onEvent)
	if err != nil {
		s.handleCrash(err)
		return err
	}

	select {
	case <-readyCh:
	case <-time.After(s.startGrace):
		_ = ch.Stop(context.Background(), s.stopGrace)
		s.handleCrash(fmt.Errorf("worker did not emit ready within startup grace"))
		return hosterr.New(hosterr.ProcessDead, "startup_timeout", "plugin worker did not become ready in time")
	case <-ctx.Done():
		_ = ch.Stop(context.Background(), s.stopGrace)
		return ctx.Err()
	}

	s.mu.Lock()
	s.channel = ch
	s.startedAt = time.Now()
	s.setState(Running)
	s.mu.Unlock()

	pingCtx, cancel := context.WithCancel(context.Background())
	s.pingCancel = cancel
	go s.healthLoop(pingCtx, ch)

	return nil
}

func (s *Supervisor) healthLoop(ctx context.Context, ch *ipc.Channel) {
	failures := 0
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := ch.Ping(pctx, pingTimeout)
			cancel()
			if err != nil {
				failures++
				if failures >= maxConsecutivePingFail {
					s.handleUnhealthy(fmt.Errorf("health check failed %d times consecutively: %w", failures, err))
					return
				}
			} else {
				failures = 0
			}
		}
	}
}

// handleUnhealthy is invoked by the IPC channel or health loop when the
// plugin is no longer trustworthy; it is treated identically to a crash.
func (s *Supervisor) handleUnhealthy(reason error) {
	s.handleCrash(reason)
}

// handleCrash implements the restart policy of §4.E.
func (s *Supervisor) handleCrash(reason error) {
	s.mu.Lock()
	if s.stopRequested {
		s.mu.Unlock()
		return
	}
	now := time.Now()
	if now.Sub(s.windowStart) > s.policy.Window {
		s.consecutiveCrashes = 0
		s.windowStart = now
	}
	s.consecutiveCrashes++
	s.lastError = reason.Error()
	s.recentCrashes = append(s.recentCrashes, CrashRecord{At: now, Reason: reason.Error()})
	if len(s.recentCrashes) > 10 {
		s.recentCrashes = s.recentCrashes[len(s.recentCrashes)-10:]
	}
	crashes := s.consecutiveCrashes
	s.setState(Failing)
	if s.metrics != nil {
		s.metrics.PluginRestarts.WithLabelValues(s.desc.Name).Inc()
	}
	s.mu.Unlock()

	if crashes > s.policy.MaxRestarts {
		terminal := hosterr.TerminalFailure(s.desc.Name, reason)
		s.mu.Lock()
		s.lastError = terminal.Error()
		s.setState(Stopped)
		s.mu.Unlock()
		s.log.Error().Str("plugin", s.desc.Name).Int("crashes", crashes).Err(terminal).Msg("restart budget exhausted; giving up")
		return
	}

	delay := s.policy.Backoff(crashes, s.rng)
	s.log.Warn().Str("plugin", s.desc.Name).Int("attempt", crashes).Dur("backoff", delay).Err(reason).Msg("plugin crashed; scheduling restart")
	s.restartTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.stopRequested {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		if err := s.Start(context.Background()); err != nil {
			s.log.Error().Str("plugin", s.desc.Name).Err(err).Msg("restart attempt failed")
		}
	})
}

// Call routes one request to the plugin, in-process for trusted mode or
// over IPC for sandboxed mode.
func (s *Supervisor) Call(ctx context.Context, action string, payload json.RawMessage, deadline time.Duration) (json.RawMessage, error) {
	s.mu.RLock()
	kind := s.kind
	handler := s.handler
	ch := s.channel
	s.mu.RUnlock()

	if kind != Running {
		return nil, hosterr.PluginGone(s.desc.Name)
	}

	if handler != nil {
		callCtx, cancel := context.WithTimeout(ctx, deadline)
		defer cancel()
		return s.callTrusted(callCtx, handler, action, payload)
	}
	if ch != nil {
		return ch.Call(ctx, action, payload, deadline)
	}
	return nil, hosterr.PluginGone(s.desc.Name)
}

func (s *Supervisor) callTrusted(ctx context.Context, handler pluginapi.Handler, action string, payload json.RawMessage) (result json.RawMessage, err error) {
	type out struct {
		data json.RawMessage
		err  error
	}
	done := make(chan out, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- out{err: hosterr.New(hosterr.PluginFailure, "panic", fmt.Sprintf("%v", r))}
			}
		}()
		d, e := handler.Handle(ctx, action, payload)
		done <- out{data: d, err: e}
	}()
	select {
	case o := <-done:
		if o.err != nil {
			return nil, hosterr.Wrap(hosterr.PluginFailure, "handler_error", o.err)
		}
		return o.data, nil
	case <-ctx.Done():
		return nil, hosterr.New(hosterr.IPCTimeout, "ipc_timeout", "trusted handler exceeded its deadline")
	}
}

// Stop performs graceful-then-forced shutdown and transitions to Stopped;
// the final Stopped -> Unloaded step is Unload's.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopRequested = true
	if s.restartTimer != nil {
		s.restartTimer.Stop()
	}
	if s.pingCancel != nil {
		s.pingCancel()
	}
	if s.kind == Running || s.kind == Failing {
		s.setState(Stopping)
	}
	handler := s.handler
	ch := s.channel
	pctx := pluginapi.Context{PluginName: s.desc.Name, Services: s.svc, Logger: pluginLogger{log: s.log}, Config: envToConfig(s.desc.Env)}
	s.mu.Unlock()

	var err error
	if handler != nil {
		unloadCtx, cancel := context.WithTimeout(ctx, s.stopGrace)
		defer cancel()
		err = handler.OnUnload(unloadCtx, pctx)
	} else if ch != nil {
		err = ch.Stop(ctx, s.stopGrace)
	}

	s.mu.Lock()
	s.setState(Stopped)
	s.handler = nil
	s.channel = nil
	s.mu.Unlock()

	return err
}

// Unload finalizes Stopped -> Unloaded.
func (s *Supervisor) Unload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !validTransition(s.kind, Unloaded) {
		return fmt.Errorf("supervisor %s: invalid transition %s->%s", s.desc.Name, s.kind, Unloaded)
	}
	s.setState(Unloaded)
	return nil
}

// State returns the current state kind only, for fast checks (e.g. the
// plugin manager's route-table visibility invariant in §8).
func (s *Supervisor) State() StateKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetCrashWindowLocked()
	return s.kind
}

// resetCrashWindowLocked zeroes the consecutive-crash counter once the
// plugin has been continuously Running for longer than the restart
// policy's window, so consecutive_crashes doesn't stay stuck at a stale
// nonzero value for the (possibly unbounded) time between the window
// elapsing and the next crash, if any (§8 "consecutive_crashes is zero
// when state is running and has been running longer than the reset
// window"). Must be called with s.mu held.
func (s *Supervisor) resetCrashWindowLocked() {
	if s.kind == Running && !s.startedAt.IsZero() && time.Since(s.startedAt) > s.policy.Window && s.consecutiveCrashes != 0 {
		s.consecutiveCrashes = 0
		s.windowStart = time.Now()
	}
}

// Stats returns the read-only resource-accounting view of §4.E.
func (s *Supervisor) Stats() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetCrashWindowLocked()
	uptime := time.Duration(0)
	if !s.startedAt.IsZero() && s.kind == Running {
		uptime = time.Since(s.startedAt)
	}
	pending := 0
	if s.channel != nil {
		pending = s.channel.PendingCount()
	}
	crashes := make([]CrashRecord, len(s.recentCrashes))
	copy(crashes, s.recentCrashes)
	return Snapshot{
		Plugin:             s.desc.Name,
		Kind:               s.kind,
		ConsecutiveCrashes: s.consecutiveCrashes,
		LastError:          s.lastError,
		StartedAt:          s.startedAt,
		Uptime:             uptime,
		RecentCrashes:      crashes,
		LatestSample:       s.latestSample,
		PendingCalls:       pending,
	}
}

// pluginLogger adapts zerolog to pluginapi.Logger.
type pluginLogger struct{ log zerolog.Logger }

func (p pluginLogger) Debug(msg string, fields map[string]any) { p.log.Debug().Fields(fields).Msg(msg) }
func (p pluginLogger) Info(msg string, fields map[string]any)  { p.log.Info().Fields(fields).Msg(msg) }
func (p pluginLogger) Warn(msg string, fields map[string]any)  { p.log.Warn().Fields(fields).Msg(msg) }
func (p pluginLogger) Error(msg string, fields map[string]any) { p.log.Error().Fields(fields).Msg(msg) }

// resolveEntry maps a descriptor's logical entry to a filesystem path for
// sandboxed .so loading. Nothing in this module calls it: the production
// WorkerLauncher in cmd/pluginhostd passes desc.Entry unchanged and runs
// the worker with desc.Dir as its working directory.
func resolveEntry(desc *descriptor.PluginDescriptor) string {
	if filepath.IsAbs(desc.Entry) {
		return desc.Entry
	}
	return filepath.Join(desc.Dir, desc.Entry)
}

// envToConfig widens a descriptor's declared env map into the Config a
// trusted plugin sees at pluginapi.Context — trusted plugins run
// in-process and read it directly rather than through os.Getenv the way a
// sandboxed worker's own process environment would expose it.
func envToConfig(env map[string]string) map[string]any {
	if len(env) == 0 {
		return nil
	}
	cfg := make(map[string]any, len(env))
	for k, v := range env {
		cfg[k] = v
	}
	return cfg
}
