// Package sandbox implements the code that runs inside a plugin's child
// process (§4.D): load the plugin's .so entry, run its on_load hook,
// answer request frames concurrently, emit periodic resource events, and
// shut down cleanly on control:shutdown.
package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"plugin"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/corehost/pluginhost/internal/hosterr"
	"github.com/corehost/pluginhost/internal/ipc"
	"github.com/corehost/pluginhost/internal/pluginapi"
)

// entrySymbol is the exported symbol every plugin .so must provide,
// grounded on the reference host's dynamic-plugin convention (discovery.go:
// "must export exactly NewPlugin").
const entrySymbol = "NewPlugin"

// BootConfig is the bootstrap configuration the worker reads on startup
// (§4.D step 1): the plugin name, the path of its .so entry, request
// parallelism, the resource-event period, and the plugin's declared
// environment. The services the plugin may reach are not part of it; they
// arrive as Run's services argument.
type BootConfig struct {
	PluginName       string
	EntryPath        string
	Parallelism      int
	ResourceInterval time.Duration
	Env              map[string]string
}

// envToConfig widens a worker's declared env map into the Config a
// sandboxed plugin sees at pluginapi.Context, mirroring how a trusted
// plugin's descriptor env is exposed in-process (internal/supervisor).
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

// Worker hosts one loaded plugin and answers IPC frames on stdin/stdout.
type Worker struct {
	cfg     BootConfig
	handler pluginapi.Handler
	out     *bufio.Writer
	outMu   sync.Mutex
	sem     chan struct{}
}

// LoadEntry opens the .so at path and constructs a Handler via its
// exported NewPlugin symbol.
func LoadEntry(path string) (pluginapi.Handler, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, hosterr.Wrap(hosterr.Config, "entry_open_failed", err)
	}
	sym, err := p.Lookup(entrySymbol)
	if err != nil {
		return nil, hosterr.Wrap(hosterr.Config, "entry_symbol_missing", err)
	}
	factory, ok := sym.(func() pluginapi.Handler)
	if !ok {
		return nil, hosterr.New(hosterr.Config, "entry_symbol_wrong_type",
			"exported NewPlugin does not have signature func() pluginapi.Handler")
	}
	return factory(), nil
}

// Run constructs a Worker, loads the entry, calls OnLoad, and blocks
// serving frames from r until shutdown or a fatal I/O error. It is the
// single function cmd/pluginworker's main calls.
func Run(ctx context.Context, cfg BootConfig, r io.Reader, w io.Writer, services pluginapi.ServiceView, log pluginapi.Logger) error {
	handler, err := LoadEntry(cfg.EntryPath)
	if err != nil {
		return err
	}

	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = runtime.NumCPU() * 4
	}

	wk := &Worker{
		cfg:     cfg,
		handler: handler,
		out:     bufio.NewWriter(w),
		sem:     make(chan struct{}, parallelism),
	}

	pctx := pluginapi.Context{PluginName: cfg.PluginName, Services: services, Logger: log, Config: envToConfig(cfg.Env)}
	if err := handler.OnLoad(ctx, pctx); err != nil {
		return err
	}

	wk.emit(ipc.NewEvent(ipc.EventReady, nil))

	resourceCtx, cancelResource := context.WithCancel(ctx)
	defer cancelResource()
	go wk.resourceLoop(resourceCtx)

	var wg sync.WaitGroup
	shutdownCh := make(chan struct{})

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		var frame ipc.Frame
		if err := json.Unmarshal(line, &frame); err != nil {
			continue // malformed frames from the parent are simply skipped
		}

		switch frame.Kind {
		case ipc.KindRequest:
			wg.Add(1)
			go wk.handleRequest(ctx, &wg, frame)
		case ipc.KindControl:
			switch frame.ControlOp {
			case ipc.ControlPing:
				wk.emit(ipc.NewOKResponse(frame.ID, nil))
			case ipc.ControlShutdown:
				close(shutdownCh)
			case ipc.ControlCancel:
				// Best-effort hint only; in-flight handlers are allowed to
				// finish (§5 ordering guarantees).
			}
		}

		select {
		case <-shutdownCh:
			goto drain
		default:
		}
	}

drain:
	wg.Wait()
	cancelResource()
	if err := handler.OnUnload(ctx, pctx); err != nil {
		return err
	}
	return nil
}

func (w *Worker) handleRequest(ctx context.Context, wg *sync.WaitGroup, frame ipc.Frame) {
	defer wg.Done()
	w.sem <- struct{}{}
	defer func() { <-w.sem }()

	reqCtx := ctx
	var cancel context.CancelFunc
	if frame.DeadlineMS > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, time.Duration(frame.DeadlineMS)*time.Millisecond)
		defer cancel()
	}

	if frame.Action == "__ping__" {
		w.emit(ipc.NewOKResponse(frame.ID, nil))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			w.emit(ipc.NewErrResponse(frame.ID, "panic", toMessage(r)))
		}
	}()

	data, err := w.handler.Handle(reqCtx, frame.Action, frame.Payload)
	if err != nil {
		code, msg := "unknown", err.Error()
		if he, ok := err.(*hosterr.HostError); ok {
			code, msg = he.Code, he.Message
		}
		w.emit(ipc.NewErrResponse(frame.ID, code, msg))
		return
	}
	w.emit(ipc.NewOKResponse(frame.ID, data))
}

func (w *Worker) resourceLoop(ctx context.Context) {
	interval := w.cfg.ResourceInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			payload, _ := json.Marshal(map[string]any{
				"memory_bytes": mem.Alloc,
				"cpu_seconds":  cpuSecondsSelf(),
			})
			w.emit(ipc.NewEvent(ipc.EventResource, payload))
		}
	}
}

// cpuSecondsSelf returns the process's cumulative user+system CPU time in
// seconds (§4.E's "CPU caps are advisory: the supervisor samples and kills
// on sustained overrun" requires a real, monotonically increasing figure,
// not a placeholder). A Getrusage failure is reported as 0 rather than
// aborting the resource event entirely.
func cpuSecondsSelf() float64 {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	user := time.Duration(ru.Utime.Sec)*time.Second + time.Duration(ru.Utime.Usec)*time.Microsecond
	sys := time.Duration(ru.Stime.Sec)*time.Second + time.Duration(ru.Stime.Usec)*time.Microsecond
	return (user + sys).Seconds()
}

func (w *Worker) emit(frame ipc.Frame) {
	w.outMu.Lock()
	defer w.outMu.Unlock()
	enc := json.NewEncoder(w.out)
	_ = enc.Encode(frame)
	_ = w.out.Flush()
}

func toMessage(r any) string {
	if err, ok := r.(error); ok {
		return err.Error()
	}
	return fmt.Sprintf("%v", r)
}
