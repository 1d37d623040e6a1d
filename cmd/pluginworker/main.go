// Command pluginworker is the sandboxed child process entry point (§4.D).
// The supervisor launches one of these per sandboxed plugin instance,
// talks to it over its stdin/stdout as a framed JSON duplex, and reads its
// stderr as free-form diagnostic text. It never purges or reloads
// anything in place — a reload always spawns a fresh process (§9).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/corehost/pluginhost/internal/sandbox"
)

func main() {
	var (
		pluginName       = flag.String("plugin", "", "plugin name")
		entryPath        = flag.String("entry", "", "path to the plugin's compiled .so entry point")
		parallelism      = flag.Int("parallelism", 0, "max concurrent in-flight requests (0 = runtime.NumCPU()*4)")
		resourceInterval = flag.Duration("resource-interval", 10*time.Second, "event:resource emission period")
	)
	flag.Parse()

	// The stdout pipe IS the IPC channel to the parent; worker diagnostics
	// go to stderr exclusively, which the parent forwards to its own logs
	// line-by-line (internal/ipc.Channel.drainStderr).
	log := zerolog.New(os.Stderr).With().Timestamp().Str("plugin", *pluginName).Logger()

	if *pluginName == "" || *entryPath == "" {
		log.Fatal().Msg("pluginworker: -plugin and -entry are required")
	}

	services := newEndpointView(os.Getenv("PLUGINHOST_SERVICE_ENDPOINTS"))
	pluginEnv := newPluginEnv(os.Getenv("PLUGINHOST_PLUGIN_CONFIG"))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg := sandbox.BootConfig{
		PluginName:       *pluginName,
		EntryPath:        *entryPath,
		Parallelism:      *parallelism,
		ResourceInterval: *resourceInterval,
		Env:              pluginEnv,
	}

	if err := sandbox.Run(ctx, cfg, os.Stdin, os.Stdout, services, workerLogger{log}); err != nil {
		log.Error().Err(err).Msg("pluginworker: exited with error")
		os.Exit(1)
	}
}

// endpointView exposes the service endpoint addresses the parent decided
// this plugin is allowed to reach (§4.D step 1 "service endpoints it is
// allowed to reach") — never live Go objects, since those can't cross a
// process boundary. A sandboxed plugin dials these addresses itself.
type endpointView struct {
	endpoints map[string]string
}

func newEndpointView(raw string) *endpointView {
	v := &endpointView{endpoints: map[string]string{}}
	if raw == "" {
		return v
	}
	_ = json.Unmarshal([]byte(raw), &v.endpoints)
	return v
}

func (v *endpointView) Get(key string) (any, bool) {
	endpoint, ok := v.endpoints[key]
	return endpoint, ok
}

// newPluginEnv decodes the descriptor's declared env map, carried
// separately from the process's own inherited environment so the worker
// can distinguish "this plugin's manifest env" from ambient OS variables.
func newPluginEnv(raw string) map[string]string {
	env := map[string]string{}
	if raw == "" {
		return env
	}
	_ = json.Unmarshal([]byte(raw), &env)
	return env
}

// workerLogger adapts zerolog to pluginapi.Logger.
type workerLogger struct{ log zerolog.Logger }

func (w workerLogger) Debug(msg string, fields map[string]any) { w.log.Debug().Fields(fields).Msg(msg) }
func (w workerLogger) Info(msg string, fields map[string]any)  { w.log.Info().Fields(fields).Msg(msg) }
func (w workerLogger) Warn(msg string, fields map[string]any)  { w.log.Warn().Fields(fields).Msg(msg) }
func (w workerLogger) Error(msg string, fields map[string]any) { w.log.Error().Fields(fields).Msg(msg) }
