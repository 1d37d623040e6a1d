// Command pluginhostd is the host composition root: it loads
// configuration, wires every subsystem explicitly (never through package
// globals, per §9), mounts the initial plugin set, and serves the
// administration API until an OS signal requests shutdown.
//
// Exit codes: 0 clean shutdown, 1 configuration error, 2 unrecoverable
// runtime failure (§6).
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/corehost/pluginhost/internal/adminapi"
	"github.com/corehost/pluginhost/internal/alerts"
	"github.com/corehost/pluginhost/internal/auth"
	"github.com/corehost/pluginhost/internal/config"
	"github.com/corehost/pluginhost/internal/descriptor"
	"github.com/corehost/pluginhost/internal/hosterr"
	"github.com/corehost/pluginhost/internal/ipc"
	"github.com/corehost/pluginhost/internal/logging"
	"github.com/corehost/pluginhost/internal/metrics"
	"github.com/corehost/pluginhost/internal/pluginmanager"
	"github.com/corehost/pluginhost/internal/registry"
	"github.com/corehost/pluginhost/internal/reload"
	"github.com/corehost/pluginhost/internal/scheduler"
	"github.com/corehost/pluginhost/internal/supervisor"
)

func main() {
	configFile := flag.String("config", "", "optional config file (yaml/json/toml)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pluginhostd: config error: %v\n", err)
		os.Exit(1)
	}

	logging.Initialize(cfg.LogLevel, cfg.LogPretty)
	log := logging.Component("pluginhostd")
	log.Info().Str("config", cfg.String()).Msg("starting")

	promReg := prometheus.NewRegistry()
	collectors := metrics.New(promReg)

	svcRegistry := registry.New()
	endpoints := map[string]string{}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		svcRegistry.Register("cache", rdb)
		endpoints["cache"] = cfg.RedisAddr
		defer rdb.Close()
	}

	if cfg.PostgresDSN != "" {
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			log.Error().Err(err).Msg("postgres: open failed, continuing without db.pg")
		} else if err := db.PingContext(context.Background()); err != nil {
			log.Error().Err(err).Msg("postgres: ping failed, continuing without db.pg")
			_ = db.Close()
		} else {
			svcRegistry.Register("db.pg", db)
			endpoints["db.pg"] = cfg.PostgresDSN
			defer db.Close()
		}
	}

	var alertPublisher *alerts.Publisher
	if cfg.NATSURL != "" {
		alertPublisher, err = alerts.New(cfg.NATSURL, log)
		if err != nil {
			log.Error().Err(err).Msg("alerts: nats connect failed, continuing without alerting")
			alertPublisher = nil
		} else {
			endpoints["alerts"] = cfg.NATSURL
			defer alertPublisher.Close()
		}
	}
	if alertPublisher == nil {
		alertPublisher, _ = alerts.New("", log)
	}

	trusted := registry.NewTrustedFactories()
	registerBuiltinPlugins(trusted)

	launchWorker := newWorkerLauncher(cfg, endpoints)
	policy := supervisor.DefaultRestartPolicy()

	manager := pluginmanager.New(svcRegistry, trusted, launchWorker, policy, cfg.StartGrace, cfg.StopGrace, log, collectors)

	var caller scheduler.Caller = manager.Call
	sched := scheduler.New(cfg.SchedulerIOWorkers, cfg.SchedulerCPUWorkers, caller, alertPublisher, log, collectors)
	svcRegistry.Register("scheduler", sched)
	svcRegistry.Seal()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched.Start(ctx)

	env := processEnvMap()
	if err := mountInitialPlugins(ctx, cfg.PluginRoot, env, manager, sched, log); err != nil {
		log.Error().Err(err).Msg("mounting initial plugin set failed")
	}

	reloadEngine := reload.New(cfg.PluginRoot, cfg.ScanPeriod, cfg.DrainGrace, cfg.ReloadConcurrency, manager, log, env)
	if err := reloadEngine.Start(ctx); err != nil {
		log.Error().Err(err).Msg("reload engine failed to start")
		os.Exit(2)
	}

	reloadByName := func(rctx context.Context, name string) error {
		dir := filepath.Join(cfg.PluginRoot, name)
		desc, err := descriptor.Load(dir, env)
		if err != nil {
			return err
		}
		if _, ok := manager.Get(name); ok {
			return manager.SwapMount(rctx, desc, cfg.DrainGrace)
		}
		return manager.Mount(rctx, desc)
	}

	var authenticator auth.OperatorAuthenticator
	if !cfg.AuthDisabled && cfg.JWTSecret != "" {
		authenticator = auth.NewJWTAuthenticator(cfg.JWTSecret, cfg.JWTIssuer)
	}

	admin := adminapi.New(manager, sched, reloadByName, log)
	admin.Start(ctx, 2*time.Second)

	var authMiddleware gin.HandlerFunc
	if authenticator != nil {
		authMiddleware = auth.Middleware(authenticator)
	}
	router := admin.Router(authMiddleware)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:              cfg.AdminAddr,
		Handler:           router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("admin http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.StopGrace)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	sched.Shutdown(cfg.StopGrace)
	for _, info := range manager.List() {
		_ = manager.Unmount(shutdownCtx, info.Descriptor.Name)
	}

	log.Info().Msg("shutdown complete")
}

// mountInitialPlugins mounts every immediate subdirectory of root that has
// a readable manifest, logging and skipping — never aborting the whole
// host — on a per-plugin descriptor error (§7 "configuration errors abort
// only the affected plugin").
func mountInitialPlugins(ctx context.Context, root string, env map[string]string, manager *pluginmanager.Manager, sched *scheduler.Scheduler, log zerolog.Logger) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		return hosterr.Wrap(hosterr.Config, "plugin_root_unreadable", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		desc, err := descriptor.Load(dir, env)
		if err != nil {
			log.Warn().Str("dir", dir).Err(err).Msg("skipping plugin: descriptor load failed")
			continue
		}
		if err := manager.Mount(ctx, desc); err != nil {
			log.Warn().Str("plugin", desc.Name).Err(err).Msg("skipping plugin: mount failed")
			continue
		}
		for _, job := range desc.Jobs {
			job.Plugin = desc.Name
			if err := sched.Register(job); err != nil {
				log.Warn().Str("plugin", desc.Name).Str("job", job.ID).Err(err).Msg("job registration failed")
			}
		}
	}
	return nil
}

func processEnvMap() map[string]string {
	env := map[string]string{}
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				env[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return env
}

// registerBuiltinPlugins is the seam for trusted, in-process plugin
// factories compiled directly into the host binary. None ship by default;
// a deployment-specific build registers its own via an init() in an
// imported package, the same convention the reference host's trusted
// plugin packages use.
func registerBuiltinPlugins(trusted *registry.TrustedFactories) {}

// newWorkerLauncher builds the supervisor.WorkerLauncher that spawns the
// pluginworker binary for sandboxed plugins.
func newWorkerLauncher(cfg config.Config, endpoints map[string]string) supervisor.WorkerLauncher {
	workerBin := os.Getenv("PLUGINHOST_WORKER_BIN")
	if workerBin == "" {
		if self, err := os.Executable(); err == nil {
			workerBin = filepath.Join(filepath.Dir(self), "pluginworker")
		} else {
			workerBin = "pluginworker"
		}
	}
	if _, err := exec.LookPath(workerBin); err != nil {
		// Fall back to PATH resolution by bare name; exec.Command itself
		// will fail loudly per-spawn if it truly can't be found.
		workerBin = "pluginworker"
	}

	endpointsJSON, _ := json.Marshal(endpoints)

	return func(ctx context.Context, log zerolog.Logger, desc *descriptor.PluginDescriptor, onUnhealthy ipc.UnhealthyFunc, onEvent ipc.EventFunc) (*ipc.Channel, error) {
		args := []string{
			"-plugin", desc.Name,
			"-entry", desc.Entry,
		}
		pluginConfigJSON, _ := json.Marshal(desc.Env)
		env := os.Environ()
		for k, v := range desc.Env {
			env = append(env, k+"="+v)
		}
		env = append(env, "PLUGINHOST_SERVICE_ENDPOINTS="+string(endpointsJSON))
		env = append(env, "PLUGINHOST_PLUGIN_CONFIG="+string(pluginConfigJSON))

		return ipc.Spawn(ctx, log, desc.Dir, workerBin, args, env, cfg.IPCSendQueueCapacity, onUnhealthy, onEvent)
	}
}
