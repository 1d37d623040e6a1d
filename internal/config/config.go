// Package config loads the small, enumerated set of host configuration
// values named in the specification's external-interfaces section:
// plugin root directory, scan period, startup/shutdown grace, per-plugin
// in-flight concurrency, and IPC send-queue capacity. It is a closed
// record — unknown keys present in an optional config file are preserved
// but inert, never silently turned into new behavior.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/corehost/pluginhost/internal/hosterr"
)

// Config is the closed record of host settings. All fields have defaults;
// Load fails loudly (returns a hosterr.Config error) on an invalid value
// rather than silently substituting a default.
type Config struct {
	PluginRoot string

	ScanPeriod  time.Duration
	StartGrace  time.Duration
	StopGrace   time.Duration
	DrainGrace  time.Duration

	MaxInFlightPerPlugin int
	IPCSendQueueCapacity int

	ReloadConcurrency int

	LogLevel  string
	LogPretty bool

	AdminAddr string

	RedisAddr   string
	NATSURL     string
	PostgresDSN string

	SchedulerIOWorkers  int
	SchedulerCPUWorkers int

	JWTSecret string
	JWTIssuer string
	AuthDisabled bool

	// Unknown holds config-file/env keys this record does not recognize.
	// They are preserved for forward compatibility but never acted on.
	Unknown map[string]any
}

// defaults mirror §6: "All have defaults; invalid values fail startup
// loudly."
func defaults() Config {
	return Config{
		PluginRoot:           "./plugins",
		ScanPeriod:           2 * time.Second,
		StartGrace:           5 * time.Second,
		StopGrace:            10 * time.Second,
		DrainGrace:           5 * time.Second,
		MaxInFlightPerPlugin: 64,
		IPCSendQueueCapacity: 1024,
		ReloadConcurrency:    4,
		LogLevel:             "info",
		LogPretty:            false,
		AdminAddr:            ":7780",
		SchedulerIOWorkers:   8,
		SchedulerCPUWorkers:  4,
		JWTIssuer:            "pluginhost",
		AuthDisabled:         true,
	}
}

// Load reads configuration from environment variables prefixed
// PLUGINHOST_ and, if present, an optional YAML/JSON/TOML file at
// configFile. configFile may be empty, in which case only the
// environment and defaults apply.
func Load(configFile string) (Config, error) {
	cfg := defaults()

	v := viper.New()
	v.SetEnvPrefix("PLUGINHOST")
	v.AllowEmptyEnv(true)
	v.AutomaticEnv()

	v.SetDefault("plugin_root", cfg.PluginRoot)
	v.SetDefault("scan_period_ms", cfg.ScanPeriod.Milliseconds())
	v.SetDefault("start_grace_ms", cfg.StartGrace.Milliseconds())
	v.SetDefault("stop_grace_ms", cfg.StopGrace.Milliseconds())
	v.SetDefault("drain_grace_ms", cfg.DrainGrace.Milliseconds())
	v.SetDefault("max_inflight_per_plugin", cfg.MaxInFlightPerPlugin)
	v.SetDefault("ipc_send_queue_capacity", cfg.IPCSendQueueCapacity)
	v.SetDefault("reload_concurrency", cfg.ReloadConcurrency)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_pretty", cfg.LogPretty)
	v.SetDefault("admin_addr", cfg.AdminAddr)
	v.SetDefault("redis_addr", "")
	v.SetDefault("nats_url", "")
	v.SetDefault("postgres_dsn", "")
	v.SetDefault("scheduler_io_workers", cfg.SchedulerIOWorkers)
	v.SetDefault("scheduler_cpu_workers", cfg.SchedulerCPUWorkers)
	v.SetDefault("jwt_secret", "")
	v.SetDefault("jwt_issuer", cfg.JWTIssuer)
	v.SetDefault("auth_disabled", cfg.AuthDisabled)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, hosterr.Wrap(hosterr.Config, "config_file_unreadable", err)
		}
	}

	scanMS := v.GetInt64("scan_period_ms")
	startMS := v.GetInt64("start_grace_ms")
	stopMS := v.GetInt64("stop_grace_ms")
	drainMS := v.GetInt64("drain_grace_ms")
	if scanMS <= 0 || startMS <= 0 || stopMS <= 0 || drainMS <= 0 {
		return Config{}, hosterr.New(hosterr.Config, "invalid_duration",
			"scan/start/stop/drain grace periods must be positive")
	}

	maxInFlight := v.GetInt("max_inflight_per_plugin")
	sendQueue := v.GetInt("ipc_send_queue_capacity")
	reloadConcurrency := v.GetInt("reload_concurrency")
	if maxInFlight <= 0 || sendQueue <= 0 || reloadConcurrency <= 0 {
		return Config{}, hosterr.New(hosterr.Config, "invalid_capacity",
			"max_inflight_per_plugin, ipc_send_queue_capacity, and reload_concurrency must be positive")
	}

	pluginRoot := v.GetString("plugin_root")
	if pluginRoot == "" {
		return Config{}, hosterr.New(hosterr.Config, "missing_plugin_root", "plugin_root must not be empty")
	}

	cfg.PluginRoot = pluginRoot
	cfg.ScanPeriod = time.Duration(scanMS) * time.Millisecond
	cfg.StartGrace = time.Duration(startMS) * time.Millisecond
	cfg.StopGrace = time.Duration(stopMS) * time.Millisecond
	cfg.DrainGrace = time.Duration(drainMS) * time.Millisecond
	cfg.MaxInFlightPerPlugin = maxInFlight
	cfg.IPCSendQueueCapacity = sendQueue
	cfg.ReloadConcurrency = reloadConcurrency
	cfg.LogLevel = v.GetString("log_level")
	cfg.LogPretty = v.GetBool("log_pretty")
	cfg.AdminAddr = v.GetString("admin_addr")
	cfg.RedisAddr = v.GetString("redis_addr")
	cfg.NATSURL = v.GetString("nats_url")
	cfg.PostgresDSN = v.GetString("postgres_dsn")
	cfg.SchedulerIOWorkers = v.GetInt("scheduler_io_workers")
	cfg.SchedulerCPUWorkers = v.GetInt("scheduler_cpu_workers")
	cfg.JWTSecret = v.GetString("jwt_secret")
	cfg.JWTIssuer = v.GetString("jwt_issuer")
	cfg.AuthDisabled = v.GetBool("auth_disabled")
	if cfg.SchedulerIOWorkers <= 0 || cfg.SchedulerCPUWorkers <= 0 {
		return Config{}, hosterr.New(hosterr.Config, "invalid_capacity",
			"scheduler_io_workers and scheduler_cpu_workers must be positive")
	}

	known := map[string]bool{
		"plugin_root": true, "scan_period_ms": true, "start_grace_ms": true,
		"stop_grace_ms": true, "drain_grace_ms": true, "max_inflight_per_plugin": true,
		"ipc_send_queue_capacity": true, "reload_concurrency": true, "log_level": true,
		"log_pretty": true, "admin_addr": true, "redis_addr": true, "nats_url": true,
		"postgres_dsn": true,
		"scheduler_io_workers": true, "scheduler_cpu_workers": true, "jwt_secret": true,
		"jwt_issuer": true, "auth_disabled": true,
	}
	cfg.Unknown = map[string]any{}
	for _, key := range v.AllKeys() {
		if !known[key] {
			cfg.Unknown[key] = v.Get(key)
		}
	}

	return cfg, nil
}

func (c Config) String() string {
	return fmt.Sprintf("Config{root=%s scan=%s start=%s stop=%s drain=%s inflight=%d ipcq=%d}",
		c.PluginRoot, c.ScanPeriod, c.StartGrace, c.StopGrace, c.DrainGrace,
		c.MaxInFlightPerPlugin, c.IPCSendQueueCapacity)
}
