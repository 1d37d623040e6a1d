// Package descriptor reads and validates a plugin's declarative manifest
// (plugin.yaml or plugin.json) into a PluginDescriptor, without ever
// executing the plugin's code — that only happens in the sandbox and
// supervisor packages.
package descriptor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/corehost/pluginhost/internal/hosterr"
)

// Mode selects trusted in-process execution vs. sandboxed out-of-process
// execution.
type Mode string

const (
	Trusted   Mode = "trusted"
	Sandboxed Mode = "sandboxed"
)

// TriggerKind names a job trigger type.
type TriggerKind string

const (
	TriggerInterval TriggerKind = "interval"
	TriggerCron     TriggerKind = "cron"
	TriggerOnce     TriggerKind = "once"
)

// Priority is a scheduler FIFO queue selector.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Execution selects the scheduler worker pool a job runs on.
type Execution string

const (
	ExecutionIO  Execution = "io"
	ExecutionCPU Execution = "cpu"
)

// RateLimit bounds calls per a rolling period.
type RateLimit struct {
	CallsPerPeriod int `yaml:"calls_per_period" json:"calls_per_period"`
	PeriodMS       int `yaml:"period_ms" json:"period_ms"`
}

// Resources bounds memory and CPU for a sandboxed plugin.
type Resources struct {
	MaxMemoryBytes int64 `yaml:"max_memory_bytes" json:"max_memory_bytes"`
	MaxCPUSeconds  int64 `yaml:"max_cpu_seconds" json:"max_cpu_seconds"`
}

// Permission is one resource-pattern -> allowed-actions rule.
type Permission struct {
	Resource string   `yaml:"resource" json:"resource"`
	Actions  []string `yaml:"actions" json:"actions"`
	Effect   string   `yaml:"effect" json:"effect"` // "allow" | "deny"
}

// JobDescriptor is one scheduled job declared by a plugin.
type JobDescriptor struct {
	ID          string      `yaml:"id" json:"id"`
	Plugin      string      `yaml:"-" json:"plugin"` // filled in by the loader from the owning descriptor
	Name        string      `yaml:"name" json:"name"`
	CallableRef string      `yaml:"callable_ref" json:"callable_ref"`
	Trigger     TriggerKind `yaml:"trigger" json:"trigger"`
	// TriggerValue holds the trigger payload: a duration string for
	// interval, a five-field cron expression for cron, or an RFC3339
	// instant for once.
	TriggerValue string `yaml:"trigger_value" json:"trigger_value"`

	Priority   Priority `yaml:"priority" json:"priority"`
	DependsOn  []string `yaml:"depends_on" json:"depends_on"`
	Execution  Execution `yaml:"execution" json:"execution"`

	MaxRetries      int  `yaml:"max_retries" json:"max_retries"`
	RetryBackoffMS  int  `yaml:"retry_backoff_ms" json:"retry_backoff_ms"`
	AlertOnFailure  bool `yaml:"alert_on_failure" json:"alert_on_failure"`

	// TimeoutMS bounds one call attempt's execution; defaults to the
	// owning plugin's TimeoutMS when not set explicitly (§4.I "a job
	// call carries the same deadline semantics as any other call to the
	// plugin, unless overridden per job").
	TimeoutMS int `yaml:"timeout_ms" json:"timeout_ms"`
}

// PluginDescriptor is the immutable, validated manifest of one plugin.
type PluginDescriptor struct {
	Name    string `yaml:"name" json:"name"`
	Version string `yaml:"version" json:"version"`
	Author  string `yaml:"author" json:"author"`

	Mode        Mode     `yaml:"execution_mode" json:"execution_mode"`
	Entry       string   `yaml:"entry" json:"entry"`
	RoutePrefix string   `yaml:"route_prefix" json:"route_prefix"`
	Tags        []string `yaml:"tags" json:"tags"`

	TimeoutMS int        `yaml:"timeout_ms" json:"timeout_ms"`
	RateLimit RateLimit  `yaml:"rate_limit" json:"rate_limit"`
	Resources Resources  `yaml:"resources" json:"resources"`

	RequiredServices []string          `yaml:"required_services" json:"required_services"`
	Permissions      []Permission      `yaml:"permissions" json:"permissions"`
	Env              map[string]string `yaml:"env" json:"env"`

	Jobs []JobDescriptor `yaml:"jobs" json:"jobs"`

	// Dir is the plugin's source directory, not part of the manifest
	// itself but required by the supervisor to resolve Entry.
	Dir string `yaml:"-" json:"-"`

	// Unknown preserves manifest fields this loader does not recognize,
	// per §4.B: "unknown fields are preserved but not acted on."
	Unknown map[string]any `yaml:"-" json:"-"`
}

var semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)
var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

const (
	manifestYAML = "plugin.yaml"
	manifestJSON = "plugin.json"

	defaultTimeoutMS = 30000
)

// Load reads the manifest at dir/plugin.yaml (preferred) or dir/plugin.json,
// expands ${VAR} references against env, fills in field defaults, and
// validates the result. It never checks name/route_prefix uniqueness
// against other plugins — that is a mount-time concern (§4.B) since two
// loaders may race.
func Load(dir string, env map[string]string) (*PluginDescriptor, error) {
	raw, path, err := readManifest(dir)
	if err != nil {
		return nil, err
	}

	expanded, err := expandEnv(raw, env)
	if err != nil {
		return nil, hosterr.Wrap(hosterr.Config, "env_expansion_failed", err)
	}

	desc := &PluginDescriptor{}
	var unknown map[string]any

	if strings.HasSuffix(path, ".json") {
		if err := json.Unmarshal(expanded, desc); err != nil {
			return nil, hosterr.Wrap(hosterr.Config, "manifest_parse_error", err)
		}
		_ = json.Unmarshal(expanded, &unknown)
	} else {
		if err := yaml.Unmarshal(expanded, desc); err != nil {
			return nil, hosterr.Wrap(hosterr.Config, "manifest_parse_error", err)
		}
		_ = yaml.Unmarshal(expanded, &unknown)
	}

	desc.Dir = dir
	desc.Unknown = stripKnownKeys(unknown)

	if desc.TimeoutMS == 0 {
		desc.TimeoutMS = defaultTimeoutMS
	}
	for i := range desc.Jobs {
		desc.Jobs[i].Plugin = desc.Name
		if desc.Jobs[i].MaxRetries == 0 {
			desc.Jobs[i].MaxRetries = 3
		}
		if desc.Jobs[i].Priority == "" {
			desc.Jobs[i].Priority = PriorityNormal
		}
		if desc.Jobs[i].Execution == "" {
			desc.Jobs[i].Execution = ExecutionIO
		}
		if desc.Jobs[i].TimeoutMS == 0 {
			desc.Jobs[i].TimeoutMS = desc.TimeoutMS
		}
	}

	if err := validate(desc, filepath.Base(dir)); err != nil {
		return nil, err
	}

	return desc, nil
}

func readManifest(dir string) (data []byte, path string, err error) {
	yamlPath := filepath.Join(dir, manifestYAML)
	if b, rerr := os.ReadFile(yamlPath); rerr == nil {
		return b, yamlPath, nil
	}
	jsonPath := filepath.Join(dir, manifestJSON)
	if b, rerr := os.ReadFile(jsonPath); rerr == nil {
		return b, jsonPath, nil
	}
	return nil, "", hosterr.New(hosterr.Config, "manifest_missing",
		fmt.Sprintf("no %s or %s found in %s", manifestYAML, manifestJSON, dir))
}

// expandEnv replaces ${VAR} references in the raw manifest bytes against
// env, failing if a referenced variable is missing.
func expandEnv(raw []byte, env map[string]string) ([]byte, error) {
	var missing []string
	out := envRefPattern.ReplaceAllFunc(raw, func(m []byte) []byte {
		name := envRefPattern.FindSubmatch(m)[1]
		if v, ok := env[string(name)]; ok {
			return []byte(v)
		}
		missing = append(missing, string(name))
		return m
	})
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variable(s): %s", strings.Join(missing, ", "))
	}
	return out, nil
}

func validate(d *PluginDescriptor, dirName string) error {
	if d.Name == "" {
		return hosterr.New(hosterr.Config, "missing_name", "manifest has no name")
	}
	if d.Name != dirName {
		return hosterr.New(hosterr.Config, "name_mismatch",
			fmt.Sprintf("manifest name %q does not match directory %q", d.Name, dirName))
	}
	if !semverPattern.MatchString(d.Version) {
		return hosterr.New(hosterr.Config, "invalid_version",
			fmt.Sprintf("version %q is not a valid MAJOR.MINOR.PATCH semver", d.Version))
	}
	if d.Mode != Trusted && d.Mode != Sandboxed {
		return hosterr.New(hosterr.Config, "invalid_mode",
			fmt.Sprintf("execution_mode %q must be %q or %q", d.Mode, Trusted, Sandboxed))
	}
	if d.RoutePrefix == "" {
		return hosterr.New(hosterr.Config, "missing_route_prefix", "route_prefix must not be empty")
	}
	if d.Entry == "" {
		return hosterr.New(hosterr.Config, "missing_entry", "entry must not be empty")
	}

	if d.Mode == Sandboxed {
		for _, svc := range d.RequiredServices {
			if isTrustedOnlyService(svc) {
				return hosterr.New(hosterr.Config, "sandboxed_trusted_service",
					fmt.Sprintf("sandboxed plugin may not require trusted-only service %q", svc))
			}
		}
	}

	seen := map[string]bool{}
	for _, j := range d.Jobs {
		if j.ID == "" {
			return hosterr.New(hosterr.Config, "missing_job_id", "job id must not be empty")
		}
		if seen[j.ID] {
			return hosterr.New(hosterr.Config, "duplicate_job_id",
				fmt.Sprintf("duplicate job id %q in plugin %q", j.ID, d.Name))
		}
		seen[j.ID] = true
		switch j.Trigger {
		case TriggerInterval, TriggerCron, TriggerOnce:
		default:
			return hosterr.New(hosterr.Config, "invalid_trigger",
				fmt.Sprintf("job %q has invalid trigger %q", j.ID, j.Trigger))
		}
	}

	return nil
}

// isTrustedOnlyService names service-registry keys that sandboxed plugins
// may never request, because they would require sharing in-process memory
// across the IPC boundary. Currently only the raw "scheduler" re-entrant
// handle is trusted-only; sandboxed plugins reach the scheduler only
// through their own declared jobs.
func isTrustedOnlyService(key string) bool {
	return key == "scheduler"
}

func stripKnownKeys(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	known := []string{
		"name", "version", "author", "execution_mode", "entry", "route_prefix",
		"tags", "timeout_ms", "rate_limit", "resources", "required_services",
		"permissions", "env", "jobs",
	}
	out := map[string]any{}
	for k, v := range m {
		keep := true
		for _, kk := range known {
			if kk == k {
				keep = false
				break
			}
		}
		if keep {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// ParseSemVer splits a validated version string into its components, used
// by the administration surface for display and by future compatibility
// checks.
func ParseSemVer(version string) (major, minor, patch int, err error) {
	parts := strings.SplitN(version, ".", 3)
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("not a MAJOR.MINOR.PATCH version: %q", version)
	}
	major, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, 0, err
	}
	minor, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, 0, err
	}
	patch, err = strconv.Atoi(parts[2])
	if err != nil {
		return 0, 0, 0, err
	}
	return major, minor, patch, nil
}
