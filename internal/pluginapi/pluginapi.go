// Package pluginapi is the small SDK plugin authors write against,
// exposed identically to trusted in-process plugins and to sandboxed
// plugins running inside a worker child — the supervisor hides which one
// is in play behind this interface (§9 "isolate each plugin behind a
// narrow interface object that can be replaced atomically").
package pluginapi

import (
	"context"
	"encoding/json"
	"net/http"
)

// Context is handed to a plugin at OnLoad. It exposes the narrowed,
// per-plugin view of the service registry (§4.F: "the supervisor passes a
// filtered view that hides services the plugin did not declare in
// required_services") plus the plugin's own structured logger.
type Context struct {
	PluginName string
	Services   ServiceView
	Logger     Logger
	Config     map[string]any
}

// ServiceView is the narrowed service-registry accessor a plugin receives.
type ServiceView interface {
	// Get returns the capability object registered under key, or false if
	// the plugin did not declare key in required_services or no such
	// service is registered.
	Get(key string) (any, bool)
}

// Logger is the structured logging surface a plugin uses; it never writes
// to stdout/stderr directly so host-side log aggregation stays uniform.
type Logger interface {
	Debug(msg string, fields map[string]any)
	Info(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
}

// Route is one HTTP route a plugin wants mounted under its route_prefix.
type Route struct {
	Method  string
	Path    string
	Handler http.HandlerFunc
}

// Handler is the interface every plugin — trusted or sandboxed — must
// implement. Sandboxed plugins implement it inside the worker child
// process (internal/sandbox); the supervisor never calls OnLoad/OnUnload/
// Handle directly on a sandboxed instance, only through the IPC channel.
type Handler interface {
	// OnLoad runs once before the plugin starts receiving requests.
	OnLoad(ctx context.Context, pctx Context) error
	// OnUnload runs once after the last in-flight request has drained (or
	// the grace deadline elapses).
	OnUnload(ctx context.Context, pctx Context) error
	// Handle answers one request. A returned error surfaces to the caller
	// as plugin_failure; it must never panic across this boundary for
	// trusted plugins — a recover() wrapper in the supervisor turns such
	// a panic into a plugin_failure error for that call; it is not treated
	// as a crash.
	Handle(ctx context.Context, action string, payload json.RawMessage) (json.RawMessage, error)
	// Routes lists the HTTP routes this plugin wants mounted. The plugin
	// manager does not call it: mounting records only the route_prefix ->
	// plugin name entry in its route table, and no HTTP handler is attached
	// for either trusted or sandboxed plugins.
	Routes() []Route
}

// Factory constructs a fresh Handler instance, used by the trusted
// built-in registry (internal/registry) so that a restart re-invokes
// OnUnload/OnLoad on a brand new instance per §4.E "Trusted mode."
type Factory func() Handler
