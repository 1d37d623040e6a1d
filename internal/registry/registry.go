// Package registry implements the process-wide service registry (§4.F): a
// map from string key to capability object (db.<name>, cache, scheduler,
// ext.<name>), initialized once before any plugin starts and immutable
// thereafter except for the re-entrant "scheduler" key.
//
// Per §9 ("Global state... Specify them as explicit context passed by the
// host composer; tests instantiate the host twice in the same process
// without interference"), this is never a package-level singleton — the
// host composer (cmd/pluginhostd) owns one *Registry instance and threads
// it through explicitly.
package registry

import (
	"fmt"
	"sync"
)

// reentrantKey is the one key Register still accepts after Seal. Nothing
// in this module registers it again after boot; a plugin restart never
// touches the registry.
const reentrantKey = "scheduler"

// Registry is a process-wide (but never global-variable) capability
// lookup. Safe for concurrent reads once sealed.
type Registry struct {
	mu     sync.RWMutex
	byKey  map[string]any
	sealed bool
}

// New returns an empty, unsealed registry. The host composer populates it
// with Register calls, then calls Seal before starting any plugin.
func New() *Registry {
	return &Registry{byKey: make(map[string]any)}
}

// Register adds a capability object under key. It panics if called after
// Seal for any key other than the re-entrant "scheduler" key — a
// programming error in the host composer, not a runtime condition a
// plugin can trigger.
func (r *Registry) Register(key string, capability any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed && key != reentrantKey {
		panic(fmt.Sprintf("registry: cannot register key %q after Seal (only %q is re-entrant)", key, reentrantKey))
	}
	r.byKey[key] = capability
}

// Seal marks the registry immutable (other than the re-entrant key). Must
// be called once, before the first plugin starts.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Get returns the capability registered under key.
func (r *Registry) Get(key string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.byKey[key]
	return v, ok
}

// Keys lists every registered key, for diagnostics.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.byKey))
	for k := range r.byKey {
		keys = append(keys, k)
	}
	return keys
}

// View returns the narrowed accessor a plugin's pluginapi.Context exposes:
// only the keys the plugin declared in required_services are visible,
// per §4.F.
func (r *Registry) View(requiredServices []string) *FilteredView {
	allowed := make(map[string]bool, len(requiredServices))
	for _, k := range requiredServices {
		allowed[k] = true
	}
	return &FilteredView{registry: r, allowed: allowed}
}

// FilteredView implements pluginapi.ServiceView.
type FilteredView struct {
	registry *Registry
	allowed  map[string]bool
}

func (v *FilteredView) Get(key string) (any, bool) {
	if !v.allowed[key] {
		return nil, false
	}
	return v.registry.Get(key)
}
