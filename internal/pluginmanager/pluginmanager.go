// Package pluginmanager is the plugin-wide orchestrator (§4.G): it owns
// every Supervisor, atomically publishes a route table mapping each
// plugin's route_prefix to its name, and routes calls by plugin name.
package pluginmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/corehost/pluginhost/internal/descriptor"
	"github.com/corehost/pluginhost/internal/hosterr"
	"github.com/corehost/pluginhost/internal/metrics"
	"github.com/corehost/pluginhost/internal/pluginapi"
	"github.com/corehost/pluginhost/internal/registry"
	"github.com/corehost/pluginhost/internal/supervisor"
)

// routeTable maps a route_prefix to the owning plugin's name. Readers
// (the HTTP dispatcher) load the current table via an atomic pointer so
// they never observe a partial swap (§5).
type routeTable map[string]string

type entry struct {
	desc *descriptor.PluginDescriptor
	sup  *supervisor.Supervisor
}

// Manager is the process-wide plugin orchestrator. One instance per host,
// threaded explicitly by the composer — never a package global (§9).
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*entry // by plugin name

	routes atomic.Pointer[routeTable]

	svcRegistry  *registry.Registry
	trusted      *registry.TrustedFactories
	launchWorker supervisor.WorkerLauncher
	policy       supervisor.RestartPolicy
	startGrace   time.Duration
	stopGrace    time.Duration
	log          zerolog.Logger
	metrics      *metrics.Collectors
}

// New constructs an empty Manager.
func New(svcRegistry *registry.Registry, trusted *registry.TrustedFactories, launchWorker supervisor.WorkerLauncher, policy supervisor.RestartPolicy, startGrace, stopGrace time.Duration, log zerolog.Logger, m *metrics.Collectors) *Manager {
	mgr := &Manager{
		entries:      make(map[string]*entry),
		svcRegistry:  svcRegistry,
		trusted:      trusted,
		launchWorker: launchWorker,
		policy:       policy,
		startGrace:   startGrace,
		stopGrace:    stopGrace,
		log:          log,
		metrics:      m,
	}
	empty := routeTable{}
	mgr.routes.Store(&empty)
	return mgr
}

// RouteFor resolves a route_prefix to a plugin name, used by the HTTP
// front end's dispatcher.
func (m *Manager) RouteFor(prefix string) (string, bool) {
	table := *m.routes.Load()
	name, ok := table[prefix]
	return name, ok
}

// trustedFactory adapts the manager's TrustedFactories lookup into the
// pluginapi.Factory shape supervisor.New expects, so a restart constructs
// a fresh Handler instance each time (§4.E "Trusted mode").
func (m *Manager) trustedFactory(name string) pluginapi.Factory {
	return func() pluginapi.Handler {
		h, _ := m.trusted.New(name)
		return h
	}
}

// Mount validates name/route_prefix uniqueness against the currently
// mounted set, starts a fresh Supervisor, and — only on successful
// start — atomically publishes its route_prefix. A duplicate name, a
// route conflict or an unknown trusted plugin is rejected before anything
// is registered, so the plugin is not listed and has no state. A failed
// start leaves the plugin registered (in the state its supervisor reached)
// but absent from the route table (§4.G; §8's "route prefix appears in
// the route table iff state == running").
func (m *Manager) Mount(ctx context.Context, desc *descriptor.PluginDescriptor) error {
	m.mu.Lock()
	if _, exists := m.entries[desc.Name]; exists {
		m.mu.Unlock()
		return hosterr.New(hosterr.Config, "duplicate_plugin_name", fmt.Sprintf("plugin %q is already mounted", desc.Name))
	}
	table := *m.routes.Load()
	if _, conflict := table[desc.RoutePrefix]; conflict {
		m.mu.Unlock()
		return hosterr.New(hosterr.Config, "route_prefix_conflict", fmt.Sprintf("route_prefix %q already in use", desc.RoutePrefix))
	}

	if desc.Mode == descriptor.Trusted && !m.trusted.Has(desc.Name) {
		m.mu.Unlock()
		return hosterr.New(hosterr.Config, "unknown_trusted_plugin", fmt.Sprintf("no trusted factory registered for %q", desc.Name))
	}

	view := m.svcRegistry.View(desc.RequiredServices)
	var sup *supervisor.Supervisor
	if desc.Mode == descriptor.Trusted {
		sup = supervisor.New(desc, view, m.log, m.metrics, m.policy, m.startGrace, m.stopGrace, m.trustedFactory(desc.Name), nil)
	} else {
		sup = supervisor.New(desc, view, m.log, m.metrics, m.policy, m.startGrace, m.stopGrace, nil, m.launchWorker)
	}

	m.entries[desc.Name] = &entry{desc: desc, sup: sup}
	m.mu.Unlock()

	if err := sup.Load(); err != nil {
		return hosterr.Wrap(hosterr.Config, "load_failed", err)
	}

	startErr := sup.Start(ctx)
	if startErr != nil {
		// Supervisor is already Failing/Stopped internally; the plugin
		// stays registered (so operators can see why) but unrouted.
		return hosterr.Wrap(hosterr.PluginFailure, "mount_start_failed", startErr)
	}

	m.mu.Lock()
	newTable := copyTable(*m.routes.Load())
	newTable[desc.RoutePrefix] = desc.Name
	m.routes.Store(&newTable)
	m.mu.Unlock()

	return nil
}

// Unmount removes the plugin's routes atomically and stops its
// supervisor. In-flight requests already dispatched complete on their
// own; anything arriving after Unmount sees RouteFor miss and a caller
// gets hosterr.PluginGone.
func (m *Manager) Unmount(ctx context.Context, name string) error {
	m.mu.Lock()
	ent, ok := m.entries[name]
	if !ok {
		m.mu.Unlock()
		return hosterr.New(hosterr.Config, "unknown_plugin", fmt.Sprintf("plugin %q is not mounted", name))
	}
	newTable := copyTable(*m.routes.Load())
	delete(newTable, ent.desc.RoutePrefix)
	m.routes.Store(&newTable)
	delete(m.entries, name)
	m.mu.Unlock()

	return ent.sup.Stop(ctx)
}

// SwapMount implements the atomic hot-reload sequence of §4.H: start a
// fresh supervisor for the new descriptor outside the route table, atomically
// repoint the route table (and the canonical entries map) from the old
// instance to the new one so new requests go to the new version
// immediately, then let the old instance drain for drainGrace before
// stopping it. The old supervisor is never visible in the route table
// after the swap, but stays alive to finish in-flight calls — a reload
// never drops an accepted request.
func (m *Manager) SwapMount(ctx context.Context, desc *descriptor.PluginDescriptor, drainGrace time.Duration) error {
	m.mu.RLock()
	old, hadOld := m.entries[desc.Name]
	m.mu.RUnlock()

	if desc.Mode == descriptor.Trusted && !m.trusted.Has(desc.Name) {
		return hosterr.New(hosterr.Config, "unknown_trusted_plugin", fmt.Sprintf("no trusted factory registered for %q", desc.Name))
	}

	view := m.svcRegistry.View(desc.RequiredServices)
	var newSup *supervisor.Supervisor
	if desc.Mode == descriptor.Trusted {
		newSup = supervisor.New(desc, view, m.log, m.metrics, m.policy, m.startGrace, m.stopGrace, m.trustedFactory(desc.Name), nil)
	} else {
		newSup = supervisor.New(desc, view, m.log, m.metrics, m.policy, m.startGrace, m.stopGrace, nil, m.launchWorker)
	}
	if err := newSup.Load(); err != nil {
		return hosterr.Wrap(hosterr.Config, "load_failed", err)
	}
	if err := newSup.Start(ctx); err != nil {
		return hosterr.Wrap(hosterr.PluginFailure, "shadow_start_failed", err)
	}

	m.mu.Lock()
	newTable := copyTable(*m.routes.Load())
	if hadOld {
		delete(newTable, old.desc.RoutePrefix)
	}
	if _, conflict := newTable[desc.RoutePrefix]; conflict {
		m.mu.Unlock()
		_ = newSup.Stop(ctx)
		return hosterr.New(hosterr.Config, "route_prefix_conflict", fmt.Sprintf("route_prefix %q already in use", desc.RoutePrefix))
	}
	newTable[desc.RoutePrefix] = desc.Name
	m.routes.Store(&newTable)
	m.entries[desc.Name] = &entry{desc: desc, sup: newSup}
	m.mu.Unlock()

	if hadOld {
		go func(old *entry) {
			time.Sleep(drainGrace)
			_ = old.sup.Stop(context.Background())
		}(old)
	}

	return nil
}

// Call routes a message to a plugin by name (§4.G). For trusted plugins
// this is a direct in-process invocation; for sandboxed plugins it is an
// IPC request — the caller never needs to know which.
func (m *Manager) Call(ctx context.Context, plugin, action string, payload json.RawMessage, deadline time.Duration) (json.RawMessage, error) {
	m.mu.RLock()
	ent, ok := m.entries[plugin]
	m.mu.RUnlock()
	if !ok {
		return nil, hosterr.PluginGone(plugin)
	}
	return ent.sup.Call(ctx, action, payload, deadline)
}

// List enumerates every mounted plugin's descriptor and supervisor
// snapshot, used by the reload engine and operator endpoints (§4.G
// "Enumeration").
type PluginInfo struct {
	Descriptor *descriptor.PluginDescriptor
	Stats      supervisor.Snapshot
}

func (m *Manager) List() []PluginInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PluginInfo, 0, len(m.entries))
	for _, ent := range m.entries {
		out = append(out, PluginInfo{Descriptor: ent.desc, Stats: ent.sup.Stats()})
	}
	return out
}

// Get returns one plugin's info, or false if it is not mounted.
func (m *Manager) Get(name string) (PluginInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ent, ok := m.entries[name]
	if !ok {
		return PluginInfo{}, false
	}
	return PluginInfo{Descriptor: ent.desc, Stats: ent.sup.Stats()}, true
}

// Reload stops the existing instance (if any) and mounts a fresh
// descriptor under the same name — unlike SwapMount, this briefly drops
// the route and can return plugin_gone to in-flight callers. The reload
// engine's automatic hot-reload path and the administrator "reload one
// plugin" endpoint wired in cmd/pluginhostd both call SwapMount instead.
func (m *Manager) Reload(ctx context.Context, desc *descriptor.PluginDescriptor) error {
	if _, ok := m.Get(desc.Name); ok {
		if err := m.Unmount(ctx, desc.Name); err != nil {
			return err
		}
	}
	return m.Mount(ctx, desc)
}

func copyTable(t routeTable) routeTable {
	n := make(routeTable, len(t)+1)
	for k, v := range t {
		n[k] = v
	}
	return n
}
