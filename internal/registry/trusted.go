package registry

import (
	"sync"

	"github.com/corehost/pluginhost/internal/pluginapi"
)

// TrustedFactories is the build-time registry of trusted, in-process
// plugin constructors. Grounded on the reference host's GlobalPluginRegistry
// (api/internal/plugins/registry.go): a name -> factory map populated by
// init()-time registration in each trusted plugin's package, with the
// a duplicate registration silently overwriting the earlier one, and no
// unregister operation (build-time only, matching the teacher's own
// documented "Known Limitations").
type TrustedFactories struct {
	mu    sync.RWMutex
	byName map[string]pluginapi.Factory
}

// NewTrustedFactories returns an empty factory registry. Unlike the
// teacher's package-level global, the host composer owns one instance
// explicitly (§9).
func NewTrustedFactories() *TrustedFactories {
	return &TrustedFactories{byName: make(map[string]pluginapi.Factory)}
}

// Register adds or overwrites the factory for name.
func (t *TrustedFactories) Register(name string, factory pluginapi.Factory) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byName[name] = factory
}

// New constructs a fresh Handler instance for name, or false if no
// trusted factory is registered under that name.
func (t *TrustedFactories) New(name string) (pluginapi.Handler, bool) {
	t.mu.RLock()
	factory, ok := t.byName[name]
	t.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return factory(), true
}

// Has reports whether a trusted factory is registered under name.
func (t *TrustedFactories) Has(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.byName[name]
	return ok
}
