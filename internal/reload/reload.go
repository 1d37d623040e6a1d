// Package reload implements the cooperative watch loop of §4.H: snapshot
// the plugin root, diff against the previous snapshot, group changes by
// top-level plugin directory, and apply an add/remove/modify plan with a
// bounded concurrency cap. It never runs blocking plugin code itself and
// never blocks the HTTP dispatcher (§5).
package reload

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/corehost/pluginhost/internal/descriptor"
	"github.com/corehost/pluginhost/internal/pluginmanager"
	"github.com/corehost/pluginhost/internal/snapshot"
)

// Engine runs the reload loop. One instance per host.
type Engine struct {
	root        string
	scanPeriod  time.Duration
	drainGrace  time.Duration
	concurrency int
	snapOpts    snapshot.Options

	manager *pluginmanager.Manager
	log     zerolog.Logger

	mu   sync.Mutex
	prev snapshot.Snapshot

	fastTrigger chan struct{}

	// envForDescriptors is passed to descriptor.Load for ${VAR} expansion.
	envForDescriptors map[string]string
}

// New constructs an Engine; Start must be called to begin the loop.
func New(root string, scanPeriod, drainGrace time.Duration, concurrency int, manager *pluginmanager.Manager, log zerolog.Logger, env map[string]string) *Engine {
	return &Engine{
		root:              root,
		scanPeriod:        scanPeriod,
		drainGrace:        drainGrace,
		concurrency:       concurrency,
		snapOpts:          snapshot.DefaultOptions(),
		manager:           manager,
		log:               log,
		fastTrigger:        make(chan struct{}, 1),
		envForDescriptors: env,
	}
}

// Start takes the initial snapshot (treated as a baseline, not a set of
// "added" plugins — the host composer mounts the initial plugin set
// separately before the loop starts) and launches the loop goroutine.
// It also starts a best-effort fsnotify watch on root that nudges the
// next tick to run immediately instead of waiting for the full
// scan_period (latency only; the content-hash diff remains authoritative).
func (e *Engine) Start(ctx context.Context) error {
	initial, err := snapshot.Take(e.root, e.snapOpts)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.prev = initial
	e.mu.Unlock()

	e.watchFSNotify(ctx)

	go e.loop(ctx)
	return nil
}

func (e *Engine) watchFSNotify(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		e.log.Warn().Err(err).Msg("fsnotify unavailable; falling back to scan_period only")
		return
	}
	_ = filepath.Walk(e.root, func(path string, info os.FileInfo, err error) error {
		if err == nil && info.IsDir() {
			_ = watcher.Add(path)
		}
		return nil
	})
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-watcher.Events:
				if !ok {
					return
				}
				select {
				case e.fastTrigger <- struct{}{}:
				default:
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
}

func (e *Engine) loop(ctx context.Context) {
	ticker := time.NewTicker(e.scanPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		case <-e.fastTrigger:
			e.tick(ctx)
		}
	}
}

type verdict int

const (
	unchanged verdict = iota
	added
	removed
	modified
)

// tick performs one iteration of the loop named in §4.H.
func (e *Engine) tick(ctx context.Context) {
	e.mu.Lock()
	prev := e.prev
	e.mu.Unlock()

	next, err := snapshot.Take(e.root, e.snapOpts)
	if err != nil {
		e.log.Warn().Err(err).Msg("snapshot failed; retrying next tick")
		return
	}

	addedPaths, removedPaths, modifiedPaths := snapshot.Diff(prev, next)
	if len(addedPaths)+len(removedPaths)+len(modifiedPaths) == 0 {
		return // "If empty, sleep."
	}

	plan := e.buildPlan(addedPaths, removedPaths, modifiedPaths, prev, next)
	ok := e.applyPlan(ctx, plan)

	// "On plan success, replace the stored snapshot atomically; on
	// failure, leave the previous snapshot in place so the next tick
	// retries." A partial failure (some plugins ok, some not) counts as a
	// failure: the whole previous snapshot is kept, so the next tick plans
	// every changed plugin again, including the ones this tick applied.
	if ok {
		e.mu.Lock()
		e.prev = next
		e.mu.Unlock()
	}
}

type planItem struct {
	plugin  string
	verdict verdict
}

func (e *Engine) buildPlan(addedPaths, removedPaths, modifiedPaths []string, prev, next snapshot.Snapshot) []planItem {
	byPlugin := map[string]verdict{}
	classify := func(paths []string, v verdict) {
		for _, p := range paths {
			plugin := snapshot.TopLevelDir(p)
			if plugin == "" || plugin == filepath.ToSlash(p) {
				continue
			}
			existing, ok := byPlugin[plugin]
			if !ok {
				byPlugin[plugin] = v
				continue
			}
			// added+removed for the same plugin in one tick means
			// modified overall.
			if existing != v {
				byPlugin[plugin] = modified
			}
		}
	}
	classify(addedPaths, added)
	classify(removedPaths, removed)
	classify(modifiedPaths, modified)

	plan := make([]planItem, 0, len(byPlugin))
	for plugin, v := range byPlugin {
		plan = append(plan, planItem{plugin: plugin, verdict: v})
	}
	return plan
}

func (e *Engine) applyPlan(ctx context.Context, plan []planItem) bool {
	sem := make(chan struct{}, e.concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	allOK := true

	for _, item := range plan {
		wg.Add(1)
		sem <- struct{}{}
		go func(item planItem) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := e.applyOne(ctx, item); err != nil {
				mu.Lock()
				allOK = false
				mu.Unlock()
				e.log.Error().Str("plugin", item.plugin).Err(err).Msg("reload plan item failed")
			}
		}(item)
	}
	wg.Wait()
	return allOK
}

func (e *Engine) applyOne(ctx context.Context, item planItem) error {
	dir := filepath.Join(e.root, item.plugin)
	switch item.verdict {
	case removed:
		return e.manager.Unmount(ctx, item.plugin)
	case added:
		desc, err := descriptor.Load(dir, e.envForDescriptors)
		if err != nil {
			// "A plugin whose descriptor cannot be parsed ... is left in
			// failing with the previous version unmounted; it is not
			// partially installed." There was no previous version here,
			// so there is nothing to unmount — we simply do not mount.
			return err
		}
		return e.manager.Mount(ctx, desc)
	case modified:
		desc, err := descriptor.Load(dir, e.envForDescriptors)
		if err != nil {
			return err
		}
		return e.manager.SwapMount(ctx, desc, e.drainGrace)
	}
	return nil
}
