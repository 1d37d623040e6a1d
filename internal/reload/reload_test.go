package reload

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/corehost/pluginhost/internal/descriptor"
	"github.com/corehost/pluginhost/internal/metrics"
	"github.com/corehost/pluginhost/internal/pluginapi"
	"github.com/corehost/pluginhost/internal/pluginmanager"
	"github.com/corehost/pluginhost/internal/registry"
	"github.com/corehost/pluginhost/internal/snapshot"
	"github.com/corehost/pluginhost/internal/supervisor"
)

func TestBuildPlanClassifiesByTopLevelPluginDir(t *testing.T) {
	e := &Engine{}
	plan := e.buildPlan(
		[]string{"calc/plugin.yaml"},
		[]string{"flaky/plugin.yaml"},
		[]string{"report/report.so"},
		snapshot.Snapshot{}, snapshot.Snapshot{},
	)

	byPlugin := map[string]verdict{}
	for _, item := range plan {
		byPlugin[item.plugin] = item.verdict
	}
	if byPlugin["calc"] != added || byPlugin["flaky"] != removed || byPlugin["report"] != modified {
		t.Fatalf("unexpected plan: %+v", byPlugin)
	}
}

func TestBuildPlanCollapsesAddedAndRemovedForSamePluginIntoModified(t *testing.T) {
	e := &Engine{}
	plan := e.buildPlan(
		[]string{"calc/new_file.so"},
		[]string{"calc/old_file.so"},
		nil,
		snapshot.Snapshot{}, snapshot.Snapshot{},
	)
	if len(plan) != 1 || plan[0].plugin != "calc" || plan[0].verdict != modified {
		t.Fatalf("expected a single modified entry for calc, got %+v", plan)
	}
}

func TestBuildPlanIgnoresPathsWithNoTopLevelDir(t *testing.T) {
	e := &Engine{}
	plan := e.buildPlan([]string{"loose-file.txt"}, nil, nil, snapshot.Snapshot{}, snapshot.Snapshot{})
	if len(plan) != 0 {
		t.Fatalf("expected an empty plan for a rootless path, got %+v", plan)
	}
}

type reloadStubHandler struct{ version string }

func (h *reloadStubHandler) OnLoad(ctx context.Context, pctx pluginapi.Context) error   { return nil }
func (h *reloadStubHandler) OnUnload(ctx context.Context, pctx pluginapi.Context) error { return nil }
func (h *reloadStubHandler) Handle(ctx context.Context, action string, payload json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}
func (h *reloadStubHandler) Routes() []pluginapi.Route { return nil }

func writeManifest(t *testing.T, dir, contents string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "plugin.yaml"), []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestEngine(t *testing.T, root string) (*Engine, *pluginmanager.Manager) {
	t.Helper()
	trusted := registry.NewTrustedFactories()
	trusted.Register("calc", func() pluginapi.Handler { return &reloadStubHandler{} })
	trusted.Register("other", func() pluginapi.Handler { return &reloadStubHandler{} })

	svc := registry.New()
	svc.Seal()

	mgr := pluginmanager.New(svc, trusted, nil, supervisor.DefaultRestartPolicy(), time.Second, time.Second, zerolog.Nop(), metrics.New(prometheus.NewRegistry()))
	e := New(root, time.Hour, 5*time.Millisecond, 2, mgr, zerolog.Nop(), nil)
	return e, mgr
}

func TestTickAppliesModifiedVersionViaSwapMount(t *testing.T) {
	root := t.TempDir()
	calcDir := filepath.Join(root, "calc")
	writeManifest(t, calcDir, "name: calc\nversion: 1.0.0\nexecution_mode: trusted\nroute_prefix: /calc\nentry: calc.so\n")

	e, mgr := newTestEngine(t, root)
	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	desc, err := descriptor.Load(calcDir, nil)
	if err != nil {
		t.Fatalf("descriptor.Load failed: %v", err)
	}
	if err := mgr.Mount(ctx, desc); err != nil {
		t.Fatalf("initial Mount failed: %v", err)
	}

	writeManifest(t, calcDir, "name: calc\nversion: 2.0.0\nexecution_mode: trusted\nroute_prefix: /calc\nentry: calc.so\n")
	e.tick(ctx)

	info, ok := mgr.Get("calc")
	if !ok {
		t.Fatal("calc should still be mounted after a modify tick")
	}
	if info.Descriptor.Version != "2.0.0" {
		t.Fatalf("Descriptor.Version = %s, want 2.0.0", info.Descriptor.Version)
	}
	if _, ok := mgr.RouteFor("/calc"); !ok {
		t.Fatal("route should still resolve after the swap")
	}
}

func TestTickAppliesRemovalViaUnmount(t *testing.T) {
	root := t.TempDir()
	calcDir := filepath.Join(root, "calc")
	writeManifest(t, calcDir, "name: calc\nversion: 1.0.0\nexecution_mode: trusted\nroute_prefix: /calc\nentry: calc.so\n")

	e, mgr := newTestEngine(t, root)
	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	desc, _ := descriptor.Load(calcDir, nil)
	if err := mgr.Mount(ctx, desc); err != nil {
		t.Fatalf("initial Mount failed: %v", err)
	}

	if err := os.RemoveAll(calcDir); err != nil {
		t.Fatal(err)
	}
	e.tick(ctx)

	if _, ok := mgr.Get("calc"); ok {
		t.Fatal("calc should be unmounted after its directory is removed")
	}
	if _, ok := mgr.RouteFor("/calc"); ok {
		t.Fatal("route should be gone after removal")
	}
}

func TestTickAppliesAdditionViaMount(t *testing.T) {
	root := t.TempDir()
	e, mgr := newTestEngine(t, root)
	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	otherDir := filepath.Join(root, "other")
	writeManifest(t, otherDir, "name: other\nversion: 1.0.0\nexecution_mode: trusted\nroute_prefix: /other\nentry: other.so\n")
	e.tick(ctx)

	if _, ok := mgr.Get("other"); !ok {
		t.Fatal("other should be mounted after an add tick")
	}
	if name, ok := mgr.RouteFor("/other"); !ok || name != "other" {
		t.Fatalf("RouteFor(/other) = %q, %v; want other, true", name, ok)
	}
}

func TestTickIsNoOpWhenNothingChanged(t *testing.T) {
	root := t.TempDir()
	calcDir := filepath.Join(root, "calc")
	writeManifest(t, calcDir, "name: calc\nversion: 1.0.0\nexecution_mode: trusted\nroute_prefix: /calc\nentry: calc.so\n")

	e, mgr := newTestEngine(t, root)
	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	desc, _ := descriptor.Load(calcDir, nil)
	if err := mgr.Mount(ctx, desc); err != nil {
		t.Fatalf("initial Mount failed: %v", err)
	}

	before, _ := mgr.Get("calc")
	e.tick(ctx)
	after, _ := mgr.Get("calc")

	if !before.Stats.StartedAt.Equal(after.Stats.StartedAt) {
		t.Fatal("an unchanged tree should not trigger a swap")
	}
}
