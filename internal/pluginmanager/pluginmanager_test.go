package pluginmanager

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/corehost/pluginhost/internal/descriptor"
	"github.com/corehost/pluginhost/internal/hosterr"
	"github.com/corehost/pluginhost/internal/metrics"
	"github.com/corehost/pluginhost/internal/pluginapi"
	"github.com/corehost/pluginhost/internal/registry"
	"github.com/corehost/pluginhost/internal/supervisor"
)

type echoHandler struct{}

func (echoHandler) OnLoad(ctx context.Context, pctx pluginapi.Context) error   { return nil }
func (echoHandler) OnUnload(ctx context.Context, pctx pluginapi.Context) error { return nil }
func (echoHandler) Handle(ctx context.Context, action string, payload json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{"ok":true}`), nil
}
func (echoHandler) Routes() []pluginapi.Route { return nil }

func newTestManager(t *testing.T) (*Manager, *registry.TrustedFactories) {
	t.Helper()
	trusted := registry.NewTrustedFactories()
	trusted.Register("calc", func() pluginapi.Handler { return echoHandler{} })

	svc := registry.New()
	svc.Seal()

	mgr := New(svc, trusted, nil, supervisor.DefaultRestartPolicy(), time.Second, time.Second, zerolog.Nop(), metrics.New(prometheus.NewRegistry()))
	return mgr, trusted
}

func trustedDesc(name, prefix string) *descriptor.PluginDescriptor {
	return &descriptor.PluginDescriptor{
		Name:        name,
		Version:     "1.0.0",
		Mode:        descriptor.Trusted,
		Entry:       name + ".so",
		RoutePrefix: prefix,
		TimeoutMS:   1000,
	}
}

func TestRouteForMissOnEmptyManager(t *testing.T) {
	mgr, _ := newTestManager(t)
	if _, ok := mgr.RouteFor("/calc"); ok {
		t.Fatal("RouteFor on an empty manager should miss")
	}
}

func TestMountPublishesRouteOnSuccessfulStart(t *testing.T) {
	mgr, _ := newTestManager(t)
	desc := trustedDesc("calc", "/calc")

	if err := mgr.Mount(context.Background(), desc); err != nil {
		t.Fatalf("Mount failed: %v", err)
	}

	name, ok := mgr.RouteFor("/calc")
	if !ok || name != "calc" {
		t.Fatalf("RouteFor(/calc) = %q, %v; want calc, true", name, ok)
	}

	info, ok := mgr.Get("calc")
	if !ok {
		t.Fatal("Get(calc) should find the mounted plugin")
	}
	if info.Stats.Kind != supervisor.Running {
		t.Fatalf("state = %s, want running", info.Stats.Kind)
	}
}

func TestMountRejectsDuplicateName(t *testing.T) {
	mgr, _ := newTestManager(t)
	desc := trustedDesc("calc", "/calc")
	if err := mgr.Mount(context.Background(), desc); err != nil {
		t.Fatalf("first Mount failed: %v", err)
	}

	err := mgr.Mount(context.Background(), trustedDesc("calc", "/calc2"))
	if err == nil {
		t.Fatal("second Mount with the same name should fail")
	}
	if !hosterr.Is(err, hosterr.Config) {
		t.Fatalf("expected hosterr.Config, got %v", err)
	}
}

func TestMountRejectsRoutePrefixConflict(t *testing.T) {
	mgr, _ := newTestManager(t)
	if err := mgr.Mount(context.Background(), trustedDesc("calc", "/api")); err != nil {
		t.Fatalf("first Mount failed: %v", err)
	}

	err := mgr.Mount(context.Background(), trustedDesc("calc2", "/api"))
	if err == nil {
		t.Fatal("Mount with a conflicting route_prefix should fail")
	}
	if !hosterr.Is(err, hosterr.Config) {
		t.Fatalf("expected hosterr.Config, got %v", err)
	}
	if _, ok := mgr.RouteFor("/api"); !ok {
		t.Fatal("the original plugin's route should still be intact after the rejected conflict")
	}
}

func TestMountRejectsUnknownTrustedPlugin(t *testing.T) {
	mgr, _ := newTestManager(t)
	desc := trustedDesc("ghost", "/ghost")

	err := mgr.Mount(context.Background(), desc)
	if err == nil {
		t.Fatal("Mount should reject a trusted plugin with no registered factory")
	}
	if !hosterr.Is(err, hosterr.Config) {
		t.Fatalf("expected hosterr.Config, got %v", err)
	}
}

func TestUnmountRemovesRouteAndEntry(t *testing.T) {
	mgr, _ := newTestManager(t)
	if err := mgr.Mount(context.Background(), trustedDesc("calc", "/calc")); err != nil {
		t.Fatalf("Mount failed: %v", err)
	}

	if err := mgr.Unmount(context.Background(), "calc"); err != nil {
		t.Fatalf("Unmount failed: %v", err)
	}

	if _, ok := mgr.RouteFor("/calc"); ok {
		t.Fatal("route should be gone after Unmount")
	}
	if _, ok := mgr.Get("calc"); ok {
		t.Fatal("entry should be gone after Unmount")
	}
}

func TestUnmountUnknownPlugin(t *testing.T) {
	mgr, _ := newTestManager(t)
	if err := mgr.Unmount(context.Background(), "ghost"); err == nil {
		t.Fatal("Unmount of an unmounted plugin should fail")
	}
}

func TestCallRoutesToMountedPlugin(t *testing.T) {
	mgr, _ := newTestManager(t)
	if err := mgr.Mount(context.Background(), trustedDesc("calc", "/calc")); err != nil {
		t.Fatalf("Mount failed: %v", err)
	}

	out, err := mgr.Call(context.Background(), "calc", "add", json.RawMessage(`{}`), time.Second)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if string(out) != `{"ok":true}` {
		t.Fatalf("Call result = %s, want {\"ok\":true}", out)
	}
}

func TestCallUnknownPluginReturnsPluginGone(t *testing.T) {
	mgr, _ := newTestManager(t)
	_, err := mgr.Call(context.Background(), "ghost", "add", json.RawMessage(`{}`), time.Second)
	if !hosterr.Is(err, hosterr.PluginFailure) {
		t.Fatalf("expected a plugin-gone error, got %v", err)
	}
}

func TestListEnumeratesAllMountedPlugins(t *testing.T) {
	mgr, _ := newTestManager(t)
	if err := mgr.Mount(context.Background(), trustedDesc("calc", "/calc")); err != nil {
		t.Fatalf("Mount failed: %v", err)
	}
	if err := mgr.Mount(context.Background(), trustedDesc("calc2", "/calc2")); err == nil {
		t.Fatal("expected an unknown-trusted-plugin error for calc2")
	}

	list := mgr.List()
	if len(list) != 1 {
		t.Fatalf("len(List()) = %d, want 1", len(list))
	}
}

func TestSwapMountAtomicallyRepointsRouteToNewInstance(t *testing.T) {
	mgr, _ := newTestManager(t)
	if err := mgr.Mount(context.Background(), trustedDesc("calc", "/calc")); err != nil {
		t.Fatalf("Mount failed: %v", err)
	}
	oldInfo, _ := mgr.Get("calc")

	newDesc := trustedDesc("calc", "/calc")
	newDesc.Version = "2.0.0"
	if err := mgr.SwapMount(context.Background(), newDesc, 10*time.Millisecond); err != nil {
		t.Fatalf("SwapMount failed: %v", err)
	}

	name, ok := mgr.RouteFor("/calc")
	if !ok || name != "calc" {
		t.Fatalf("RouteFor(/calc) = %q, %v; want calc, true", name, ok)
	}
	newInfo, ok := mgr.Get("calc")
	if !ok {
		t.Fatal("calc should still be mounted after SwapMount")
	}
	if newInfo.Descriptor.Version != "2.0.0" {
		t.Fatalf("Descriptor.Version = %s, want 2.0.0", newInfo.Descriptor.Version)
	}
	if newInfo.Stats.StartedAt.Equal(oldInfo.Stats.StartedAt) {
		t.Fatal("the new instance should have its own StartedAt, distinct from the drained old one")
	}
}

func TestSwapMountRejectsConflictingRouteFromAnotherPlugin(t *testing.T) {
	mgr, _ := newTestManager(t)
	if err := mgr.Mount(context.Background(), trustedDesc("calc", "/calc")); err != nil {
		t.Fatalf("Mount failed: %v", err)
	}

	other := trustedDesc("ghost", "/calc")
	err := mgr.SwapMount(context.Background(), other, 10*time.Millisecond)
	if err == nil {
		t.Fatal("SwapMount should fail: ghost has no registered trusted factory")
	}
}

func TestReloadUnmountsThenMounts(t *testing.T) {
	mgr, _ := newTestManager(t)
	if err := mgr.Mount(context.Background(), trustedDesc("calc", "/calc")); err != nil {
		t.Fatalf("Mount failed: %v", err)
	}

	newDesc := trustedDesc("calc", "/calc")
	newDesc.Version = "3.0.0"
	if err := mgr.Reload(context.Background(), newDesc); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	info, ok := mgr.Get("calc")
	if !ok || info.Descriptor.Version != "3.0.0" {
		t.Fatalf("Reload did not take effect: %+v, %v", info, ok)
	}
}
