package registry

import (
	"context"
	"encoding/json"

	"testing"

	"github.com/corehost/pluginhost/internal/pluginapi"
)

type stubHandler struct{ loaded bool }

func (s *stubHandler) OnLoad(ctx context.Context, pctx pluginapi.Context) error   { s.loaded = true; return nil }
func (s *stubHandler) OnUnload(ctx context.Context, pctx pluginapi.Context) error { return nil }
func (s *stubHandler) Handle(ctx context.Context, action string, payload json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}
func (s *stubHandler) Routes() []pluginapi.Route { return nil }

func TestTrustedFactoriesNewReturnsFreshInstance(t *testing.T) {
	tf := NewTrustedFactories()
	tf.Register("calc", func() pluginapi.Handler { return &stubHandler{} })

	if !tf.Has("calc") {
		t.Fatal("Has(calc) = false, want true")
	}

	h1, ok := tf.New("calc")
	if !ok {
		t.Fatal("New(calc) returned ok=false")
	}
	h2, _ := tf.New("calc")

	if h1 == h2 {
		t.Fatal("New should return a fresh instance per call, not a shared one")
	}
}

func TestTrustedFactoriesNewUnknownName(t *testing.T) {
	tf := NewTrustedFactories()
	if _, ok := tf.New("ghost"); ok {
		t.Fatal("New(ghost) should return ok=false for an unregistered name")
	}
	if tf.Has("ghost") {
		t.Fatal("Has(ghost) should be false")
	}
}

func TestTrustedFactoriesRegisterOverwrites(t *testing.T) {
	tf := NewTrustedFactories()
	tf.Register("calc", func() pluginapi.Handler { return &stubHandler{loaded: false} })
	tf.Register("calc", func() pluginapi.Handler { return &stubHandler{loaded: true} })

	h, _ := tf.New("calc")
	stub := h.(*stubHandler)
	if !stub.loaded {
		t.Fatal("New should use the most recently registered factory, not the original one")
	}
}
