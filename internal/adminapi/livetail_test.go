package adminapi

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

func TestTailHubBroadcastsToAllRegisteredClients(t *testing.T) {
	h := newTailHub()
	a := h.register()
	b := h.register()

	h.broadcast([]byte("frame-1"))

	select {
	case got := <-a:
		if string(got) != "frame-1" {
			t.Fatalf("client a got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("client a never received the broadcast")
	}
	select {
	case got := <-b:
		if string(got) != "frame-1" {
			t.Fatalf("client b got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("client b never received the broadcast")
	}
}

func TestTailHubDropsFramesForASlowClientRatherThanBlocking(t *testing.T) {
	h := newTailHub()
	ch := h.register()

	for i := 0; i < 32; i++ {
		h.broadcast([]byte("x"))
	}
	// None of this should have blocked; the client's buffer just saturates.
	if len(ch) == 0 {
		t.Fatal("expected at least one buffered frame for the unread client")
	}
}

func TestTailHubUnregisterClosesTheChannel(t *testing.T) {
	h := newTailHub()
	ch := h.register()
	h.unregister(ch)

	_, ok := <-ch
	if ok {
		t.Fatal("channel should be closed after unregister")
	}
}

func TestServeTailSendsAnImmediateSnapshot(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := newTestServer(t)

	router := gin.New()
	router.GET("/tail", s.serveTail)
	srv := httptest.NewServer(router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/tail"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}

	var frame tailFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("decode tail frame: %v", err)
	}
	if len(frame.Plugins) != 1 || frame.Plugins[0].Name != "calc" {
		t.Fatalf("unexpected snapshot frame: %+v", frame)
	}
}

func TestSnapshotFrameReflectsCurrentManagerAndSchedulerState(t *testing.T) {
	s := newTestServer(t)
	frame := s.snapshotFrame()
	if len(frame.Plugins) != 1 || len(frame.Jobs) != 1 {
		t.Fatalf("unexpected frame: %+v", frame)
	}
}
