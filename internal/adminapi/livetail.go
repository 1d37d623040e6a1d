package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// tailFrame is one broadcast tick: every mounted plugin's current state
// and every registered job's current state, the same data listPlugins and
// listJobs expose, pushed to the operator console without polling.
type tailFrame struct {
	At      time.Time    `json:"at"`
	Plugins []pluginView `json:"plugins"`
	Jobs    []jobView    `json:"jobs"`
}

var tailUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// tailHub fans one broadcast frame out to every connected live-tail
// client, dropping slow clients rather than blocking the broadcaster —
// the same shape the teacher's websocket.Hub uses for session broadcasts.
type tailHub struct {
	mu      sync.RWMutex
	clients map[chan []byte]struct{}
}

func newTailHub() *tailHub {
	return &tailHub{clients: make(map[chan []byte]struct{})}
}

func (h *tailHub) register() chan []byte {
	ch := make(chan []byte, 8)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *tailHub) unregister(ch chan []byte) {
	h.mu.Lock()
	if _, ok := h.clients[ch]; ok {
		delete(h.clients, ch)
		close(ch)
	}
	h.mu.Unlock()
}

func (h *tailHub) broadcast(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.clients {
		select {
		case ch <- data:
		default:
			// slow client: drop this frame rather than block the ticker
		}
	}
}

// run periodically snapshots plugins and jobs and broadcasts the result
// until ctx is cancelled.
func (h *tailHub) run(ctx context.Context, s *Server, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame := s.snapshotFrame()
			data, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			h.broadcast(data)
		}
	}
}

func (s *Server) snapshotFrame() tailFrame {
	infos := s.manager.List()
	plugins := make([]pluginView, 0, len(infos))
	for _, info := range infos {
		plugins = append(plugins, toPluginView(info))
	}
	snaps := s.sched.List()
	jobs := make([]jobView, 0, len(snaps))
	for _, sn := range snaps {
		jobs = append(jobs, toJobView(sn))
	}
	return tailFrame{At: time.Now(), Plugins: plugins, Jobs: jobs}
}

// serveTail upgrades to a WebSocket and streams broadcast frames until the
// client disconnects.
func (s *Server) serveTail(c *gin.Context) {
	conn, err := tailUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("adminapi: tail upgrade failed")
		return
	}
	defer conn.Close()

	ch := s.tail.register()
	defer s.tail.unregister(ch)

	// Send an immediate snapshot so the client doesn't wait a full tick.
	if data, err := json.Marshal(s.snapshotFrame()); err == nil {
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}

	// Detect client-initiated close in the background; readPump has no
	// inbound protocol beyond that (the client never sends commands here).
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case data, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}
