// Package adminapi is the administration surface of §6: a gin HTTP API
// to list/inspect/reload/stop plugins and list/trigger scheduled jobs,
// plus a gorilla/websocket live-tail of supervisor state for an operator
// console. It never runs plugin code directly — every operation goes
// through pluginmanager.Manager or scheduler.Scheduler.
package adminapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/corehost/pluginhost/internal/pluginmanager"
	"github.com/corehost/pluginhost/internal/scheduler"
)

// ReloadFunc re-reads a plugin's descriptor from disk and hot-swaps it.
// The admin surface doesn't know the plugin root or env map, so the
// composition root supplies this closure (same narrow-function shape the
// scheduler uses for Caller, to avoid an import cycle back to cmd).
type ReloadFunc func(ctx context.Context, name string) error

// Server wires the admin HTTP surface to the host's plugin manager and
// scheduler. One instance per host.
type Server struct {
	manager *pluginmanager.Manager
	sched   *scheduler.Scheduler
	reload  ReloadFunc
	log     zerolog.Logger

	tail *tailHub
}

// New constructs a Server; Start launches its live-tail broadcast loop.
func New(manager *pluginmanager.Manager, sched *scheduler.Scheduler, reload ReloadFunc, log zerolog.Logger) *Server {
	s := &Server{manager: manager, sched: sched, reload: reload, log: log, tail: newTailHub()}
	return s
}

// Start begins the background broadcast that feeds connected live-tail
// clients, stopping when ctx is cancelled.
func (s *Server) Start(ctx context.Context, interval time.Duration) {
	go s.tail.run(ctx, s, interval)
}

// Router builds the gin engine exposing the admin API. The composer
// mounts it on whatever AdminAddr config.Config names.
func (s *Server) Router(auth gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	v1 := r.Group("/api/v1")
	if auth != nil {
		v1.Use(auth)
	}
	{
		plugins := v1.Group("/plugins")
		plugins.GET("", s.listPlugins)
		plugins.GET("/:name", s.getPlugin)
		plugins.POST("/:name/reload", s.reloadPlugin)
		plugins.DELETE("/:name", s.stopPlugin)

		jobs := v1.Group("/jobs")
		jobs.GET("", s.listJobs)
		jobs.GET("/:id", s.getJob)
		jobs.POST("/:id/trigger", s.triggerJob)

		v1.GET("/tail", s.serveTail)
	}

	return r
}
