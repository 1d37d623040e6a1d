package adminapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/corehost/pluginhost/internal/hosterr"
)

func (s *Server) listPlugins(c *gin.Context) {
	infos := s.manager.List()
	out := make([]pluginView, 0, len(infos))
	for _, info := range infos {
		out = append(out, toPluginView(info))
	}
	c.JSON(http.StatusOK, gin.H{"plugins": out})
}

func (s *Server) getPlugin(c *gin.Context) {
	name := c.Param("name")
	info, ok := s.manager.Get(name)
	if !ok {
		respondError(c, hosterr.New(hosterr.Config, "unknown_plugin", "plugin "+name+" is not mounted"))
		return
	}
	c.JSON(http.StatusOK, toPluginDetailView(info))
}

func (s *Server) reloadPlugin(c *gin.Context) {
	name := c.Param("name")
	if s.reload == nil {
		respondError(c, hosterr.New(hosterr.Config, "reload_unavailable", "reload is not wired on this host"))
		return
	}
	if err := s.reload(c.Request.Context(), name); err != nil {
		respondError(c, err)
		return
	}
	info, ok := s.manager.Get(name)
	if !ok {
		c.JSON(http.StatusAccepted, gin.H{"name": name, "reloaded": true})
		return
	}
	c.JSON(http.StatusOK, toPluginView(info))
}

func (s *Server) stopPlugin(c *gin.Context) {
	name := c.Param("name")
	if err := s.manager.Unmount(c.Request.Context(), name); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listJobs(c *gin.Context) {
	snaps := s.sched.List()
	out := make([]jobView, 0, len(snaps))
	for _, sn := range snaps {
		out = append(out, toJobView(sn))
	}
	c.JSON(http.StatusOK, gin.H{"jobs": out})
}

func (s *Server) getJob(c *gin.Context) {
	id := c.Param("id")
	for _, sn := range s.sched.List() {
		if sn.ID == id {
			c.JSON(http.StatusOK, toJobDetailView(sn))
			return
		}
	}
	respondError(c, hosterr.New(hosterr.Config, "unknown_job", "job "+id+" is not registered"))
}

func (s *Server) triggerJob(c *gin.Context) {
	id := c.Param("id")
	if err := s.sched.TriggerManually(id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}
