// Package health serves the liveness, readiness, and stats endpoints.
package health

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/caldera-live/caldera/backend/go/internal/v1/bus"
	"github.com/caldera-live/caldera/backend/go/internal/v1/channel"
	"github.com/caldera-live/caldera/backend/go/internal/v1/chatlog"
	"github.com/caldera-live/caldera/backend/go/internal/v1/presence"
)

// Handler reports process health and hub statistics.
type Handler struct {
	started  time.Time
	env      string
	channels *channel.Registry
	users    *presence.Registry
	chat     *chatlog.Log
	mirror   *bus.Service // nil when Redis is disabled
}

func NewHandler(env string, channels *channel.Registry, users *presence.Registry, chat *chatlog.Log, mirror *bus.Service) *Handler {
	return &Handler{
		started:  time.Now(),
		env:      env,
		channels: channels,
		users:    users,
		chat:     chat,
		mirror:   mirror,
	}
}

// Register mounts the endpoints on the router.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/health", h.Liveness)
	r.GET("/api/health", h.Health)
	r.GET("/api/ready", h.Readiness)
	r.GET("/api/stats", h.Stats)
}

// Liveness is the bare load-balancer probe.
func (h *Handler) Liveness(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (h *Handler) uptime() string {
	return time.Since(h.started).Round(time.Second).String()
}

// Health reports process identity and uptime.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"uptime":    h.uptime(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"env":       h.env,
	})
}

// Readiness additionally checks the Redis mirror when one is configured.
func (h *Handler) Readiness(c *gin.Context) {
	if h.mirror != nil {
		if err := h.mirror.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "degraded",
				"redis":  err.Error(),
			})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Stats reports hub-wide counters plus process memory.
func (h *Handler) Stats(c *gin.Context) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	c.JSON(http.StatusOK, gin.H{
		"channels": h.channels.Count(),
		"users":    h.users.Count(),
		"messages": h.chat.TotalCount(),
		"uptime":   h.uptime(),
		"memory": gin.H{
			"allocMB":      mem.Alloc / 1024 / 1024,
			"totalAllocMB": mem.TotalAlloc / 1024 / 1024,
			"sysMB":        mem.Sys / 1024 / 1024,
			"numGC":        mem.NumGC,
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
