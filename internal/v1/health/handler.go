// Package health exposes liveness and readiness endpoints. Liveness is
// unconditional; readiness probes the storage backend so a pod with a dead
// database stops receiving traffic.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/driftsync/driftsync/internal/v1/storage"
)

const probeTimeout = 2 * time.Second

// Handler serves the health endpoints.
type Handler struct {
	store storage.Backend
}

// NewHandler creates a health handler. A nil backend makes readiness
// unconditional.
func NewHandler(store storage.Backend) *Handler {
	return &Handler{store: store}
}

// Register mounts the health routes on the router.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/healthz", h.Liveness)
	r.GET("/readyz", h.Readiness)
}

// Liveness reports that the process is up.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Readiness reports whether the server can serve traffic.
func (h *Handler) Readiness(c *gin.Context) {
	if h.store == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), probeTimeout)
	defer cancel()

	if _, err := h.store.Exists(ctx, "health:probe"); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": "storage unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
