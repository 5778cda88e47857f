package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"homeworkhelper/internal/services"
	"homeworkhelper/internal/store"
)

type AdminHandler struct {
	reconciler *services.Reconciler
}

func NewAdminHandler(reconciler *services.Reconciler) *AdminHandler {
	return &AdminHandler{reconciler: reconciler}
}

// Reconcile 手动触发计数对账
func (h *AdminHandler) Reconcile(c *gin.Context) {
	corrected, err := h.reconciler.Run(c.Request.Context())
	if err != nil {
		RespondError(c, err)
		return
	}
	OK(c, http.StatusOK, "Reconciliation finished", gin.H{"corrected": corrected})
}

type HealthHandler struct {
	backend store.Backend
}

func NewHealthHandler(backend store.Backend) *HealthHandler {
	return &HealthHandler{backend: backend}
}

func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.backend.Ping(ctx); err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "store": "unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": time.Now().UTC()})
}
