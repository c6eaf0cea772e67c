package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"

	"github.com/langchou/teslink/internal/models"
)

// GetLatestStatus 最近一次保存的状态快照
func (h *Handler) GetLatestStatus(c *gin.Context) {
	if h.statuses == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Status storage is not configured"})
		return
	}
	v, ok := h.vehicle(c)
	if !ok {
		return
	}

	st, err := h.statuses.GetLatestStatus(c.Request.Context(), v.VehicleID())
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "No status recorded"})
			return
		}
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": st})
}

// ListStateChanges 最近的连接状态迁移，?limit= 默认 50
func (h *Handler) ListStateChanges(c *gin.Context) {
	if h.statuses == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Status storage is not configured"})
		return
	}
	v, ok := h.vehicle(c)
	if !ok {
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		limit = min(n, maxWaypointLimit)
	}

	changes, err := h.statuses.ListStateChanges(c.Request.Context(), v.VehicleID(), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if changes == nil {
		changes = []*models.StateChange{}
	}
	c.JSON(http.StatusOK, gin.H{"data": changes})
}
