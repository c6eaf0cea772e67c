package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"

	"github.com/langchou/teslink/internal/cache"
	"github.com/langchou/teslink/internal/models"
)

const maxWaypointLimit = 1000

// ListWaypoints 最近的遥测记录，?limit= 默认 100
func (h *Handler) ListWaypoints(c *gin.Context) {
	if h.waypoints == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Waypoint storage is not configured"})
		return
	}
	v, ok := h.vehicle(c)
	if !ok {
		return
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		limit = min(n, maxWaypointLimit)
	}

	recs, err := h.waypoints.ListRecent(c.Request.Context(), v.VehicleID(), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if recs == nil {
		recs = []*models.WaypointRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"data": recs})
}

// GetLatestWaypoint 最新遥测记录：先查缓存，未命中再查数据库
func (h *Handler) GetLatestWaypoint(c *gin.Context) {
	if h.latest == nil && h.waypoints == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Waypoint storage is not configured"})
		return
	}
	v, ok := h.vehicle(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if h.latest != nil {
		rec, err := h.latest.Latest(ctx, v.VehicleID())
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{"data": rec, "source": "cache"})
			return
		case !errors.Is(err, cache.ErrNotFound):
			h.respondError(c, err)
			return
		}
	}

	if h.waypoints == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No waypoint recorded"})
		return
	}
	rec, err := h.waypoints.GetLatest(ctx, v.VehicleID())
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "No waypoint recorded"})
			return
		}
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rec, "source": "database"})
}
