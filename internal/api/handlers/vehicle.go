package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/langchou/teslink/internal/api/tesla"
)

// GetSession 会话摘要
func (h *Handler) GetSession(c *gin.Context) {
	client := h.vehicleService.Client()
	tokens := client.TokenStore()
	c.JSON(http.StatusOK, gin.H{
		"summary":    h.vehicleService.Summary(),
		"client":     client.String(),
		"expires_at": tokens.ExpiresAt(),
		"expired":    tokens.Expired(),
	})
}

// ListEndpoints 能力表
func (h *Handler) ListEndpoints(c *gin.Context) {
	names := tesla.EndpointNames()
	out := make([]tesla.Endpoint, 0, len(names))
	for _, name := range names {
		out = append(out, tesla.Endpoints[name])
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}

// GetUser 账户信息
func (h *Handler) GetUser(c *gin.Context) {
	user, err := h.vehicleService.Client().User(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": user})
}

// ListVehicles 获取车辆列表，?refresh=true 时重新拉取
func (h *Handler) ListVehicles(c *gin.Context) {
	refresh, _ := strconv.ParseBool(c.Query("refresh"))
	if _, err := h.vehicleService.Vehicles(c.Request.Context(), refresh); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": h.vehicleService.Snapshots()})
}

// vehicle 解析路径中的车辆：数字按 id 查找，否则按名称
func (h *Handler) vehicle(c *gin.Context) (*tesla.Vehicle, bool) {
	param := c.Param("id")
	ctx := c.Request.Context()

	var (
		v   *tesla.Vehicle
		err error
	)
	if id, perr := strconv.ParseInt(param, 10, 64); perr == nil {
		v, err = h.vehicleService.VehicleByID(ctx, id)
	} else {
		v, err = h.vehicleService.Vehicle(ctx, param)
	}
	if err != nil {
		h.respondError(c, err)
		return nil, false
	}
	return v, true
}

// GetVehicle 获取车辆概况
func (h *Handler) GetVehicle(c *gin.Context) {
	v, ok := h.vehicle(c)
	if !ok {
		return
	}
	resp := gin.H{"data": h.vehicleService.Snapshot(v), "summary": v.String()}
	if vd, err := v.VehicleData(); err == nil {
		if vd.VehicleState != nil && vd.VehicleState.Odometer > 0 {
			resp["odometer_km"] = tesla.MilesToKm(vd.VehicleState.Odometer)
		}
		if vd.DriveState != nil && vd.DriveState.Timestamp > 0 {
			resp["drive_state_at"] = vd.DriveState.Time()
		}
	}
	c.JSON(http.StatusOK, resp)
}

// GetVehicleData 缓存的车辆数据，?fetch=true 时向上游拉取（车辆需在线）
func (h *Handler) GetVehicleData(c *gin.Context) {
	v, ok := h.vehicle(c)
	if !ok {
		return
	}
	if fetch, _ := strconv.ParseBool(c.Query("fetch")); fetch {
		data, err := v.Data(c.Request.Context())
		if err != nil {
			h.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": data})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": v.Dump()})
}

// WakeUp 唤醒车辆
func (h *Handler) WakeUp(c *gin.Context) {
	v, ok := h.vehicle(c)
	if !ok {
		return
	}
	data, err := h.vehicleService.WakeUp(c.Request.Context(), v)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": data, "state": v.State()})
}

// RefreshVehicle 软刷新，不唤醒车辆
func (h *Handler) RefreshVehicle(c *gin.Context) {
	v, ok := h.vehicle(c)
	if !ok {
		return
	}
	if err := h.vehicleService.RefreshVehicle(c.Request.Context(), v); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": h.vehicleService.Snapshot(v)})
}

// RunCommand 执行能力表中的命令，名称不区分大小写，请求体为可选 JSON 对象
func (h *Handler) RunCommand(c *gin.Context) {
	v, ok := h.vehicle(c)
	if !ok {
		return
	}

	var body map[string]interface{}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid command body: %v", err)})
			return
		}
	}

	name := strings.ToUpper(c.Param("name"))
	env, err := v.Command(c.Request.Context(), name, body)
	if err != nil {
		h.respondError(c, err)
		return
	}

	var response interface{}
	if len(env.Response) > 0 {
		if err := env.Decode(&response); err != nil {
			h.respondError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"data": response, "status": env.Status, "attempt": env.Attempt})
}
