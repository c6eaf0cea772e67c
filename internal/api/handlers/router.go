package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/langchou/teslink/internal/api/tesla"
	"github.com/langchou/teslink/internal/models"
	"github.com/langchou/teslink/internal/service"
	"github.com/langchou/teslink/pkg/ws"
)

// WaypointStore 已保存遥测记录的查询
type WaypointStore interface {
	ListRecent(ctx context.Context, vehicleID int64, limit int) ([]*models.WaypointRecord, error)
	GetLatest(ctx context.Context, vehicleID int64) (*models.WaypointRecord, error)
}

// StatusStore 已保存状态快照和状态迁移的查询
type StatusStore interface {
	GetLatestStatus(ctx context.Context, vehicleID int64) (*models.VehicleStatus, error)
	ListStateChanges(ctx context.Context, vehicleID int64, limit int) ([]*models.StateChange, error)
}

// LatestCache 最新遥测记录缓存
type LatestCache interface {
	Latest(ctx context.Context, vehicleID int64) (*models.WaypointRecord, error)
}

// Handler HTTP 处理器
type Handler struct {
	logger         *zap.Logger
	vehicleService *service.VehicleService
	waypoints      WaypointStore
	statuses       StatusStore
	latest         LatestCache
	wsHub          *ws.Hub
	upgrader       websocket.Upgrader
}

// NewHandler 创建处理器，waypoints、statuses 和 latest 可以为 nil
func NewHandler(
	logger *zap.Logger,
	vehicleService *service.VehicleService,
	waypoints WaypointStore,
	statuses StatusStore,
	latest LatestCache,
	wsHub *ws.Hub,
) *Handler {
	return &Handler{
		logger:         logger,
		vehicleService: vehicleService,
		waypoints:      waypoints,
		statuses:       statuses,
		latest:         latest,
		wsHub:          wsHub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 开发环境允许所有来源
			},
		},
	}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	// API 路由
	api := r.Group("/api")
	{
		// 账户
		api.GET("/session", h.GetSession)
		api.GET("/endpoints", h.ListEndpoints)
		api.GET("/user", h.GetUser)

		// 车辆
		api.GET("/vehicles", h.ListVehicles)
		api.GET("/vehicles/:id", h.GetVehicle)
		api.GET("/vehicles/:id/data", h.GetVehicleData)
		api.POST("/vehicles/:id/wake_up", h.WakeUp)
		api.POST("/vehicles/:id/refresh", h.RefreshVehicle)
		api.POST("/vehicles/:id/command/:name", h.RunCommand)

		// 遥测
		api.GET("/vehicles/:id/waypoints", h.ListWaypoints)
		api.GET("/vehicles/:id/waypoints/latest", h.GetLatestWaypoint)

		// 历史状态
		api.GET("/vehicles/:id/status", h.GetLatestStatus)
		api.GET("/vehicles/:id/state_changes", h.ListStateChanges)
	}

	// WebSocket
	if h.wsHub != nil {
		r.GET("/ws", h.HandleWebSocket)
	}

	// 健康检查
	r.GET("/health", h.HealthCheck)
}

// HandleWebSocket WebSocket 处理
func (h *Handler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}

	client := ws.NewClient(h.wsHub, conn)
	client.Register()

	// 启动读写协程
	go client.ReadPump()
	go client.WritePump()
}

// HealthCheck 健康检查
func (h *Handler) HealthCheck(c *gin.Context) {
	clients := 0
	if h.wsHub != nil {
		clients = h.wsHub.ClientCount()
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"ws_clients": clients,
		"requests":   h.vehicleService.Client().RequestCount(),
	})
}

// respondError 按错误类型映射 HTTP 状态码
func (h *Handler) respondError(c *gin.Context, err error) {
	var (
		stateErr   *tesla.VehicleStateError
		sessionErr *tesla.SessionError
		credErr    *tesla.CredentialError
	)

	switch {
	case errors.Is(err, service.ErrVehicleNotFound), errors.Is(err, tesla.ErrUnknownEndpoint):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &stateErr):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "state": stateErr.State})
	case errors.As(err, &credErr):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.As(err, &sessionErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "upstream_status": sessionErr.Status})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
	default:
		h.logger.Error("Request failed", zap.Error(err), zap.String("path", c.FullPath()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
