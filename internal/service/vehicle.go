package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/langchou/teslink/internal/api/tesla"
	"github.com/langchou/teslink/internal/config"
	"github.com/langchou/teslink/internal/models"
	"github.com/langchou/teslink/internal/state"
	"github.com/langchou/teslink/pkg/ws"
)

// ErrVehicleNotFound 账户下没有匹配的车辆
var ErrVehicleNotFound = errors.New("vehicle not found")

// WaypointSink 遥测记录的下游
type WaypointSink interface {
	SaveWaypoint(ctx context.Context, rec *models.WaypointRecord) error
}

// StatusSink 状态快照的下游
type StatusSink interface {
	SaveStatus(ctx context.Context, st *models.VehicleStatus) error
}

// StateChangeSink 状态迁移的下游
type StateChangeSink interface {
	SaveStateChange(ctx context.Context, change *models.StateChange) error
}

// Option 服务选项
type Option func(*VehicleService)

// WithWaypointSink 追加遥测记录下游
func WithWaypointSink(sink WaypointSink) Option {
	return func(s *VehicleService) { s.waypointSinks = append(s.waypointSinks, sink) }
}

// WithStatusSink 追加状态快照下游
func WithStatusSink(sink StatusSink) Option {
	return func(s *VehicleService) { s.statusSinks = append(s.statusSinks, sink) }
}

// WithStateChangeSink 设置状态迁移下游
func WithStateChangeSink(sink StateChangeSink) Option {
	return func(s *VehicleService) { s.stateSink = sink }
}

// VehicleSnapshot 对外展示的车辆概况
type VehicleSnapshot struct {
	ID          int64        `json:"id"`
	VehicleID   int64        `json:"vehicle_id"`
	VIN         string       `json:"vin"`
	DisplayName string       `json:"display_name"`
	State       string       `json:"state"`
	StateSince  time.Time    `json:"state_since"`
	InService   bool         `json:"in_service"`
	Streaming   bool         `json:"streaming"`
	Stream      *StreamStats `json:"stream,omitempty"`
}

// VehicleService 账户级车辆服务：车辆缓存、轮询和流式遥测
type VehicleService struct {
	cfg    *config.Config
	logger *zap.Logger
	client *tesla.Client
	wsHub  *ws.Hub

	waypointSinks []WaypointSink
	statusSinks   []StatusSink
	stateSink     StateChangeSink

	mu        sync.RWMutex
	vehicles  []*tesla.Vehicle
	engines   map[int64]*StreamEngine
	streaming map[int64]bool
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewVehicleService 创建车辆服务，wsHub 可以为 nil
func NewVehicleService(cfg *config.Config, logger *zap.Logger, client *tesla.Client, wsHub *ws.Hub, opts ...Option) *VehicleService {
	s := &VehicleService{
		cfg:       cfg,
		logger:    logger,
		client:    client,
		wsHub:     wsHub,
		engines:   make(map[int64]*StreamEngine),
		streaming: make(map[int64]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Client Tesla API 客户端
func (s *VehicleService) Client() *tesla.Client {
	return s.client
}

// Vehicles 车辆列表，refresh 为 true 或缓存为空时重新拉取
//
// 已缓存的车辆按 vehicle_id 合并，保持同一个对象。
func (s *VehicleService) Vehicles(ctx context.Context, refresh bool) ([]*tesla.Vehicle, error) {
	s.mu.RLock()
	cached := append([]*tesla.Vehicle(nil), s.vehicles...)
	s.mu.RUnlock()
	if len(cached) > 0 && !refresh {
		return cached, nil
	}

	list, err := s.client.ListVehicles(ctx)
	if err != nil {
		return nil, fmt.Errorf("list vehicles: %w", err)
	}

	byID := make(map[int64]*tesla.Vehicle, len(cached))
	for _, v := range cached {
		byID[v.VehicleID()] = v
	}

	vehicles := make([]*tesla.Vehicle, 0, len(list))
	for _, details := range list {
		fresh, err := tesla.NewVehicle(s.client, details, tesla.WithStateHook(s.onStateChange))
		if err != nil {
			s.logger.Warn("Skipping vehicle", zap.Error(err))
			continue
		}
		if existing, ok := byID[fresh.VehicleID()]; ok {
			if err := existing.Merge(details); err != nil {
				s.logger.Error("Failed to merge vehicle", zap.Error(err))
			}
			vehicles = append(vehicles, existing)
			continue
		}
		s.logger.Info("Synced vehicle", zap.Stringer("vehicle", fresh))
		vehicles = append(vehicles, fresh)
	}

	s.mu.Lock()
	s.vehicles = vehicles
	s.mu.Unlock()
	return append([]*tesla.Vehicle(nil), vehicles...), nil
}

// Vehicle 按名称查找：先精确匹配，再不区分大小写的前缀或后缀匹配；name 为空时返回最后一台
func (s *VehicleService) Vehicle(ctx context.Context, name string) (*tesla.Vehicle, error) {
	vehicles, err := s.Vehicles(ctx, false)
	if err != nil {
		return nil, err
	}
	if len(vehicles) == 0 {
		return nil, ErrVehicleNotFound
	}
	if name == "" {
		return vehicles[len(vehicles)-1], nil
	}
	for _, v := range vehicles {
		if v.DisplayName() == name {
			return v, nil
		}
	}
	lowered := strings.ToLower(name)
	for _, v := range vehicles {
		dn := strings.ToLower(v.DisplayName())
		if strings.HasPrefix(dn, lowered) || strings.HasSuffix(dn, lowered) {
			return v, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrVehicleNotFound, name)
}

// VehicleByID 按 REST id 或 vehicle_id 查找缓存中的车辆
func (s *VehicleService) VehicleByID(ctx context.Context, id int64) (*tesla.Vehicle, error) {
	vehicles, err := s.Vehicles(ctx, false)
	if err != nil {
		return nil, err
	}
	for _, v := range vehicles {
		if v.ID() == id || v.VehicleID() == id {
			return v, nil
		}
	}
	return nil, fmt.Errorf("%w: %d", ErrVehicleNotFound, id)
}

// Snapshot 车辆概况
func (s *VehicleService) Snapshot(v *tesla.Vehicle) VehicleSnapshot {
	snap := VehicleSnapshot{
		ID:          v.ID(),
		VehicleID:   v.VehicleID(),
		VIN:         v.VIN(),
		DisplayName: v.DisplayName(),
		State:       v.State(),
		StateSince:  v.StateSince(),
		InService:   v.InService(),
	}
	s.mu.RLock()
	snap.Streaming = s.streaming[snap.VehicleID]
	engine := s.engines[snap.VehicleID]
	s.mu.RUnlock()
	if engine != nil {
		stats := engine.Stats()
		snap.Stream = &stats
	}
	return snap
}

// Snapshots 所有缓存车辆的概况
func (s *VehicleService) Snapshots() []VehicleSnapshot {
	s.mu.RLock()
	vehicles := append([]*tesla.Vehicle(nil), s.vehicles...)
	s.mu.RUnlock()

	out := make([]VehicleSnapshot, 0, len(vehicles))
	for _, v := range vehicles {
		out = append(out, s.Snapshot(v))
	}
	return out
}

// Summary 会话摘要，例如 "2 vehicles, token expires 3 hours from now, 17 requests"
func (s *VehicleService) Summary() string {
	s.mu.RLock()
	n := len(s.vehicles)
	s.mu.RUnlock()

	noun := "vehicles"
	if n == 1 {
		noun = "vehicle"
	}
	expiry := "token expiry unknown"
	if at := s.client.TokenStore().ExpiresAt(); !at.IsZero() {
		expiry = "token expires " + humanize.Time(at)
	}
	return fmt.Sprintf("%d %s, %s, %s requests", n, noun, expiry, humanize.Comma(s.client.RequestCount()))
}

// WakeUp 唤醒车辆并记录状态快照
func (s *VehicleService) WakeUp(ctx context.Context, v *tesla.Vehicle) (map[string]interface{}, error) {
	data, err := v.WakeUp(ctx)
	if err != nil {
		return nil, err
	}
	s.recordStatus(ctx, v)
	return data, nil
}

// RefreshVehicle 软刷新车辆并记录状态快照
func (s *VehicleService) RefreshVehicle(ctx context.Context, v *tesla.Vehicle) error {
	if err := v.Refresh(ctx); err != nil {
		return err
	}
	s.recordStatus(ctx, v)
	return nil
}

// Start 启动服务：同步车辆列表，为每台车辆启动轮询
func (s *VehicleService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Info("Vehicle service already running, skipping start")
		return nil
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("Starting vehicle service")

	vehicles, err := s.Vehicles(ctx, true)
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("sync vehicles: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	for _, v := range vehicles {
		s.wg.Add(1)
		go s.supervise(runCtx, v)
	}

	s.logger.Info("Vehicle service started", zap.String("summary", s.Summary()))
	return nil
}

// Stop 停止服务，等待所有轮询和流式连接退出
func (s *VehicleService) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	s.logger.Info("Stopping vehicle service")
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.logger.Info("Vehicle service stopped")
}

// supervise 单台车辆的轮询循环
func (s *VehicleService) supervise(ctx context.Context, v *tesla.Vehicle) {
	defer s.wg.Done()
	logger := s.logger.With(zap.Int64("vehicle_id", v.VehicleID()))

	for {
		interval := s.poll(ctx, v)
		if ctx.Err() != nil {
			logger.Info("Vehicle supervisor stopped")
			return
		}

		logger.Debug("Next poll", zap.String("state", v.State()), zap.Duration("interval", interval))
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			logger.Info("Vehicle supervisor stopped")
			return
		case <-t.C:
		}
	}
}

// poll 一次轮询：软刷新，在线时拉取数据，驾驶员在车内时进入流式遥测；返回下次轮询间隔
func (s *VehicleService) poll(ctx context.Context, v *tesla.Vehicle) time.Duration {
	logger := s.logger.With(zap.Int64("vehicle_id", v.VehicleID()))

	if err := v.Refresh(ctx); err != nil {
		if ctx.Err() == nil {
			logger.Error("Failed to refresh vehicle", zap.Error(err))
		}
		return s.cfg.PollIntervalAsleep
	}

	// 休眠中只查列表，不唤醒车辆
	if v.State() != state.StateOnline {
		s.recordStatus(ctx, v)
		return s.cfg.PollIntervalAsleep
	}

	if _, err := v.Data(ctx); err != nil {
		if ctx.Err() == nil {
			logger.Warn("Failed to get vehicle data", zap.Error(err))
		}
		s.recordStatus(ctx, v)
		return s.cfg.PollIntervalOnline
	}
	s.recordStatus(ctx, v)

	if present, _ := v.UserPresent(); present && s.cfg.UseStreamingAPI {
		count, err := s.stream(ctx, v)
		if err != nil && ctx.Err() == nil {
			logger.Error("Streaming failed", zap.Error(err))
		}
		logger.Info("Streaming finished", zap.Int("waypoints", count))
	}
	return s.cfg.PollIntervalOnline
}

func (s *VehicleService) engine(v *tesla.Vehicle) *StreamEngine {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.engines[v.VehicleID()]; ok {
		return e
	}
	e := NewStreamEngine(s.logger, v, StreamConfig{
		Host:           s.cfg.StreamingHost,
		FrameTimeout:   s.cfg.FrameTimeout,
		ReconnectDelay: s.cfg.ReconnectDelay,
	}, s.handleWaypoint)
	s.engines[v.VehicleID()] = e
	return e
}

func (s *VehicleService) stream(ctx context.Context, v *tesla.Vehicle) (int, error) {
	id := v.VehicleID()
	s.mu.Lock()
	s.streaming[id] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.streaming, id)
		s.mu.Unlock()
	}()

	return s.engine(v).Run(ctx)
}

// handleWaypoint 分发遥测记录到所有下游并广播
func (s *VehicleService) handleWaypoint(ctx context.Context, wp *tesla.Waypoint) error {
	rec := models.NewWaypointRecord(wp)

	var errs []error
	for _, sink := range s.waypointSinks {
		if err := sink.SaveWaypoint(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	if s.wsHub != nil {
		s.wsHub.BroadcastMessage(ws.MsgTypeWaypoint, rec)
	}
	return errors.Join(errs...)
}

// recordStatus 保存并广播状态快照，失败只记录日志
func (s *VehicleService) recordStatus(ctx context.Context, v *tesla.Vehicle) {
	st := &models.VehicleStatus{
		VehicleID:   v.VehicleID(),
		DisplayName: v.DisplayName(),
		State:       v.State(),
		Data:        v.Dump(),
		RecordedAt:  time.Now(),
	}
	for _, sink := range s.statusSinks {
		if err := sink.SaveStatus(ctx, st); err != nil && ctx.Err() == nil {
			s.logger.Error("Failed to save vehicle status", zap.Error(err), zap.Int64("vehicle_id", st.VehicleID))
		}
	}
	if s.wsHub != nil {
		s.wsHub.BroadcastMessage(ws.MsgTypeStatus, s.Snapshot(v))
	}
}

// onStateChange 状态迁移回调
func (s *VehicleService) onStateChange(vehicleID int64, from, to string) {
	change := &models.StateChange{
		VehicleID: vehicleID,
		From:      from,
		To:        to,
		ChangedAt: time.Now(),
	}

	if s.stateSink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.stateSink.SaveStateChange(ctx, change); err != nil {
			s.logger.Error("Failed to save state change", zap.Error(err), zap.Int64("vehicle_id", vehicleID))
		}
		cancel()
	}

	if s.wsHub != nil {
		s.wsHub.BroadcastMessage(ws.MsgTypeStateUpdate, change)
	}
}
