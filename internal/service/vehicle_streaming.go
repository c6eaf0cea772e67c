package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/teslink/internal/api/tesla"
	"github.com/langchou/teslink/internal/state"
)

// WaypointHandler 每条遥测记录的回调
type WaypointHandler func(ctx context.Context, wp *tesla.Waypoint) error

// SyncHandler 把阻塞函数适配为 WaypointHandler
func SyncHandler(fn func(wp *tesla.Waypoint)) WaypointHandler {
	return func(_ context.Context, wp *tesla.Waypoint) error {
		fn(wp)
		return nil
	}
}

// StreamConfig 流式引擎配置
type StreamConfig struct {
	Host           string        // 为空时使用 tesla.StreamingHost
	FrameTimeout   time.Duration // 单帧超时，默认 10s
	ReconnectDelay time.Duration // 驾驶员仍在车内时重连前的等待
	QueueSize      int           // 回调队列长度
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.FrameTimeout <= 0 {
		c.FrameTimeout = tesla.FrameTimeout
	}
	if c.ReconnectDelay < 0 {
		c.ReconnectDelay = 0
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	return c
}

// StreamStats 一次 Run 的统计
type StreamStats struct {
	Iterations     int
	Messages       int
	Waypoints      int
	Timeouts       int
	Disconnects    int
	LastShiftState string
}

// StreamEngine 单台车辆的流式遥测引擎
type StreamEngine struct {
	logger  *zap.Logger
	vehicle *tesla.Vehicle
	schema  *tesla.Schema
	cfg     StreamConfig
	handler WaypointHandler

	mu    sync.Mutex
	stats StreamStats
}

// NewStreamEngine 创建流式引擎，handler 可以为 nil
func NewStreamEngine(logger *zap.Logger, vehicle *tesla.Vehicle, cfg StreamConfig, handler WaypointHandler) *StreamEngine {
	return &StreamEngine{
		logger:  logger.With(zap.Int64("vehicle_id", vehicle.VehicleID())),
		vehicle: vehicle,
		schema:  tesla.DefaultSchema(),
		cfg:     cfg.withDefaults(),
		handler: handler,
	}
}

// Stats 当前统计
func (e *StreamEngine) Stats() StreamStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func (e *StreamEngine) update(fn func(s *StreamStats)) {
	e.mu.Lock()
	fn(&e.stats)
	e.mu.Unlock()
}

// Run 驾驶员在车内时持续接收遥测，返回带挡位的记录数
//
// 每次连接结束后软刷新车辆：不再在线或驾驶员离开则结束，否则重新订阅。
// ctx 取消时关闭连接并返回 ctx 的错误。
func (e *StreamEngine) Run(ctx context.Context) (int, error) {
	v := e.vehicle
	current := v.State()
	if current != state.StateOnline {
		return 0, &tesla.VehicleStateError{Msg: "vehicle must be online to stream", State: current}
	}

	present, known := v.UserPresent()
	if !known {
		if _, err := v.Data(ctx); err != nil {
			return 0, err
		}
		present, _ = v.UserPresent()
	}

	var d *dispatcher
	if e.handler != nil {
		d = newDispatcher(ctx, e.logger, e.handler, e.cfg.QueueSize)
	}

	err := e.loop(ctx, present, d)

	if d != nil {
		d.close(err != nil && ctx.Err() != nil)
	}

	stats := e.Stats()
	if err != nil {
		if ctx.Err() != nil {
			e.logger.Info("Streaming cancelled",
				zap.Int("msg_count", stats.Messages),
				zap.Int("waypoints", stats.Waypoints))
		} else {
			e.logger.Error("Streaming aborted", zap.Error(err))
		}
		return stats.Waypoints, err
	}

	present, _ = v.UserPresent()
	e.logger.Info("Streamer ending",
		zap.String("state", v.State()),
		zap.Bool("user_present", present),
		zap.String("shift_state", stats.LastShiftState),
		zap.Int("waypoints", stats.Waypoints))
	return stats.Waypoints, nil
}

func (e *StreamEngine) loop(ctx context.Context, present bool, d *dispatcher) error {
	v := e.vehicle
	prev := v.State()

	for iteration := 1; present; iteration++ {
		if iteration > 1 && e.cfg.ReconnectDelay > 0 {
			t := time.NewTimer(e.cfg.ReconnectDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}

		e.update(func(s *StreamStats) { s.Iterations = iteration })
		e.logger.Info("Starting stream loop", zap.Int("iteration", iteration), zap.Stringer("vehicle", v))

		if err := e.session(ctx, d); err != nil {
			return err
		}

		if err := v.Refresh(ctx); err != nil {
			return err
		}
		cur := v.State()
		if cur != prev {
			e.logger.Info("Vehicle transitioned during stream loop", zap.String("from", prev), zap.String("to", cur))
		}
		prev = cur

		if cur != state.StateOnline {
			return nil
		}
		if _, err := v.Data(ctx); err != nil {
			return err
		}
		present, _ = v.UserPresent()
	}
	return nil
}

// session 一次连接：订阅、握手、接收直到良性断开
func (e *StreamEngine) session(ctx context.Context, d *dispatcher) error {
	v := e.vehicle
	vehicleID := v.VehicleID()

	conn, err := tesla.DialStream(ctx, e.logger, e.cfg.Host)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	defer conn.Close()
	conn.SetFrameTimeout(e.cfg.FrameTimeout)

	if err := conn.Subscribe(ctx, v.Client().AccessToken(), e.schema, vehicleID); err != nil {
		return err
	}

	for {
		msg, err := conn.Next(ctx)
		if err != nil {
			return err
		}
		if msg == nil {
			e.logger.Info("Streaming connection closed")
			return nil
		}

		if !msg.IsUpdate() {
			stats := e.Stats()
			switch {
			case msg.IsDisconnect():
				e.update(func(s *StreamStats) { s.Disconnects++ })
				e.logger.Info("Disconnected",
					zap.Int("timeouts", stats.Timeouts),
					zap.Int("disconnects", stats.Disconnects+1),
					zap.Int("msg_count", stats.Messages),
					zap.Int("waypoints", stats.Waypoints))
				return nil
			case msg.IsTimeout():
				e.update(func(s *StreamStats) { s.Timeouts++ })
				e.logger.Info("Timeout",
					zap.Int("timeouts", stats.Timeouts+1),
					zap.Int("disconnects", stats.Disconnects),
					zap.Int("msg_count", stats.Messages),
					zap.Int("waypoints", stats.Waypoints))
				return nil
			default:
				e.logger.Warn("Streaming error", zap.Stringer("msg", msg))
				return &tesla.SessionError{Msg: fmt.Sprintf("streaming error: %s", msg)}
			}
		}

		tag, err := msg.TagID()
		if err != nil || tag != vehicleID {
			e.logger.Error("Telemetry tag mismatch", zap.String("tag", msg.Tag.String()))
			return &tesla.SessionError{Msg: fmt.Sprintf("streaming error: telemetry tag %q does not match vehicle %d", msg.Tag, vehicleID)}
		}

		wp, err := e.schema.Decode(tag, msg.Value)
		if err != nil {
			return &tesla.SessionError{Msg: "streaming error: invalid waypoint", Body: []byte(msg.Value), Reason: err.Error()}
		}

		shift := wp.ShiftState()
		var last string
		var count int
		e.update(func(s *StreamStats) {
			s.Messages++
			last = s.LastShiftState
			s.LastShiftState = shift
			if shift != "" {
				s.Waypoints++
			}
			count = s.Messages
		})
		if shift != last {
			e.logger.Info("New shift state", zap.String("shift_state", shift), zap.String("last", last))
		}
		e.logger.Debug("Message", zap.Int("n", count), zap.Stringer("waypoint", wp))

		if d != nil {
			if err := d.enqueue(ctx, wp); err != nil {
				return err
			}
		}
	}
}

// dispatcher 在独立 goroutine 中按顺序执行回调
type dispatcher struct {
	logger  *zap.Logger
	handler WaypointHandler
	queue   chan *tesla.Waypoint
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

func newDispatcher(parent context.Context, logger *zap.Logger, handler WaypointHandler, size int) *dispatcher {
	ctx, cancel := context.WithCancel(parent)
	d := &dispatcher{
		logger:  logger,
		handler: handler,
		queue:   make(chan *tesla.Waypoint, size),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) run() {
	defer close(d.done)
	for wp := range d.queue {
		if d.ctx.Err() != nil {
			continue
		}
		if err := d.handler(d.ctx, wp); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("Waypoint handler failed", zap.Error(err))
		}
	}
}

// enqueue 只在队列满时等待
func (d *dispatcher) enqueue(ctx context.Context, wp *tesla.Waypoint) error {
	select {
	case d.queue <- wp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close 停止接收；cancel 为 true 时取消正在执行的回调并丢弃剩余记录，否则执行完队列
func (d *dispatcher) close(cancel bool) {
	close(d.queue)
	if cancel {
		d.cancel()
	}
	<-d.done
	d.cancel()
}
