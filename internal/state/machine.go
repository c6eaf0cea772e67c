package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
)

// 车辆连接状态常量
const (
	StateUnknown   = "unknown"
	StateOnline    = "online"
	StateWakeup    = "wakeup"
	StateAsleep    = "asleep"
	StateInService = "in_service"
)

// 事件常量
const (
	EventWakeUp       = "wake_up"
	EventDataReceived = "data_received"
	EventDataTimeout  = "data_timeout"
	EventReset        = "reset"
)

// States 全部合法状态
var States = []string{StateUnknown, StateOnline, StateWakeup, StateAsleep, StateInService}

// IsKnown 是否为合法状态
func IsKnown(s string) bool {
	for _, st := range States {
		if st == s {
			return true
		}
	}
	return false
}

// Machine 单台车辆的连接状态机
type Machine struct {
	mu            sync.RWMutex
	vehicleID     int64
	fsm           *fsm.FSM
	since         time.Time
	onStateChange func(vehicleID int64, from, to string)

	// 最近一次事件产生的迁移，释放锁后再通知
	pending *[2]string
}

// NewMachine 创建状态机
func NewMachine(vehicleID int64, initialState string, onStateChange func(vehicleID int64, from, to string)) *Machine {
	if !IsKnown(initialState) {
		initialState = StateUnknown
	}

	m := &Machine{
		vehicleID:     vehicleID,
		since:         time.Now(),
		onStateChange: onStateChange,
	}

	m.fsm = fsm.NewFSM(
		initialState,
		fsm.Events{
			{Name: EventWakeUp, Src: []string{StateUnknown, StateAsleep, StateOnline, StateWakeup}, Dst: StateWakeup},
			{Name: EventDataReceived, Src: []string{StateOnline, StateWakeup}, Dst: StateOnline},
			{Name: EventDataTimeout, Src: []string{StateOnline, StateWakeup}, Dst: StateUnknown},
			{Name: EventReset, Src: States, Dst: StateUnknown},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				if e.Src != e.Dst {
					m.pending = &[2]string{e.Src, e.Dst}
				}
			},
		},
	)

	return m
}

func (m *Machine) notify(from, to string) {
	if m.onStateChange != nil {
		m.onStateChange(m.vehicleID, from, to)
	}
}

// Current 当前状态
func (m *Machine) Current() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fsm.Current()
}

// Since 进入当前状态的时间
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Is 是否处于给定状态之一
func (m *Machine) Is(states ...string) bool {
	cur := m.Current()
	for _, s := range states {
		if s == cur {
			return true
		}
	}
	return false
}

// Trigger 触发事件，状态未变化不算错误
func (m *Machine) Trigger(ctx context.Context, event string) error {
	m.mu.Lock()
	m.pending = nil
	err := m.fsm.Event(ctx, event)
	moved := m.pending
	m.pending = nil
	if moved != nil {
		m.since = time.Now()
	}
	m.mu.Unlock()

	if err != nil {
		var noTransition fsm.NoTransitionError
		if errors.As(err, &noTransition) {
			return nil
		}
		return fmt.Errorf("trigger event %s: %w", event, err)
	}
	if moved != nil {
		m.notify(moved[0], moved[1])
	}
	return nil
}

// Set 强制设置状态，用于根据车辆列表重新推导或失败后恢复
func (m *Machine) Set(to string) error {
	if !IsKnown(to) {
		return fmt.Errorf("unknown vehicle state %q", to)
	}
	m.mu.Lock()
	from := m.fsm.Current()
	if from == to {
		m.mu.Unlock()
		return nil
	}
	m.fsm.SetState(to)
	m.since = time.Now()
	m.mu.Unlock()

	m.notify(from, to)
	return nil
}

// Can 当前状态下能否触发事件
func (m *Machine) Can(event string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fsm.Can(event)
}
