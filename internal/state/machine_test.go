package state

import (
	"context"
	"strings"
	"sync"
	"testing"
)

type recorder struct {
	mu    sync.Mutex
	moves []string
}

func (r *recorder) hook(m **Machine) func(int64, string, string) {
	return func(id int64, from, to string) {
		// 回调中读取状态不能死锁
		if *m != nil {
			(*m).Current()
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		r.moves = append(r.moves, from+"->"+to)
	}
}

func (r *recorder) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.moves, ",")
}

func newMachine(t *testing.T, initial string) (*Machine, *recorder) {
	t.Helper()
	rec := &recorder{}
	var m *Machine
	m = NewMachine(1, initial, rec.hook(&m))
	return m, rec
}

func TestNewMachineInitialState(t *testing.T) {
	m, _ := newMachine(t, StateAsleep)
	if m.Current() != StateAsleep {
		t.Errorf("state = %s, want asleep", m.Current())
	}

	m, _ = newMachine(t, "charging")
	if m.Current() != StateUnknown {
		t.Errorf("unrecognized initial state should fall back to unknown, got %s", m.Current())
	}
}

func TestMachineWakeUpCycle(t *testing.T) {
	ctx := context.Background()
	m, rec := newMachine(t, StateAsleep)

	if err := m.Trigger(ctx, EventWakeUp); err != nil {
		t.Fatal(err)
	}
	if err := m.Trigger(ctx, EventDataReceived); err != nil {
		t.Fatal(err)
	}
	// online 下再次收到数据不产生迁移
	if err := m.Trigger(ctx, EventDataReceived); err != nil {
		t.Fatal(err)
	}
	if err := m.Trigger(ctx, EventDataTimeout); err != nil {
		t.Fatal(err)
	}

	if got, want := rec.String(), "asleep->wakeup,wakeup->online,online->unknown"; got != want {
		t.Errorf("transitions = %s, want %s", got, want)
	}
}

func TestMachineRejectsInvalidEvents(t *testing.T) {
	ctx := context.Background()
	m, rec := newMachine(t, StateInService)

	if err := m.Trigger(ctx, EventWakeUp); err == nil {
		t.Error("wake_up from in_service should fail")
	}
	if err := m.Trigger(ctx, EventDataReceived); err == nil {
		t.Error("data_received from in_service should fail")
	}
	if err := m.Trigger(ctx, "explode"); err == nil {
		t.Error("unknown event should fail")
	}
	if m.Can(EventDataTimeout) {
		t.Error("data_timeout should not be possible from in_service")
	}
	if !m.Can(EventReset) {
		t.Error("reset should always be possible")
	}
	if rec.String() != "" {
		t.Errorf("unexpected transitions %s", rec.String())
	}
}

func TestMachineSet(t *testing.T) {
	m, rec := newMachine(t, StateOnline)
	since := m.Since()

	if err := m.Set(StateOnline); err != nil {
		t.Fatal(err)
	}
	if !m.Since().Equal(since) {
		t.Error("setting the same state must not reset since")
	}
	if err := m.Set(StateAsleep); err != nil {
		t.Fatal(err)
	}
	if err := m.Set("parked"); err == nil {
		t.Error("unknown state should be rejected")
	}
	if !m.Is(StateAsleep, StateOnline) || m.Is(StateWakeup) {
		t.Errorf("Is reports wrong state for %s", m.Current())
	}
	if got := rec.String(); got != "online->asleep" {
		t.Errorf("transitions = %s", got)
	}

	// Set 后事件仍然按新状态生效
	if err := m.Trigger(context.Background(), EventWakeUp); err != nil {
		t.Fatal(err)
	}
	if m.Current() != StateWakeup {
		t.Errorf("state = %s, want wakeup", m.Current())
	}
}

func TestMachineConcurrentTriggers(t *testing.T) {
	m, _ := newMachine(t, StateUnknown)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				m.Trigger(ctx, EventWakeUp)
			} else {
				m.Trigger(ctx, EventReset)
			}
		}(i)
	}
	wg.Wait()

	if !IsKnown(m.Current()) {
		t.Errorf("state = %s", m.Current())
	}
}
