package sys_manager

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xpanvictor/xarvis-realtime/internal/types"
	"github.com/xpanvictor/xarvis-realtime/pkg/Logger"
)

func waitForCount(t *testing.T, n *int32, want int32) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(n) < want {
		if time.Now().After(deadline) {
			t.Fatalf("count = %d, want >= %d", atomic.LoadInt32(n), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestTasksSurviveErrorsAndPanics(t *testing.T) {
	sm := NewSystemManager(nil)
	var failing, panicking int32
	sm.RegisterTask(FuncTask{Name: "fails", Interval: 2 * time.Millisecond, Fn: func(context.Context) error {
		atomic.AddInt32(&failing, 1)
		return errors.New("nope")
	}})
	sm.RegisterTask(FuncTask{Name: "panics", Interval: 2 * time.Millisecond, Fn: func(context.Context) error {
		atomic.AddInt32(&panicking, 1)
		panic("boom")
	}})

	if err := sm.Start(); err != nil {
		t.Fatal(err)
	}
	if err := sm.Start(); err == nil {
		t.Error("second Start succeeded")
	}
	waitForCount(t, &failing, 3)
	waitForCount(t, &panicking, 3)

	if err := sm.Stop(); err != nil {
		t.Fatal(err)
	}
	if sm.IsRunning() {
		t.Error("still running after Stop")
	}
	after := atomic.LoadInt32(&failing)
	time.Sleep(10 * time.Millisecond)
	if atomic.LoadInt32(&failing) != after {
		t.Error("task kept running after Stop")
	}
	if sm.GetTaskCount() != 2 {
		t.Errorf("task count = %d", sm.GetTaskCount())
	}
}

type sweeper struct{ calls, orphanCalls int32 }

func (s *sweeper) SweepInactive(time.Duration) int {
	atomic.AddInt32(&s.calls, 1)
	return 1
}

func (s *sweeper) SweepOrphans(isLive func(string) bool) int {
	atomic.AddInt32(&s.orphanCalls, 1)
	if isLive("x") {
		return 0
	}
	return 1
}

type broadcaster struct{ sent int32 }

func (b *broadcaster) Broadcast(msg any) int {
	if ev, ok := msg.(types.Event); ok && ev.Type() == types.EventHeartbeat {
		atomic.AddInt32(&b.sent, 1)
	}
	return 1
}

type refresher struct {
	ids []string
	err error
}

func (r *refresher) Refresh(_ context.Context, ids []string, _ time.Duration) error {
	r.ids = ids
	return r.err
}

func TestBuiltinTasks(t *testing.T) {
	log := Logger.Nop()
	s := &sweeper{}
	b := &broadcaster{}

	tasks := []SystemTask{
		NewBufferSweepTask(s, time.Minute, time.Second, log),
		NewOrphanSweepTask(s, func(string) bool { return false }, time.Second, log),
		NewHeartbeatTask(b, time.Second),
	}
	for _, task := range tasks {
		if err := task.Execute(context.Background()); err != nil {
			t.Errorf("%s: %v", task.GetName(), err)
		}
	}
	if s.calls != 1 || s.orphanCalls != 1 || b.sent != 1 {
		t.Errorf("sweeper = %+v, heartbeats = %d", s, b.sent)
	}
}

func TestPresenceRefreshTask(t *testing.T) {
	r := &refresher{}
	task := NewPresenceRefreshTask(r, func() []string { return []string{"a", "b"} }, time.Minute, time.Second)
	if err := task.Execute(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(r.ids) != 2 {
		t.Errorf("refreshed %v", r.ids)
	}

	r.err = errors.New("redis down")
	if err := task.Execute(context.Background()); err == nil {
		t.Error("refresh error swallowed")
	}

	empty := &refresher{err: errors.New("must not be called")}
	task = NewPresenceRefreshTask(empty, func() []string { return nil }, time.Minute, time.Second)
	if err := task.Execute(context.Background()); err != nil {
		t.Errorf("empty refresh = %v", err)
	}
}
