package sys_manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xpanvictor/xarvis-realtime/internal/types"
	"github.com/xpanvictor/xarvis-realtime/pkg/Logger"
)

// SystemTask represents a background task that can be executed
type SystemTask interface {
	// Execute runs the task
	Execute(ctx context.Context) error
	// GetName returns the task name for logging
	GetName() string
	// GetInterval returns how often this task should run
	GetInterval() time.Duration
}

// SystemManager manages and schedules background system tasks
type SystemManager struct {
	tasks       []SystemTask
	logger      *Logger.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	running     bool
	taskTimeout time.Duration
	mu          sync.RWMutex
}

// NewSystemManager creates a new system manager
func NewSystemManager(logger *Logger.Logger) *SystemManager {
	if logger == nil {
		logger = Logger.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &SystemManager{
		tasks:       make([]SystemTask, 0),
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		taskTimeout: 30 * time.Second,
	}
}

// RegisterTask adds a new task to be managed
func (sm *SystemManager) RegisterTask(task SystemTask) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.tasks = append(sm.tasks, task)
	sm.logger.Info(fmt.Sprintf("Registered system task: %s (interval: %s)",
		task.GetName(), task.GetInterval()))
}

// Start begins executing all registered tasks on their schedules
func (sm *SystemManager) Start() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.running {
		return fmt.Errorf("system manager is already running")
	}
	if sm.ctx.Err() != nil {
		return fmt.Errorf("system manager has been stopped")
	}

	sm.running = true
	sm.logger.Info(fmt.Sprintf("Starting system manager with %d tasks", len(sm.tasks)))

	// Start each task in its own goroutine with its own ticker
	for _, task := range sm.tasks {
		sm.wg.Add(1)
		go sm.runTask(task)
	}

	return nil
}

// Stop gracefully shuts down all tasks
func (sm *SystemManager) Stop() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.running {
		sm.cancel()
		return nil
	}

	sm.logger.Info("Stopping system manager...")
	sm.cancel()
	sm.wg.Wait()
	sm.running = false
	sm.logger.Info("System manager stopped")

	return nil
}

// IsRunning returns whether the system manager is currently running
func (sm *SystemManager) IsRunning() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.running
}

// GetTaskCount returns the number of registered tasks
func (sm *SystemManager) GetTaskCount() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.tasks)
}

// runTask executes a single task on its schedule
func (sm *SystemManager) runTask(task SystemTask) {
	defer sm.wg.Done()

	taskName := task.GetName()
	interval := task.GetInterval()

	sm.logger.Info(fmt.Sprintf("Starting task scheduler for: %s", taskName))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-sm.ctx.Done():
			sm.logger.Info(fmt.Sprintf("Task scheduler stopping for: %s", taskName))
			return
		case <-ticker.C:
			sm.executeTask(task)
		}
	}
}

// executeTask runs one tick; errors and panics are logged and the schedule
// continues.
func (sm *SystemManager) executeTask(task SystemTask) {
	taskName := task.GetName()
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			sm.logger.Error(fmt.Sprintf("System task %s panicked: %v", taskName, r))
		}
	}()

	taskCtx, cancel := context.WithTimeout(sm.ctx, sm.taskTimeout)
	defer cancel()

	err := task.Execute(taskCtx)
	duration := time.Since(start)

	if err != nil {
		sm.logger.Error(fmt.Sprintf("System task %s failed after %s: %v", taskName, duration, err))
	} else {
		sm.logger.Debug(fmt.Sprintf("System task %s completed in %s", taskName, duration))
	}
}

// FuncTask adapts a function to SystemTask.
type FuncTask struct {
	Name     string
	Interval time.Duration
	Fn       func(ctx context.Context) error
}

func (t FuncTask) Execute(ctx context.Context) error { return t.Fn(ctx) }

func (t FuncTask) GetName() string { return t.Name }

func (t FuncTask) GetInterval() time.Duration { return t.Interval }

type BufferSweeper interface {
	SweepInactive(timeout time.Duration) int
}

// NewBufferSweepTask drops audio buffers that have not received a chunk
// within idleTimeout.
func NewBufferSweepTask(buffers BufferSweeper, idleTimeout, interval time.Duration, logger *Logger.Logger) SystemTask {
	return FuncTask{
		Name:     "buffer-sweep",
		Interval: interval,
		Fn: func(context.Context) error {
			if n := buffers.SweepInactive(idleTimeout); n > 0 {
				logger.Infof("buffer sweep removed %d idle session buffer(s)", n)
			}
			return nil
		},
	}
}

type OrphanSweeper interface {
	SweepOrphans(isLive func(sessionID string) bool) int
}

// NewOrphanSweepTask releases voice state for sessions no longer connected.
func NewOrphanSweepTask(voice OrphanSweeper, isLive func(sessionID string) bool, interval time.Duration, logger *Logger.Logger) SystemTask {
	return FuncTask{
		Name:     "orphan-sweep",
		Interval: interval,
		Fn: func(context.Context) error {
			if n := voice.SweepOrphans(isLive); n > 0 {
				logger.Infof("orphan sweep released %d session(s)", n)
			}
			return nil
		},
	}
}

type Broadcaster interface {
	Broadcast(msg any) int
}

// NewHeartbeatTask pushes a heartbeat event to every connected client.
func NewHeartbeatTask(conns Broadcaster, interval time.Duration) SystemTask {
	return FuncTask{
		Name:     "heartbeat",
		Interval: interval,
		Fn: func(context.Context) error {
			conns.Broadcast(types.NewEvent(types.EventHeartbeat, "", nil))
			return nil
		},
	}
}

type PresenceRefresher interface {
	Refresh(ctx context.Context, sessionIDs []string, ttl time.Duration) error
}

// NewPresenceRefreshTask extends the directory TTL of every live session.
func NewPresenceRefreshTask(presence PresenceRefresher, activeIDs func() []string, ttl, interval time.Duration) SystemTask {
	return FuncTask{
		Name:     "presence-refresh",
		Interval: interval,
		Fn: func(ctx context.Context) error {
			ids := activeIDs()
			if len(ids) == 0 {
				return nil
			}
			if err := presence.Refresh(ctx, ids, ttl); err != nil {
				return fmt.Errorf("refresh %d session(s): %w", len(ids), err)
			}
			return nil
		},
	}
}
