package websocket

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/xpanvictor/xarvis-realtime/internal/observe"
	"github.com/xpanvictor/xarvis-realtime/internal/types"
	"github.com/xpanvictor/xarvis-realtime/pkg/Logger"
)

// Presence mirrors the live session set into a shared directory so other
// instances can see who is connected. Failures are logged only.
type Presence interface {
	Register(ctx context.Context, sessionID string, ttl time.Duration) error
	Refresh(ctx context.Context, sessionIDs []string, ttl time.Duration) error
	Remove(ctx context.Context, sessionID string) error
}

type Config struct {
	MaxConnections  int
	IdleTimeout     time.Duration
	CleanupInterval time.Duration
}

func DefaultConfig() Config {
	return Config{MaxConnections: 100, IdleTimeout: 300 * time.Second, CleanupInterval: 60 * time.Second}
}

// ConnectionManager owns every live client transport, enforces the pool
// capacity and evicts idle sessions in the background.
type ConnectionManager struct {
	cfg      Config
	logger   *Logger.Logger
	metrics  *observe.Metrics
	presence Presence

	mutex    sync.RWMutex
	sessions map[string]*Session

	statsMu        sync.Mutex
	total          uint64
	dropped        uint64
	replaced       uint64
	closedCount    uint64
	closedDuration time.Duration

	stopCleanup chan struct{}
	cleanupDone chan struct{}
	startOnce   sync.Once
	stopOnce    sync.Once
	now         func() time.Time
}

func NewConnectionManager(cfg Config, logger *Logger.Logger, metrics *observe.Metrics) *ConnectionManager {
	def := DefaultConfig()
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if logger == nil {
		logger = Logger.Nop()
	}
	if metrics == nil {
		metrics = observe.Discard()
	}
	return &ConnectionManager{
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
		sessions:    make(map[string]*Session),
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
		now:         time.Now,
	}
}

// SetPresence attaches a presence directory. Call before Start.
func (cm *ConnectionManager) SetPresence(p Presence) {
	cm.presence = p
}

// Add registers a connection for sessionID. It returns false when the pool is
// full. A live session with the same id is evicted and replaced; replacements
// are not subject to the capacity check.
func (cm *ConnectionManager) Add(sessionID string, t Transport) bool {
	return cm.register(sessionID, t) != nil
}

func (cm *ConnectionManager) register(sessionID string, t Transport) *Session {
	now := cm.now()

	cm.mutex.Lock()
	stale, duplicate := cm.sessions[sessionID]
	if !duplicate && len(cm.sessions) >= cm.cfg.MaxConnections {
		active := len(cm.sessions)
		cm.mutex.Unlock()

		cm.statsMu.Lock()
		cm.dropped++
		cm.statsMu.Unlock()
		cm.metrics.ConnectionRejected(context.Background())
		cm.logger.Warnf("connection rejected for session %s: pool full (%d/%d)", sessionID, active, cm.cfg.MaxConnections)
		return nil
	}
	s := newSession(sessionID, t, now)
	cm.sessions[sessionID] = s
	cm.mutex.Unlock()

	cm.statsMu.Lock()
	cm.total++
	if duplicate {
		cm.replaced++
	}
	cm.statsMu.Unlock()

	if duplicate {
		cm.logger.Warnf("session %s reconnected, evicting stale connection", sessionID)
		cm.closeSession(stale)
	} else {
		cm.metrics.ConnectionOpened(context.Background())
	}

	if cm.presence != nil {
		if err := cm.presence.Register(context.Background(), sessionID, cm.cfg.IdleTimeout); err != nil {
			cm.logger.Warnf("presence register for session %s failed: %v", sessionID, err)
		}
	}

	ack := types.NewEvent(types.EventConnectionEstablished, sessionID, map[string]any{
		"server_time": now.UTC(),
	})
	if err := s.send(ack); err != nil {
		cm.logger.Warnf("connection ack for session %s failed: %v", sessionID, err)
	}
	cm.logger.Infof("registered session %s", sessionID)
	return s
}

// closeSession closes a session already unlinked from the map.
func (cm *ConnectionManager) closeSession(s *Session) {
	if err := s.deactivate(); err != nil {
		cm.logger.Debugf("closing transport for session %s: %v", s.ID, err)
	}
	cm.statsMu.Lock()
	cm.closedCount++
	cm.closedDuration += cm.now().Sub(s.ConnectedAt)
	cm.statsMu.Unlock()
}

func (cm *ConnectionManager) detached(sessionID string) {
	cm.metrics.ConnectionClosed(context.Background())
	if cm.presence != nil {
		if err := cm.presence.Remove(context.Background(), sessionID); err != nil {
			cm.logger.Warnf("presence remove for session %s failed: %v", sessionID, err)
		}
	}
}

// Remove closes and forgets the session. Safe to call repeatedly.
func (cm *ConnectionManager) Remove(sessionID string) {
	cm.mutex.Lock()
	s, ok := cm.sessions[sessionID]
	if ok {
		delete(cm.sessions, sessionID)
	}
	cm.mutex.Unlock()
	if !ok {
		return
	}
	cm.closeSession(s)
	cm.detached(sessionID)
	cm.logger.Infof("removed session %s", sessionID)
}

// Release removes s only if it is still the registered connection for its
// id, so a finished read loop cannot unregister its replacement.
func (cm *ConnectionManager) Release(s *Session) bool {
	if s == nil {
		return false
	}
	cm.mutex.Lock()
	cur, ok := cm.sessions[s.ID]
	if ok && cur == s {
		delete(cm.sessions, s.ID)
	}
	cm.mutex.Unlock()
	if !ok || cur != s {
		return false
	}
	cm.closeSession(s)
	cm.detached(s.ID)
	cm.logger.Infof("released session %s", s.ID)
	return true
}

// UpdateActivity records inbound traffic for the session.
func (cm *ConnectionManager) UpdateActivity(sessionID string) bool {
	s := cm.Get(sessionID)
	if s == nil {
		return false
	}
	s.touch(cm.now())
	return true
}

// Get returns the session or nil.
func (cm *ConnectionManager) Get(sessionID string) *Session {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	return cm.sessions[sessionID]
}

// Has reports whether the session is registered and active.
func (cm *ConnectionManager) Has(sessionID string) bool {
	s := cm.Get(sessionID)
	return s != nil && s.IsActive()
}

func (cm *ConnectionManager) ActiveIDs() []string {
	cm.mutex.RLock()
	ids := make([]string, 0, len(cm.sessions))
	for id := range cm.sessions {
		ids = append(ids, id)
	}
	cm.mutex.RUnlock()
	slices.Sort(ids)
	return ids
}

func (cm *ConnectionManager) Count() int {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	return len(cm.sessions)
}

func (cm *ConnectionManager) snapshot() []*Session {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	out := make([]*Session, 0, len(cm.sessions))
	for _, s := range cm.sessions {
		out = append(out, s)
	}
	return out
}

// Send pushes msg to the session. A failed write is treated as a disconnect.
func (cm *ConnectionManager) Send(sessionID string, msg any) bool {
	s := cm.Get(sessionID)
	if s == nil {
		return false
	}
	if err := s.send(msg); err != nil {
		cm.logger.Warnf("send to session %s failed, dropping connection: %v", sessionID, err)
		cm.Release(s)
		return false
	}
	return true
}

// Close disconnects the session.
func (cm *ConnectionManager) Close(sessionID string) error {
	if cm.Get(sessionID) == nil {
		return ErrSessionNotFound
	}
	cm.Remove(sessionID)
	return nil
}

// Broadcast sends msg to every session and returns how many writes succeeded.
func (cm *ConnectionManager) Broadcast(msg any) int {
	sent := 0
	for _, s := range cm.snapshot() {
		if cm.Send(s.ID, msg) {
			sent++
		}
	}
	return sent
}

func (cm *ConnectionManager) Sessions() []SessionInfo {
	sessions := cm.snapshot()
	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	slices.SortFunc(out, func(a, b SessionInfo) int {
		return a.ConnectedAt.Compare(b.ConnectedAt)
	})
	return out
}

func (cm *ConnectionManager) Stats() PoolStats {
	now := cm.now()
	sessions := cm.snapshot()

	cm.statsMu.Lock()
	defer cm.statsMu.Unlock()
	stats := PoolStats{
		ActiveConnections:   len(sessions),
		TotalConnections:    cm.total,
		DroppedConnections:  cm.dropped,
		ReplacedConnections: cm.replaced,
		MaxConnections:      cm.cfg.MaxConnections,
		Utilization:         float64(len(sessions)) / float64(cm.cfg.MaxConnections),
	}
	sum := cm.closedDuration
	n := cm.closedCount
	for _, s := range sessions {
		sum += now.Sub(s.ConnectedAt)
		n++
	}
	if n > 0 {
		stats.AverageDurationSec = sum.Seconds() / float64(n)
	}
	return stats
}

// SweepIdle removes sessions idle for longer than the idle timeout.
func (cm *ConnectionManager) SweepIdle() (removed int) {
	defer func() {
		if r := recover(); r != nil {
			cm.logger.Errorf("idle sweep panic: %v", r)
		}
	}()

	cutoff := cm.now().Add(-cm.cfg.IdleTimeout)
	for _, s := range cm.snapshot() {
		if s.LastActivity().Before(cutoff) {
			if cm.Release(s) {
				cm.logger.Infof("session %s idle since %s, evicted", s.ID, s.LastActivity().Format(time.RFC3339))
				removed++
			}
		}
	}
	return removed
}

// Start runs the idle sweep every CleanupInterval until Stop or ctx ends.
func (cm *ConnectionManager) Start(ctx context.Context) {
	cm.startOnce.Do(func() {
		go func() {
			defer close(cm.cleanupDone)
			ticker := time.NewTicker(cm.cfg.CleanupInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if n := cm.SweepIdle(); n > 0 {
						cm.logger.Infof("idle sweep removed %d session(s)", n)
					}
				case <-cm.stopCleanup:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	})
}

// Stop halts the idle sweep and waits for it to exit.
func (cm *ConnectionManager) Stop() {
	cm.stopOnce.Do(func() { close(cm.stopCleanup) })
	// never started: nothing to wait for
	cm.startOnce.Do(func() { close(cm.cleanupDone) })
	<-cm.cleanupDone
}

// CloseAll disconnects every session.
func (cm *ConnectionManager) CloseAll() {
	for _, id := range cm.ActiveIDs() {
		cm.Remove(id)
	}
}
