package recovery

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/xpanvictor/xarvis-realtime/internal/observe"
	"github.com/xpanvictor/xarvis-realtime/pkg/Logger"
)

type ErrorKind string

const (
	ConnectionLost  ErrorKind = "connection_lost"
	AudioProcessing ErrorKind = "audio_processing"
	TransportError  ErrorKind = "transport_error"
	Timeout         ErrorKind = "timeout"
	SystemError     ErrorKind = "system_error"
	Unknown         ErrorKind = "unknown"
)

var kinds = []ErrorKind{ConnectionLost, AudioProcessing, TransportError, Timeout, SystemError, Unknown}

// ParseKind maps a wire name onto a kind; anything unrecognised is Unknown.
// "websocket_error" is accepted as TransportError.
func ParseKind(s string) ErrorKind {
	if s == "websocket_error" {
		return TransportError
	}
	for _, k := range kinds {
		if string(k) == s {
			return k
		}
	}
	return Unknown
}

const (
	OutcomeRecovered = "recovered"
	OutcomeFailed    = "failed"
	OutcomeAbandoned = "abandoned"
)

// ErrorRecord describes one failure being recovered.
type ErrorRecord struct {
	Kind       ErrorKind      `json:"kind"`
	Message    string         `json:"message"`
	SessionID  string         `json:"session_id"`
	Context    map[string]any `json:"context,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	RetryCount int            `json:"retry_count"`
	MaxRetries int            `json:"max_retries"`
}

// Handler performs one recovery attempt. A nil error ends the loop.
type Handler func(ctx context.Context, rec ErrorRecord) error

type Config struct {
	// 0 disables recovery: every error is counted as failed. Negative
	// selects the default.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func DefaultConfig() Config {
	return Config{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 60 * time.Second}
}

type RecoveryStats struct {
	TotalErrors       uint64            `json:"total_errors"`
	RecoveredErrors   uint64            `json:"recovered_errors"`
	FailedRecoveries  uint64            `json:"failed_recoveries"`
	AbandonedRecovery uint64            `json:"abandoned_recoveries"`
	AverageRecoveryMs float64           `json:"average_recovery_ms"`
	ActiveErrors      int               `json:"active_errors"`
	SuccessRate       float64           `json:"success_rate"`
	ErrorsByKind      map[string]uint64 `json:"errors_by_kind"`
}

type key struct {
	sessionID string
	kind      ErrorKind
}

type loop struct {
	rec  ErrorRecord
	done chan struct{}
	ok   bool
}

// Manager retries side-channel recovery actions (reconnect, reinit) with
// capped exponential backoff. One loop runs per session and kind; concurrent
// reports of the same failure join the running loop.
type Manager struct {
	cfg     Config
	logger  *Logger.Logger
	metrics *observe.Metrics

	handlersMu sync.RWMutex
	handlers   map[ErrorKind]Handler

	mu     sync.Mutex
	active map[key]*loop

	statsMu     sync.Mutex
	total       uint64
	byKind      map[ErrorKind]uint64
	recovered   uint64
	failed      uint64
	abandoned   uint64
	avgRecovery time.Duration

	done      chan struct{}
	closeOnce sync.Once
	now       func() time.Time
}

func NewManager(cfg Config, logger *Logger.Logger, metrics *observe.Metrics) *Manager {
	def := DefaultConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if logger == nil {
		logger = Logger.Nop()
	}
	if metrics == nil {
		metrics = observe.Discard()
	}

	m := &Manager{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		handlers: make(map[ErrorKind]Handler),
		active:   make(map[key]*loop),
		byKind:   make(map[ErrorKind]uint64),
		done:     make(chan struct{}),
		now:      time.Now,
	}
	for _, k := range kinds {
		m.handlers[k] = noopHandler
	}
	m.handlers[Unknown] = unknownHandler
	return m
}

func noopHandler(context.Context, ErrorRecord) error { return nil }

func unknownHandler(_ context.Context, rec ErrorRecord) error {
	return fmt.Errorf("no recovery strategy for %q", rec.Message)
}

// RegisterHandler replaces the handler for kind.
func (m *Manager) RegisterHandler(kind ErrorKind, h Handler) {
	if h == nil {
		return
	}
	m.handlersMu.Lock()
	m.handlers[kind] = h
	m.handlersMu.Unlock()
}

func (m *Manager) handler(kind ErrorKind) Handler {
	m.handlersMu.RLock()
	defer m.handlersMu.RUnlock()
	if h, ok := m.handlers[kind]; ok {
		return h
	}
	return unknownHandler
}

// Backoff returns min(base * 2^attempt, maxDelay).
func Backoff(base, maxDelay time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt && d < maxDelay; i++ {
		d *= 2
	}
	if d > maxDelay {
		d = maxDelay
	}
	return d
}

func (m *Manager) Backoff(attempt int) time.Duration {
	return Backoff(m.cfg.BaseDelay, m.cfg.MaxDelay, attempt)
}

func (m *Manager) maxRetries(kind ErrorKind) int {
	if kind == Unknown && m.cfg.MaxRetries > 1 {
		return 1
	}
	return m.cfg.MaxRetries
}

// HandleError records a failure and runs the recovery loop for it. It
// returns true once a handler attempt succeeds, false when retries run out
// or ctx / Shutdown interrupts the wait.
func (m *Manager) HandleError(ctx context.Context, kind ErrorKind, message, sessionID string, errCtx map[string]any) bool {
	m.statsMu.Lock()
	m.total++
	m.byKind[kind]++
	m.statsMu.Unlock()

	k := key{sessionID: sessionID, kind: kind}

	m.mu.Lock()
	if running, ok := m.active[k]; ok {
		m.mu.Unlock()
		m.logger.Debugf("recovery for session %s (%s) already running, joining", sessionID, kind)
		select {
		case <-running.done:
			return running.ok
		case <-ctx.Done():
			return false
		}
	}
	l := &loop{
		rec: ErrorRecord{
			Kind:       kind,
			Message:    message,
			SessionID:  sessionID,
			Context:    errCtx,
			Timestamp:  m.now(),
			MaxRetries: m.maxRetries(kind),
		},
		done: make(chan struct{}),
	}
	m.active[k] = l
	m.mu.Unlock()

	m.logger.Warnf("recovering %s for session %s: %s", kind, sessionID, message)
	outcome := m.run(ctx, k, l)

	m.mu.Lock()
	delete(m.active, k)
	l.ok = outcome == OutcomeRecovered
	m.mu.Unlock()
	close(l.done)

	m.metrics.RecordRecovery(context.WithoutCancel(ctx), string(kind), outcome)
	return l.ok
}

func (m *Manager) run(ctx context.Context, k key, l *loop) string {
	maxRetries := l.rec.MaxRetries
	if maxRetries == 0 {
		m.count(OutcomeFailed, 0)
		m.logger.Errorf("recovery for session %s (%s) failed: retries disabled", k.sessionID, k.kind)
		return OutcomeFailed
	}

	h := m.handler(k.kind)
	for attempt := 0; attempt < maxRetries; attempt++ {
		wait := m.Backoff(attempt)
		select {
		case <-ctx.Done():
			m.count(OutcomeAbandoned, 0)
			m.logger.Warnf("recovery for session %s (%s) abandoned: %v", k.sessionID, k.kind, ctx.Err())
			return OutcomeAbandoned
		case <-m.done:
			m.count(OutcomeAbandoned, 0)
			return OutcomeAbandoned
		case <-time.After(wait):
		}

		m.mu.Lock()
		rec := l.rec
		m.mu.Unlock()

		err := m.attempt(ctx, h, rec)
		if err == nil {
			elapsed := m.now().Sub(rec.Timestamp)
			m.count(OutcomeRecovered, elapsed)
			m.logger.Infof("recovered %s for session %s after %d attempt(s) in %s", k.kind, k.sessionID, attempt+1, elapsed)
			return OutcomeRecovered
		}

		m.mu.Lock()
		l.rec.RetryCount++
		m.mu.Unlock()
		m.logger.Warnf("recovery attempt %d/%d for session %s (%s) failed: %v", attempt+1, maxRetries, k.sessionID, k.kind, err)
	}

	m.count(OutcomeAbandoned, 0)
	m.logger.Errorf("recovery for session %s (%s) abandoned after %d attempt(s)", k.sessionID, k.kind, maxRetries)
	return OutcomeAbandoned
}

// attempt invokes h, converting a panic into an error.
func (m *Manager) attempt(ctx context.Context, h Handler, rec ErrorRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovery handler panic: %v", r)
		}
	}()
	return h(ctx, rec)
}

func (m *Manager) count(outcome string, elapsed time.Duration) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	switch outcome {
	case OutcomeRecovered:
		m.recovered++
		// running mean over recovered errors
		m.avgRecovery += (elapsed - m.avgRecovery) / time.Duration(m.recovered)
	case OutcomeFailed:
		m.failed++
	case OutcomeAbandoned:
		m.abandoned++
	}
}

// ActiveErrors lists failures whose recovery loop is still running, oldest
// first.
func (m *Manager) ActiveErrors() []ErrorRecord {
	m.mu.Lock()
	out := make([]ErrorRecord, 0, len(m.active))
	for _, l := range m.active {
		out = append(out, l.rec)
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b ErrorRecord) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return out
}

func (m *Manager) Stats() RecoveryStats {
	m.mu.Lock()
	active := len(m.active)
	m.mu.Unlock()

	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	stats := RecoveryStats{
		TotalErrors:       m.total,
		RecoveredErrors:   m.recovered,
		FailedRecoveries:  m.failed,
		AbandonedRecovery: m.abandoned,
		AverageRecoveryMs: float64(m.avgRecovery) / float64(time.Millisecond),
		ActiveErrors:      active,
		ErrorsByKind:      make(map[string]uint64, len(m.byKind)),
	}
	if finished := m.recovered + m.failed + m.abandoned; finished > 0 {
		stats.SuccessRate = float64(m.recovered) / float64(finished)
	}
	for k, n := range m.byKind {
		stats.ErrorsByKind[string(k)] = n
	}
	return stats
}

// ClearStats resets the counters; running loops are unaffected.
func (m *Manager) ClearStats() {
	m.statsMu.Lock()
	m.total, m.recovered, m.failed, m.abandoned = 0, 0, 0, 0
	m.avgRecovery = 0
	m.byKind = make(map[ErrorKind]uint64)
	m.statsMu.Unlock()
}

// Shutdown aborts every waiting recovery loop.
func (m *Manager) Shutdown() {
	m.closeOnce.Do(func() { close(m.done) })
}
