package audioring

import (
	"bytes"
	"slices"
	"sync"
	"time"

	"github.com/xpanvictor/xarvis-realtime/pkg/Logger"
)

const (
	DefaultMaxChunks = 100
	// initial per-session ring storage; rings grow past it as needed
	DefaultRingBytes = 512 * 1024
)

type StreamBufferConfig struct {
	MaxChunks int
	RingBytes int
}

// BufferStatus is a point-in-time view of one session buffer.
type BufferStatus struct {
	SessionID       string    `json:"session_id"`
	Chunks          int       `json:"chunks"`
	Bytes           int       `json:"bytes"`
	Capacity        int       `json:"capacity"`
	Utilization     float64   `json:"utilization"`
	SequenceCounter uint64    `json:"sequence_counter"`
	TotalChunks     uint64    `json:"total_chunks"`
	DroppedChunks   uint64    `json:"dropped_chunks"`
	FirstChunkTime  time.Time `json:"first_chunk_time"`
	LastChunkTime   time.Time `json:"last_chunk_time"`
}

type BufferStats struct {
	TrackedSessions int    `json:"tracked_sessions"`
	ActiveSessions  int    `json:"active_sessions"`
	BufferedChunks  int    `json:"buffered_chunks"`
	BufferedBytes   int    `json:"buffered_bytes"`
	ReceivedChunks  uint64 `json:"received_chunks"`
	DroppedChunks   uint64 `json:"dropped_chunks"`
	RejectedChunks  uint64 `json:"rejected_chunks"`
	MaxChunks       int    `json:"max_chunks"`
}

type sessionBuffer struct {
	mu          sync.Mutex
	ring        AudioRingBuffer
	seq         uint64
	firstChunk  time.Time
	lastChunk   time.Time
	totalChunks uint64
	dropped     uint64
	// set once the session is unlinked from the map; writers holding a stale
	// pointer must look it up again
	removed bool
}

// StreamBuffer keeps a bounded chunk ring per session. The map lock only
// guards membership; all per-session work happens under that session's lock.
type StreamBuffer struct {
	cfg    StreamBufferConfig
	logger *Logger.Logger

	mu       sync.RWMutex
	sessions map[string]*sessionBuffer

	statsMu  sync.Mutex
	received uint64
	dropped  uint64
	rejected uint64

	onEvict func(sessionID string, n int)
	now     func() time.Time
}

func NewStreamBuffer(cfg StreamBufferConfig, logger *Logger.Logger) *StreamBuffer {
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = DefaultMaxChunks
	}
	if cfg.RingBytes <= 0 {
		cfg.RingBytes = DefaultRingBytes
	}
	if logger == nil {
		logger = Logger.Nop()
	}
	return &StreamBuffer{
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*sessionBuffer),
		now:      time.Now,
	}
}

// OnEvict registers a callback invoked whenever ring eviction drops chunks.
// Must be called before the buffer is shared.
func (sb *StreamBuffer) OnEvict(fn func(sessionID string, n int)) {
	sb.onEvict = fn
}

func (sb *StreamBuffer) session(sessionID string, create bool) *sessionBuffer {
	sb.mu.RLock()
	s, ok := sb.sessions[sessionID]
	sb.mu.RUnlock()
	if ok || !create {
		return s
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()
	if s, ok = sb.sessions[sessionID]; ok {
		return s
	}
	s = &sessionBuffer{ring: New(sb.cfg.MaxChunks, sb.cfg.RingBytes)}
	sb.sessions[sessionID] = s
	return s
}

// AddChunk appends data with the next sequence number for the session.
func (sb *StreamBuffer) AddChunk(sessionID string, data []byte) bool {
	return sb.add(sessionID, data, 0, false)
}

// AddChunkWithSequence appends data with a caller-chosen sequence. Later
// auto-assigned sequences continue above the highest one seen.
func (sb *StreamBuffer) AddChunkWithSequence(sessionID string, data []byte, sequence uint64) bool {
	return sb.add(sessionID, data, sequence, true)
}

func (sb *StreamBuffer) add(sessionID string, data []byte, sequence uint64, explicit bool) bool {
	if sessionID == "" || len(data) == 0 {
		sb.countRejected()
		return false
	}

	for {
		s := sb.session(sessionID, true)
		s.mu.Lock()
		if s.removed {
			s.mu.Unlock()
			continue
		}

		if explicit {
			if sequence > s.seq {
				s.seq = sequence
			}
		} else {
			s.seq++
			sequence = s.seq
		}

		now := sb.now()
		chunk := AudioChunk{
			Data:      bytes.Clone(data),
			Timestamp: now,
			Sequence:  sequence,
			SessionID: sessionID,
		}
		evicted, err := s.ring.Enqueue(chunk)
		if err != nil {
			s.mu.Unlock()
			sb.logger.Warnf("audio buffer rejected chunk for session %s: %v", sessionID, err)
			sb.countRejected()
			return false
		}

		if s.firstChunk.IsZero() {
			s.firstChunk = now
		}
		s.lastChunk = now
		s.totalChunks++
		s.dropped += uint64(evicted)
		s.mu.Unlock()

		sb.statsMu.Lock()
		sb.received++
		sb.dropped += uint64(evicted)
		sb.statsMu.Unlock()

		if evicted > 0 {
			sb.logger.Debugf("audio buffer for session %s evicted %d chunk(s)", sessionID, evicted)
			if sb.onEvict != nil {
				sb.onEvict(sessionID, evicted)
			}
		}
		return true
	}
}

func (sb *StreamBuffer) countRejected() {
	sb.statsMu.Lock()
	sb.rejected++
	sb.statsMu.Unlock()
}

// sortedChunks returns the stored chunks ordered by sequence. Caller holds s.mu.
func sortedChunks(s *sessionBuffer) []AudioChunk {
	chunks := s.ring.PeekN(s.ring.Len())
	slices.SortStableFunc(chunks, func(a, b AudioChunk) int {
		switch {
		case a.Sequence < b.Sequence:
			return -1
		case a.Sequence > b.Sequence:
			return 1
		}
		return 0
	})
	return chunks
}

func concat(chunks []AudioChunk) []byte {
	size := 0
	for _, c := range chunks {
		size += len(c.Data)
	}
	out := make([]byte, 0, size)
	for _, c := range chunks {
		out = append(out, c.Data...)
	}
	return out
}

// DrainAll concatenates every buffered chunk in sequence order. With clear
// set, the buffer is emptied and the sequence counter restarts. Returns nil
// when nothing is buffered.
func (sb *StreamBuffer) DrainAll(sessionID string, clear bool) []byte {
	s := sb.session(sessionID, false)
	if s == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed || s.ring.Len() == 0 {
		return nil
	}

	out := concat(sortedChunks(s))
	if clear {
		s.ring.Reset()
		s.seq = 0
		s.firstChunk = time.Time{}
	}
	return out
}

// SliceByTime concatenates chunks whose timestamp lies within [start, end].
func (sb *StreamBuffer) SliceByTime(sessionID string, start, end time.Time) []byte {
	s := sb.session(sessionID, false)
	if s == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return nil
	}

	var picked []AudioChunk
	for _, c := range sortedChunks(s) {
		if c.Timestamp.Before(start) || c.Timestamp.After(end) {
			continue
		}
		picked = append(picked, c)
	}
	if len(picked) == 0 {
		return nil
	}
	return concat(picked)
}

// Clear empties one session buffer but keeps its counters.
func (sb *StreamBuffer) Clear(sessionID string) {
	s := sb.session(sessionID, false)
	if s == nil {
		return
	}
	s.mu.Lock()
	s.ring.Reset()
	s.seq = 0
	s.firstChunk = time.Time{}
	s.mu.Unlock()
}

// Remove drops every piece of state held for the session.
func (sb *StreamBuffer) Remove(sessionID string) {
	sb.mu.Lock()
	s, ok := sb.sessions[sessionID]
	if ok {
		delete(sb.sessions, sessionID)
	}
	sb.mu.Unlock()

	if ok {
		s.mu.Lock()
		s.removed = true
		s.ring.Reset()
		s.mu.Unlock()
	}
}

func (sb *StreamBuffer) ClearAll() {
	sb.mu.Lock()
	old := sb.sessions
	sb.sessions = make(map[string]*sessionBuffer)
	sb.mu.Unlock()

	for _, s := range old {
		s.mu.Lock()
		s.removed = true
		s.ring.Reset()
		s.mu.Unlock()
	}
}

func (sb *StreamBuffer) snapshot() map[string]*sessionBuffer {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	out := make(map[string]*sessionBuffer, len(sb.sessions))
	for id, s := range sb.sessions {
		out[id] = s
	}
	return out
}

func (sb *StreamBuffer) statusLocked(sessionID string, s *sessionBuffer) BufferStatus {
	capacity := s.ring.Capacity()
	st := BufferStatus{
		SessionID:       sessionID,
		Chunks:          s.ring.Len(),
		Bytes:           s.ring.Size(),
		Capacity:        capacity,
		SequenceCounter: s.seq,
		TotalChunks:     s.totalChunks,
		DroppedChunks:   s.dropped,
		FirstChunkTime:  s.firstChunk,
		LastChunkTime:   s.lastChunk,
	}
	if capacity > 0 {
		st.Utilization = float64(st.Chunks) / float64(capacity)
	}
	return st
}

// Status reports one session buffer; ok is false for unknown sessions.
func (sb *StreamBuffer) Status(sessionID string) (BufferStatus, bool) {
	s := sb.session(sessionID, false)
	if s == nil {
		return BufferStatus{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return BufferStatus{}, false
	}
	return sb.statusLocked(sessionID, s), true
}

func (sb *StreamBuffer) AllStatuses() map[string]BufferStatus {
	out := make(map[string]BufferStatus)
	for id, s := range sb.snapshot() {
		s.mu.Lock()
		if !s.removed {
			out[id] = sb.statusLocked(id, s)
		}
		s.mu.Unlock()
	}
	return out
}

// ActiveSessions lists sessions with a non-empty buffer.
func (sb *StreamBuffer) ActiveSessions() []string {
	var ids []string
	for id, s := range sb.snapshot() {
		s.mu.Lock()
		if !s.removed && s.ring.Len() > 0 {
			ids = append(ids, id)
		}
		s.mu.Unlock()
	}
	slices.Sort(ids)
	return ids
}

// Sessions lists every session with tracked state, empty or not.
func (sb *StreamBuffer) Sessions() []string {
	sb.mu.RLock()
	ids := make([]string, 0, len(sb.sessions))
	for id := range sb.sessions {
		ids = append(ids, id)
	}
	sb.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

func (sb *StreamBuffer) Stats() BufferStats {
	stats := BufferStats{MaxChunks: sb.cfg.MaxChunks}
	for _, s := range sb.snapshot() {
		s.mu.Lock()
		if !s.removed {
			stats.TrackedSessions++
			if n := s.ring.Len(); n > 0 {
				stats.ActiveSessions++
				stats.BufferedChunks += n
				stats.BufferedBytes += s.ring.Size()
			}
		}
		s.mu.Unlock()
	}

	sb.statsMu.Lock()
	stats.ReceivedChunks = sb.received
	stats.DroppedChunks = sb.dropped
	stats.RejectedChunks = sb.rejected
	sb.statsMu.Unlock()
	return stats
}

// SweepInactive removes sessions whose last chunk is older than timeout and
// returns how many were removed.
func (sb *StreamBuffer) SweepInactive(timeout time.Duration) int {
	cutoff := sb.now().Add(-timeout)

	sb.mu.Lock()
	var stale []*sessionBuffer
	for id, s := range sb.sessions {
		s.mu.Lock()
		if s.lastChunk.Before(cutoff) {
			s.removed = true
			s.ring.Reset()
			delete(sb.sessions, id)
			stale = append(stale, s)
		}
		s.mu.Unlock()
	}
	sb.mu.Unlock()

	if len(stale) > 0 {
		sb.logger.Infof("audio buffer sweep removed %d inactive session(s)", len(stale))
	}
	return len(stale)
}
