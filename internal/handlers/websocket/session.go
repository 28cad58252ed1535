package websocket

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is the outbound side of one client connection.
type Transport interface {
	Send(msg any) error
	Close() error
}

const writeWait = 10 * time.Second

// wsTransport serialises writes on a gorilla connection; gorilla allows one
// concurrent writer.
type wsTransport struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	closed bool
}

func NewTransport(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Send(msg any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("transport closed")
	}
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	return t.conn.WriteJSON(msg)
}

func (t *wsTransport) Close() error {
	return t.closeWith(websocket.CloseNormalClosure, "")
}

func (t *wsTransport) closeWith(code int, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	// best effort close frame; the peer may already be gone
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	return t.conn.Close()
}

// Session is one connected client. The transport is owned by the
// ConnectionManager; callers go through the manager to send.
type Session struct {
	ID          string
	ConnectedAt time.Time

	transport    Transport
	mu           sync.RWMutex
	lastActivity time.Time
	messageCount uint64
	isActive     bool
}

func newSession(id string, t Transport, now time.Time) *Session {
	return &Session{
		ID:           id,
		ConnectedAt:  now,
		transport:    t,
		lastActivity: now,
		isActive:     true,
	}
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.messageCount++
	s.mu.Unlock()
}

func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

func (s *Session) IsActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isActive
}

func (s *Session) Info() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SessionInfo{
		SessionID:    s.ID,
		ConnectedAt:  s.ConnectedAt,
		LastActivity: s.lastActivity,
		MessageCount: s.messageCount,
		IsActive:     s.isActive,
	}
}

func (s *Session) send(msg any) error {
	s.mu.RLock()
	active := s.isActive
	s.mu.RUnlock()
	if !active {
		return errors.New("session not active")
	}
	return s.transport.Send(msg)
}

// deactivate marks the session closed and closes its transport once.
func (s *Session) deactivate() error {
	s.mu.Lock()
	if !s.isActive {
		s.mu.Unlock()
		return nil
	}
	s.isActive = false
	s.mu.Unlock()
	return s.transport.Close()
}
