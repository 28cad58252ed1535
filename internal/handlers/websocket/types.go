package websocket

import (
	"errors"
	"time"
)

var ErrSessionNotFound = errors.New("websocket: session not found")

// Inbound message types handled by the default router.
const (
	MessageTypeAudioStream = "audio_stream"
	MessageTypeHeartbeat   = "heartbeat"
	MessageTypePing        = "ping"
	MessageTypeStatusQuery = "status_query"
)

// Close code sent when the pool is full (RFC 6455 "try again later").
const CloseTryAgainLater = 1013

// Message is a decoded inbound envelope:
// {"type": string, "session_id"?: string, "client_id"?: string, ...}.
type Message map[string]any

func (m Message) Type() string {
	t, _ := m["type"].(string)
	return t
}

// AudioStreamMessage is the typed view of an audio_stream envelope.
type AudioStreamMessage struct {
	AudioData string `json:"audio_data"`
	Format    string `json:"format,omitempty"`
}

// ReplyError lets a handler choose the error reply sent back to the client.
type ReplyError struct {
	Code    string
	Type    string
	Message string
}

func (e *ReplyError) Error() string { return e.Message }

// PoolStats summarises the connection pool.
type PoolStats struct {
	ActiveConnections   int     `json:"active_connections"`
	TotalConnections    uint64  `json:"total_connections"`
	DroppedConnections  uint64  `json:"dropped_connections"`
	ReplacedConnections uint64  `json:"replaced_connections"`
	MaxConnections      int     `json:"max_connections"`
	Utilization         float64 `json:"utilization"`
	AverageDurationSec  float64 `json:"average_connection_duration_seconds"`
}

// RouterStats counts routing outcomes.
type RouterStats struct {
	Routed       uint64            `json:"routed"`
	Rejected     uint64            `json:"rejected"`
	Crosstalk    uint64            `json:"crosstalk_violations"`
	HandlerError uint64            `json:"handler_errors"`
	ByType       map[string]uint64 `json:"by_type"`
}

// SessionInfo is a read-only snapshot of a session.
type SessionInfo struct {
	SessionID    string    `json:"session_id"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
	MessageCount uint64    `json:"message_count"`
	IsActive     bool      `json:"is_active"`
}
