package types

import (
	"time"
)

// Outbound event types pushed to clients.
const (
	EventConnectionEstablished = "connection_established"
	EventSpeechStarted         = "speech_started"
	EventSpeechStopped         = "speech_stopped"
	EventTranscriptionResult   = "transcription_result"
	EventVoiceResponse         = "voice_response"
	EventError                 = "error"
	EventHeartbeat             = "heartbeat"
	EventHeartbeatAck          = "heartbeat_ack"
	EventPong                  = "pong"
	EventStatus                = "status"
)

// Error reply codes.
const (
	CodeInvalidMessage     = "INVALID_MESSAGE"
	CodeInvalidField       = "INVALID_FIELD"
	CodeClientIDMismatch   = "CLIENT_ID_MISMATCH"
	CodeUnknownMessageType = "UNKNOWN_MESSAGE_TYPE"
	CodeHandlerError       = "HANDLER_ERROR"
	CodeProcessingError    = "PROCESSING_ERROR"
)

// Event is the JSON envelope every outbound message uses:
// {type, session_id?, timestamp, ...fields}.
type Event map[string]any

// NewEvent builds an envelope of eventType carrying fields.
func NewEvent(eventType, sessionID string, fields map[string]any) Event {
	ev := make(Event, len(fields)+3)
	for k, v := range fields {
		ev[k] = v
	}
	ev["type"] = eventType
	if sessionID != "" {
		ev["session_id"] = sessionID
	}
	ev["timestamp"] = time.Now().UTC()
	return ev
}

// ErrorBody is the nested error object of an error event.
type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// NewErrorEvent builds {type:"error", error:{message,type,code}, timestamp}.
func NewErrorEvent(message, errType, code string) Event {
	return Event{
		"type":      EventError,
		"error":     ErrorBody{Message: message, Type: errType, Code: code},
		"timestamp": time.Now().UTC(),
	}
}

func (e Event) Type() string {
	t, _ := e["type"].(string)
	return t
}
