package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/xpanvictor/xarvis-realtime/internal/types"
	"github.com/xpanvictor/xarvis-realtime/pkg/Logger"
)

// Handler processes one validated message for a session.
type Handler func(ctx context.Context, sessionID string, msg Message) error

// Middleware runs before the handler. Returning false stops the message
// without an error reply.
type Middleware func(ctx context.Context, sessionID string, msg Message) (bool, error)

// MessageRouter validates inbound envelopes and dispatches them by type.
type MessageRouter struct {
	conns  *ConnectionManager
	logger *Logger.Logger

	mu         sync.RWMutex
	handlers   map[string]Handler
	middleware []Middleware

	statsMu sync.Mutex
	stats   RouterStats
}

func NewMessageRouter(conns *ConnectionManager, logger *Logger.Logger) *MessageRouter {
	if logger == nil {
		logger = Logger.Nop()
	}
	return &MessageRouter{
		conns:    conns,
		logger:   logger,
		handlers: make(map[string]Handler),
		stats:    RouterStats{ByType: make(map[string]uint64)},
	}
}

func (r *MessageRouter) RegisterHandler(messageType string, h Handler) {
	r.mu.Lock()
	r.handlers[messageType] = h
	r.mu.Unlock()
}

// RegisterMiddleware appends fn; middleware runs in registration order.
func (r *MessageRouter) RegisterMiddleware(fn Middleware) {
	r.mu.Lock()
	r.middleware = append(r.middleware, fn)
	r.mu.Unlock()
}

// RouteRaw decodes a JSON text frame and routes it.
func (r *MessageRouter) RouteRaw(ctx context.Context, sessionID string, data []byte) bool {
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		r.reject(sessionID, "Invalid JSON: "+err.Error(), "validation_error", types.CodeInvalidMessage)
		return false
	}
	return r.Route(ctx, sessionID, decoded)
}

// Route validates raw and hands it to the handler registered for its type.
// It returns true only when a handler ran and succeeded.
func (r *MessageRouter) Route(ctx context.Context, sessionID string, raw any) bool {
	if !r.conns.Has(sessionID) {
		r.logger.Debugf("dropping message for inactive session %s", sessionID)
		r.count(func(s *RouterStats) { s.Rejected++ })
		return false
	}

	msg, ok := r.validate(sessionID, raw)
	if !ok {
		return false
	}
	msgType := msg.Type()

	r.mu.RLock()
	chain := r.middleware
	h, found := r.handlers[msgType]
	r.mu.RUnlock()

	for i, mw := range chain {
		cont, err := r.runMiddleware(ctx, mw, sessionID, msg)
		if err != nil {
			r.logger.Warnf("middleware %d failed for session %s, continuing: %v", i, sessionID, err)
			continue
		}
		if !cont {
			r.logger.Debugf("middleware %d halted %s message for session %s", i, msgType, sessionID)
			return false
		}
	}

	if !found {
		r.reject(sessionID, fmt.Sprintf("Unknown message type: %s", msgType), "routing_error", types.CodeUnknownMessageType)
		return false
	}

	if err := r.invoke(ctx, h, sessionID, msg); err != nil {
		r.logger.Errorf("handler for %s failed for session %s: %v", msgType, sessionID, err)
		r.count(func(s *RouterStats) { s.HandlerError++ })

		var reply *ReplyError
		if errors.As(err, &reply) {
			r.sendError(sessionID, reply.Message, reply.Type, reply.Code)
		} else {
			r.sendError(sessionID, "Message processing failed: "+err.Error(), "handler_error", types.CodeHandlerError)
		}
		return false
	}

	r.count(func(s *RouterStats) {
		s.Routed++
		s.ByType[msgType]++
	})
	return true
}

func (r *MessageRouter) validate(sessionID string, raw any) (Message, bool) {
	var msg Message
	switch m := raw.(type) {
	case Message:
		msg = m
	case map[string]any:
		msg = Message(m)
	default:
		r.reject(sessionID, "Message must be a JSON object", "validation_error", types.CodeInvalidMessage)
		return nil, false
	}

	if t, ok := msg["type"].(string); !ok || t == "" {
		r.reject(sessionID, "Missing or invalid message type", "validation_error", types.CodeInvalidMessage)
		return nil, false
	}

	for _, field := range []string{"client_id", "session_id"} {
		v, present := msg[field]
		if !present {
			continue
		}
		id, ok := v.(string)
		if !ok {
			r.reject(sessionID, fmt.Sprintf("Field %s must be a string", field), "validation_error", types.CodeInvalidField)
			return nil, false
		}
		if id != sessionID {
			r.logger.Warnf("cross-talk: message bound to %q arrived on session %s", id, sessionID)
			r.count(func(s *RouterStats) { s.Crosstalk++ })
			r.reject(sessionID, "Client ID mismatch", "security_error", types.CodeClientIDMismatch)
			return nil, false
		}
	}
	return msg, true
}

func (r *MessageRouter) runMiddleware(ctx context.Context, mw Middleware, sessionID string, msg Message) (cont bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("middleware panic: %v", rec)
		}
	}()
	return mw(ctx, sessionID, msg)
}

func (r *MessageRouter) invoke(ctx context.Context, h Handler, sessionID string, msg Message) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h(ctx, sessionID, msg)
}

func (r *MessageRouter) reject(sessionID, message, errType, code string) {
	r.count(func(s *RouterStats) { s.Rejected++ })
	r.sendError(sessionID, message, errType, code)
}

// sendError replies on the session's transport; dropped if it has gone away.
func (r *MessageRouter) sendError(sessionID, message, errType, code string) {
	if !r.conns.Has(sessionID) {
		return
	}
	r.conns.Send(sessionID, types.NewErrorEvent(message, errType, code))
}

func (r *MessageRouter) count(fn func(*RouterStats)) {
	r.statsMu.Lock()
	fn(&r.stats)
	r.statsMu.Unlock()
}

func (r *MessageRouter) Stats() RouterStats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	out := r.stats
	out.ByType = make(map[string]uint64, len(r.stats.ByType))
	for k, v := range r.stats.ByType {
		out.ByType[k] = v
	}
	return out
}
