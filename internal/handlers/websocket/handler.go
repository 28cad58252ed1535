package websocket

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/xpanvictor/xarvis-realtime/internal/types"
	"github.com/xpanvictor/xarvis-realtime/pkg/Logger"
)

const (
	maxMessageSize = 1 << 20
	pongWait       = 60 * time.Second
)

// WebSocketHandler upgrades /ws requests and runs the per-connection read loop.
type WebSocketHandler struct {
	logger       *Logger.Logger
	conns        *ConnectionManager
	router       *MessageRouter
	bridge       *VSSBridge
	upgrader     websocket.Upgrader
	origins      map[string]struct{}
	onDisconnect func(sessionID string)
}

func NewWebSocketHandler(
	logger *Logger.Logger,
	conns *ConnectionManager,
	router *MessageRouter,
	bridge *VSSBridge,
	onDisconnect func(sessionID string),
) *WebSocketHandler {
	if logger == nil {
		logger = Logger.Nop()
	}
	h := &WebSocketHandler{
		logger:       logger,
		conns:        conns,
		router:       router,
		bridge:       bridge,
		onDisconnect: onDisconnect,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:     h.checkOrigin,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	return h
}

// SetAllowedOrigins limits browser upgrades to the given origins. An empty
// list accepts any origin. Must be called before serving.
func (h *WebSocketHandler) SetAllowedOrigins(origins []string) {
	h.origins = nil
	for _, o := range origins {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			if h.origins == nil {
				h.origins = make(map[string]struct{})
			}
			h.origins[strings.ToLower(o)] = struct{}{}
		}
	}
}

// checkOrigin lets through non-browser clients, which send no Origin header.
func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if len(h.origins) == 0 || origin == "" {
		return true
	}
	_, ok := h.origins[strings.ToLower(origin)]
	if !ok {
		h.logger.Warnf("rejected websocket upgrade from origin %s", origin)
	}
	return ok
}

// RegisterRoutes registers WebSocket routes
func (h *WebSocketHandler) RegisterRoutes(router gin.IRouter) {
	router.GET("/ws", h.HandleWebSocket)
	router.GET("/ws/stats", h.HandleStats)
}

// HandleWebSocket handles one client connection for its whole lifetime.
func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Errorf("WebSocket upgrade failed: %v", err)
		return
	}
	transport := &wsTransport{conn: conn}

	session := h.conns.register(sessionID, transport)
	if session == nil {
		_ = transport.closeWith(CloseTryAgainLater, "server at capacity")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.readLoop(ctx, session, conn)

	h.conns.Release(session)
	if !h.conns.Has(sessionID) && h.onDisconnect != nil {
		h.onDisconnect(sessionID)
	}
}

func (h *WebSocketHandler) readLoop(ctx context.Context, session *Session, conn *websocket.Conn) {
	log := h.logger.ForSession(session.ID)
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		h.conns.UpdateActivity(session.ID)
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warnf("WebSocket read error: %v", err)
			} else {
				log.Infof("WebSocket connection closed")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		if !session.IsActive() {
			return
		}
		h.conns.UpdateActivity(session.ID)

		switch messageType {
		case websocket.TextMessage:
			h.router.RouteRaw(ctx, session.ID, data)
		case websocket.BinaryMessage:
			if err := h.bridge.HandleBinary(ctx, session.ID, data); err != nil {
				log.Errorf("Failed to handle audio input: %v", err)
				h.conns.Send(session.ID, types.NewErrorEvent("Failed to process audio input", "processing_error", types.CodeProcessingError))
			}
		}
	}
}

// HandleStats provides connection statistics
func (h *WebSocketHandler) HandleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"data": gin.H{
			"pool":     h.conns.Stats(),
			"router":   h.router.Stats(),
			"sessions": h.conns.Sessions(),
		},
	})
}

// Close disconnects every client.
func (h *WebSocketHandler) Close() {
	h.conns.CloseAll()
}
