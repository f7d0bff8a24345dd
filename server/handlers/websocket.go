package handlers

import (
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/setv/ultrascan/server/models"
	"github.com/setv/ultrascan/server/processor"
	"github.com/setv/ultrascan/server/visits"
	"go.uber.org/zap"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

type ClientMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// WebSocketHandler pushes the events of one visit session to a client.
type WebSocketHandler struct {
	sessions *processor.SessionRegistry
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func NewWebSocketHandler(sessions *processor.SessionRegistry, allowedOrigins []string, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		sessions: sessions,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || len(allowedOrigins) == 0 ||
					slices.Contains(allowedOrigins, "*") || slices.Contains(allowedOrigins, origin)
			},
		},
	}
}

func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	visitID := c.Query("visitId")
	if !visits.ValidTempID(visitID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "visitId is required"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket connection", zap.Error(err))
		return
	}
	defer conn.Close()

	logger := h.logger.With(zap.String("visit_id", visitID), zap.String("client_ip", c.ClientIP()))
	logger.Info("WebSocket client connected")

	session := h.sessions.GetOrCreate(visitID)
	events, unsubscribe := session.Subscribe()
	defer unsubscribe()

	replies := make(chan models.ServerMessage, 8)
	done := make(chan struct{})
	defer close(done)

	replies <- models.ServerMessage{Type: "snapshot", Data: session.Snapshot()}
	go h.writeLoop(conn, events, replies, done, logger)

	conn.SetReadLimit(64 * 1024)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var message ClientMessage
		if err := conn.ReadJSON(&message); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("WebSocket error", zap.Error(err))
			}
			return
		}
		h.handleMessage(session, &message, replies)
	}
}

func (h *WebSocketHandler) handleMessage(session *processor.Session, message *ClientMessage, replies chan<- models.ServerMessage) {
	var reply models.ServerMessage
	switch message.Type {
	case "ping":
		reply = models.ServerMessage{Type: "pong", Data: map[string]any{"timestamp": time.Now().Unix()}}
	case "snapshot":
		reply = models.ServerMessage{Type: "snapshot", Data: session.Snapshot()}
	default:
		h.logger.Warn("Unknown message type received", zap.String("type", message.Type))
		reply = models.ServerMessage{
			Type: models.EventError,
			Data: models.ErrorEvent{Message: "Unknown message type: " + message.Type},
		}
	}

	select {
	case replies <- reply:
	default:
	}
}

// writeLoop is the only writer of conn. It forwards session events and
// replies and keeps the connection alive with pings.
func (h *WebSocketHandler) writeLoop(conn *websocket.Conn, events <-chan models.ServerMessage, replies <-chan models.ServerMessage, done <-chan struct{}, logger *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	write := func(msg models.ServerMessage) bool {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(msg); err != nil {
			logger.Warn("Failed to send WebSocket message", zap.Error(err))
			conn.Close()
			return false
		}
		return true
	}

	for {
		select {
		case msg, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !write(msg) {
				return
			}
		case msg := <-replies:
			if !write(msg) {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Warn("Failed to send ping", zap.Error(err))
				conn.Close()
				return
			}
		case <-done:
			return
		}
	}
}
