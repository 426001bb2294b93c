// internal/handler/websocket_handler.go
package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"mfdeploy/internal/model"
	"mfdeploy/internal/service"
	"mfdeploy/internal/utils"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// WebSocketHandler streams session events to WebSocket clients
type WebSocketHandler struct {
	upgrader    websocket.Upgrader
	connections *ConnectionManager
	eventBus    *service.EventBus
	logger      *utils.ServiceLogger
}

// NewWebSocketHandler creates a new WebSocket handler. Browser origins are
// checked against allowedOrigins; "*" or an empty list allows any.
func NewWebSocketHandler(eventBus *service.EventBus, allowedOrigins []string, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		connections: NewConnectionManager(),
		eventBus:    eventBus,
		logger:      utils.NewServiceLogger(logger, "websocket-handler"),
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		set[origin] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || len(set) == 0 || set[origin]
	}
}

// RegisterRoutes registers WebSocket routes
func (h *WebSocketHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/events", h.HandleEventConnection)
}

// HandleEventConnection streams events, optionally for one session only
func (h *WebSocketHandler) HandleEventConnection(c *gin.Context) {
	var filter service.EventFilter
	if sessionID := c.Query("session_id"); sessionID != "" {
		id, err := uuid.Parse(sessionID)
		if err != nil {
			utils.ErrorResponse(c, http.StatusBadRequest, "Invalid session ID", err)
			return
		}
		filter.SessionID = &id
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	client := &Client{
		ID:          uuid.New().String(),
		Connection:  conn,
		Send:        make(chan []byte, 16),
		SessionID:   filter.SessionID,
		UserAgent:   c.Request.UserAgent(),
		RemoteAddr:  c.Request.RemoteAddr,
		ConnectedAt: time.Now(),
	}

	events, unsubscribe := h.eventBus.Subscribe(filter)
	h.connections.Register(client)
	h.logger.Info("Event WebSocket client connected",
		zap.String("client_id", client.ID),
		zap.String("remote_addr", client.RemoteAddr),
	)

	h.sendMessage(client, &WebSocketMessage{
		Type: "connected",
		Data: map[string]interface{}{
			"client_id": client.ID,
		},
		Timestamp: time.Now(),
	})

	go h.handleClientWrite(client, events)
	go h.handleClientRead(client, unsubscribe)
}

// handleClientRead reads client messages until the connection fails
func (h *WebSocketHandler) handleClientRead(client *Client, unsubscribe func()) {
	defer func() {
		unsubscribe()
		h.connections.Unregister(client)
		client.Connection.Close()
		h.logger.Info("Event WebSocket client disconnected", zap.String("client_id", client.ID))
	}()

	client.Connection.SetReadDeadline(time.Now().Add(pongWait))
	client.Connection.SetPongHandler(func(string) error {
		client.Connection.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, messageBytes, err := client.Connection.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn("WebSocket read error",
					zap.Error(err),
					zap.String("client_id", client.ID),
				)
			}
			return
		}

		var message WebSocketMessage
		if err := json.Unmarshal(messageBytes, &message); err != nil {
			h.sendError(client, "invalid message")
			continue
		}

		switch message.Type {
		case "ping":
			h.sendMessage(client, &WebSocketMessage{
				Type:      "pong",
				Timestamp: time.Now(),
				RequestID: message.RequestID,
			})
		default:
			h.sendError(client, "unknown message type: "+message.Type)
		}
	}
}

// handleClientWrite forwards bus events and replies to the client. It
// returns once the subscription channel is closed.
func (h *WebSocketHandler) handleClientWrite(client *Client, events <-chan model.DeviceEvent) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Connection.Close()
	}()

	write := func(messageType int, data []byte) bool {
		client.Connection.SetWriteDeadline(time.Now().Add(writeWait))
		if err := client.Connection.WriteMessage(messageType, data); err != nil {
			h.logger.Debug("WebSocket write error",
				zap.Error(err),
				zap.String("client_id", client.ID),
			)
			return false
		}
		return true
	}

	for {
		select {
		case event, ok := <-events:
			if !ok {
				write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			messageBytes, err := json.Marshal(&WebSocketMessage{
				Type:      "device_event",
				Data:      event,
				Timestamp: time.Now(),
			})
			if err != nil {
				h.logger.Error("Failed to marshal event", zap.Error(err))
				continue
			}
			if !write(websocket.TextMessage, messageBytes) {
				return
			}

		case messageBytes := <-client.Send:
			if !write(websocket.TextMessage, messageBytes) {
				return
			}

		case <-ticker.C:
			if !write(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

// sendMessage queues a reply for the write loop
func (h *WebSocketHandler) sendMessage(client *Client, message *WebSocketMessage) {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("Failed to marshal WebSocket message", zap.Error(err))
		return
	}

	select {
	case client.Send <- messageBytes:
	default:
		h.logger.Warn("Client send channel full, dropping message",
			zap.String("client_id", client.ID),
		)
	}
}

func (h *WebSocketHandler) sendError(client *Client, errorMsg string) {
	h.sendMessage(client, &WebSocketMessage{
		Type: "error",
		Data: map[string]interface{}{
			"error": errorMsg,
		},
		Timestamp: time.Now(),
	})
}

// GetConnectionStats returns connection statistics
func (h *WebSocketHandler) GetConnectionStats() *ConnectionStats {
	return h.connections.GetStats()
}

// Close drops every open client connection
func (h *WebSocketHandler) Close() {
	h.connections.CloseAll()
}
