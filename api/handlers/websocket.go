package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/alfaarizi/qubit/internal/ws"
)

// WebSocketHandler exposes the pub-sub hub over HTTP.
type WebSocketHandler struct {
	hub       *ws.Hub
	wsHandler *ws.Handler
	log       zerolog.Logger
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(hub *ws.Hub, wsHandler *ws.Handler, logger zerolog.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		hub:       hub,
		wsHandler: wsHandler,
		log:       logger.With().Str("component", "http").Logger(),
	}
}

// BroadcastRequest is the body of an HTTP-originated broadcast.
type BroadcastRequest struct {
	Message json.RawMessage `json:"message" binding:"required"`
}

func (h *WebSocketHandler) connect(c *gin.Context, room string) {
	opts := ws.ConnectOptions{
		ClientID: c.Query("client_id"),
		Room:     room,
	}
	if userID, exists := c.Get(userIDKey); exists {
		if id, ok := userID.(string); ok {
			opts.User = &ws.User{Identity: id, Authenticated: true}
		}
	}

	// The upgrader has already written the failure response.
	if err := h.wsHandler.HandleConnection(c.Writer, c.Request, opts); err != nil {
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
	}
}

// Connect handles GET /api/ws - opens a hub connection.
func (h *WebSocketHandler) Connect(c *gin.Context) {
	h.connect(c, "")
}

// ConnectRoom handles GET /api/ws/room/:room - opens a hub connection that
// joins room right away.
func (h *WebSocketHandler) ConnectRoom(c *gin.Context) {
	room := c.Param("room")
	if room == "" {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Room is required")
		return
	}
	h.connect(c, room)
}

// Stats handles GET /api/ws/stats.
func (h *WebSocketHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.hub.Stats())
}

// Broadcast handles POST /api/ws/broadcast - sends a message to every
// connection.
func (h *WebSocketHandler) Broadcast(c *gin.Context) {
	var req BroadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	n := h.hub.BroadcastToAll(&ws.Message{
		Type:      ws.MessageTypeHTTPBroadcast,
		Content:   req.Message,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}, "")

	c.JSON(http.StatusOK, gin.H{"success": true, "recipients": n})
}

// BroadcastRoom handles POST /api/ws/broadcast/room/:room - sends a message
// to every member of a room.
func (h *WebSocketHandler) BroadcastRoom(c *gin.Context) {
	room := c.Param("room")

	var req BroadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	if len(h.hub.RoomMembers(room)) == 0 {
		sendError(c, http.StatusNotFound, "ROOM_NOT_FOUND", "Room "+room+" has no connections")
		return
	}

	n := h.hub.BroadcastToRoom(room, &ws.Message{
		Type:      ws.MessageTypeHTTPRoomBroadcast,
		Room:      room,
		Content:   req.Message,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}, "")

	c.JSON(http.StatusOK, gin.H{"success": true, "room": room, "recipients": n})
}

// RegisterRoutes registers the WebSocket handler routes on a Gin router group.
func (h *WebSocketHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/ws", h.Connect)
	rg.GET("/ws/room/:room", h.ConnectRoom)
	rg.GET("/ws/stats", h.Stats)
	rg.POST("/ws/broadcast", h.Broadcast)
	rg.POST("/ws/broadcast/room/:room", h.BroadcastRoom)
}
