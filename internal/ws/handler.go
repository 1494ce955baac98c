package ws

import (
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
)

// ConnectOptions describe a connection being upgraded.
type ConnectOptions struct {
	// ClientID is honored as the connection id when set.
	ClientID string
	// Room is joined right after connecting. Raw text messages on such a
	// connection are broadcast to this room.
	Room string
	// User is the identity resolved by the HTTP layer, if any.
	User *User
}

// Handler speaks the hub's client protocol over WebSocket connections.
type Handler struct {
	hub      *Hub
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a Handler for hub.
func NewHandler(hub *Hub, logger zerolog.Logger) *Handler {
	return &Handler{
		hub: hub,
		log: logger.With().Str("component", "ws").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// SetCheckOrigin sets a custom origin checker for the upgrader.
func (h *Handler) SetCheckOrigin(fn func(r *http.Request) bool) {
	h.upgrader.CheckOrigin = fn
}

// HandleConnection upgrades the request and runs the connection's pumps
// until the peer goes away.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request, opts ConnectOptions) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := NewClient(conn)
	id := h.hub.Connect(client, opts.ClientID)

	if opts.User != nil {
		h.hub.SetUser(id, *opts.User)
	}
	if opts.Room != "" {
		h.hub.JoinRoom(id, opts.Room)
	}

	go h.writePump(client)
	go h.readPump(client, id, opts.Room)

	return nil
}

// HandleMessage dispatches one inbound message from connection id. room is
// the connection's default room, if it was opened on a room endpoint.
func (h *Handler) HandleMessage(id, room string, raw []byte) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		h.broadcastText(id, room, raw)
		return
	}

	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.sendError(id, "Invalid message format")
		return
	}
	if msg.Room == "" {
		msg.Room = room
	}

	switch msg.Type {
	case MessageTypePing:
		h.hub.Send(id, &Message{Type: MessageTypePong, Timestamp: timestamp(time.Now())})
	case MessageTypeJoinRoom:
		h.handleJoin(id, &msg)
	case MessageTypeLeaveRoom:
		h.handleLeave(id, &msg)
	case MessageTypeBroadcast:
		h.hub.BroadcastToAll(&Message{
			Type:           MessageTypeNotification,
			Content:        contentOrNull(msg.Content),
			FromConnection: id,
			Timestamp:      timestamp(time.Now()),
		}, id)
	case MessageTypeRoomBroadcast:
		h.handleRoomBroadcast(id, &msg)
	case MessageTypeGetStats:
		h.hub.Send(id, &Message{Type: MessageTypeStats, Data: h.hub.Stats()})
	case MessageTypeGateLock:
		h.handleGateLock(id, &msg)
	case MessageTypeGateUnlock:
		h.handleGateUnlock(id, &msg)
	case MessageTypeCursorMove, MessageTypeGateOperation, MessageTypeSelectionChange:
		h.relay(id, msg.Room, fields)
	default:
		h.sendError(id, "Unknown message type: "+string(msg.Type))
	}
}

// broadcastText fans out a payload that is not a JSON object as plain text.
func (h *Handler) broadcastText(id, room string, raw []byte) {
	content, _ := json.Marshal(string(raw))
	if room != "" {
		h.hub.BroadcastToRoom(room, &Message{
			Type:           MessageTypeRoomNotification,
			Room:           room,
			Content:        content,
			FromConnection: id,
			Timestamp:      timestamp(time.Now()),
		}, id)
		return
	}
	h.hub.BroadcastToAll(&Message{
		Type:           MessageTypeNotification,
		Content:        content,
		FromConnection: id,
		Timestamp:      timestamp(time.Now()),
	}, id)
}

func (h *Handler) handleJoin(id string, msg *inbound) {
	if msg.Room == "" {
		h.sendError(id, "Room name is required")
		return
	}
	if msg.User != nil {
		h.hub.SetMetadata(id, map[string]any{"user": msg.User})
	}

	joined := h.hub.JoinRoom(id, msg.Room)
	h.hub.Send(id, &Message{
		Type:    MessageTypeRoomJoined,
		Room:    msg.Room,
		JobID:   msg.JobID,
		Success: boolPtr(joined),
		Members: h.hub.RoomMembers(msg.Room),
		Locks:   h.hub.RoomLocks(msg.Room),
	})
}

func (h *Handler) handleLeave(id string, msg *inbound) {
	if msg.Room == "" {
		h.sendError(id, "Room name is required")
		return
	}
	left := h.hub.LeaveRoom(id, msg.Room)
	h.hub.Send(id, &Message{
		Type:    MessageTypeRoomLeft,
		Room:    msg.Room,
		Success: boolPtr(left),
	})
}

func (h *Handler) handleRoomBroadcast(id string, msg *inbound) {
	if !h.isMember(id, msg.Room) {
		h.sendError(id, "Not a member of room: "+msg.Room)
		return
	}
	h.hub.BroadcastToRoom(msg.Room, &Message{
		Type:           MessageTypeRoomNotification,
		Room:           msg.Room,
		Content:        contentOrNull(msg.Content),
		FromConnection: id,
		Timestamp:      timestamp(time.Now()),
	}, id)
}

func (h *Handler) handleGateLock(id string, msg *inbound) {
	gateID := msg.gateID()
	if msg.Room == "" || gateID == "" {
		h.sendError(id, "gate_lock requires room and gateId")
		return
	}

	locked := h.hub.LockResource(msg.Room, gateID, id)
	h.hub.Send(id, &Message{
		Type:    MessageTypeGateLockResult,
		Room:    msg.Room,
		GateID:  gateID,
		Success: boolPtr(locked),
	})
	if locked {
		h.hub.BroadcastToRoom(msg.Room, &Message{
			Type:     MessageTypeGateLocked,
			Room:     msg.Room,
			GateID:   gateID,
			LockedBy: id,
		}, "")
	}
}

func (h *Handler) handleGateUnlock(id string, msg *inbound) {
	gateID := msg.gateID()
	if msg.Room == "" || gateID == "" {
		h.sendError(id, "gate_unlock requires room and gateId")
		return
	}

	unlocked := h.hub.UnlockResource(msg.Room, gateID, id)
	h.hub.Send(id, &Message{
		Type:    MessageTypeGateUnlockResult,
		Room:    msg.Room,
		GateID:  gateID,
		Success: boolPtr(unlocked),
	})
	if unlocked {
		h.hub.BroadcastToRoom(msg.Room, &Message{
			Type:     MessageTypeGateUnlocked,
			Room:     msg.Room,
			GateID:   gateID,
			LockedBy: id,
		}, "")
	}
}

// relay forwards a collaboration message to the sender's room, tagged with
// the sender's connection id.
func (h *Handler) relay(id, room string, fields map[string]json.RawMessage) {
	if !h.isMember(id, room) {
		h.sendError(id, "Not a member of room: "+room)
		return
	}
	fields["connection_id"], _ = json.Marshal(id)
	fields["room"], _ = json.Marshal(room)
	h.hub.BroadcastToRoom(room, fields, id)
}

func (h *Handler) isMember(id, room string) bool {
	return room != "" && slices.Contains(h.hub.ConnectionRooms(id), room)
}

func (h *Handler) sendError(id, message string) {
	h.hub.Send(id, &Message{Type: MessageTypeError, Message: message})
}

func contentOrNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

// readPump pumps messages from the WebSocket connection to the hub.
func (h *Handler) readPump(client *Client, id, room string) {
	defer func() {
		h.hub.DisconnectTransport(id, client)
		client.conn.Close()
	}()

	client.conn.SetReadLimit(maxMessageSize)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn().Err(err).Str("connection_id", id).Msg("websocket read error")
			}
			break
		}

		h.hub.RecordInbound(id)
		h.HandleMessage(id, room, message)
	}
}

// writePump pumps queued messages to the WebSocket connection.
func (h *Handler) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.SendChan():
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// One JSON document per frame
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			n := len(client.SendChan())
			for i := 0; i < n; i++ {
				queued, ok := <-client.SendChan()
				if !ok {
					return
				}
				client.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := client.conn.WriteMessage(websocket.TextMessage, queued); err != nil {
					return
				}
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
