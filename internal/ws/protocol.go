package ws

import "encoding/json"

// MessageType is the discriminator of a hub message.
type MessageType string

const (
	// Client -> Server message types
	MessageTypePing          MessageType = "ping"
	MessageTypeJoinRoom      MessageType = "join_room"
	MessageTypeLeaveRoom     MessageType = "leave_room"
	MessageTypeBroadcast     MessageType = "broadcast"
	MessageTypeRoomBroadcast MessageType = "room_broadcast"
	MessageTypeGetStats      MessageType = "get_stats"
	MessageTypeGateLock      MessageType = "gate_lock"
	MessageTypeGateUnlock    MessageType = "gate_unlock"

	// Relayed verbatim to the sender's room
	MessageTypeCursorMove      MessageType = "cursor_move"
	MessageTypeGateOperation   MessageType = "gate_operation"
	MessageTypeSelectionChange MessageType = "selection_change"

	// Server -> Client message types
	MessageTypeConnectionEstablished MessageType = "connection_established"
	MessageTypeConnectionUpdate      MessageType = "connection_update"
	MessageTypePong                  MessageType = "pong"
	MessageTypeRoomJoined            MessageType = "room_joined"
	MessageTypeRoomLeft              MessageType = "room_left"
	MessageTypeNotification          MessageType = "notification"
	MessageTypeRoomNotification      MessageType = "room_notification"
	MessageTypeStats                 MessageType = "stats"
	MessageTypeGateLockResult        MessageType = "gate_lock_result"
	MessageTypeGateUnlockResult      MessageType = "gate_unlock_result"
	MessageTypeGateLocked            MessageType = "gate_locked"
	MessageTypeGateUnlocked          MessageType = "gate_unlocked"
	MessageTypeHTTPBroadcast         MessageType = "http_broadcast"
	MessageTypeHTTPRoomBroadcast     MessageType = "http_room_broadcast"
	MessageTypeError                 MessageType = "error"
)

// Presence events carried by connection_update messages.
const (
	EventUserConnected    = "user_connected"
	EventUserDisconnected = "user_disconnected"
	EventUserJoinedRoom   = "user_joined_room"
	EventUserLeftRoom     = "user_left_room"
)

// Message is a server-produced hub message.
type Message struct {
	Type             MessageType       `json:"type"`
	Event            string            `json:"event,omitempty"`
	ConnectionID     string            `json:"connection_id,omitempty"`
	Room             string            `json:"room,omitempty"`
	JobID            string            `json:"job_id,omitempty"`
	Success          *bool             `json:"success,omitempty"`
	Content          json.RawMessage   `json:"content,omitempty"`
	FromConnection   string            `json:"from_connection,omitempty"`
	GateID           string            `json:"gate_id,omitempty"`
	LockedBy         string            `json:"locked_by,omitempty"`
	Members          []string          `json:"members,omitempty"`
	Locks            map[string]string `json:"locks,omitempty"`
	Data             any               `json:"data,omitempty"`
	Message          string            `json:"message,omitempty"`
	TotalConnections *int              `json:"total_connections,omitempty"`
	Timestamp        string            `json:"timestamp,omitempty"`
}

// inbound is a client-produced hub message. Gate ids arrive as gateId from
// the editor and gate_id from older clients.
type inbound struct {
	Type      MessageType     `json:"type"`
	Room      string          `json:"room"`
	JobID     string          `json:"job_id"`
	Content   json.RawMessage `json:"content"`
	GateID    string          `json:"gateId"`
	GateIDOld string          `json:"gate_id"`
	User      map[string]any  `json:"user"`
	Timestamp json.RawMessage `json:"timestamp"`
}

func (m *inbound) gateID() string {
	if m.GateID != "" {
		return m.GateID
	}
	return m.GateIDOld
}

func boolPtr(b bool) *bool {
	return &b
}
