package ws

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Transport is the send side of one live connection. Send must not block;
// it reports false when the message could not be queued.
type Transport interface {
	Send(data []byte) bool
	Close()
}

// User is the identity attached to a connection after the handshake.
type User struct {
	Identity      string `json:"identity"`
	Authenticated bool   `json:"authenticated"`
}

// Activity counts traffic on one connection.
type Activity struct {
	LastInboundAt  time.Time `json:"last_inbound_at,omitempty"`
	LastOutboundAt time.Time `json:"last_outbound_at,omitempty"`
	MessagesIn     int64     `json:"messages_in"`
	MessagesOut    int64     `json:"messages_out"`
}

// Session is the per-connection collaboration state.
type Session struct {
	ConnectedAt time.Time
	Rooms       map[string]struct{}
	User        *User
	Metadata    map[string]any
	Activity    Activity
}

type connection struct {
	id        string
	transport Transport
	session   *Session
}

// ConnectionStats is the exported view of one connection's session.
type ConnectionStats struct {
	ConnectedAt time.Time `json:"connected_at"`
	Rooms       []string  `json:"rooms"`
	User        *User     `json:"user,omitempty"`
	Activity
}

// Stats is a snapshot of hub state for operational visibility.
type Stats struct {
	TotalConnections int                        `json:"total_connections"`
	TotalRooms       int                        `json:"total_rooms"`
	TotalSessions    int                        `json:"total_sessions"`
	Rooms            map[string]int             `json:"rooms"`
	Connections      map[string]ConnectionStats `json:"connections"`
}

// Hub tracks connections, room membership and per-room gate locks.
//
// All hub state is owned by the goroutine running Run. Exported methods hand
// a closure to that goroutine and wait for it, so callers on any goroutine
// see a consistent view without locking. Methods called before Run starts
// block until it does; methods called after Run returns are no-ops.
type Hub struct {
	ops  chan func()
	done chan struct{}
	log  zerolog.Logger
	now  func() time.Time

	conns   map[string]*connection
	rooms   map[string]map[string]struct{}
	locks   map[string]map[string]string
	waiters map[string][]chan struct{}
}

// NewHub creates a hub. Call Run to start it.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		ops:     make(chan func()),
		done:    make(chan struct{}),
		log:     logger.With().Str("component", "hub").Logger(),
		now:     time.Now,
		conns:   make(map[string]*connection),
		rooms:   make(map[string]map[string]struct{}),
		locks:   make(map[string]map[string]string),
		waiters: make(map[string][]chan struct{}),
	}
}

// Run processes hub operations until ctx is cancelled, then closes every
// remaining transport.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	h.log.Info().Msg("hub started")

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			h.log.Info().Msg("hub stopped")
			return
		case op := <-h.ops:
			h.apply(op)
		}
	}
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) apply(op func()) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().Interface("panic", r).Msg("recovered panic in hub operation")
		}
	}()
	op()
}

// do runs fn on the hub goroutine and waits for it. It reports false if the
// hub has stopped.
func (h *Hub) do(fn func()) bool {
	finished := make(chan struct{})
	op := func() {
		defer close(finished)
		fn()
	}

	select {
	case h.ops <- op:
	case <-h.done:
		return false
	}

	select {
	case <-finished:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) shutdown() {
	for _, c := range h.conns {
		c.transport.Close()
	}
	h.conns = make(map[string]*connection)
	h.rooms = make(map[string]map[string]struct{})
	h.locks = make(map[string]map[string]string)
}

// Connect registers a transport and returns its connection id. An empty
// clientID is replaced by a generated one; a clientID that is already
// connected replaces the stale connection.
func (h *Hub) Connect(t Transport, clientID string) string {
	id := clientID
	if id == "" {
		id = uuid.New().String()
	}

	ok := h.do(func() {
		if _, exists := h.conns[id]; exists {
			h.log.Info().Str("connection_id", id).Msg("replacing existing connection")
			h.disconnect(id)
		}

		now := h.now()
		h.conns[id] = &connection{
			id:        id,
			transport: t,
			session: &Session{
				ConnectedAt: now,
				Rooms:       make(map[string]struct{}),
				Metadata:    make(map[string]any),
			},
		}

		h.sendTo(id, mustMarshal(&Message{
			Type:         MessageTypeConnectionEstablished,
			ConnectionID: id,
			Timestamp:    timestamp(now),
		}))

		total := len(h.conns)
		h.fanOut(h.allIDs(), mustMarshal(&Message{
			Type:             MessageTypeConnectionUpdate,
			Event:            EventUserConnected,
			ConnectionID:     id,
			TotalConnections: &total,
			Timestamp:        timestamp(now),
		}), id)

		h.log.Info().Str("connection_id", id).Int("total", total).Msg("connection registered")
	})
	if !ok {
		t.Close()
	}
	return id
}

// Disconnect removes a connection, its room memberships and its gate locks.
// Unknown ids are ignored.
func (h *Hub) Disconnect(id string) {
	h.do(func() { h.disconnect(id) })
}

// DisconnectTransport removes connection id only while it is still backed by
// t. A transport that was replaced by a reconnect under the same id leaves
// the new connection alone.
func (h *Hub) DisconnectTransport(id string, t Transport) {
	h.do(func() {
		if c, ok := h.conns[id]; ok && c.transport == t {
			h.disconnect(id)
		}
	})
}

func (h *Hub) disconnect(id string) {
	c, ok := h.conns[id]
	if !ok {
		return
	}
	delete(h.conns, id)

	for room := range c.session.Rooms {
		h.releaseLocks(room, id)
		h.removeMember(room, id)
	}
	c.transport.Close()

	total := len(h.conns)
	h.fanOut(h.allIDs(), mustMarshal(&Message{
		Type:             MessageTypeConnectionUpdate,
		Event:            EventUserDisconnected,
		ConnectionID:     id,
		TotalConnections: &total,
		Timestamp:        timestamp(h.now()),
	}), "")

	h.log.Info().Str("connection_id", id).Int("total", total).Msg("connection removed")
}

// JoinRoom adds a connection to a room. It reports whether membership changed.
func (h *Hub) JoinRoom(id, room string) bool {
	var changed bool
	h.do(func() {
		c, ok := h.conns[id]
		if !ok || room == "" {
			return
		}
		if _, member := c.session.Rooms[room]; member {
			return
		}

		c.session.Rooms[room] = struct{}{}
		members, ok := h.rooms[room]
		if !ok {
			members = make(map[string]struct{})
			h.rooms[room] = members
		}
		members[id] = struct{}{}
		changed = true

		for _, w := range h.waiters[room] {
			close(w)
		}
		delete(h.waiters, room)

		h.fanOut(h.memberIDs(room), mustMarshal(&Message{
			Type:         MessageTypeConnectionUpdate,
			Event:        EventUserJoinedRoom,
			ConnectionID: id,
			Room:         room,
			Timestamp:    timestamp(h.now()),
		}), id)

		h.log.Debug().Str("connection_id", id).Str("room", room).Msg("joined room")
	})
	return changed
}

// LeaveRoom removes a connection from a room and releases the gate locks it
// held there. It reports whether membership changed.
func (h *Hub) LeaveRoom(id, room string) bool {
	var changed bool
	h.do(func() {
		c, ok := h.conns[id]
		if !ok {
			return
		}
		if _, member := c.session.Rooms[room]; !member {
			return
		}

		h.releaseLocks(room, id)
		delete(c.session.Rooms, room)
		h.removeMember(room, id)
		changed = true

		h.fanOut(h.memberIDs(room), mustMarshal(&Message{
			Type:         MessageTypeConnectionUpdate,
			Event:        EventUserLeftRoom,
			ConnectionID: id,
			Room:         room,
			Timestamp:    timestamp(h.now()),
		}), id)

		h.log.Debug().Str("connection_id", id).Str("room", room).Msg("left room")
	})
	return changed
}

func (h *Hub) removeMember(room, id string) {
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(h.rooms, room)
		delete(h.locks, room)
	}
}

// releaseLocks drops every lock id holds in room and tells the room.
func (h *Hub) releaseLocks(room, id string) {
	locks := h.locks[room]
	for resource, owner := range locks {
		if owner != id {
			continue
		}
		delete(locks, resource)
		h.fanOut(h.memberIDs(room), mustMarshal(&Message{
			Type:     MessageTypeGateUnlocked,
			Room:     room,
			GateID:   resource,
			LockedBy: id,
		}), id)
	}
	if len(locks) == 0 {
		delete(h.locks, room)
	}
}

// Send delivers msg to one connection. A failed send disconnects it.
func (h *Hub) Send(id string, msg any) bool {
	data, err := encode(msg)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to marshal message")
		return false
	}

	var sent bool
	h.do(func() { sent = h.sendTo(id, data) })
	return sent
}

// BroadcastToRoom delivers msg to every member of room except exclude. It
// returns the number of connections attempted.
func (h *Hub) BroadcastToRoom(room string, msg any, exclude string) int {
	data, err := encode(msg)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to marshal message")
		return 0
	}

	var n int
	h.do(func() { n = h.fanOut(h.memberIDs(room), data, exclude) })
	return n
}

// BroadcastToAll delivers msg to every connection except exclude.
func (h *Hub) BroadcastToAll(msg any, exclude string) int {
	data, err := encode(msg)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to marshal message")
		return 0
	}

	var n int
	h.do(func() { n = h.fanOut(h.allIDs(), data, exclude) })
	return n
}

// sendTo queues data on one connection's transport.
func (h *Hub) sendTo(id string, data []byte) bool {
	c, ok := h.conns[id]
	if !ok {
		return false
	}
	if !c.transport.Send(data) {
		h.log.Warn().Str("connection_id", id).Msg("send failed, disconnecting")
		h.disconnect(id)
		return false
	}
	c.session.Activity.MessagesOut++
	c.session.Activity.LastOutboundAt = h.now()
	return true
}

// fanOut queues data on each listed connection. Every transport drains its
// own queue, so one slow or failed peer does not hold up the rest.
func (h *Hub) fanOut(ids []string, data []byte, exclude string) int {
	attempted := 0
	var failed []string
	for _, id := range ids {
		if id == exclude {
			continue
		}
		c, ok := h.conns[id]
		if !ok {
			continue
		}
		attempted++
		if !c.transport.Send(data) {
			failed = append(failed, id)
			continue
		}
		c.session.Activity.MessagesOut++
		c.session.Activity.LastOutboundAt = h.now()
	}

	for _, id := range failed {
		h.log.Warn().Str("connection_id", id).Msg("send failed, disconnecting")
		h.disconnect(id)
	}
	return attempted
}

func (h *Hub) allIDs() []string {
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	return ids
}

func (h *Hub) memberIDs(room string) []string {
	members := h.rooms[room]
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	return ids
}

// LockResource gives id the lock on resourceID within room. The caller must
// be a member of room and the resource must be unlocked.
func (h *Hub) LockResource(room, resourceID, id string) bool {
	var locked bool
	h.do(func() {
		if _, member := h.rooms[room][id]; !member {
			return
		}
		locks, ok := h.locks[room]
		if !ok {
			locks = make(map[string]string)
			h.locks[room] = locks
		}
		if _, held := locks[resourceID]; held {
			return
		}
		locks[resourceID] = id
		locked = true
	})
	return locked
}

// UnlockResource releases resourceID if id currently owns it.
func (h *Hub) UnlockResource(room, resourceID, id string) bool {
	var unlocked bool
	h.do(func() {
		locks := h.locks[room]
		if owner, ok := locks[resourceID]; !ok || owner != id {
			return
		}
		delete(locks, resourceID)
		if len(locks) == 0 {
			delete(h.locks, room)
		}
		unlocked = true
	})
	return unlocked
}

// RoomLocks returns resourceID -> owner for room.
func (h *Hub) RoomLocks(room string) map[string]string {
	out := make(map[string]string)
	h.do(func() {
		for resource, owner := range h.locks[room] {
			out[resource] = owner
		}
	})
	return out
}

// RoomMembers returns the sorted connection ids in room.
func (h *Hub) RoomMembers(room string) []string {
	var ids []string
	h.do(func() { ids = h.memberIDs(room) })
	sort.Strings(ids)
	return ids
}

// ConnectionRooms returns the sorted rooms a connection belongs to.
func (h *Hub) ConnectionRooms(id string) []string {
	var rooms []string
	h.do(func() {
		if c, ok := h.conns[id]; ok {
			rooms = roomList(c.session)
		}
	})
	return rooms
}

// IsConnected reports whether id is a live connection.
func (h *Hub) IsConnected(id string) bool {
	var ok bool
	h.do(func() { _, ok = h.conns[id] })
	return ok
}

// RoomReady returns a channel that is closed once room has a member. The
// channel is already closed if the room is occupied.
func (h *Hub) RoomReady(room string) <-chan struct{} {
	ch := make(chan struct{})
	ok := h.do(func() {
		if len(h.rooms[room]) > 0 {
			close(ch)
			return
		}
		h.waiters[room] = append(h.waiters[room], ch)
	})
	if !ok {
		return nil
	}
	return ch
}

// WaitRoom blocks until room has a member or ctx is done. It reports whether
// the room became occupied.
func (h *Hub) WaitRoom(ctx context.Context, room string) bool {
	ch := h.RoomReady(room)
	if ch == nil {
		return false
	}

	select {
	case <-ch:
		return true
	case <-ctx.Done():
		h.do(func() {
			waiters := h.waiters[room]
			for i, w := range waiters {
				if w == ch {
					waiters = append(waiters[:i], waiters[i+1:]...)
					break
				}
			}
			if len(waiters) == 0 {
				delete(h.waiters, room)
			} else {
				h.waiters[room] = waiters
			}
		})
		return false
	}
}

// SetUser records the identity of a connection.
func (h *Hub) SetUser(id string, user User) bool {
	var ok bool
	h.do(func() {
		var c *connection
		if c, ok = h.conns[id]; ok {
			u := user
			c.session.User = &u
		}
	})
	return ok
}

// SetMetadata merges client metadata into a connection's session.
func (h *Hub) SetMetadata(id string, metadata map[string]any) bool {
	var ok bool
	h.do(func() {
		var c *connection
		if c, ok = h.conns[id]; ok {
			for k, v := range metadata {
				c.session.Metadata[k] = v
			}
		}
	})
	return ok
}

// RecordInbound counts one message received from id.
func (h *Hub) RecordInbound(id string) {
	h.do(func() {
		if c, ok := h.conns[id]; ok {
			c.session.Activity.MessagesIn++
			c.session.Activity.LastInboundAt = h.now()
		}
	})
}

// Stats returns connection, room and session counts.
func (h *Hub) Stats() Stats {
	stats := Stats{
		Rooms:       make(map[string]int),
		Connections: make(map[string]ConnectionStats),
	}
	h.do(func() {
		stats.TotalConnections = len(h.conns)
		stats.TotalSessions = len(h.conns)
		stats.TotalRooms = len(h.rooms)
		for room, members := range h.rooms {
			stats.Rooms[room] = len(members)
		}
		for id, c := range h.conns {
			var user *User
			if c.session.User != nil {
				u := *c.session.User
				user = &u
			}
			stats.Connections[id] = ConnectionStats{
				ConnectedAt: c.session.ConnectedAt,
				Rooms:       roomList(c.session),
				User:        user,
				Activity:    c.session.Activity,
			}
		}
	})
	return stats
}

func roomList(s *Session) []string {
	rooms := make([]string, 0, len(s.Rooms))
	for room := range s.Rooms {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

func encode(msg any) ([]byte, error) {
	switch m := msg.(type) {
	case []byte:
		return m, nil
	case json.RawMessage:
		return m, nil
	default:
		return json.Marshal(msg)
	}
}

// mustMarshal encodes hub-built messages, which always marshal.
func mustMarshal(msg *Message) []byte {
	data, err := json.Marshal(msg)
	if err != nil {
		panic(err)
	}
	return data
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
