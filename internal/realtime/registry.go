package realtime

import (
	"strings"
	"sync"
	"time"

	"github.com/propsync/backend/internal/auth"
	apperrors "github.com/propsync/backend/internal/errors"
	"github.com/propsync/backend/internal/logging"
)

// Conn is the transport a connection sends on. The WebSocket layer adapts
// *websocket.Conn to this; tests substitute in-memory fakes.
type Conn interface {
	Send(data []byte) error
	Close() error
}

// Connection tracks one live authenticated connection.
type Connection struct {
	UserID        string
	Role          string
	PropertyID    string
	conn          Conn
	rooms         map[string]bool
	connectedAt   int64 // unix milliseconds
	lastHeartbeat int64 // unix milliseconds, zero until first heartbeat

	// Serializes writes so each user's messages are strictly ordered.
	writeMu sync.Mutex
}

// Registry owns all connection and room state. It is the sole mutator of
// both maps; other components only request sends and broadcasts.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection     // user id -> live connection
	rooms map[string]map[string]bool // room id -> member user ids
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*Connection),
		rooms: make(map[string]map[string]bool),
	}
}

// Connect registers a connection for an authenticated identity. Any prior
// connection for the same user is closed and replaced. The user is
// auto-subscribed by role and receives a connection_established ack.
func (r *Registry) Connect(ident auth.Identity, conn Conn) *Connection {
	now := time.Now().UnixMilli()

	c := &Connection{
		UserID:      ident.UserID,
		Role:        ident.Role,
		PropertyID:  ident.PropertyID,
		conn:        conn,
		rooms:       make(map[string]bool),
		connectedAt: now,
	}

	r.mu.Lock()
	if prior, ok := r.conns[ident.UserID]; ok {
		r.removeFromAllRoomsLocked(prior)
		prior.conn.Close()
		logging.Info("Replaced prior connection", map[string]interface{}{"user_id": ident.UserID})
	}
	r.conns[ident.UserID] = c

	// Role-based auto-subscription: global scope joins the global room,
	// property scope joins exactly its property room.
	if ident.GlobalScope() {
		r.joinRoomLocked(c, RoomGlobal)
	} else if ident.PropertyID != "" {
		r.joinRoomLocked(c, PropertyRoom(ident.PropertyID))
	}
	rooms := roomList(c.rooms)
	r.mu.Unlock()

	logging.Info("Connection established",
		map[string]interface{}{
			"user_id": ident.UserID,
			"role":    ident.Role,
			"rooms":   rooms,
		})

	r.SendToUser(ident.UserID, EventConnectionEstablished, map[string]interface{}{
		"user_id": ident.UserID,
		"role":    ident.Role,
		"rooms":   rooms,
	})

	return c
}

// Disconnect removes the user's connection and every room membership.
// Rooms left empty are deleted.
func (r *Registry) Disconnect(userID string) {
	r.mu.Lock()
	c, ok := r.conns[userID]
	if ok {
		r.removeFromAllRoomsLocked(c)
		delete(r.conns, userID)
	}
	r.mu.Unlock()

	if ok {
		c.conn.Close()
		logging.Info("Connection closed", map[string]interface{}{"user_id": userID})
	}
}

// Subscribe adds the user to a room after a permission check. A denied
// subscribe returns ErrPermission and leaves the connection open.
func (r *Registry) Subscribe(userID, roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[userID]
	if !ok {
		return apperrors.New(apperrors.ErrConnectionNotFound, "no live connection for user")
	}

	if err := canSubscribe(c, roomID); err != nil {
		logging.Warn("Room subscribe denied",
			map[string]interface{}{"user_id": userID, "room_id": roomID})
		return err
	}

	r.joinRoomLocked(c, roomID)
	return nil
}

// Unsubscribe removes the user from a room.
func (r *Registry) Unsubscribe(userID, roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[userID]
	if !ok {
		return apperrors.New(apperrors.ErrConnectionNotFound, "no live connection for user")
	}

	r.leaveRoomLocked(c, roomID)
	return nil
}

// canSubscribe is the room permission predicate: the global room requires
// global scope; a property room requires matching property scope (global
// scope may join any property room).
func canSubscribe(c *Connection, roomID string) error {
	globalScope := c.Role == auth.RoleAdmin

	if roomID == RoomGlobal {
		if !globalScope {
			return apperrors.New(apperrors.ErrPermission, "global room requires a global-scope role")
		}
		return nil
	}

	if propertyID, ok := strings.CutPrefix(roomID, "property-"); ok {
		if globalScope || c.PropertyID == propertyID {
			return nil
		}
		return apperrors.New(apperrors.ErrPermission, "room is scoped to another property")
	}

	return apperrors.New(apperrors.ErrPermission, "unknown room")
}

// Heartbeat records liveness for the user's connection and acks it.
func (r *Registry) Heartbeat(userID string) {
	r.mu.Lock()
	c, ok := r.conns[userID]
	if ok {
		c.lastHeartbeat = time.Now().UnixMilli()
	}
	r.mu.Unlock()

	if ok {
		r.SendToUser(userID, EventHeartbeatAck, map[string]interface{}{})
	}
}

// SendToUser delivers one sanitized event to a single user. Best-effort:
// a delivery failure cleans up the connection instead of propagating.
func (r *Registry) SendToUser(userID, eventType string, data map[string]interface{}) error {
	r.mu.RLock()
	c, ok := r.conns[userID]
	r.mu.RUnlock()

	if !ok {
		return apperrors.New(apperrors.ErrConnectionNotFound, "no live connection for user")
	}

	env := NewEnvelope(eventType, SanitizeData(data))
	payload, err := env.Marshal()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrBroadcastFailed, "failed to marshal envelope", err)
	}

	c.writeMu.Lock()
	err = c.conn.Send(payload)
	c.writeMu.Unlock()

	if err != nil {
		logging.Warn("Delivery failed, cleaning up connection",
			map[string]interface{}{"user_id": userID, "event": eventType, "error": err.Error()})
		r.Disconnect(userID)
		return apperrors.Wrap(apperrors.ErrBroadcastFailed, "delivery failed", err)
	}
	return nil
}

// BroadcastToRoom delivers an event to every current room member. Failed
// members are cleaned up by SendToUser after their send, so one bad
// connection never blocks delivery to the rest.
func (r *Registry) BroadcastToRoom(roomID, eventType string, data map[string]interface{}) {
	for _, userID := range r.RoomMembers(roomID) {
		r.SendToUser(userID, eventType, data)
	}
}

// BroadcastToUsers delivers an event to an explicit recipient list,
// skipping excludeUserID. Used for session-participant fanout.
func (r *Registry) BroadcastToUsers(userIDs []string, excludeUserID, eventType string, data map[string]interface{}) {
	for _, userID := range userIDs {
		if userID == excludeUserID {
			continue
		}
		r.SendToUser(userID, eventType, data)
	}
}

// RoomMembers returns a snapshot of the room's member ids.
func (r *Registry) RoomMembers(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[roomID]
	out := make([]string, 0, len(members))
	for userID := range members {
		out = append(out, userID)
	}
	return out
}

// UserRooms returns the rooms a user's live connection is subscribed to.
func (r *Registry) UserRooms(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[userID]
	if !ok {
		return nil
	}
	return roomList(c.rooms)
}

// IsConnected reports whether the user has a live connection.
func (r *Registry) IsConnected(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[userID]
	return ok
}

// SweepStale disconnects every connection whose last heartbeat (or connect
// time when no heartbeat was ever received) is older than the window.
// Returns the number of connections dropped.
func (r *Registry) SweepStale(window time.Duration) int {
	cutoff := time.Now().Add(-window).UnixMilli()

	r.mu.RLock()
	var stale []string
	for userID, c := range r.conns {
		last := c.lastHeartbeat
		if last == 0 {
			last = c.connectedAt
		}
		if last < cutoff {
			stale = append(stale, userID)
		}
	}
	r.mu.RUnlock()

	for _, userID := range stale {
		logging.Info("Disconnecting stale connection", map[string]interface{}{"user_id": userID})
		r.Disconnect(userID)
	}
	return len(stale)
}

// Stats returns connection and room counts.
func (r *Registry) Stats() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	roomSizes := make(map[string]int, len(r.rooms))
	for roomID, members := range r.rooms {
		roomSizes[roomID] = len(members)
	}
	return map[string]interface{}{
		"connections": len(r.conns),
		"rooms":       len(r.rooms),
		"room_sizes":  roomSizes,
	}
}

// joinRoomLocked adds c to a room, creating the room on first member.
// Caller holds r.mu.
func (r *Registry) joinRoomLocked(c *Connection, roomID string) {
	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]bool)
		r.rooms[roomID] = members
	}
	members[c.UserID] = true
	c.rooms[roomID] = true
}

// leaveRoomLocked removes c from a room, deleting the room when empty.
// Caller holds r.mu.
func (r *Registry) leaveRoomLocked(c *Connection, roomID string) {
	if members, ok := r.rooms[roomID]; ok {
		delete(members, c.UserID)
		if len(members) == 0 {
			delete(r.rooms, roomID)
		}
	}
	delete(c.rooms, roomID)
}

// removeFromAllRoomsLocked clears every room membership for c. Caller
// holds r.mu.
func (r *Registry) removeFromAllRoomsLocked(c *Connection) {
	for roomID := range c.rooms {
		r.leaveRoomLocked(c, roomID)
	}
}

func roomList(rooms map[string]bool) []string {
	out := make([]string, 0, len(rooms))
	for roomID := range rooms {
		out = append(out, roomID)
	}
	return out
}
