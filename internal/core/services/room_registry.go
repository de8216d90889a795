package services

import (
	"sync"
	"time"

	"streamgate/internal/core/domain"
	"streamgate/internal/core/ports"

	"go.uber.org/zap"
)

// room serializes all mutations of one room behind its own mutex, so traffic
// on one stream never contends with another. deleted marks a tombstone: a
// join that raced room deletion observes it and retries against a fresh room.
type room struct {
	mu      sync.Mutex
	id      domain.StreamID
	members map[domain.ConnectionID]*domain.Connection
	deleted bool
}

func newRoom(id domain.StreamID) *room {
	return &room{
		id:      id,
		members: make(map[domain.ConnectionID]*domain.Connection),
	}
}

// snapshotLocked builds a consistent membership view. Caller holds r.mu.
func (r *room) snapshotLocked() domain.RoomSnapshot {
	snap := domain.RoomSnapshot{
		StreamID:    r.id,
		Members:     len(r.members),
		Connections: make([]domain.ConnectionInfo, 0, len(r.members)),
	}
	for _, conn := range r.members {
		switch conn.Role {
		case domain.RoleBroadcaster:
			snap.Broadcasters++
		default:
			snap.Viewers++
		}
		snap.Connections = append(snap.Connections, domain.ConnectionInfo{
			ID:    conn.ID,
			Role:  conn.Role,
			State: conn.State,
		})
	}
	return snap
}

// RoomRegistry owns every signaling connection and room. Rooms are created
// lazily on first join and deleted when the last member leaves. A connection
// belongs to at most one room at a time; room references and membership sets
// stay bidirectionally consistent under concurrent joins, leaves and
// disconnects.
//
// Lock order is room.mu before registry.mu wherever both are held.
type RoomRegistry struct {
	sender ports.MessageSender
	logger *zap.SugaredLogger

	mu    sync.RWMutex
	conns map[domain.ConnectionID]*domain.Connection
	rooms map[domain.StreamID]*room
}

func NewRoomRegistry(sender ports.MessageSender, logger *zap.SugaredLogger) *RoomRegistry {
	return &RoomRegistry{
		sender: sender,
		logger: logger,
		conns:  make(map[domain.ConnectionID]*domain.Connection),
		rooms:  make(map[domain.StreamID]*room),
	}
}

// Register creates the connection record for a new transport session.
func (reg *RoomRegistry) Register(id domain.ConnectionID, userID domain.UserID) *domain.Connection {
	conn := &domain.Connection{
		ID:       id,
		UserID:   userID,
		Role:     domain.RoleViewer,
		State:    "new",
		JoinedAt: time.Now(),
	}

	reg.mu.Lock()
	reg.conns[id] = conn
	reg.mu.Unlock()

	return conn
}

// Connection returns a copy of the connection record.
func (reg *RoomRegistry) Connection(id domain.ConnectionID) (domain.Connection, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	conn, ok := reg.conns[id]
	if !ok {
		return domain.Connection{}, false
	}
	return *conn, true
}

// Join adds the connection to the room for streamID, creating the room if
// absent. Joining the room the connection is already in is idempotent;
// joining while a member of a different room fails.
func (reg *RoomRegistry) Join(id domain.ConnectionID, streamID domain.StreamID, role domain.Role, userID domain.UserID) (domain.RoomSnapshot, error) {
	for {
		reg.mu.Lock()
		conn, ok := reg.conns[id]
		if !ok {
			reg.mu.Unlock()
			return domain.RoomSnapshot{}, domain.ErrConnectionNotFound
		}
		if conn.Room == streamID {
			r := reg.rooms[streamID]
			reg.mu.Unlock()
			r.mu.Lock()
			snap := r.snapshotLocked()
			r.mu.Unlock()
			return snap, nil
		}
		if conn.Room != "" {
			reg.mu.Unlock()
			return domain.RoomSnapshot{}, domain.ErrAlreadyInDifferentRoom
		}
		r, ok := reg.rooms[streamID]
		if !ok {
			r = newRoom(streamID)
			reg.rooms[streamID] = r
		}
		reg.mu.Unlock()

		r.mu.Lock()
		if r.deleted {
			// Lost the race against room deletion; retry with a fresh room.
			r.mu.Unlock()
			continue
		}

		reg.mu.Lock()
		conn, ok = reg.conns[id]
		if !ok {
			reg.mu.Unlock()
			r.mu.Unlock()
			return domain.RoomSnapshot{}, domain.ErrConnectionNotFound
		}
		if conn.Room != "" {
			// Disconnect/rejoin race resolved elsewhere while we waited.
			joined := conn.Room
			reg.mu.Unlock()
			r.mu.Unlock()
			if joined == streamID {
				continue
			}
			return domain.RoomSnapshot{}, domain.ErrAlreadyInDifferentRoom
		}
		conn.Room = streamID
		conn.Role = role
		if userID != "" {
			conn.UserID = userID
		}
		reg.mu.Unlock()

		r.members[id] = conn
		snap := r.snapshotLocked()
		r.mu.Unlock()

		reg.NotifyRoom(streamID, id, domain.Event{
			Type:     domain.EventPeerJoined,
			From:     id,
			StreamID: streamID,
			UserID:   userID,
			Role:     role,
			Members:  snap.Members,
		})

		reg.logger.Infow("connection joined room",
			"connection_id", id,
			"stream_id", streamID,
			"role", role,
			"members", snap.Members,
		)
		return snap, nil
	}
}

// Leave removes the connection from its room. No-op when roomless.
func (reg *RoomRegistry) Leave(id domain.ConnectionID) {
	reg.evict(id, false)
}

// OnDisconnect is Leave triggered by transport closure: the vacated room is
// notified before removal completes, and double invocation is harmless.
// It returns the evicted room id, if any.
func (reg *RoomRegistry) OnDisconnect(id domain.ConnectionID) (domain.StreamID, bool) {
	evicted, ok := reg.evict(id, true)

	reg.mu.Lock()
	delete(reg.conns, id)
	reg.mu.Unlock()

	return evicted, ok
}

// SetState records the last reported transport lifecycle state.
func (reg *RoomRegistry) SetState(id domain.ConnectionID, state string) {
	reg.mu.Lock()
	if conn, ok := reg.conns[id]; ok {
		conn.State = state
	}
	reg.mu.Unlock()
}

// RoomStats returns a consistent snapshot of the room's membership.
func (reg *RoomRegistry) RoomStats(streamID domain.StreamID) (domain.RoomSnapshot, error) {
	reg.mu.RLock()
	r, ok := reg.rooms[streamID]
	reg.mu.RUnlock()
	if !ok {
		return domain.RoomSnapshot{}, domain.ErrRoomNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deleted {
		return domain.RoomSnapshot{}, domain.ErrRoomNotFound
	}
	return r.snapshotLocked(), nil
}

// Members lists the member connection ids of a room, excluding one id.
func (reg *RoomRegistry) Members(streamID domain.StreamID, exclude domain.ConnectionID) ([]domain.ConnectionID, error) {
	reg.mu.RLock()
	r, ok := reg.rooms[streamID]
	reg.mu.RUnlock()
	if !ok {
		return nil, domain.ErrRoomNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deleted {
		return nil, domain.ErrRoomNotFound
	}
	ids := make([]domain.ConnectionID, 0, len(r.members))
	for id := range r.members {
		if id != exclude {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// IsMember reports whether the connection is currently a member of the room.
func (reg *RoomRegistry) IsMember(streamID domain.StreamID, id domain.ConnectionID) bool {
	reg.mu.RLock()
	conn, ok := reg.conns[id]
	member := ok && conn.Room == streamID
	reg.mu.RUnlock()
	return member
}

// NotifyRoom implements ports.RoomNotifier for callers outside the registry.
func (reg *RoomRegistry) NotifyRoom(streamID domain.StreamID, exclude domain.ConnectionID, event domain.Event) {
	members, err := reg.Members(streamID, exclude)
	if err != nil {
		return
	}
	for _, member := range members {
		if err := reg.sender.Send(member, event); err != nil {
			reg.logger.Debugw("room notification dropped",
				"stream_id", streamID,
				"connection_id", member,
				"event", event.Type,
				"error", err,
			)
		}
	}
}

func (reg *RoomRegistry) evict(id domain.ConnectionID, notify bool) (domain.StreamID, bool) {
	reg.mu.RLock()
	conn, ok := reg.conns[id]
	var roomID domain.StreamID
	var r *room
	if ok {
		roomID = conn.Room
		r = reg.rooms[roomID]
	}
	reg.mu.RUnlock()

	if !ok || roomID == "" || r == nil {
		return "", false
	}

	r.mu.Lock()
	if _, member := r.members[id]; !member {
		// A concurrent evict already handled this connection.
		r.mu.Unlock()
		return "", false
	}

	if notify {
		// Peer-left reaches the room before the removal completes. Sends
		// only enqueue, so holding r.mu here stays cheap.
		event := domain.Event{
			Type:     domain.EventPeerLeft,
			From:     id,
			StreamID: roomID,
			UserID:   conn.UserID,
			Role:     conn.Role,
			Members:  len(r.members) - 1,
		}
		for member := range r.members {
			if member == id {
				continue
			}
			if err := reg.sender.Send(member, event); err != nil {
				reg.logger.Debugw("peer-left notification dropped",
					"stream_id", roomID,
					"connection_id", member,
					"error", err,
				)
			}
		}
	}

	delete(r.members, id)
	empty := len(r.members) == 0

	reg.mu.Lock()
	conn.Room = ""
	if empty {
		r.deleted = true
		delete(reg.rooms, roomID)
	}
	reg.mu.Unlock()
	r.mu.Unlock()

	reg.logger.Infow("connection left room",
		"connection_id", id,
		"stream_id", roomID,
		"room_deleted", empty,
	)
	return roomID, true
}

// ConnectionCount reports the number of registered transport sessions.
func (reg *RoomRegistry) ConnectionCount() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.conns)
}

// RoomCount reports the number of live rooms.
func (reg *RoomRegistry) RoomCount() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.rooms)
}
