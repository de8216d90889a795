package domain

import "time"

type StreamID string
type ConnectionID string
type UserID string

type Role string

const (
	RoleBroadcaster Role = "broadcaster"
	RoleViewer      Role = "viewer"
)

// Connection is one signaling transport session. It is created on transport
// connect, destroyed on disconnect, and owned exclusively by the room registry.
type Connection struct {
	ID       ConnectionID
	UserID   UserID
	Role     Role
	Room     StreamID // empty while not joined to any room
	State    string   // last reported transport lifecycle state
	JoinedAt time.Time
}

// ConnectionInfo is the per-connection slice of a room snapshot.
type ConnectionInfo struct {
	ID    ConnectionID `json:"id"`
	Role  Role         `json:"role"`
	State string       `json:"state"`
}

// RoomSnapshot is a consistent view of a room's membership.
type RoomSnapshot struct {
	StreamID     StreamID         `json:"stream_id"`
	Members      int              `json:"members"`
	Broadcasters int              `json:"broadcasters"`
	Viewers      int              `json:"viewers"`
	Connections  []ConnectionInfo `json:"connections"`
}
