package domain

import "github.com/pion/webrtc/v3"

// EventType tags outbound signaling events. The set is closed: transports
// reject anything they cannot map onto one of these.
type EventType string

const (
	EventWelcome          EventType = "welcome"
	EventRoomJoined       EventType = "room_joined"
	EventPeerJoined       EventType = "peer_joined"
	EventPeerLeft         EventType = "peer_left"
	EventOffer            EventType = "offer"
	EventAnswer           EventType = "answer"
	EventICECandidate     EventType = "ice_candidate"
	EventConnectionState  EventType = "connection_state"
	EventBroadcastStarted EventType = "broadcast_started"
	EventBroadcastStopped EventType = "broadcast_stopped"
	EventQualityChanged   EventType = "quality_changed"
	EventError            EventType = "error"
)

// Event is one outbound signaling message. Only the fields relevant to the
// event type are populated; everything else marshals away.
type Event struct {
	Type      EventType                  `json:"type"`
	From      ConnectionID               `json:"from,omitempty"`
	StreamID  StreamID                   `json:"stream_id,omitempty"`
	UserID    UserID                     `json:"user_id,omitempty"`
	Role      Role                       `json:"role,omitempty"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate string                     `json:"candidate,omitempty"`
	State     string                     `json:"state,omitempty"`
	Quality   string                     `json:"quality,omitempty"`
	Members   int                        `json:"members,omitempty"`
	Message   string                     `json:"message,omitempty"`
}
