package services

import (
	"streamgate/internal/core/domain"
	"streamgate/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// SignalRouter relays signaling payloads between peers sharing a room. It
// holds no state of its own: membership and authorization come from the
// registry, delivery goes through the sender, so any number of router
// instances can sit in front of one registry.
type SignalRouter struct {
	registry *RoomRegistry
	sender   ports.MessageSender
	logger   *zap.SugaredLogger
}

func NewSignalRouter(registry *RoomRegistry, sender ports.MessageSender, logger *zap.SugaredLogger) *SignalRouter {
	return &SignalRouter{
		registry: registry,
		sender:   sender,
		logger:   logger,
	}
}

// RelayOffer forwards an SDP offer to the named target in the sender's room.
func (rt *SignalRouter) RelayOffer(from domain.ConnectionID, streamID domain.StreamID, target domain.ConnectionID, sdp webrtc.SessionDescription) error {
	return rt.relayTargeted(from, streamID, target, domain.Event{
		Type: domain.EventOffer,
		SDP:  &sdp,
	})
}

// RelayAnswer forwards an SDP answer to the named target in the sender's room.
func (rt *SignalRouter) RelayAnswer(from domain.ConnectionID, streamID domain.StreamID, target domain.ConnectionID, sdp webrtc.SessionDescription) error {
	return rt.relayTargeted(from, streamID, target, domain.Event{
		Type: domain.EventAnswer,
		SDP:  &sdp,
	})
}

// RelayICECandidate forwards a candidate to the named target, or to every
// other room member when no target is given.
func (rt *SignalRouter) RelayICECandidate(from domain.ConnectionID, streamID domain.StreamID, target domain.ConnectionID, candidate string) error {
	event := domain.Event{
		Type:      domain.EventICECandidate,
		Candidate: candidate,
	}
	if target != "" {
		return rt.relayTargeted(from, streamID, target, event)
	}
	return rt.relayBroadcast(from, streamID, event, domain.Role(""))
}

// RelayConnectionState republishes a transport state change to the room and
// records it on the sender's connection.
func (rt *SignalRouter) RelayConnectionState(from domain.ConnectionID, streamID domain.StreamID, state string) error {
	if err := rt.relayBroadcast(from, streamID, domain.Event{
		Type:  domain.EventConnectionState,
		State: state,
	}, domain.Role("")); err != nil {
		return err
	}
	rt.registry.SetState(from, state)
	return nil
}

// RelayBroadcastStart announces the stream going live. Broadcaster only.
func (rt *SignalRouter) RelayBroadcastStart(from domain.ConnectionID, streamID domain.StreamID) error {
	return rt.relayBroadcast(from, streamID, domain.Event{
		Type: domain.EventBroadcastStarted,
	}, domain.RoleBroadcaster)
}

// RelayBroadcastStop announces the stream ending. Broadcaster only.
func (rt *SignalRouter) RelayBroadcastStop(from domain.ConnectionID, streamID domain.StreamID) error {
	return rt.relayBroadcast(from, streamID, domain.Event{
		Type: domain.EventBroadcastStopped,
	}, domain.RoleBroadcaster)
}

// RelayQualityChange republishes a quality adjustment to the room.
func (rt *SignalRouter) RelayQualityChange(from domain.ConnectionID, streamID domain.StreamID, quality string) error {
	if _, ok := domain.VariantByName(quality); !ok {
		return domain.ErrUnknownVariant
	}
	return rt.relayBroadcast(from, streamID, domain.Event{
		Type:    domain.EventQualityChanged,
		Quality: quality,
	}, domain.Role(""))
}

// authorize verifies the sender's tracked room matches the room named in the
// request, and optionally its role. This is the cross-room leakage gate.
func (rt *SignalRouter) authorize(from domain.ConnectionID, streamID domain.StreamID, requiredRole domain.Role) (domain.Connection, error) {
	conn, ok := rt.registry.Connection(from)
	if !ok {
		return domain.Connection{}, domain.ErrConnectionNotFound
	}
	if streamID == "" || conn.Room != streamID {
		return domain.Connection{}, domain.ErrNotInRoom
	}
	if requiredRole != "" && conn.Role != requiredRole {
		rt.logger.Warnw("unauthorized signaling operation",
			"connection_id", from,
			"stream_id", streamID,
			"role", conn.Role,
			"required_role", requiredRole,
		)
		return domain.Connection{}, domain.ErrUnauthorizedRole
	}
	return conn, nil
}

func (rt *SignalRouter) relayTargeted(from domain.ConnectionID, streamID domain.StreamID, target domain.ConnectionID, event domain.Event) error {
	if _, err := rt.authorize(from, streamID, ""); err != nil {
		return err
	}

	targetConn, ok := rt.registry.Connection(target)
	if !ok {
		// Disconnect race: the target left between the sender composing the
		// message and us routing it. Not a protocol error.
		rt.logger.Debugw("relay target no longer connected",
			"from", from,
			"target", target,
			"stream_id", streamID,
			"event", event.Type,
		)
		return nil
	}
	if targetConn.Room != streamID {
		return domain.ErrNotInRoom
	}

	event.From = from
	event.StreamID = streamID
	if err := rt.sender.Send(target, event); err != nil {
		rt.logger.Debugw("relay send dropped",
			"from", from,
			"target", target,
			"event", event.Type,
			"error", err,
		)
	}
	return nil
}

func (rt *SignalRouter) relayBroadcast(from domain.ConnectionID, streamID domain.StreamID, event domain.Event, requiredRole domain.Role) error {
	if _, err := rt.authorize(from, streamID, requiredRole); err != nil {
		return err
	}

	event.From = from
	event.StreamID = streamID
	rt.registry.NotifyRoom(streamID, from, event)
	return nil
}
