package services

import (
	"testing"

	"streamgate/internal/core/domain"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func routerFixture(t *testing.T) (*SignalRouter, *RoomRegistry, *capturingSender) {
	t.Helper()
	sender := newCapturingSender()
	registry := NewRoomRegistry(sender, zap.NewNop().Sugar())
	router := NewSignalRouter(registry, sender, zap.NewNop().Sugar())
	return router, registry, sender
}

func joinAs(t *testing.T, reg *RoomRegistry, id domain.ConnectionID, streamID domain.StreamID, role domain.Role) {
	t.Helper()
	reg.Register(id, domain.UserID("user-"+string(id)))
	_, err := reg.Join(id, streamID, role, "")
	require.NoError(t, err)
}

func offer() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}
}

func TestRelayOfferReachesTarget(t *testing.T) {
	router, reg, sender := routerFixture(t)
	joinAs(t, reg, "b1", "stream-1", domain.RoleBroadcaster)
	joinAs(t, reg, "v1", "stream-1", domain.RoleViewer)

	require.NoError(t, router.RelayOffer("b1", "stream-1", "v1", offer()))

	event, ok := sender.lastEvent("v1")
	require.True(t, ok)
	assert.Equal(t, domain.EventOffer, event.Type)
	assert.Equal(t, domain.ConnectionID("b1"), event.From)
	assert.Equal(t, domain.StreamID("stream-1"), event.StreamID)
	require.NotNil(t, event.SDP)
	assert.Equal(t, webrtc.SDPTypeOffer, event.SDP.Type)
}

func TestRelayRequiresMembership(t *testing.T) {
	router, reg, _ := routerFixture(t)
	reg.Register("outsider", "user-x")
	joinAs(t, reg, "v1", "stream-1", domain.RoleViewer)

	err := router.RelayOffer("outsider", "stream-1", "v1", offer())
	assert.ErrorIs(t, err, domain.ErrNotInRoom)
}

func TestRelayAcrossRoomsRejected(t *testing.T) {
	router, reg, sender := routerFixture(t)
	joinAs(t, reg, "a", "stream-1", domain.RoleViewer)
	joinAs(t, reg, "b", "stream-2", domain.RoleViewer)

	// Sender names its own room but a target living elsewhere.
	err := router.RelayOffer("a", "stream-1", "b", offer())
	assert.ErrorIs(t, err, domain.ErrNotInRoom)
	assert.Empty(t, sender.sent("b"))

	// Sender names the target's room it does not belong to.
	err = router.RelayOffer("a", "stream-2", "b", offer())
	assert.ErrorIs(t, err, domain.ErrNotInRoom)
	assert.Empty(t, sender.sent("b"))
}

func TestRelayToVanishedTargetIsSilent(t *testing.T) {
	router, reg, _ := routerFixture(t)
	joinAs(t, reg, "a", "stream-1", domain.RoleViewer)
	joinAs(t, reg, "b", "stream-1", domain.RoleViewer)
	reg.OnDisconnect("b")

	// Disconnect race, not a protocol error.
	assert.NoError(t, router.RelayAnswer("a", "stream-1", "b", offer()))
}

func TestRelayUnknownSender(t *testing.T) {
	router, _, _ := routerFixture(t)

	err := router.RelayOffer("ghost", "stream-1", "whoever", offer())
	assert.ErrorIs(t, err, domain.ErrConnectionNotFound)
}

func TestRelayICECandidateBroadcastsWithoutTarget(t *testing.T) {
	router, reg, sender := routerFixture(t)
	joinAs(t, reg, "a", "stream-1", domain.RoleBroadcaster)
	joinAs(t, reg, "b", "stream-1", domain.RoleViewer)
	joinAs(t, reg, "c", "stream-1", domain.RoleViewer)

	require.NoError(t, router.RelayICECandidate("a", "stream-1", "", "candidate:1 1 udp 2130706431 10.0.0.1 54321 typ host"))

	for _, id := range []domain.ConnectionID{"b", "c"} {
		event, ok := sender.lastEvent(id)
		require.True(t, ok, "member %s should receive the candidate", id)
		assert.Equal(t, domain.EventICECandidate, event.Type)
		assert.Equal(t, domain.ConnectionID("a"), event.From)
		assert.NotEmpty(t, event.Candidate)
	}
	// Never echoed to the sender.
	for _, event := range sender.sent("a") {
		assert.NotEqual(t, domain.EventICECandidate, event.Type)
	}
}

func TestBroadcastStartRequiresBroadcasterRole(t *testing.T) {
	router, reg, sender := routerFixture(t)
	joinAs(t, reg, "b1", "stream-1", domain.RoleBroadcaster)
	joinAs(t, reg, "v1", "stream-1", domain.RoleViewer)

	err := router.RelayBroadcastStart("v1", "stream-1")
	assert.ErrorIs(t, err, domain.ErrUnauthorizedRole)
	for _, event := range sender.sent("b1") {
		assert.NotEqual(t, domain.EventBroadcastStarted, event.Type)
	}

	require.NoError(t, router.RelayBroadcastStart("b1", "stream-1"))
	event, ok := sender.lastEvent("v1")
	require.True(t, ok)
	assert.Equal(t, domain.EventBroadcastStarted, event.Type)

	require.NoError(t, router.RelayBroadcastStop("b1", "stream-1"))
	event, ok = sender.lastEvent("v1")
	require.True(t, ok)
	assert.Equal(t, domain.EventBroadcastStopped, event.Type)
}

func TestRelayConnectionStateUpdatesRegistry(t *testing.T) {
	router, reg, sender := routerFixture(t)
	joinAs(t, reg, "a", "stream-1", domain.RoleBroadcaster)
	joinAs(t, reg, "b", "stream-1", domain.RoleViewer)

	require.NoError(t, router.RelayConnectionState("a", "stream-1", "connected"))

	conn, ok := reg.Connection("a")
	require.True(t, ok)
	assert.Equal(t, "connected", conn.State)

	event, found := sender.lastEvent("b")
	require.True(t, found)
	assert.Equal(t, domain.EventConnectionState, event.Type)
	assert.Equal(t, "connected", event.State)
}

func TestRelayQualityChangeValidatesVariant(t *testing.T) {
	router, reg, sender := routerFixture(t)
	joinAs(t, reg, "a", "stream-1", domain.RoleBroadcaster)
	joinAs(t, reg, "b", "stream-1", domain.RoleViewer)

	assert.ErrorIs(t, router.RelayQualityChange("a", "stream-1", "4320p"), domain.ErrUnknownVariant)

	require.NoError(t, router.RelayQualityChange("a", "stream-1", "720p"))
	event, ok := sender.lastEvent("b")
	require.True(t, ok)
	assert.Equal(t, domain.EventQualityChanged, event.Type)
	assert.Equal(t, "720p", event.Quality)
}
