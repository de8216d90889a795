package ports

import (
	"context"

	"streamgate/internal/core/domain"
)

// MessageSender delivers an outbound signaling event to one connection.
// Implementations must not block: a slow or vanished consumer is dropped and
// logged, never allowed onto the relay's critical path. Delivery order per
// (sender, target) pair follows submission order.
type MessageSender interface {
	Send(id domain.ConnectionID, event domain.Event) error
}

// RoomNotifier receives room lifecycle fan-out from the registry.
type RoomNotifier interface {
	NotifyRoom(streamID domain.StreamID, exclude domain.ConnectionID, event domain.Event)
}

// QualityNotifier lets the ABR session manager announce recommendation
// changes without depending on the signaling transport.
type QualityNotifier interface {
	NotifyQualityChange(ctx context.Context, key domain.StreamKey, quality string, condition domain.Condition)
}

// EncodeMetrics receives encode lifecycle counters from the session manager.
type EncodeMetrics interface {
	RecordEncodeRestart(variant string)
	SetUnavailableVariants(key domain.StreamKey, n int)
}
