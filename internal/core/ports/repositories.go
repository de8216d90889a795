package ports

import (
	"context"

	"streamgate/internal/core/domain"
)

// TelemetryStore keeps short-lived, TTL-bounded per-viewer rolling sample
// windows and per-stream viewer counters. It is never the source of truth;
// write failures are tolerated by callers.
type TelemetryStore interface {
	AppendSample(ctx context.Context, key domain.StreamKey, viewer domain.ViewerID, sample domain.NetworkSample) error
	RecentSamples(ctx context.Context, key domain.StreamKey, viewer domain.ViewerID, limit int) ([]domain.NetworkSample, error)
	TouchViewer(ctx context.Context, key domain.StreamKey, viewer domain.ViewerID) error
	ActiveViewers(ctx context.Context, key domain.StreamKey) (int, error)
	EvictStream(ctx context.Context, key domain.StreamKey) error
}

// SessionArchive records durable session and variant rows for post-hoc
// reporting. It is only touched off the hot path.
type SessionArchive interface {
	RecordSession(ctx context.Context, snap domain.SessionSnapshot) error
	RecordStop(ctx context.Context, key domain.StreamKey, state domain.SessionState) error
	Close(ctx context.Context) error
}

// ManifestStore persists adaptive-streaming manifests for a session and maps
// variants to their playlist locations.
type ManifestStore interface {
	WriteMaster(key domain.StreamKey, variants []domain.QualityVariant) (master string, playlists map[string]string, err error)
	Remove(key domain.StreamKey) error
}
