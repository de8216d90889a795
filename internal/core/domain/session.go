package domain

import "time"

type StreamKey string
type SessionID string
type ViewerID string

type SessionState string

const (
	SessionInitializing SessionState = "initializing"
	SessionEncoding     SessionState = "encoding"
	SessionDegraded     SessionState = "degraded"
	SessionStopped      SessionState = "stopped"
)

// QualityVariant is an immutable encoding configuration for one rung of the
// adaptive-bitrate ladder. The ladder is fixed at startup; variants are never
// created or destroyed at runtime.
type QualityVariant struct {
	Name         string
	Width        int
	Height       int
	VideoBitrate int // kbps
	AudioBitrate int // kbps
	FrameRate    int
	Profile      string
	Level        string
}

// Bandwidth returns the manifest BANDWIDTH attribute in bits per second
// (video plus audio bitrate).
func (v QualityVariant) Bandwidth() int {
	return (v.VideoBitrate + v.AudioBitrate) * 1000
}

// DefaultLadder is the fixed set of quality variants, lowest first.
func DefaultLadder() []QualityVariant {
	return []QualityVariant{
		{Name: "240p", Width: 426, Height: 240, VideoBitrate: 400, AudioBitrate: 64, FrameRate: 30, Profile: "baseline", Level: "3.0"},
		{Name: "360p", Width: 640, Height: 360, VideoBitrate: 800, AudioBitrate: 96, FrameRate: 30, Profile: "main", Level: "3.1"},
		{Name: "480p", Width: 854, Height: 480, VideoBitrate: 1400, AudioBitrate: 128, FrameRate: 30, Profile: "main", Level: "3.1"},
		{Name: "720p", Width: 1280, Height: 720, VideoBitrate: 2800, AudioBitrate: 128, FrameRate: 30, Profile: "high", Level: "4.0"},
		{Name: "1080p", Width: 1920, Height: 1080, VideoBitrate: 5000, AudioBitrate: 192, FrameRate: 30, Profile: "high", Level: "4.2"},
	}
}

// VariantByName looks a variant up in the default ladder.
func VariantByName(name string) (QualityVariant, bool) {
	for _, v := range DefaultLadder() {
		if v.Name == name {
			return v, true
		}
	}
	return QualityVariant{}, false
}

// SessionSnapshot is a point-in-time view of a quality session, safe to hand
// to callers without exposing internal state.
type SessionSnapshot struct {
	ID                  SessionID
	StreamKey           StreamKey
	State               SessionState
	Variants            []string // variant names currently offered, lowest first
	UnavailableVariants []string
	RecommendedQuality  string
	Condition           Condition
	ActiveViewers       int
	ManifestPath        string
	PlaylistPaths       map[string]string
	CreatedAt           time.Time
}
