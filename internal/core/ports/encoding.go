package ports

import (
	"context"

	"streamgate/internal/core/domain"
)

// EncodeState names the phases of one external encode process.
type EncodeState string

const (
	EncodeStarting EncodeState = "starting"
	EncodeRunning  EncodeState = "running"
	EncodeFailed   EncodeState = "failed"
	EncodeStopped  EncodeState = "stopped"
)

// EncodeEvent is one lifecycle transition of an encode job. Err is set only
// for EncodeFailed.
type EncodeEvent struct {
	State EncodeState
	Err   error
}

// EncodeJob is a running segmented-output encode process for one variant.
// Events delivers lifecycle transitions in order and is closed after the
// terminal event (failed or stopped). Stop requests graceful termination and
// falls back to a hard kill; it is safe to call more than once.
type EncodeJob interface {
	Variant() domain.QualityVariant
	Events() <-chan EncodeEvent
	Stop(ctx context.Context) error
}

// EncodeDriver launches encode jobs. The production driver shells out to
// ffmpeg; tests substitute a fake.
type EncodeDriver interface {
	Start(ctx context.Context, input string, variant domain.QualityVariant, outputDir string) (EncodeJob, error)
}
