package encoding

import (
	"context"
	"testing"
	"time"

	"streamgate/internal/core/domain"
	"streamgate/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testVariant() domain.QualityVariant {
	return domain.QualityVariant{
		Name: "720p", Width: 1280, Height: 720,
		VideoBitrate: 2800, AudioBitrate: 128,
		FrameRate: 30, Profile: "high", Level: "4.0",
	}
}

func TestBuildArgs(t *testing.T) {
	d := NewFFmpegDriver(DefaultFFmpegConfig(), zap.NewNop().Sugar())

	args := d.buildArgs("rtmp://ingest/stream-1", testVariant(), "/tmp/out/720p")

	assert.Contains(t, args, "rtmp://ingest/stream-1")
	assert.Contains(t, args, "scale=1280:720")
	assert.Contains(t, args, "2800k")
	assert.Contains(t, args, "128k")
	assert.Contains(t, args, "high")
	assert.Contains(t, args, "hls")
	assert.Contains(t, args, "/tmp/out/720p/index.m3u8")
	assert.Contains(t, args, "/tmp/out/720p/segment_%06d.ts")

	// Rolling live window, not VOD.
	assert.Contains(t, args, "delete_segments+program_date_time")
}

func TestStartRejectsEmptyInput(t *testing.T) {
	d := NewFFmpegDriver(DefaultFFmpegConfig(), zap.NewNop().Sugar())

	_, err := d.Start(context.Background(), "  ", testVariant(), t.TempDir())
	assert.Error(t, err)
}

func TestStartRejectsCancelledContext(t *testing.T) {
	d := NewFFmpegDriver(DefaultFFmpegConfig(), zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.Start(ctx, "rtmp://ingest/stream-1", testVariant(), t.TempDir())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStartMissingBinary(t *testing.T) {
	cfg := DefaultFFmpegConfig()
	cfg.Binary = "definitely-not-an-encoder"
	d := NewFFmpegDriver(cfg, zap.NewNop().Sugar())

	_, err := d.Start(context.Background(), "rtmp://ingest/stream-1", testVariant(), t.TempDir())
	assert.Error(t, err)
}

func TestCrashedProcessEmitsFailedEvent(t *testing.T) {
	cfg := DefaultFFmpegConfig()
	// A stand-in binary that ignores its arguments and exits nonzero.
	cfg.Binary = "false"
	d := NewFFmpegDriver(cfg, zap.NewNop().Sugar())

	job, err := d.Start(context.Background(), "rtmp://ingest/stream-1", testVariant(), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "720p", job.Variant().Name)

	states := collectStates(t, job, 3)
	assert.Equal(t, []ports.EncodeState{ports.EncodeStarting, ports.EncodeRunning, ports.EncodeFailed}, states)
}

func TestStopAfterExitIsHarmless(t *testing.T) {
	cfg := DefaultFFmpegConfig()
	cfg.Binary = "false"
	d := NewFFmpegDriver(cfg, zap.NewNop().Sugar())

	job, err := d.Start(context.Background(), "rtmp://ingest/stream-1", testVariant(), t.TempDir())
	require.NoError(t, err)

	collectStates(t, job, 3)
	assert.NoError(t, job.Stop(context.Background()))
	assert.NoError(t, job.Stop(context.Background()))
}

func collectStates(t *testing.T, job ports.EncodeJob, n int) []ports.EncodeState {
	t.Helper()
	states := make([]ports.EncodeState, 0, n)
	timeout := time.After(5 * time.Second)
	for len(states) < n {
		select {
		case ev, ok := <-job.Events():
			if !ok {
				return states
			}
			states = append(states, ev.State)
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %v", states)
		}
	}
	return states
}

func TestProcessLogWriterSplitsLines(t *testing.T) {
	core := zap.NewNop().Sugar()
	w := newProcessLogWriter(core, "480p")

	chunk := []byte("frame=  100 fps= 30\npartial")
	n, err := w.Write(chunk)
	require.NoError(t, err)
	assert.Equal(t, len(chunk), n)
	assert.Equal(t, "partial", string(w.buf))

	_, err = w.Write([]byte(" line\r\n"))
	require.NoError(t, err)
	assert.Empty(t, w.buf)
}
