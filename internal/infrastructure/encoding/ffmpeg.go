package encoding

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"streamgate/internal/core/domain"
	"streamgate/internal/core/ports"

	"go.uber.org/zap"
)

// FFmpegConfig tunes the external encoder invocation.
type FFmpegConfig struct {
	Binary         string
	Preset         string
	SegmentSeconds int
	ListSize       int
}

func DefaultFFmpegConfig() FFmpegConfig {
	return FFmpegConfig{
		Binary:         "ffmpeg",
		Preset:         "veryfast",
		SegmentSeconds: 4,
		ListSize:       6,
	}
}

// FFmpegDriver launches one ffmpeg process per quality variant, transcoding
// the ingest feed to segmented HLS output. It implements ports.EncodeDriver.
type FFmpegDriver struct {
	cfg    FFmpegConfig
	logger *zap.SugaredLogger
}

func NewFFmpegDriver(cfg FFmpegConfig, logger *zap.SugaredLogger) *FFmpegDriver {
	if cfg.Binary == "" {
		cfg.Binary = "ffmpeg"
	}
	if cfg.SegmentSeconds <= 0 {
		cfg.SegmentSeconds = 4
	}
	if cfg.ListSize <= 0 {
		cfg.ListSize = 6
	}
	return &FFmpegDriver{cfg: cfg, logger: logger}
}

// Start spawns the encode process. ctx bounds the launch only; the process
// lifetime belongs to the returned job.
func (d *FFmpegDriver) Start(ctx context.Context, input string, variant domain.QualityVariant, outputDir string) (ports.EncodeJob, error) {
	if strings.TrimSpace(input) == "" {
		return nil, fmt.Errorf("input source is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	absDir, err := filepath.Abs(outputDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, d.cfg.Binary, d.buildArgs(input, variant, absDir)...)
	cmd.Stderr = newProcessLogWriter(d.logger, variant.Name)
	cmd.Stdout = cmd.Stderr

	job := &ffmpegJob{
		variant: variant,
		cmd:     cmd,
		cancel:  cancel,
		events:  make(chan ports.EncodeEvent, 4),
		done:    make(chan struct{}),
	}

	job.events <- ports.EncodeEvent{State: ports.EncodeStarting}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("spawn %s: %w", d.cfg.Binary, err)
	}
	job.events <- ports.EncodeEvent{State: ports.EncodeRunning}

	d.logger.Infow("encode process started",
		"variant", variant.Name,
		"pid", cmd.Process.Pid,
		"output_dir", absDir,
	)

	go job.wait()
	return job, nil
}

func (d *FFmpegDriver) buildArgs(input string, v domain.QualityVariant, dir string) []string {
	return []string{
		"-hide_banner",
		"-y",
		"-i", input,
		"-vf", fmt.Sprintf("scale=%d:%d", v.Width, v.Height),
		"-c:v", "libx264",
		"-profile:v", v.Profile,
		"-level:v", v.Level,
		"-preset", d.cfg.Preset,
		"-b:v", fmt.Sprintf("%dk", v.VideoBitrate),
		"-maxrate", fmt.Sprintf("%dk", v.VideoBitrate),
		"-bufsize", fmt.Sprintf("%dk", v.VideoBitrate*2),
		"-r", strconv.Itoa(v.FrameRate),
		"-g", strconv.Itoa(v.FrameRate * 2),
		"-c:a", "aac",
		"-b:a", fmt.Sprintf("%dk", v.AudioBitrate),
		"-ar", "48000",
		"-f", "hls",
		"-hls_time", strconv.Itoa(d.cfg.SegmentSeconds),
		"-hls_list_size", strconv.Itoa(d.cfg.ListSize),
		"-hls_flags", "delete_segments+program_date_time",
		"-hls_segment_filename", filepath.ToSlash(filepath.Join(dir, "segment_%06d.ts")),
		filepath.ToSlash(filepath.Join(dir, "index.m3u8")),
	}
}

type ffmpegJob struct {
	variant domain.QualityVariant
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	events  chan ports.EncodeEvent
	done    chan struct{}

	terminal sync.Once

	mu            sync.Mutex
	stopRequested bool
}

func (j *ffmpegJob) Variant() domain.QualityVariant   { return j.variant }
func (j *ffmpegJob) Events() <-chan ports.EncodeEvent { return j.events }

// Stop asks the process to terminate cleanly, escalating to a kill when the
// context expires first.
func (j *ffmpegJob) Stop(ctx context.Context) error {
	j.mu.Lock()
	j.stopRequested = true
	j.mu.Unlock()

	if j.cmd.Process != nil {
		_ = j.cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		j.cancel()
		<-j.done
		return nil
	}
}

func (j *ffmpegJob) wait() {
	err := j.cmd.Wait()
	close(j.done)
	j.cancel()

	j.mu.Lock()
	deliberate := j.stopRequested
	j.mu.Unlock()

	j.terminal.Do(func() {
		switch {
		case deliberate:
			j.events <- ports.EncodeEvent{State: ports.EncodeStopped}
		case err != nil:
			j.events <- ports.EncodeEvent{State: ports.EncodeFailed, Err: err}
		default:
			// A live encode never finishes on its own; a clean exit means the
			// ingest feed went away.
			j.events <- ports.EncodeEvent{State: ports.EncodeFailed, Err: errors.New("encoder exited before stop was requested")}
		}
		close(j.events)
	})
}

// processLogWriter forwards the encoder's line-oriented output to the
// structured log.
type processLogWriter struct {
	logger  *zap.SugaredLogger
	variant string
	buf     []byte
}

func newProcessLogWriter(logger *zap.SugaredLogger, variant string) *processLogWriter {
	return &processLogWriter{logger: logger, variant: variant}
}

func (w *processLogWriter) Write(p []byte) (int, error) {
	total := len(p)
	w.buf = append(w.buf, p...)
	for {
		idx := -1
		for i, b := range w.buf {
			if b == '\n' || b == '\r' {
				idx = i
				break
			}
		}
		if idx == -1 {
			break
		}
		line := strings.TrimSpace(string(w.buf[:idx]))
		w.buf = w.buf[idx+1:]
		if line != "" {
			w.logger.Debugw("ffmpeg", "variant", w.variant, "line", line)
		}
	}
	return total, nil
}
