package services

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"streamgate/internal/core/domain"
	"streamgate/internal/core/ports"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ABRConfig tunes the ABR session manager.
type ABRConfig struct {
	Ladder           []domain.QualityVariant
	OutputRoot       string
	WindowSize       int           // rolling samples kept per viewer
	HoldTime         time.Duration // minimum time between recommendation switches
	TelemetryTimeout time.Duration // bound on best-effort telemetry writes
	StopTimeout      time.Duration // bound on graceful encode-job shutdown
	RestartBackoff   time.Duration // delay before the single automatic restart
	FailureWindow    time.Duration // two crashes inside this window kill the variant
}

func DefaultABRConfig() ABRConfig {
	return ABRConfig{
		Ladder:           domain.DefaultLadder(),
		OutputRoot:       "./media",
		WindowSize:       20,
		HoldTime:         10 * time.Second,
		TelemetryTimeout: 2 * time.Second,
		StopTimeout:      10 * time.Second,
		RestartBackoff:   2 * time.Second,
		FailureWindow:    30 * time.Second,
	}
}

// variantJob tracks one encode process and its restart budget.
type variantJob struct {
	variant  domain.QualityVariant
	job      ports.EncodeJob
	restarts int
	lastExit time.Time
}

type abrSession struct {
	mu sync.Mutex

	id        domain.SessionID
	key       domain.StreamKey
	input     string
	state     domain.SessionState
	createdAt time.Time

	manifestPath string
	playlists    map[string]string

	jobs        map[string]*variantJob // healthy variants only
	unavailable []string

	recommended string
	condition   domain.Condition
	lastSwitch  time.Time
	windows     map[domain.ViewerID][]domain.NetworkSample

	stopping bool
	cancel   context.CancelFunc
}

// InitializeResult reports which ladder rungs came up. Started is never
// empty on success; Failed lists variants whose encode job would not launch.
type InitializeResult struct {
	Session domain.SessionSnapshot
	Started []string
	Failed  []string
}

// ABRService owns one encoding session per live stream: it launches and
// supervises one encode job per quality variant, maintains the variant
// manifest, and turns viewer telemetry into per-stream quality
// recommendations.
//
// Session state machine: initializing -> encoding -> (degraded | stopped).
// A variant crash is retried once with backoff; a second crash within the
// failure window retires that variant for the rest of the session.
type ABRService struct {
	driver     ports.EncodeDriver
	manifests  ports.ManifestStore
	telemetry  ports.TelemetryStore
	archive    ports.SessionArchive  // optional
	notifier   ports.QualityNotifier // optional
	metrics    ports.EncodeMetrics   // optional
	classifier *NetworkClassifier
	logger     *zap.SugaredLogger
	cfg        ABRConfig

	mu       sync.RWMutex
	sessions map[domain.StreamKey]*abrSession
}

func NewABRService(
	driver ports.EncodeDriver,
	manifests ports.ManifestStore,
	telemetry ports.TelemetryStore,
	archive ports.SessionArchive,
	notifier ports.QualityNotifier,
	metrics ports.EncodeMetrics,
	classifier *NetworkClassifier,
	cfg ABRConfig,
	logger *zap.SugaredLogger,
) *ABRService {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultABRConfig().WindowSize
	}
	if len(cfg.Ladder) == 0 {
		cfg.Ladder = domain.DefaultLadder()
	}
	return &ABRService{
		driver:     driver,
		manifests:  manifests,
		telemetry:  telemetry,
		archive:    archive,
		notifier:   notifier,
		metrics:    metrics,
		classifier: classifier,
		logger:     logger,
		cfg:        cfg,
		sessions:   make(map[domain.StreamKey]*abrSession),
	}
}

// Initialize launches one encode job per ladder variant in parallel and
// persists the master manifest covering every variant that started. Variants
// that fail to launch are reported back rather than failing the session;
// only a session with zero healthy variants returns ErrEncodeStartFailure,
// after tearing down anything partially started.
func (s *ABRService) Initialize(ctx context.Context, key domain.StreamKey, input string) (*InitializeResult, error) {
	sess := &abrSession{
		id:        domain.SessionID(uuid.NewString()),
		key:       key,
		input:     input,
		state:     domain.SessionInitializing,
		createdAt: time.Now(),
		jobs:      make(map[string]*variantJob),
		playlists: make(map[string]string),
		windows:   make(map[domain.ViewerID][]domain.NetworkSample),
	}
	superviseCtx, cancel := context.WithCancel(context.Background())
	sess.cancel = cancel

	s.mu.Lock()
	if _, exists := s.sessions[key]; exists {
		s.mu.Unlock()
		cancel()
		return nil, domain.ErrSessionExists
	}
	// Registered before the jobs launch so Stop can tear down a session
	// whose initialization never completed.
	s.sessions[key] = sess
	s.mu.Unlock()

	// Jobs outlive Initialize, so they launch on the session's supervise
	// context rather than the request context.
	var failed []string
	var g errgroup.Group
	for _, variant := range s.cfg.Ladder {
		variant := variant
		g.Go(func() error {
			outputDir := filepath.Join(s.cfg.OutputRoot, string(key), variant.Name)
			job, err := s.driver.Start(superviseCtx, input, variant, outputDir)

			sess.mu.Lock()
			defer sess.mu.Unlock()
			if err != nil {
				failed = append(failed, variant.Name)
				s.logger.Warnw("encode job failed to launch",
					"stream_key", key,
					"variant", variant.Name,
					"error", err,
				)
				return nil
			}
			sess.jobs[variant.Name] = &variantJob{variant: variant, job: job}
			return nil
		})
	}
	g.Wait()

	sess.mu.Lock()
	if sess.stopping {
		// Stop raced initialization: it drained whatever jobs had been
		// added by then, so only the ones launched after its teardown
		// remain here.
		sess.mu.Unlock()
		s.teardown(context.Background(), sess)
		cancel()
		return nil, fmt.Errorf("%w: session stopped during initialization", domain.ErrSessionNotFound)
	}
	if len(sess.jobs) == 0 {
		sess.mu.Unlock()
		s.removeSession(key)
		cancel()
		return nil, fmt.Errorf("%w: all %d variants failed", domain.ErrEncodeStartFailure, len(s.cfg.Ladder))
	}
	started := s.healthyVariantsLocked(sess)
	sess.unavailable = append([]string(nil), failed...)
	sess.mu.Unlock()

	master, playlists, err := s.manifests.WriteMaster(key, started)
	if err != nil {
		s.teardown(context.Background(), sess)
		s.removeSession(key)
		return nil, fmt.Errorf("write master manifest: %w", err)
	}

	sess.mu.Lock()
	if sess.stopping {
		sess.mu.Unlock()
		s.teardown(context.Background(), sess)
		if err := s.manifests.Remove(key); err != nil {
			s.logger.Warnw("manifest removal failed", "stream_key", key, "error", err)
		}
		return nil, fmt.Errorf("%w: session stopped during initialization", domain.ErrSessionNotFound)
	}
	sess.manifestPath = master
	sess.playlists = playlists
	sess.state = domain.SessionEncoding
	// Conservative start: recommend the lowest healthy rung until telemetry
	// argues for more.
	sess.recommended = started[0].Name
	sess.condition = domain.ConditionFair
	sess.lastSwitch = time.Now()
	jobs := make([]*variantJob, 0, len(sess.jobs))
	for _, vj := range sess.jobs {
		jobs = append(jobs, vj)
	}
	snap := s.snapshotLocked(sess)
	sess.mu.Unlock()

	for _, vj := range jobs {
		go s.supervise(superviseCtx, sess, vj)
	}

	s.archiveSession(snap)

	s.logger.Infow("abr session initialized",
		"stream_key", key,
		"session_id", sess.id,
		"variants", snap.Variants,
		"failed_variants", failed,
	)

	startedNames := make([]string, len(started))
	for i, v := range started {
		startedNames[i] = v.Name
	}
	sort.Strings(failed)
	return &InitializeResult{Session: snap, Started: startedNames, Failed: failed}, nil
}

// RecordTelemetry stores the sample in the viewer's rolling window,
// classifies it and returns the session's current recommendation. Telemetry
// persistence is best-effort behind a bounded timeout; failures are logged
// and swallowed.
func (s *ABRService) RecordTelemetry(ctx context.Context, key domain.StreamKey, viewer domain.ViewerID, sample domain.NetworkSample) (domain.TelemetryResult, error) {
	sess, ok := s.session(key)
	if !ok {
		return domain.TelemetryResult{}, domain.ErrSessionNotFound
	}

	condition, recommended := s.classifier.Classify(sample)

	sess.mu.Lock()
	window := append(sess.windows[viewer], sample)
	if len(window) > s.cfg.WindowSize {
		window = window[len(window)-s.cfg.WindowSize:]
	}
	sess.windows[viewer] = window
	sess.condition = condition

	changed := false
	target := s.clampToOfferedLocked(sess, recommended)
	if target != sess.recommended && time.Since(sess.lastSwitch) >= s.cfg.HoldTime {
		sess.recommended = target
		sess.lastSwitch = time.Now()
		changed = true
	}
	current := sess.recommended
	sess.mu.Unlock()

	storeCtx, cancelStore := context.WithTimeout(ctx, s.cfg.TelemetryTimeout)
	defer cancelStore()
	if err := s.telemetry.AppendSample(storeCtx, key, viewer, sample); err != nil {
		s.logger.Warnw("telemetry sample not persisted", "stream_key", key, "viewer_id", viewer, "error", err)
	}
	if err := s.telemetry.TouchViewer(storeCtx, key, viewer); err != nil {
		s.logger.Warnw("viewer counter not persisted", "stream_key", key, "viewer_id", viewer, "error", err)
	}

	if changed {
		s.logger.Infow("quality recommendation changed",
			"stream_key", key,
			"quality", current,
			"condition", condition,
		)
		if s.notifier != nil {
			s.notifier.NotifyQualityChange(ctx, key, current, condition)
		}
	}

	return domain.TelemetryResult{
		CurrentQuality:     current,
		RecommendedQuality: recommended,
		Condition:          condition,
	}, nil
}

// Stop terminates every encode job for the session (graceful, then a hard
// kill after the stop timeout), removes the session and evicts its
// short-lived metrics. Safe to call even if initialization never completed.
func (s *ABRService) Stop(ctx context.Context, key domain.StreamKey) error {
	s.mu.Lock()
	sess, ok := s.sessions[key]
	if ok {
		delete(s.sessions, key)
	}
	s.mu.Unlock()
	if !ok {
		return domain.ErrSessionNotFound
	}

	sess.mu.Lock()
	sess.stopping = true
	sess.state = domain.SessionStopped
	sess.cancel()
	sess.mu.Unlock()

	s.teardown(ctx, sess)

	evictCtx, cancelEvict := context.WithTimeout(context.Background(), s.cfg.TelemetryTimeout)
	defer cancelEvict()
	if err := s.telemetry.EvictStream(evictCtx, key); err != nil {
		s.logger.Warnw("telemetry eviction failed", "stream_key", key, "error", err)
	}
	if err := s.manifests.Remove(key); err != nil {
		s.logger.Warnw("manifest removal failed", "stream_key", key, "error", err)
	}
	s.archiveStop(key, domain.SessionStopped)

	s.logger.Infow("abr session stopped", "stream_key", key, "session_id", sess.id)
	return nil
}

// GetAnalytics returns a point-in-time snapshot of the session.
func (s *ABRService) GetAnalytics(key domain.StreamKey) (domain.SessionSnapshot, error) {
	sess, ok := s.session(key)
	if !ok {
		return domain.SessionSnapshot{}, domain.ErrSessionNotFound
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	return s.snapshotLocked(sess), nil
}

// supervise consumes one job's lifecycle events until a terminal state.
func (s *ABRService) supervise(ctx context.Context, sess *abrSession, vj *variantJob) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-vj.job.Events():
			if !open {
				return
			}
			switch ev.State {
			case ports.EncodeRunning:
				s.logger.Debugw("encode job running",
					"stream_key", sess.key,
					"variant", vj.variant.Name,
				)
			case ports.EncodeStopped:
				// Deliberate shutdown; nothing to supervise.
				return
			case ports.EncodeFailed:
				s.handleVariantExit(ctx, sess, vj, ev.Err)
				return
			}
		}
	}
}

// handleVariantExit applies the retry-once-then-retire policy for a crashed
// encode job.
func (s *ABRService) handleVariantExit(ctx context.Context, sess *abrSession, vj *variantJob, cause error) {
	sess.mu.Lock()
	if sess.stopping {
		sess.mu.Unlock()
		return
	}
	now := time.Now()
	repeat := vj.restarts > 0 && now.Sub(vj.lastExit) <= s.cfg.FailureWindow
	vj.lastExit = now
	if !repeat {
		vj.restarts++
	}
	sess.mu.Unlock()

	if repeat {
		s.logger.Warnw("variant crashed twice within failure window, retiring it",
			"stream_key", sess.key,
			"variant", vj.variant.Name,
			"error", cause,
		)
		s.retireVariant(sess, vj.variant.Name)
		return
	}

	s.logger.Warnw("encode job exited, restarting once",
		"stream_key", sess.key,
		"variant", vj.variant.Name,
		"backoff", s.cfg.RestartBackoff,
		"error", cause,
	)
	if s.metrics != nil {
		s.metrics.RecordEncodeRestart(vj.variant.Name)
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(s.cfg.RestartBackoff):
	}

	outputDir := filepath.Join(s.cfg.OutputRoot, string(sess.key), vj.variant.Name)
	job, err := s.driver.Start(ctx, sess.input, vj.variant, outputDir)
	if err != nil {
		s.logger.Warnw("variant restart failed, retiring it",
			"stream_key", sess.key,
			"variant", vj.variant.Name,
			"error", err,
		)
		s.retireVariant(sess, vj.variant.Name)
		return
	}

	sess.mu.Lock()
	if sess.stopping {
		sess.mu.Unlock()
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.StopTimeout)
		defer cancel()
		job.Stop(stopCtx)
		return
	}
	vj.job = job
	sess.mu.Unlock()

	s.supervise(ctx, sess, vj)
}

// retireVariant marks a variant permanently unavailable, rewrites the
// manifest so viewers are never offered a broken rung, and moves the session
// to degraded, or stopped when nothing healthy remains.
func (s *ABRService) retireVariant(sess *abrSession, name string) {
	sess.mu.Lock()
	if sess.stopping {
		sess.mu.Unlock()
		return
	}
	delete(sess.jobs, name)
	sess.unavailable = append(sess.unavailable, name)
	remaining := s.healthyVariantsLocked(sess)
	if s.metrics != nil {
		s.metrics.SetUnavailableVariants(sess.key, len(sess.unavailable))
	}

	if len(remaining) == 0 {
		sess.state = domain.SessionStopped
		sess.stopping = true
		sess.cancel()
		sess.mu.Unlock()

		s.removeSession(sess.key)
		if err := s.manifests.Remove(sess.key); err != nil {
			s.logger.Warnw("manifest removal failed", "stream_key", sess.key, "error", err)
		}
		evictCtx, cancel := context.WithTimeout(context.Background(), s.cfg.TelemetryTimeout)
		defer cancel()
		if err := s.telemetry.EvictStream(evictCtx, sess.key); err != nil {
			s.logger.Warnw("telemetry eviction failed", "stream_key", sess.key, "error", err)
		}
		s.archiveStop(sess.key, domain.SessionStopped)
		s.logger.Warnw("last healthy variant exited, session stopped", "stream_key", sess.key)
		return
	}

	sess.state = domain.SessionDegraded
	if _, offered := sess.jobs[sess.recommended]; !offered {
		// Serve the best surviving rung instead of a broken one.
		sess.recommended = remaining[len(remaining)-1].Name
		sess.lastSwitch = time.Now()
	}
	sess.mu.Unlock()

	master, playlists, err := s.manifests.WriteMaster(sess.key, remaining)
	if err != nil {
		s.logger.Errorw("manifest rewrite failed after variant loss",
			"stream_key", sess.key,
			"variant", name,
			"error", err,
		)
		return
	}

	sess.mu.Lock()
	sess.manifestPath = master
	sess.playlists = playlists
	sess.mu.Unlock()
}

func (s *ABRService) session(key domain.StreamKey) (*abrSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[key]
	return sess, ok
}

func (s *ABRService) removeSession(key domain.StreamKey) {
	s.mu.Lock()
	delete(s.sessions, key)
	s.mu.Unlock()
}

// SessionCount reports the number of active encoding sessions.
func (s *ABRService) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// teardown stops every job the session still owns, in parallel, bounded by
// the stop timeout.
func (s *ABRService) teardown(ctx context.Context, sess *abrSession) {
	sess.mu.Lock()
	jobs := make([]ports.EncodeJob, 0, len(sess.jobs))
	for _, vj := range sess.jobs {
		jobs = append(jobs, vj.job)
	}
	sess.jobs = make(map[string]*variantJob)
	sess.mu.Unlock()

	stopCtx, cancel := context.WithTimeout(ctx, s.cfg.StopTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(job ports.EncodeJob) {
			defer wg.Done()
			if err := job.Stop(stopCtx); err != nil {
				s.logger.Warnw("encode job stop failed",
					"stream_key", sess.key,
					"variant", job.Variant().Name,
					"error", err,
				)
			}
		}(job)
	}
	wg.Wait()
}

// healthyVariantsLocked returns the still-offered variants in ladder order.
// Caller holds sess.mu.
func (s *ABRService) healthyVariantsLocked(sess *abrSession) []domain.QualityVariant {
	out := make([]domain.QualityVariant, 0, len(sess.jobs))
	for _, v := range s.cfg.Ladder {
		if _, ok := sess.jobs[v.Name]; ok {
			out = append(out, v)
		}
	}
	return out
}

// clampToOfferedLocked maps a classifier recommendation onto the best
// variant the session still offers. Caller holds sess.mu.
func (s *ABRService) clampToOfferedLocked(sess *abrSession, recommended string) string {
	if _, ok := sess.jobs[recommended]; ok {
		return recommended
	}
	// Walk down the ladder from the recommended rung, then settle for the
	// best rung offered at all.
	idx := len(s.cfg.Ladder) - 1
	for i, v := range s.cfg.Ladder {
		if v.Name == recommended {
			idx = i
			break
		}
	}
	for i := idx; i >= 0; i-- {
		if _, ok := sess.jobs[s.cfg.Ladder[i].Name]; ok {
			return s.cfg.Ladder[i].Name
		}
	}
	healthy := s.healthyVariantsLocked(sess)
	if len(healthy) > 0 {
		return healthy[0].Name
	}
	return recommended
}

func (s *ABRService) snapshotLocked(sess *abrSession) domain.SessionSnapshot {
	variants := s.healthyVariantsLocked(sess)
	names := make([]string, len(variants))
	for i, v := range variants {
		names[i] = v.Name
	}
	playlists := make(map[string]string, len(sess.playlists))
	for k, v := range sess.playlists {
		playlists[k] = v
	}
	return domain.SessionSnapshot{
		ID:                  sess.id,
		StreamKey:           sess.key,
		State:               sess.state,
		Variants:            names,
		UnavailableVariants: append([]string(nil), sess.unavailable...),
		RecommendedQuality:  sess.recommended,
		Condition:           sess.condition,
		ActiveViewers:       len(sess.windows),
		ManifestPath:        sess.manifestPath,
		PlaylistPaths:       playlists,
		CreatedAt:           sess.createdAt,
	}
}

func (s *ABRService) archiveSession(snap domain.SessionSnapshot) {
	if s.archive == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.archive.RecordSession(ctx, snap); err != nil {
			s.logger.Warnw("session archive write failed", "stream_key", snap.StreamKey, "error", err)
		}
	}()
}

func (s *ABRService) archiveStop(key domain.StreamKey, state domain.SessionState) {
	if s.archive == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.archive.RecordStop(ctx, key, state); err != nil {
			s.logger.Warnw("session archive update failed", "stream_key", key, "error", err)
		}
	}()
}
