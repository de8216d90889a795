package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"streamgate/internal/core/domain"
	"streamgate/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeJob struct {
	variant domain.QualityVariant
	events  chan ports.EncodeEvent
	done    sync.Once

	mu      sync.Mutex
	stopped bool
}

func newFakeJob(variant domain.QualityVariant) *fakeJob {
	j := &fakeJob{
		variant: variant,
		events:  make(chan ports.EncodeEvent, 4),
	}
	j.events <- ports.EncodeEvent{State: ports.EncodeRunning}
	return j
}

func (j *fakeJob) Variant() domain.QualityVariant   { return j.variant }
func (j *fakeJob) Events() <-chan ports.EncodeEvent { return j.events }

func (j *fakeJob) Stop(ctx context.Context) error {
	j.mu.Lock()
	j.stopped = true
	j.mu.Unlock()
	j.done.Do(func() {
		j.events <- ports.EncodeEvent{State: ports.EncodeStopped}
		close(j.events)
	})
	return nil
}

func (j *fakeJob) crash(err error) {
	j.done.Do(func() {
		j.events <- ports.EncodeEvent{State: ports.EncodeFailed, Err: err}
		close(j.events)
	})
}

func (j *fakeJob) wasStopped() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stopped
}

type fakeDriver struct {
	mu     sync.Mutex
	fail   map[string]bool
	starts map[string]int
	jobs   map[string][]*fakeJob
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		fail:   make(map[string]bool),
		starts: make(map[string]int),
		jobs:   make(map[string][]*fakeJob),
	}
}

func (d *fakeDriver) Start(ctx context.Context, input string, variant domain.QualityVariant, outputDir string) (ports.EncodeJob, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.starts[variant.Name]++
	if d.fail[variant.Name] {
		return nil, errors.New("spawn failed")
	}
	job := newFakeJob(variant)
	d.jobs[variant.Name] = append(d.jobs[variant.Name], job)
	return job, nil
}

func (d *fakeDriver) startCount(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.starts[name]
}

func (d *fakeDriver) latestJob(name string) *fakeJob {
	d.mu.Lock()
	defer d.mu.Unlock()
	jobs := d.jobs[name]
	if len(jobs) == 0 {
		return nil
	}
	return jobs[len(jobs)-1]
}

type fakeManifests struct {
	mu      sync.Mutex
	writes  [][]string
	removed int
}

func (m *fakeManifests) WriteMaster(key domain.StreamKey, variants []domain.QualityVariant) (string, map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, len(variants))
	playlists := make(map[string]string, len(variants))
	for i, v := range variants {
		names[i] = v.Name
		playlists[v.Name] = string(key) + "/" + v.Name + "/index.m3u8"
	}
	m.writes = append(m.writes, names)
	return string(key) + "/master.m3u8", playlists, nil
}

func (m *fakeManifests) Remove(key domain.StreamKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed++
	return nil
}

func (m *fakeManifests) lastWrite() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.writes) == 0 {
		return nil
	}
	return m.writes[len(m.writes)-1]
}

func (m *fakeManifests) removeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removed
}

type fakeTelemetryStore struct {
	mu      sync.Mutex
	appends int
	touches int
	evicts  int
	fail    bool
}

func (s *fakeTelemetryStore) AppendSample(ctx context.Context, key domain.StreamKey, viewer domain.ViewerID, sample domain.NetworkSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("store down")
	}
	s.appends++
	return nil
}

func (s *fakeTelemetryStore) RecentSamples(ctx context.Context, key domain.StreamKey, viewer domain.ViewerID, limit int) ([]domain.NetworkSample, error) {
	return nil, nil
}

func (s *fakeTelemetryStore) TouchViewer(ctx context.Context, key domain.StreamKey, viewer domain.ViewerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("store down")
	}
	s.touches++
	return nil
}

func (s *fakeTelemetryStore) ActiveViewers(ctx context.Context, key domain.StreamKey) (int, error) {
	return 0, nil
}

func (s *fakeTelemetryStore) EvictStream(ctx context.Context, key domain.StreamKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evicts++
	return nil
}

func (s *fakeTelemetryStore) evictCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evicts
}

type fakeQualityNotifier struct {
	mu      sync.Mutex
	changes []string
}

func (n *fakeQualityNotifier) NotifyQualityChange(ctx context.Context, key domain.StreamKey, quality string, condition domain.Condition) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, quality)
}

func (n *fakeQualityNotifier) changed() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.changes...)
}

func abrFixture(t *testing.T, tweak func(*ABRConfig)) (*ABRService, *fakeDriver, *fakeManifests, *fakeTelemetryStore, *fakeQualityNotifier) {
	t.Helper()
	driver := newFakeDriver()
	manifests := &fakeManifests{}
	telemetry := &fakeTelemetryStore{}
	notifier := &fakeQualityNotifier{}

	cfg := DefaultABRConfig()
	cfg.RestartBackoff = time.Millisecond
	cfg.HoldTime = 0
	if tweak != nil {
		tweak(&cfg)
	}

	svc := NewABRService(driver, manifests, telemetry, nil, notifier, nil, NewNetworkClassifier(), cfg, zap.NewNop().Sugar())
	return svc, driver, manifests, telemetry, notifier
}

// gatedDriver holds every launch until the gate opens, so tests can race
// other operations against an in-flight Initialize.
type gatedDriver struct {
	*fakeDriver
	gate chan struct{}
}

func (d *gatedDriver) Start(ctx context.Context, input string, variant domain.QualityVariant, outputDir string) (ports.EncodeJob, error) {
	<-d.gate
	return d.fakeDriver.Start(ctx, input, variant, outputDir)
}

type fakeEncodeMetrics struct {
	mu          sync.Mutex
	restarts    []string
	unavailable map[domain.StreamKey]int
}

func newFakeEncodeMetrics() *fakeEncodeMetrics {
	return &fakeEncodeMetrics{unavailable: make(map[domain.StreamKey]int)}
}

func (m *fakeEncodeMetrics) RecordEncodeRestart(variant string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restarts = append(m.restarts, variant)
}

func (m *fakeEncodeMetrics) SetUnavailableVariants(key domain.StreamKey, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable[key] = n
}

func (m *fakeEncodeMetrics) restartedVariants() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.restarts...)
}

func (m *fakeEncodeMetrics) unavailableFor(key domain.StreamKey) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unavailable[key]
}

func TestInitializeStartsEveryVariant(t *testing.T) {
	svc, driver, manifests, _, _ := abrFixture(t, nil)

	res, err := svc.Initialize(context.Background(), "stream-1", "rtmp://ingest/stream-1")
	require.NoError(t, err)

	ladder := domain.DefaultLadder()
	assert.Len(t, res.Started, len(ladder))
	assert.Empty(t, res.Failed)
	assert.Equal(t, domain.SessionEncoding, res.Session.State)
	assert.Equal(t, ladder[0].Name, res.Session.RecommendedQuality)
	assert.Equal(t, "stream-1/master.m3u8", res.Session.ManifestPath)
	assert.Len(t, res.Session.PlaylistPaths, len(ladder))

	for _, v := range ladder {
		assert.Equal(t, 1, driver.startCount(v.Name))
	}
	assert.ElementsMatch(t, res.Started, manifests.lastWrite())
	assert.Equal(t, 1, svc.SessionCount())
}

func TestInitializePartialFailureStillServes(t *testing.T) {
	svc, driver, manifests, _, _ := abrFixture(t, nil)
	driver.fail["1080p"] = true

	res, err := svc.Initialize(context.Background(), "stream-1", "rtmp://ingest/stream-1")
	require.NoError(t, err)

	assert.Equal(t, []string{"1080p"}, res.Failed)
	assert.NotContains(t, res.Started, "1080p")
	assert.NotContains(t, manifests.lastWrite(), "1080p")
	assert.Contains(t, res.Session.UnavailableVariants, "1080p")
	assert.Equal(t, domain.SessionEncoding, res.Session.State)
}

func TestInitializeAllVariantsFailing(t *testing.T) {
	svc, driver, _, _, _ := abrFixture(t, nil)
	for _, v := range domain.DefaultLadder() {
		driver.fail[v.Name] = true
	}

	_, err := svc.Initialize(context.Background(), "stream-1", "rtmp://ingest/stream-1")
	require.ErrorIs(t, err, domain.ErrEncodeStartFailure)
	assert.Equal(t, 0, svc.SessionCount())
}

func TestInitializeDuplicateStreamKey(t *testing.T) {
	svc, _, _, _, _ := abrFixture(t, nil)

	_, err := svc.Initialize(context.Background(), "stream-1", "rtmp://ingest/a")
	require.NoError(t, err)

	_, err = svc.Initialize(context.Background(), "stream-1", "rtmp://ingest/b")
	assert.ErrorIs(t, err, domain.ErrSessionExists)
}

func TestRecordTelemetryUnknownSession(t *testing.T) {
	svc, _, _, _, _ := abrFixture(t, nil)

	_, err := svc.RecordTelemetry(context.Background(), "nope", "viewer-1", sample(3000, 80, 0.2))
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestRecordTelemetryAdjustsRecommendation(t *testing.T) {
	svc, _, _, telemetry, notifier := abrFixture(t, nil)

	_, err := svc.Initialize(context.Background(), "stream-1", "rtmp://ingest/stream-1")
	require.NoError(t, err)

	res, err := svc.RecordTelemetry(context.Background(), "stream-1", "viewer-1", sample(12000, 20, 0.0))
	require.NoError(t, err)
	assert.Equal(t, domain.ConditionExcellent, res.Condition)
	assert.Equal(t, "1080p", res.RecommendedQuality)
	assert.Equal(t, "1080p", res.CurrentQuality)
	assert.Equal(t, []string{"1080p"}, notifier.changed())

	res, err = svc.RecordTelemetry(context.Background(), "stream-1", "viewer-1", sample(300, 600, 3.0))
	require.NoError(t, err)
	assert.Equal(t, domain.ConditionPoor, res.Condition)
	assert.Equal(t, "360p", res.RecommendedQuality)
	assert.Equal(t, "360p", res.CurrentQuality)

	telemetry.mu.Lock()
	assert.Equal(t, 2, telemetry.appends)
	assert.Equal(t, 2, telemetry.touches)
	telemetry.mu.Unlock()
}

func TestRecordTelemetryHoldTimeDampsSwitches(t *testing.T) {
	svc, _, _, _, notifier := abrFixture(t, func(cfg *ABRConfig) {
		cfg.HoldTime = time.Hour
	})

	_, err := svc.Initialize(context.Background(), "stream-1", "rtmp://ingest/stream-1")
	require.NoError(t, err)

	res, err := svc.RecordTelemetry(context.Background(), "stream-1", "viewer-1", sample(12000, 20, 0.0))
	require.NoError(t, err)
	// The classifier wants 1080p but the switch is held back.
	assert.Equal(t, "1080p", res.RecommendedQuality)
	assert.Equal(t, "240p", res.CurrentQuality)
	assert.Empty(t, notifier.changed())
}

func TestRecordTelemetrySurvivesStoreOutage(t *testing.T) {
	svc, _, _, telemetry, _ := abrFixture(t, nil)
	telemetry.fail = true

	_, err := svc.Initialize(context.Background(), "stream-1", "rtmp://ingest/stream-1")
	require.NoError(t, err)

	res, err := svc.RecordTelemetry(context.Background(), "stream-1", "viewer-1", sample(3000, 80, 0.2))
	require.NoError(t, err)
	assert.Equal(t, "720p", res.CurrentQuality)
}

func TestActiveViewersCountsDistinctViewers(t *testing.T) {
	svc, _, _, _, _ := abrFixture(t, nil)

	_, err := svc.Initialize(context.Background(), "stream-1", "rtmp://ingest/stream-1")
	require.NoError(t, err)

	for _, viewer := range []domain.ViewerID{"a", "b", "b", "c"} {
		_, err := svc.RecordTelemetry(context.Background(), "stream-1", viewer, sample(3000, 80, 0.2))
		require.NoError(t, err)
	}

	snap, err := svc.GetAnalytics("stream-1")
	require.NoError(t, err)
	assert.Equal(t, 3, snap.ActiveViewers)
}

func TestVariantCrashIsRestartedOnce(t *testing.T) {
	svc, driver, _, _, _ := abrFixture(t, func(cfg *ABRConfig) {
		cfg.Ladder = domain.DefaultLadder()[:2] // 240p, 360p
	})

	_, err := svc.Initialize(context.Background(), "stream-1", "rtmp://ingest/stream-1")
	require.NoError(t, err)

	driver.latestJob("360p").crash(errors.New("encoder exited"))

	require.Eventually(t, func() bool {
		return driver.startCount("360p") == 2
	}, time.Second, 5*time.Millisecond, "crashed variant should be restarted")

	snap, err := svc.GetAnalytics("stream-1")
	require.NoError(t, err)
	assert.Contains(t, snap.Variants, "360p")
	assert.Empty(t, snap.UnavailableVariants)
}

func TestSecondCrashRetiresVariant(t *testing.T) {
	svc, driver, manifests, _, _ := abrFixture(t, func(cfg *ABRConfig) {
		cfg.Ladder = domain.DefaultLadder()[:2]
	})

	_, err := svc.Initialize(context.Background(), "stream-1", "rtmp://ingest/stream-1")
	require.NoError(t, err)

	driver.latestJob("360p").crash(errors.New("encoder exited"))
	require.Eventually(t, func() bool {
		return driver.startCount("360p") == 2
	}, time.Second, 5*time.Millisecond)

	driver.latestJob("360p").crash(errors.New("encoder exited again"))

	require.Eventually(t, func() bool {
		snap, err := svc.GetAnalytics("stream-1")
		if err != nil {
			return false
		}
		return snap.State == domain.SessionDegraded
	}, time.Second, 5*time.Millisecond, "variant should be retired after the second crash")

	snap, err := svc.GetAnalytics("stream-1")
	require.NoError(t, err)
	assert.Contains(t, snap.UnavailableVariants, "360p")
	assert.NotContains(t, snap.Variants, "360p")
	assert.Equal(t, 2, driver.startCount("360p"))

	require.Eventually(t, func() bool {
		last := manifests.lastWrite()
		return len(last) == 1 && last[0] == "240p"
	}, time.Second, 5*time.Millisecond, "manifest should be rewritten without the retired variant")
}

func TestLastVariantCrashStopsSession(t *testing.T) {
	svc, driver, manifests, telemetry, _ := abrFixture(t, func(cfg *ABRConfig) {
		cfg.Ladder = domain.DefaultLadder()[:1] // 240p only
	})

	_, err := svc.Initialize(context.Background(), "stream-1", "rtmp://ingest/stream-1")
	require.NoError(t, err)

	driver.latestJob("240p").crash(errors.New("encoder exited"))
	require.Eventually(t, func() bool {
		return driver.startCount("240p") == 2
	}, time.Second, 5*time.Millisecond)
	driver.latestJob("240p").crash(errors.New("encoder exited again"))

	require.Eventually(t, func() bool {
		return svc.SessionCount() == 0
	}, time.Second, 5*time.Millisecond, "losing the last variant should end the session")

	_, err = svc.GetAnalytics("stream-1")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	assert.Equal(t, 1, manifests.removeCount())
	assert.Equal(t, 1, telemetry.evictCount())
}

func TestStopDuringInitializeTearsDownJobs(t *testing.T) {
	driver := &gatedDriver{fakeDriver: newFakeDriver(), gate: make(chan struct{})}
	manifests := &fakeManifests{}
	telemetry := &fakeTelemetryStore{}
	svc := NewABRService(driver, manifests, telemetry, nil, nil, nil, NewNetworkClassifier(), DefaultABRConfig(), zap.NewNop().Sugar())

	initDone := make(chan error, 1)
	go func() {
		_, err := svc.Initialize(context.Background(), "stream-1", "rtmp://ingest/stream-1")
		initDone <- err
	}()

	// Stop while every launch is still blocked inside the driver, then let
	// the launches finish. Nothing they started may outlive the session.
	require.Eventually(t, func() bool {
		return svc.SessionCount() == 1
	}, time.Second, time.Millisecond)
	require.NoError(t, svc.Stop(context.Background(), "stream-1"))

	close(driver.gate)
	require.ErrorIs(t, <-initDone, domain.ErrSessionNotFound)

	assert.Equal(t, 0, svc.SessionCount())
	for _, v := range domain.DefaultLadder() {
		job := driver.latestJob(v.Name)
		require.NotNil(t, job)
		assert.True(t, job.wasStopped(), "variant %s must not leak", v.Name)
	}
}

func TestEncodeLifecycleMetrics(t *testing.T) {
	driver := newFakeDriver()
	metrics := newFakeEncodeMetrics()

	cfg := DefaultABRConfig()
	cfg.RestartBackoff = time.Millisecond
	cfg.Ladder = domain.DefaultLadder()[:2]

	svc := NewABRService(driver, &fakeManifests{}, &fakeTelemetryStore{}, nil, nil, metrics, NewNetworkClassifier(), cfg, zap.NewNop().Sugar())

	_, err := svc.Initialize(context.Background(), "stream-1", "rtmp://ingest/stream-1")
	require.NoError(t, err)

	driver.latestJob("360p").crash(errors.New("encoder exited"))
	require.Eventually(t, func() bool {
		return driver.startCount("360p") == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"360p"}, metrics.restartedVariants())

	driver.latestJob("360p").crash(errors.New("encoder exited again"))
	require.Eventually(t, func() bool {
		return metrics.unavailableFor("stream-1") == 1
	}, time.Second, 5*time.Millisecond, "retiring a variant should update the gauge")
}

func TestRetiredRecommendationFallsBack(t *testing.T) {
	svc, driver, _, _, _ := abrFixture(t, func(cfg *ABRConfig) {
		cfg.Ladder = domain.DefaultLadder()[3:] // 720p, 1080p
	})

	_, err := svc.Initialize(context.Background(), "stream-1", "rtmp://ingest/stream-1")
	require.NoError(t, err)

	// Pin the recommendation to 1080p, then kill that variant for good.
	_, err = svc.RecordTelemetry(context.Background(), "stream-1", "viewer-1", sample(12000, 20, 0.0))
	require.NoError(t, err)

	driver.latestJob("1080p").crash(errors.New("encoder exited"))
	require.Eventually(t, func() bool {
		return driver.startCount("1080p") == 2
	}, time.Second, 5*time.Millisecond)
	driver.latestJob("1080p").crash(errors.New("encoder exited again"))

	require.Eventually(t, func() bool {
		snap, err := svc.GetAnalytics("stream-1")
		return err == nil && snap.RecommendedQuality == "720p"
	}, time.Second, 5*time.Millisecond, "recommendation must fall back to a surviving variant")

	// Excellent telemetry can no longer steer viewers onto the dead rung.
	res, err := svc.RecordTelemetry(context.Background(), "stream-1", "viewer-1", sample(12000, 20, 0.0))
	require.NoError(t, err)
	assert.Equal(t, "720p", res.CurrentQuality)
}

func TestStopTearsDownJobs(t *testing.T) {
	svc, driver, manifests, telemetry, _ := abrFixture(t, nil)

	_, err := svc.Initialize(context.Background(), "stream-1", "rtmp://ingest/stream-1")
	require.NoError(t, err)

	require.NoError(t, svc.Stop(context.Background(), "stream-1"))

	for _, v := range domain.DefaultLadder() {
		job := driver.latestJob(v.Name)
		require.NotNil(t, job)
		assert.True(t, job.wasStopped(), "variant %s should be stopped", v.Name)
	}
	assert.Equal(t, 0, svc.SessionCount())
	assert.Equal(t, 1, manifests.removeCount())
	assert.Equal(t, 1, telemetry.evictCount())

	assert.ErrorIs(t, svc.Stop(context.Background(), "stream-1"), domain.ErrSessionNotFound)
}
