package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"streamgate/internal/core/domain"
	"streamgate/internal/core/ports"
	"streamgate/pkg/cache"
)

// TelemetryStore is the in-process fallback when Redis is disabled or
// unreachable: the same rolling windows and viewer counters, held in a
// TTL cache so stale streams age out on their own.
type TelemetryStore struct {
	cache      *cache.Cache
	windowSize int
	viewerTTL  time.Duration

	// The cache is safe for single operations; this guards the
	// read-modify-write cycles below.
	mu sync.Mutex
}

func NewTelemetryStore(windowSize int, sampleTTL, viewerTTL time.Duration) *TelemetryStore {
	if windowSize <= 0 {
		windowSize = 20
	}
	return &TelemetryStore{
		cache:      cache.NewCache(sampleTTL),
		windowSize: windowSize,
		viewerTTL:  viewerTTL,
	}
}

func (s *TelemetryStore) samplesKey(key domain.StreamKey, viewer domain.ViewerID) string {
	return fmt.Sprintf("samples:%s:%s", key, viewer)
}

func (s *TelemetryStore) viewersKey(key domain.StreamKey) string {
	return fmt.Sprintf("viewers:%s", key)
}

func (s *TelemetryStore) AppendSample(ctx context.Context, key domain.StreamKey, viewer domain.ViewerID, sample domain.NetworkSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var window []domain.NetworkSample
	if v, ok := s.cache.Get(s.samplesKey(key, viewer)); ok {
		window = v.([]domain.NetworkSample)
	}
	// Newest first, same order Redis LPUSH produces.
	window = append([]domain.NetworkSample{sample}, window...)
	if len(window) > s.windowSize {
		window = window[:s.windowSize]
	}
	s.cache.Set(s.samplesKey(key, viewer), window)
	return nil
}

func (s *TelemetryStore) RecentSamples(ctx context.Context, key domain.StreamKey, viewer domain.ViewerID, limit int) ([]domain.NetworkSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.cache.Get(s.samplesKey(key, viewer))
	if !ok {
		return nil, nil
	}
	window := v.([]domain.NetworkSample)
	if limit <= 0 || limit > len(window) {
		limit = len(window)
	}
	out := make([]domain.NetworkSample, limit)
	copy(out, window[:limit])
	return out, nil
}

func (s *TelemetryStore) TouchViewer(ctx context.Context, key domain.StreamKey, viewer domain.ViewerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[domain.ViewerID]time.Time)
	if v, ok := s.cache.Get(s.viewersKey(key)); ok {
		seen = v.(map[domain.ViewerID]time.Time)
	}
	seen[viewer] = time.Now()
	s.cache.SetWithTTL(s.viewersKey(key), seen, s.viewerTTL*2)
	return nil
}

func (s *TelemetryStore) ActiveViewers(ctx context.Context, key domain.StreamKey) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.cache.Get(s.viewersKey(key))
	if !ok {
		return 0, nil
	}
	seen := v.(map[domain.ViewerID]time.Time)
	cutoff := time.Now().Add(-s.viewerTTL)
	active := 0
	for viewer, last := range seen {
		if last.Before(cutoff) {
			delete(seen, viewer)
			continue
		}
		active++
	}
	return active, nil
}

func (s *TelemetryStore) EvictStream(ctx context.Context, key domain.StreamKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache.Invalidate(fmt.Sprintf("samples:%s:", key))
	s.cache.Delete(s.viewersKey(key))
	return nil
}

// Close stops the cache's background cleanup.
func (s *TelemetryStore) Close() {
	s.cache.Stop()
}

var _ ports.TelemetryStore = (*TelemetryStore)(nil)
