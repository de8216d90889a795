package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"streamgate/internal/core/domain"
	"streamgate/internal/core/ports"
	"streamgate/pkg/circuitbreaker"

	"github.com/redis/go-redis/v9"
)

// storedSample is the wire form of a telemetry sample in Redis.
type storedSample struct {
	BandwidthKbps int     `json:"bw"`
	LatencyMs     int64   `json:"lat"`
	PacketLossPct float64 `json:"loss"`
	Timestamp     int64   `json:"ts"`
}

// TelemetryStore keeps per-viewer rolling sample windows in Redis lists and
// per-stream viewer presence in sorted sets, everything TTL-bounded. Writes
// run behind a circuit breaker so a struggling Redis degrades telemetry
// persistence instead of the telemetry endpoint.
type TelemetryStore struct {
	client     *redis.Client
	breaker    *circuitbreaker.CircuitBreaker
	windowSize int
	sampleTTL  time.Duration
	viewerTTL  time.Duration
}

func NewTelemetryStore(client *redis.Client, windowSize int, sampleTTL, viewerTTL time.Duration) ports.TelemetryStore {
	if windowSize <= 0 {
		windowSize = 20
	}
	return &TelemetryStore{
		client:     client,
		breaker:    circuitbreaker.New(circuitbreaker.DefaultConfig()),
		windowSize: windowSize,
		sampleTTL:  sampleTTL,
		viewerTTL:  viewerTTL,
	}
}

func (s *TelemetryStore) samplesKey(key domain.StreamKey, viewer domain.ViewerID) string {
	return fmt.Sprintf("streamgate:samples:%s:%s", key, viewer)
}

func (s *TelemetryStore) viewersKey(key domain.StreamKey) string {
	return fmt.Sprintf("streamgate:viewers:%s", key)
}

func (s *TelemetryStore) AppendSample(ctx context.Context, key domain.StreamKey, viewer domain.ViewerID, sample domain.NetworkSample) error {
	data, err := json.Marshal(storedSample{
		BandwidthKbps: sample.BandwidthKbps,
		LatencyMs:     sample.Latency.Milliseconds(),
		PacketLossPct: sample.PacketLossPct,
		Timestamp:     sample.Timestamp.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal sample: %w", err)
	}

	listKey := s.samplesKey(key, viewer)
	return s.breaker.Execute(ctx, func() error {
		pipe := s.client.Pipeline()
		pipe.LPush(ctx, listKey, data)
		pipe.LTrim(ctx, listKey, 0, int64(s.windowSize-1))
		pipe.Expire(ctx, listKey, s.sampleTTL)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to append sample: %w", err)
		}
		return nil
	})
}

// RecentSamples returns up to limit samples, newest first.
func (s *TelemetryStore) RecentSamples(ctx context.Context, key domain.StreamKey, viewer domain.ViewerID, limit int) ([]domain.NetworkSample, error) {
	if limit <= 0 || limit > s.windowSize {
		limit = s.windowSize
	}

	raw, err := s.client.LRange(ctx, s.samplesKey(key, viewer), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read samples: %w", err)
	}

	samples := make([]domain.NetworkSample, 0, len(raw))
	for _, item := range raw {
		var stored storedSample
		if err := json.Unmarshal([]byte(item), &stored); err != nil {
			// Skip entries written by an incompatible version.
			continue
		}
		samples = append(samples, domain.NetworkSample{
			BandwidthKbps: stored.BandwidthKbps,
			Latency:       time.Duration(stored.LatencyMs) * time.Millisecond,
			PacketLossPct: stored.PacketLossPct,
			Timestamp:     time.UnixMilli(stored.Timestamp),
		})
	}
	return samples, nil
}

func (s *TelemetryStore) TouchViewer(ctx context.Context, key domain.StreamKey, viewer domain.ViewerID) error {
	setKey := s.viewersKey(key)
	return s.breaker.Execute(ctx, func() error {
		pipe := s.client.Pipeline()
		pipe.ZAdd(ctx, setKey, redis.Z{Score: float64(time.Now().Unix()), Member: string(viewer)})
		pipe.Expire(ctx, setKey, s.viewerTTL*2)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to touch viewer: %w", err)
		}
		return nil
	})
}

// ActiveViewers counts viewers that reported telemetry within the viewer TTL,
// pruning everyone older as a side effect.
func (s *TelemetryStore) ActiveViewers(ctx context.Context, key domain.StreamKey) (int, error) {
	setKey := s.viewersKey(key)
	cutoff := time.Now().Add(-s.viewerTTL).Unix()

	if err := s.client.ZRemRangeByScore(ctx, setKey, "-inf", fmt.Sprintf("%d", cutoff)).Err(); err != nil {
		return 0, fmt.Errorf("failed to prune viewers: %w", err)
	}
	count, err := s.client.ZCard(ctx, setKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count viewers: %w", err)
	}
	return int(count), nil
}

func (s *TelemetryStore) EvictStream(ctx context.Context, key domain.StreamKey) error {
	if err := s.client.Del(ctx, s.viewersKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete viewer set: %w", err)
	}

	pattern := fmt.Sprintf("streamgate:samples:%s:*", key)
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("failed to delete sample window: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan sample windows: %w", err)
	}
	return nil
}
