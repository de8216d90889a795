package domain

import "time"

// Condition is the classified network condition tier for a viewer.
type Condition string

const (
	ConditionExcellent Condition = "excellent"
	ConditionGood      Condition = "good"
	ConditionFair      Condition = "fair"
	ConditionPoor      Condition = "poor"
)

// NetworkSample is one telemetry submission from a viewer. Samples are
// transient: the core keeps only a short rolling window per viewer.
type NetworkSample struct {
	BandwidthKbps int           `json:"bandwidth_kbps"`
	Latency       time.Duration `json:"latency"`
	PacketLossPct float64       `json:"packet_loss_pct"`
	Timestamp     time.Time     `json:"timestamp"`
}

// Valid reports whether the sample is well-formed. Malformed samples are
// still classified (as the worst condition), never rejected mid-pipeline.
func (s NetworkSample) Valid() bool {
	return s.BandwidthKbps > 0 &&
		s.Latency >= 0 &&
		s.PacketLossPct >= 0 && s.PacketLossPct <= 100
}

// TelemetryResult is returned to the viewer after each submission.
type TelemetryResult struct {
	CurrentQuality     string    `json:"current_quality"`
	RecommendedQuality string    `json:"recommended_quality"`
	Condition          Condition `json:"condition"`
}
