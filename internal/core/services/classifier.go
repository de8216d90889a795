package services

import (
	"time"

	"streamgate/internal/core/domain"
)

// conditionThreshold is the floor a sample must clear on every axis at once
// to qualify for a tier.
type conditionThreshold struct {
	BandwidthKbps int
	Latency       time.Duration
	PacketLossPct float64
}

// NetworkClassifier turns a telemetry sample into a condition tier and a
// recommended quality variant. It is pure: no state, no side effects.
//
// The tier thresholds use strict AND semantics with no hysteresis, so
// borderline telemetry can oscillate between adjacent tiers. Damping is the
// caller's job (see ABRService); the threshold values themselves are fixed.
type NetworkClassifier struct {
	thresholds map[domain.Condition]conditionThreshold
	qualities  map[domain.Condition]string
}

func NewNetworkClassifier() *NetworkClassifier {
	return &NetworkClassifier{
		thresholds: map[domain.Condition]conditionThreshold{
			domain.ConditionExcellent: {BandwidthKbps: 5000, Latency: 50 * time.Millisecond, PacketLossPct: 0.1},
			domain.ConditionGood:      {BandwidthKbps: 2500, Latency: 100 * time.Millisecond, PacketLossPct: 0.5},
			domain.ConditionFair:      {BandwidthKbps: 1200, Latency: 200 * time.Millisecond, PacketLossPct: 1.0},
		},
		qualities: map[domain.Condition]string{
			domain.ConditionExcellent: "1080p",
			domain.ConditionGood:      "720p",
			domain.ConditionFair:      "480p",
			domain.ConditionPoor:      "360p",
		},
	}
}

// Classify returns the best tier the sample fully satisfies, falling through
// to poor. Malformed samples classify as poor.
func (c *NetworkClassifier) Classify(sample domain.NetworkSample) (domain.Condition, string) {
	if !sample.Valid() {
		return domain.ConditionPoor, c.qualities[domain.ConditionPoor]
	}

	for _, tier := range []domain.Condition{domain.ConditionExcellent, domain.ConditionGood, domain.ConditionFair} {
		if c.meets(sample, c.thresholds[tier]) {
			return tier, c.qualities[tier]
		}
	}
	return domain.ConditionPoor, c.qualities[domain.ConditionPoor]
}

// QualityFor maps a condition tier to its quality variant name.
func (c *NetworkClassifier) QualityFor(condition domain.Condition) string {
	if q, ok := c.qualities[condition]; ok {
		return q
	}
	return c.qualities[domain.ConditionPoor]
}

func (c *NetworkClassifier) meets(sample domain.NetworkSample, t conditionThreshold) bool {
	return sample.BandwidthKbps >= t.BandwidthKbps &&
		sample.Latency <= t.Latency &&
		sample.PacketLossPct <= t.PacketLossPct
}
