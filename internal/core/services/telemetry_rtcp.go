package services

import (
	"errors"
	"time"

	"streamgate/internal/core/domain"

	"github.com/pion/rtcp"
)

var ErrNoReceiverReport = errors.New("no receiver report in rtcp payload")

// ntpShort converts wall time to the middle 32 bits of an NTP timestamp, the
// format receiver reports carry in their LSR field.
func ntpShort(t time.Time) uint32 {
	const ntpEpochOffset = 2208988800 // seconds between 1900 and 1970
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := uint64(t.Nanosecond()) * (1 << 32) / 1e9
	return uint32(((secs << 32) | frac) >> 16)
}

// TelemetryFromRTCP converts a compound RTCP payload into a network sample:
// packet loss and round-trip latency come from the first reception report,
// bandwidth from a REMB packet when present. Clients that cannot measure
// application-level telemetry can ship their raw RTCP instead.
func TelemetryFromRTCP(raw []byte, now time.Time) (domain.NetworkSample, error) {
	packets, err := rtcp.Unmarshal(raw)
	if err != nil {
		return domain.NetworkSample{}, err
	}

	sample := domain.NetworkSample{Timestamp: now}
	sawReport := false

	for _, packet := range packets {
		switch p := packet.(type) {
		case *rtcp.ReceiverReport:
			if len(p.Reports) == 0 || sawReport {
				continue
			}
			report := p.Reports[0]
			sawReport = true
			sample.PacketLossPct = float64(report.FractionLost) / 256 * 100
			sample.Latency = rttFromReport(report, now)
		case *rtcp.ReceiverEstimatedMaximumBitrate:
			sample.BandwidthKbps = int(p.Bitrate / 1000)
		}
	}

	if !sawReport {
		return domain.NetworkSample{}, ErrNoReceiverReport
	}
	return sample, nil
}

// rttFromReport recovers round-trip time with the standard LSR/DLSR
// arithmetic: rtt = now - lsr - dlsr, all in 1/65536-second units. Reports
// that never saw a sender report yield zero.
func rttFromReport(report rtcp.ReceptionReport, now time.Time) time.Duration {
	if report.LastSenderReport == 0 {
		return 0
	}
	arrival := ntpShort(now)
	elapsed := arrival - report.LastSenderReport - report.Delay
	// Clock skew or a stale LSR can wrap negative; treat it as unmeasurable.
	if int32(elapsed) < 0 {
		return 0
	}
	return time.Duration(elapsed) * time.Second / 65536
}
