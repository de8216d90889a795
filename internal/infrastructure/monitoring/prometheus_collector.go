package monitoring

import (
	"net/http"
	"time"

	"streamgate/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type PrometheusCollector struct {
	// Signaling plane
	connectionsActive     prometheus.Gauge
	roomsActive           prometheus.Gauge
	signalMessagesTotal   *prometheus.CounterVec
	signalErrorsTotal     *prometheus.CounterVec

	// Delivery plane
	sessionsActive       prometheus.Gauge
	encodeRestartsTotal  *prometheus.CounterVec
	variantsUnavailable  *prometheus.GaugeVec
	telemetrySamples     prometheus.Counter
	qualitySwitchesTotal *prometheus.CounterVec
	telemetryLatency     prometheus.Histogram
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		connectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "streamgate_signal_connections_active",
			Help: "Currently attached signaling connections",
		}),

		roomsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "streamgate_signal_rooms_active",
			Help: "Currently live signaling rooms",
		}),

		signalMessagesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "streamgate_signal_messages_total",
			Help: "Signaling messages handled, by type",
		}, []string{"type"}),

		signalErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "streamgate_signal_errors_total",
			Help: "Signaling messages rejected, by type",
		}, []string{"type"}),

		sessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "streamgate_abr_sessions_active",
			Help: "Currently running ABR sessions",
		}),

		encodeRestartsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "streamgate_encode_restarts_total",
			Help: "Encode job restarts, by variant",
		}, []string{"variant"}),

		variantsUnavailable: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamgate_variants_unavailable",
			Help: "Variants retired from a stream's ladder",
		}, []string{"stream_key"}),

		telemetrySamples: promauto.NewCounter(prometheus.CounterOpts{
			Name: "streamgate_telemetry_samples_total",
			Help: "Viewer telemetry samples recorded",
		}),

		qualitySwitchesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "streamgate_quality_switches_total",
			Help: "Quality recommendation switches, by target quality",
		}, []string{"quality"}),

		telemetryLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "streamgate_telemetry_request_duration_seconds",
			Help:    "Telemetry endpoint handling duration",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
	}
}

// Handler exposes the default registry for the metrics endpoint.
func (p *PrometheusCollector) Handler() http.Handler {
	return promhttp.Handler()
}

// ConnectionOpened implements the signaling transport Metrics interface.
func (p *PrometheusCollector) ConnectionOpened() {
	p.connectionsActive.Inc()
}

func (p *PrometheusCollector) ConnectionClosed() {
	p.connectionsActive.Dec()
}

func (p *PrometheusCollector) MessageHandled(msgType string, err error) {
	if msgType == "" {
		msgType = "unknown"
	}
	p.signalMessagesTotal.WithLabelValues(msgType).Inc()
	if err != nil {
		p.signalErrorsTotal.WithLabelValues(msgType).Inc()
	}
}

func (p *PrometheusCollector) SetRoomCount(n int) {
	p.roomsActive.Set(float64(n))
}

func (p *PrometheusCollector) RecordSessionStarted() {
	p.sessionsActive.Inc()
}

func (p *PrometheusCollector) RecordSessionStopped(key domain.StreamKey) {
	p.sessionsActive.Dec()
	p.variantsUnavailable.DeleteLabelValues(string(key))
}

func (p *PrometheusCollector) RecordEncodeRestart(variant string) {
	p.encodeRestartsTotal.WithLabelValues(variant).Inc()
}

func (p *PrometheusCollector) SetUnavailableVariants(key domain.StreamKey, n int) {
	p.variantsUnavailable.WithLabelValues(string(key)).Set(float64(n))
}

func (p *PrometheusCollector) RecordTelemetrySample(duration time.Duration) {
	p.telemetrySamples.Inc()
	p.telemetryLatency.Observe(duration.Seconds())
}

func (p *PrometheusCollector) RecordQualitySwitch(quality string) {
	p.qualitySwitchesTotal.WithLabelValues(quality).Inc()
}
