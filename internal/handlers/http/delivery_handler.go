package http

import (
	"io"
	"net/http"
	"time"

	"streamgate/internal/core/domain"
	"streamgate/internal/core/services"
	"streamgate/pkg/errors"
	"streamgate/pkg/tracing"

	"github.com/gin-gonic/gin"
)

// DeliveryMetrics is the slice of the metrics collector the delivery plane
// reports to. A nil value disables reporting.
type DeliveryMetrics interface {
	RecordSessionStarted()
	RecordSessionStopped(key domain.StreamKey)
	RecordTelemetrySample(duration time.Duration)
}

type DeliveryHandler struct {
	abr     *services.ABRService
	metrics DeliveryMetrics
}

func NewDeliveryHandler(abr *services.ABRService, metrics DeliveryMetrics) *DeliveryHandler {
	return &DeliveryHandler{
		abr:     abr,
		metrics: metrics,
	}
}

func (h *DeliveryHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.POST("/streams/:key/abr", h.StartSession)
		api.DELETE("/streams/:key/abr", h.StopSession)
		api.GET("/streams/:key/analytics", h.GetAnalytics)
		api.POST("/streams/:key/telemetry", h.RecordTelemetry)
		api.POST("/streams/:key/telemetry/rtcp", h.RecordRTCPTelemetry)
	}
}

type StartSessionRequest struct {
	Input string `json:"input" binding:"required,max=2048"`
}

type TelemetryRequest struct {
	ViewerID      string  `json:"viewer_id" binding:"required,max=128"`
	BandwidthKbps int     `json:"bandwidth_kbps"`
	LatencyMs     int     `json:"latency_ms"`
	PacketLossPct float64 `json:"packet_loss_pct"`
}

func (h *DeliveryHandler) StartSession(c *gin.Context) {
	key := domain.StreamKey(c.Param("key"))

	var req StartSessionRequest
	if err := c.BindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	result, err := h.abr.Initialize(c.Request.Context(), key, req.Input)
	if err != nil {
		c.Error(err)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordSessionStarted()
	}

	c.JSON(http.StatusCreated, gin.H{
		"session": result.Session,
		"started": result.Started,
		"failed":  result.Failed,
	})
}

func (h *DeliveryHandler) StopSession(c *gin.Context) {
	key := domain.StreamKey(c.Param("key"))

	if err := h.abr.Stop(c.Request.Context(), key); err != nil {
		c.Error(err)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordSessionStopped(key)
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "stopped",
	})
}

func (h *DeliveryHandler) GetAnalytics(c *gin.Context) {
	key := domain.StreamKey(c.Param("key"))

	snap, err := h.abr.GetAnalytics(key)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"analytics": snap,
	})
}

func (h *DeliveryHandler) RecordTelemetry(c *gin.Context) {
	key := domain.StreamKey(c.Param("key"))

	var req TelemetryRequest
	if err := c.BindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	sample := domain.NetworkSample{
		BandwidthKbps: req.BandwidthKbps,
		Latency:       time.Duration(req.LatencyMs) * time.Millisecond,
		PacketLossPct: req.PacketLossPct,
		Timestamp:     time.Now(),
	}

	ctx, span := tracing.TraceTelemetry(c.Request.Context(), string(key), req.ViewerID)
	defer span.End()

	start := time.Now()
	result, err := h.abr.RecordTelemetry(ctx, key, domain.ViewerID(req.ViewerID), sample)
	if err != nil {
		tracing.RecordError(span, err)
		c.Error(err)
		return
	}
	if h.metrics != nil {
		h.metrics.RecordTelemetrySample(time.Since(start))
	}

	c.JSON(http.StatusOK, result)
}

// RecordRTCPTelemetry accepts a raw compound RTCP packet (receiver report,
// optionally REMB) in the request body and folds it into the viewer's window
// the same way a JSON telemetry submission would be.
func (h *DeliveryHandler) RecordRTCPTelemetry(c *gin.Context) {
	key := domain.StreamKey(c.Param("key"))

	viewer := c.Query("viewer_id")
	if viewer == "" {
		c.Error(errors.NewInvalidInputError("viewer_id query parameter is required"))
		return
	}

	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, 64*1024))
	if err != nil || len(raw) == 0 {
		c.Error(errors.NewInvalidInputError("empty RTCP payload"))
		return
	}

	sample, err := services.TelemetryFromRTCP(raw, time.Now())
	if err != nil {
		c.Error(errors.NewInvalidInputError("unparseable RTCP payload"))
		return
	}

	start := time.Now()
	result, err := h.abr.RecordTelemetry(c.Request.Context(), key, domain.ViewerID(viewer), sample)
	if err != nil {
		c.Error(err)
		return
	}
	if h.metrics != nil {
		h.metrics.RecordTelemetrySample(time.Since(start))
	}

	c.JSON(http.StatusOK, result)
}
