package http

import (
	"context"
	"net/http"

	"streamgate/internal/core/domain"
	"streamgate/internal/core/services"
	"streamgate/pkg/errors"

	"github.com/gin-gonic/gin"
)

// HealthChecker reports backend reachability for the health endpoint.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type SignalHandler struct {
	auth     services.AuthService
	registry *services.RoomRegistry
	health   HealthChecker
}

func NewSignalHandler(auth services.AuthService, registry *services.RoomRegistry, health HealthChecker) *SignalHandler {
	return &SignalHandler{
		auth:     auth,
		registry: registry,
		health:   health,
	}
}

func (h *SignalHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)

	api := router.Group("/api/v1")
	{
		api.POST("/tokens/join", h.IssueJoinToken)
		api.GET("/rooms/:id/stats", h.GetRoomStats)
	}
}

type JoinTokenRequest struct {
	UserID   string `json:"user_id" binding:"required,max=128"`
	StreamID string `json:"stream_id" binding:"required,max=128"`
	Role     string `json:"role" binding:"required,oneof=broadcaster viewer"`
}

func (h *SignalHandler) IssueJoinToken(c *gin.Context) {
	if h.auth == nil {
		c.Error(errors.NewServiceUnavailableError("authentication is disabled"))
		return
	}

	var req JoinTokenRequest
	if err := c.BindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	token, err := h.auth.IssueJoinToken(
		domain.UserID(req.UserID),
		domain.StreamID(req.StreamID),
		domain.Role(req.Role),
	)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"token": token,
	})
}

func (h *SignalHandler) GetRoomStats(c *gin.Context) {
	streamID := domain.StreamID(c.Param("id"))

	snap, err := h.registry.RoomStats(streamID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"room": snap,
	})
}

func (h *SignalHandler) Health(c *gin.Context) {
	if h.health != nil {
		if err := h.health.HealthCheck(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "degraded",
				"error":  err.Error(),
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": h.registry.ConnectionCount(),
		"rooms":       h.registry.RoomCount(),
	})
}
