package middleware

import (
	"errors"
	"net/http"

	"streamgate/internal/core/domain"
	apperrors "streamgate/pkg/errors"
	pkglogger "streamgate/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// mapDomainError translates core sentinels into application errors so the
// HTTP surface stays consistent regardless of which handler raised them.
func mapDomainError(err error) *apperrors.AppError {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound),
		errors.Is(err, domain.ErrRoomNotFound),
		errors.Is(err, domain.ErrConnectionNotFound):
		return apperrors.WrapError(err, apperrors.ErrCodeNotFound, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrSessionExists),
		errors.Is(err, domain.ErrAlreadyInDifferentRoom):
		return apperrors.WrapError(err, apperrors.ErrCodeConflict, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrUnauthorizedRole),
		errors.Is(err, domain.ErrNotInRoom):
		return apperrors.WrapError(err, apperrors.ErrCodeForbidden, err.Error(), http.StatusForbidden)
	case errors.Is(err, domain.ErrUnknownVariant):
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrEncodeStartFailure):
		return apperrors.NewEncodeFailureError(err)
	default:
		return nil
	}
}

// ErrorHandlerMiddleware handles application errors and returns appropriate HTTP responses
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err

		appErr := apperrors.GetAppError(err)
		if appErr == nil {
			appErr = mapDomainError(err)
		}
		log := pkglogger.WithTrace(c.Request.Context(), logger)
		if appErr != nil {
			log.Warnw("request failed",
				"code", appErr.Code,
				"message", appErr.Message,
				"status", appErr.HTTPStatus,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)
			c.JSON(appErr.HTTPStatus, gin.H{
				"error":   string(appErr.Code),
				"message": appErr.Message,
			})
			return
		}

		log.Errorw("unhandled error",
			"error", err.Error(),
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   string(apperrors.ErrCodeInternal),
			"message": "Internal server error",
		})
	}
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				c.JSON(http.StatusInternalServerError, gin.H{
					"error":   string(apperrors.ErrCodeInternal),
					"message": "Internal server error",
				})
				c.Abort()
			}
		}()

		c.Next()
	}
}
