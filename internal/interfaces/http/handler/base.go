// Package handler implements the HTTP handlers of the analytics API.
package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/crm/backend/internal/domain/shared"
	"github.com/crm/backend/internal/infrastructure/logger"
	"github.com/crm/backend/internal/interfaces/http/dto"
	"github.com/crm/backend/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// BaseHandler provides common handler utilities
type BaseHandler struct {
	logger *zap.Logger
}

// Success sends a success response
func (h *BaseHandler) Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, dto.NewSuccessResponse(data))
}

// Error sends an error response, deriving the status code from the error code
func (h *BaseHandler) Error(c *gin.Context, code, message string) {
	c.JSON(dto.GetHTTPStatus(code), dto.NewErrorResponseWithRequestID(code, message, middleware.GetRequestID(c)))
}

// BadRequest sends a 400 bad request response
func (h *BaseHandler) BadRequest(c *gin.Context, message string) {
	h.Error(c, dto.ErrCodeBadRequest, message)
}

// HandleError converts errors to HTTP responses. Domain errors keep their
// message; anything else is logged and reported as an internal error.
func (h *BaseHandler) HandleError(c *gin.Context, err error) {
	if err == nil {
		return
	}

	var domainErr *shared.DomainError
	if errors.As(err, &domainErr) {
		code := dto.NormalizeErrorCode(domainErr.Code)
		if dto.GetHTTPStatus(code) >= http.StatusInternalServerError {
			h.log(c).Error("Request failed", zap.String("code", code), zap.Error(err))
		}
		h.Error(c, code, domainErr.Message)
		return
	}

	if errors.Is(err, context.Canceled) {
		// client went away; nothing useful can be written
		c.Abort()
		return
	}

	h.log(c).Error("Unexpected error", zap.Error(err))
	h.Error(c, dto.ErrCodeInternal, "An unexpected error occurred")
}

func (h *BaseHandler) log(c *gin.Context) *zap.Logger {
	base := h.logger
	if base == nil {
		base = zap.NewNop()
	}
	return logger.FromContext(c.Request.Context(), base)
}
