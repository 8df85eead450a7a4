package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/acrylic-style/gptx-api/internal/domain/shared"
	"github.com/acrylic-style/gptx-api/internal/interfaces/http/dto"
)

// BaseHandler provides common handler utilities
type BaseHandler struct{}

// Success sends a success response
func (h *BaseHandler) Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, dto.NewSuccessResponse(data))
}

// Error sends an error response with the appropriate status code
func (h *BaseHandler) Error(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, dto.NewErrorResponse(code, message))
}

// BadRequest sends a 400 bad request response
func (h *BaseHandler) BadRequest(c *gin.Context, message string) {
	h.Error(c, http.StatusBadRequest, dto.ErrCodeBadRequest, message)
}

// NotFound sends a 404 not found response
func (h *BaseHandler) NotFound(c *gin.Context, message string) {
	h.Error(c, http.StatusNotFound, dto.ErrCodeNotFound, message)
}

// HandleDomainError maps a domain error onto an HTTP error response
func (h *BaseHandler) HandleDomainError(c *gin.Context, err error) {
	var domainErr *shared.DomainError
	if errors.As(err, &domainErr) {
		switch {
		case errors.Is(err, shared.ErrNotFound):
			h.Error(c, http.StatusNotFound, dto.ErrCodeNotFound, domainErr.Message)
		case errors.Is(err, shared.ErrConflict):
			h.Error(c, http.StatusConflict, dto.ErrCodeConflict, domainErr.Message)
		case errors.Is(err, shared.ErrStoreUnavailable):
			h.Error(c, http.StatusServiceUnavailable, dto.ErrCodeStoreUnavailable, domainErr.Message)
		default:
			h.Error(c, http.StatusBadRequest, dto.ErrCodeBadRequest, domainErr.Message)
		}
		return
	}
	h.Error(c, http.StatusInternalServerError, dto.ErrCodeInternal, "Internal server error")
}
