package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	appmetering "github.com/acrylic-style/gptx-api/internal/application/metering"
	"github.com/acrylic-style/gptx-api/internal/domain/metering"
	"github.com/acrylic-style/gptx-api/internal/interfaces/http/dto"
)

// MeteringHandler exposes quota admission and usage recording endpoints
type MeteringHandler struct {
	BaseHandler
	admission *appmetering.AdmissionService
	ledger    *appmetering.Ledger
	tracker   *appmetering.PendingRunTracker
	logger    *zap.Logger
}

// NewMeteringHandler creates a new metering handler
func NewMeteringHandler(
	admission *appmetering.AdmissionService,
	ledger *appmetering.Ledger,
	tracker *appmetering.PendingRunTracker,
	logger *zap.Logger,
) *MeteringHandler {
	return &MeteringHandler{
		admission: admission,
		ledger:    ledger,
		tracker:   tracker,
		logger:    logger,
	}
}

// RegisterRoutes registers metering routes
func (h *MeteringHandler) RegisterRoutes(rg *gin.RouterGroup) {
	group := rg.Group("/metering")
	{
		group.POST("/admit", h.Admit)
		group.POST("/usage", h.RecordUsage)
		group.POST("/runs", h.TrackRun)
		group.GET("/users/:id/usage", h.UserUsage)
	}
}

// AdmitRequest is the request body for an admission decision
type AdmitRequest struct {
	UserID          string `json:"user_id" binding:"required"`
	Model           string `json:"model" binding:"required"`
	ProvisionalCost int64  `json:"provisional_cost" binding:"min=0"`
}

// AdmitResponse is the response body for an admission decision
type AdmitResponse struct {
	Allowed   bool   `json:"allowed"`
	Remaining *int64 `json:"remaining"`
	Reason    string `json:"reason,omitempty"`
}

// Admit decides whether an operation may proceed, pre-charging its declared
// cost when allowed
func (h *MeteringHandler) Admit(c *gin.Context) {
	var req AdmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	result, err := h.admission.Admit(c.Request.Context(), appmetering.AdmissionInput{
		UserID:          req.UserID,
		Model:           metering.Model(req.Model),
		ProvisionalCost: req.ProvisionalCost,
	})
	if err != nil {
		h.HandleDomainError(c, err)
		return
	}

	resp := AdmitResponse{
		Allowed:   result.Allowed,
		Remaining: result.Remaining,
		Reason:    result.Reason,
	}
	if !result.Allowed {
		status := http.StatusTooManyRequests
		message := "Operation denied by quota"
		if result.Error != nil {
			message = result.Error.Message
		}
		c.JSON(status, dto.Response{
			Success: false,
			Data:    resp,
			Error:   &dto.ErrorInfo{Code: dto.ErrCodeQuotaExceeded, Message: message},
		})
		return
	}

	h.Success(c, resp)
}

// RecordUsageRequest is the request body for a synchronous usage report
type RecordUsageRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Model  string `json:"model" binding:"required"`
	Amount int64  `json:"amount" binding:"min=0"`
}

// RecordUsage records usage whose cost is already known, such as an image
// generation or a completed synchronous call
func (h *MeteringHandler) RecordUsage(c *gin.Context) {
	var req RecordUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	if err := h.ledger.Increment(c.Request.Context(), req.UserID, metering.Model(req.Model), req.Amount); err != nil {
		h.HandleDomainError(c, err)
		return
	}

	h.Success(c, gin.H{"recorded": req.Amount})
}

// TrackRunRequest is the request body for tracking a dispatched run
type TrackRunRequest struct {
	UserID          string `json:"user_id" binding:"required"`
	ThreadID        string `json:"thread_id" binding:"required"`
	RunID           string `json:"run_id" binding:"required"`
	ProvisionalCost int64  `json:"provisional_cost" binding:"min=0"`
}

// TrackRun starts cost tracking for an asynchronous run. Tracking the same
// run twice is harmless.
func (h *MeteringHandler) TrackRun(c *gin.Context) {
	var req TrackRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	err := h.tracker.Enqueue(c.Request.Context(), req.UserID, req.ThreadID, req.RunID, req.ProvisionalCost)
	if err != nil {
		h.HandleDomainError(c, err)
		return
	}

	h.Success(c, gin.H{"tracked": true})
}

// UserUsage returns the current usage summary for a user
func (h *MeteringHandler) UserUsage(c *gin.Context) {
	userID := c.Param("id")
	if userID == "" {
		h.BadRequest(c, "User ID is required")
		return
	}

	summary, err := h.ledger.UsageSummary(c.Request.Context(), userID)
	if err != nil {
		h.HandleDomainError(c, err)
		return
	}

	h.Success(c, summary)
}
