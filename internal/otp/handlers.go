package otp

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/mediation/internal/auth"
	"github.com/mbd888/mediation/internal/logging"
)

// Handler provides HTTP endpoints for phone verification.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new verification handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterProtectedRoutes sets up verification routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/verification/phone/send", h.SendCode)
	r.POST("/verification/phone/verify", h.VerifyCode)
}

type sendRequest struct {
	Phone string `json:"phone" binding:"required"`
}

// SendCode handles POST /verification/phone/send
func (h *Handler) SendCode(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "phone is required"})
		return
	}
	if err := h.service.Send(c.Request.Context(), auth.UserID(c), req.Phone); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type verifyRequest struct {
	Phone string `json:"phone" binding:"required"`
	Code  string `json:"code" binding:"required"`
}

// VerifyCode handles POST /verification/phone/verify
func (h *Handler) VerifyCode(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "phone and code are required"})
		return
	}
	if err := h.service.Verify(c.Request.Context(), auth.UserID(c), req.Phone, strings.TrimSpace(req.Code)); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "verified": true})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrCooldown), errors.Is(err, ErrTooManyAttempts):
		status = http.StatusTooManyRequests
	case errors.Is(err, ErrInvalidPhone), errors.Is(err, ErrNoCode), errors.Is(err, ErrInvalidCode):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("verification failed",
			"path", c.FullPath(), "request_id", logging.RequestID(c.Request.Context()), "error", err)
		c.JSON(status, gin.H{"success": false, "error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"success": false, "error": strings.TrimPrefix(err.Error(), "otp: ")})
}
