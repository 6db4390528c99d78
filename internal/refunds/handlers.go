package refunds

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/mediation/internal/auth"
	"github.com/mbd888/mediation/internal/ledger"
	"github.com/mbd888/mediation/internal/logging"
	"github.com/mbd888/mediation/internal/pagination"
	"github.com/mbd888/mediation/internal/participant"
	"github.com/mbd888/mediation/internal/validation"
)

// Handler provides HTTP endpoints for refund requests.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new refund handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterProtectedRoutes sets up refund routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/orders/:id/refunds", validation.IDParamMiddleware(), h.RequestRefund)
	r.GET("/admin/refunds", h.ListRefunds)
	r.GET("/admin/refunds/:id", validation.IDParamMiddleware(), h.GetRefund)
	r.PATCH("/admin/refunds/:id", validation.IDParamMiddleware(), h.DecideRefund)
}

// RequestRefund handles POST /orders/:id/refunds
func (h *Handler) RequestRefund(c *gin.Context) {
	var req RequestInput
	if !h.bind(c, &req) {
		return
	}
	req.OrderID = c.Param("id")
	req.RequestedBy = auth.UserID(c)
	req.Reason = validation.SanitizeString(req.Reason, validation.MaxDetailsLength)

	r, err := h.service.Request(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "refund": r})
}

type decideRequest struct {
	Approve   *bool  `json:"approve" binding:"required"`
	AdminNote string `json:"admin_note"`
}

// DecideRefund handles PATCH /admin/refunds/:id
func (h *Handler) DecideRefund(c *gin.Context) {
	var req decideRequest
	if !h.bind(c, &req) {
		return
	}
	r, err := h.service.Decide(c.Request.Context(), c.Param("id"), auth.UserID(c), Decision{
		Approve:   *req.Approve,
		AdminNote: validation.SanitizeString(req.AdminNote, validation.MaxDetailsLength),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "refund": r})
}

// GetRefund handles GET /admin/refunds/:id
func (h *Handler) GetRefund(c *gin.Context) {
	r, err := h.service.Get(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "refund": r})
}

// ListRefunds handles GET /admin/refunds
func (h *Handler) ListRefunds(c *gin.Context) {
	status, err := ParseStatus(c.Query("status"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	limit := pagination.ParseLimit(c.Query("limit"), 50, 200)

	list, err := h.service.List(c.Request.Context(), auth.UserID(c), status, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if list == nil {
		list = []*Refund{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "refunds": list})
}

func (h *Handler) bind(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		if validation.BodyTooLarge(err) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"success": false, "error": "request body too large"})
			return false
		}
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
		return false
	}
	return true
}

var errorStatus = []struct {
	err    error
	status int
}{
	{ErrNotFound, http.StatusNotFound},
	{ErrOrderNotFound, http.StatusNotFound},
	{ErrNotAuthorized, http.StatusForbidden},
	{ErrAlreadyProcessed, http.StatusBadRequest},
	{ErrAmountExceedsTotal, http.StatusBadRequest},
	{ErrInvalidAmount, http.StatusBadRequest},
	{ErrPendingExists, http.StatusBadRequest},
	{ErrOrderRefunded, http.StatusBadRequest},
	{ErrInvalidStatus, http.StatusBadRequest},
	{ledger.ErrInsufficientFunds, http.StatusBadRequest},
}

func (h *Handler) writeError(c *gin.Context, err error) {
	if errors.Is(err, participant.ErrNotParticipant) {
		c.JSON(http.StatusForbidden, gin.H{"success": false, "error": "only the order's client can request a refund"})
		return
	}
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			msg := e.err.Error()
			if i := strings.Index(msg, ": "); i >= 0 {
				msg = msg[i+2:]
			}
			c.JSON(e.status, gin.H{"success": false, "error": msg})
			return
		}
	}
	h.logger.Error("refund request failed",
		"path", c.FullPath(), "request_id", logging.RequestID(c.Request.Context()), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal error"})
}
