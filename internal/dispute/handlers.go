package dispute

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/mediation/internal/auth"
	"github.com/mbd888/mediation/internal/logging"
	"github.com/mbd888/mediation/internal/orders"
	"github.com/mbd888/mediation/internal/pagination"
	"github.com/mbd888/mediation/internal/participant"
	"github.com/mbd888/mediation/internal/validation"
)

// Presence is the live-participant projection shown alongside a dispute.
type Presence struct {
	Client   bool `json:"client"`
	Provider bool `json:"provider"`
	Admin    bool `json:"admin"`
}

// PresenceReader loads the live presence projection of a dispute.
type PresenceReader interface {
	Snapshot(ctx context.Context, disputeID string) (Presence, error)
}

// Handler provides HTTP endpoints for dispute operations.
type Handler struct {
	service  *Service
	presence PresenceReader
	logger   *slog.Logger
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// WithPresence adds the presence projection to the dispute detail view.
func (h *Handler) WithPresence(p PresenceReader) *Handler {
	h.presence = p
	return h
}

// RegisterProtectedRoutes sets up dispute routes. All of them need a caller.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/orders/open-dispute", h.OpenDispute)
	r.POST("/orders/cancel-dispute", h.CancelDispute)
	r.POST("/orders/reopen-dispute", h.ReopenDispute)
	r.GET("/orders/:id/disputes", validation.IDParamMiddleware(), h.ListOrderDisputes)

	r.GET("/disputes/:id", validation.IDParamMiddleware(), h.GetDispute)
	r.POST("/disputes/:id/resolve", validation.IDParamMiddleware(), h.ResolveDispute)
	r.POST("/disputes/:id/accept-rules", validation.IDParamMiddleware(), h.AcceptRules)

	r.POST("/mediation/start", h.StartMediation)
	r.GET("/admin/disputes", h.ListDisputes)
}

// OpenDispute handles POST /orders/open-dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	var req OpenRequest
	if !h.bind(c, &req) {
		return
	}
	if errs := validation.Validate(
		validation.ValidID("order_id", req.OrderID),
		validation.MaxLength("details", req.Details, validation.MaxDetailsLength),
	); len(errs) > 0 {
		badRequest(c, errs.Error())
		return
	}
	req.CallerID = auth.UserID(c)
	req.Details = validation.SanitizeString(req.Details, validation.MaxDetailsLength)

	d, order, err := h.service.Open(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    gin.H{"dispute": d, "order": order},
	})
}

type cancelRequest struct {
	DisputeID string `json:"dispute_id" binding:"required"`
}

// CancelDispute handles POST /orders/cancel-dispute
func (h *Handler) CancelDispute(c *gin.Context) {
	var req cancelRequest
	if !h.bind(c, &req) {
		return
	}
	if err := h.service.Cancel(c.Request.Context(), req.DisputeID, auth.UserID(c)); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ReopenDispute handles POST /orders/reopen-dispute
func (h *Handler) ReopenDispute(c *gin.Context) {
	var req ReopenRequest
	if !h.bind(c, &req) {
		return
	}
	if req.OrderID == "" && req.DisputeID == "" {
		badRequest(c, "order_id or dispute_id is required")
		return
	}
	req.AdminID = auth.UserID(c)
	req.Details = validation.SanitizeString(req.Details, validation.MaxDetailsLength)

	id, err := h.service.Reopen(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "dispute_id": id})
}

// ResolveDispute handles POST /disputes/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if !h.bind(c, &req) {
		return
	}
	req.DisputeID = c.Param("id")
	req.CallerID = auth.UserID(c)
	req.Note = validation.SanitizeString(req.Note, validation.MaxDetailsLength)

	if err := h.service.Resolve(c.Request.Context(), req); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type acceptRulesRequest struct {
	Role string `json:"role"`
}

// AcceptRules handles POST /disputes/:id/accept-rules
func (h *Handler) AcceptRules(c *gin.Context) {
	var req acceptRulesRequest
	if c.Request.ContentLength > 0 && !h.bind(c, &req) {
		return
	}
	var role participant.Role
	if req.Role != "" {
		r, err := participant.ParseRole(req.Role)
		if err != nil {
			h.writeError(c, err)
			return
		}
		role = r
	}
	if err := h.service.AcceptRules(c.Request.Context(), c.Param("id"), auth.UserID(c), role); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type startMediationRequest struct {
	DisputeID string `json:"dispute_id" binding:"required"`
}

// StartMediation handles POST /mediation/start
func (h *Handler) StartMediation(c *gin.Context) {
	var req startMediationRequest
	if !h.bind(c, &req) {
		return
	}
	if err := h.service.StartMediation(c.Request.Context(), req.DisputeID, auth.UserID(c)); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// GetDispute handles GET /disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	callerID := auth.UserID(c)

	d, err := h.service.Get(ctx, id)
	if err != nil {
		h.writeError(c, err)
		return
	}

	var (
		order    *orders.Order
		match    participant.Match
		presence Presence
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		o, err := h.service.loadOrder(gctx, d.OrderID)
		if err != nil {
			return err
		}
		m, err := h.service.resolver.Require(gctx, o.Parties(), callerID, "")
		if err != nil {
			return err
		}
		order, match = o, m
		return nil
	})
	if h.presence != nil {
		g.Go(func() error {
			p, err := h.presence.Snapshot(gctx, d.ID)
			if err != nil {
				return err
			}
			presence = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"dispute":   d,
		"order":     order,
		"presence":  presence,
		"chat_open": d.ChatOpen(),
		"viewer":    match,
	})
}

// ListOrderDisputes handles GET /orders/:id/disputes
func (h *Handler) ListOrderDisputes(c *gin.Context) {
	disputes, err := h.service.ListByOrder(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if disputes == nil {
		disputes = []*Dispute{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "disputes": disputes})
}

// ListDisputes handles GET /admin/disputes
func (h *Handler) ListDisputes(c *gin.Context) {
	limit := pagination.ParseLimit(c.Query("limit"), 50, 100)
	f := ListFilter{Status: Status(c.Query("status")), Limit: limit + 1}
	switch f.Status {
	case "", StatusOpen, StatusClosed, StatusCancelled:
	default:
		badRequest(c, "status must be open, closed or cancelled")
		return
	}
	cur, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		badRequest(c, publicMessage(err))
		return
	}
	if cur != nil {
		f.CursorAt, f.CursorID = cur.CreatedAt, cur.ID
	}

	disputes, err := h.service.List(c.Request.Context(), auth.UserID(c), f)
	if err != nil {
		h.writeError(c, err)
		return
	}
	page, next, hasMore := pagination.ComputePage(disputes, limit, func(d *Dispute) (time.Time, string) {
		return d.CreatedAt, d.ID
	})
	if page == nil {
		page = []*Dispute{}
	}
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"disputes":    page,
		"next_cursor": next,
		"has_more":    hasMore,
	})
}

func (h *Handler) bind(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		if validation.BodyTooLarge(err) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"success": false, "error": "request body too large"})
			return false
		}
		badRequest(c, "invalid request body")
		return false
	}
	return true
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": msg})
}

var errorStatus = []struct {
	err    error
	status int
}{
	{ErrNotFound, http.StatusNotFound},
	{ErrOrderNotFound, http.StatusNotFound},
	{ErrNotAuthorized, http.StatusForbidden},
	{ErrDisputeAlreadyOpen, http.StatusBadRequest},
	{ErrAlreadyClosed, http.StatusBadRequest},
	{ErrNotTerminal, http.StatusBadRequest},
	{ErrInvalidReason, http.StatusBadRequest},
	{ErrInvalidResolution, http.StatusBadRequest},
	{ErrSessionEnded, http.StatusBadRequest},
	{ErrConflict, http.StatusBadRequest},
	{ErrOrderNotDisputable, http.StatusBadRequest},
	{participant.ErrInvalidRole, http.StatusBadRequest},
}

// writeError maps service errors to the HTTP taxonomy. Anything unknown is a
// 500 whose detail stays in the server log.
func (h *Handler) writeError(c *gin.Context, err error) {
	if errors.Is(err, participant.ErrNotParticipant) {
		c.JSON(http.StatusForbidden, gin.H{"success": false, "error": "you are not a participant in this dispute"})
		return
	}
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			c.JSON(e.status, gin.H{"success": false, "error": publicMessage(e.err)})
			return
		}
	}
	h.logger.Error("dispute request failed",
		"path", c.FullPath(), "request_id", logging.RequestID(c.Request.Context()), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal error"})
}

func publicMessage(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, ": "); i >= 0 {
		return msg[i+2:]
	}
	return msg
}
