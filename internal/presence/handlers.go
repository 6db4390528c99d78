package presence

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/mediation/internal/auth"
	"github.com/mbd888/mediation/internal/dispute"
	"github.com/mbd888/mediation/internal/logging"
	"github.com/mbd888/mediation/internal/participant"
	"github.com/mbd888/mediation/internal/validation"
)

// Handler provides HTTP endpoints for mediation room presence.
type Handler struct {
	tracker *Tracker
	logger  *slog.Logger
}

// NewHandler creates a new presence handler.
func NewHandler(tracker *Tracker, logger *slog.Logger) *Handler {
	return &Handler{tracker: tracker, logger: logger}
}

// RegisterProtectedRoutes sets up presence routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/disputes/:id/join", validation.IDParamMiddleware(), h.Join)
	r.POST("/disputes/:id/presence", validation.IDParamMiddleware(), h.Update)
	r.GET("/disputes/:id/presence", validation.IDParamMiddleware(), h.Get)
}

type joinRequest struct {
	Role string `json:"role"`
	Seq  int64  `json:"seq"`
}

// Join handles POST /disputes/:id/join
func (h *Handler) Join(c *gin.Context) {
	var req joinRequest
	if c.Request.ContentLength > 0 && !h.bind(c, &req) {
		return
	}
	if req.Seq < 0 {
		badRequest(c, "seq must not be negative")
		return
	}
	res, err := h.tracker.Join(c.Request.Context(), JoinRequest{
		DisputeID: c.Param("id"),
		UserID:    auth.UserID(c),
		Role:      participant.Role(req.Role),
		Seq:       req.Seq,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"presence_id":  res.PresenceID,
		"both_present": res.BothPresent,
		"seq":          res.Seq,
	})
}

type updateRequest struct {
	Action string `json:"action" binding:"required"`
	Seq    int64  `json:"seq"`
}

// Update handles POST /disputes/:id/presence
func (h *Handler) Update(c *gin.Context) {
	var req updateRequest
	if !h.bind(c, &req) {
		return
	}
	if req.Seq < 0 {
		badRequest(c, "seq must not be negative")
		return
	}
	ctx := c.Request.Context()
	disputeID, userID := c.Param("id"), auth.UserID(c)

	var err error
	switch strings.ToLower(req.Action) {
	case "heartbeat":
		at, e := h.tracker.Heartbeat(ctx, disputeID, userID, req.Seq)
		if e == nil {
			c.JSON(http.StatusOK, gin.H{"success": true, "timestamp": at})
			return
		}
		err = e
	case "leave":
		at, e := h.tracker.Leave(ctx, disputeID, userID, req.Seq)
		if e == nil {
			c.JSON(http.StatusOK, gin.H{"success": true, "timestamp": at})
			return
		}
		err = e
	default:
		badRequest(c, "action must be heartbeat or leave")
		return
	}
	h.writeError(c, err)
}

// Get handles GET /disputes/:id/presence
func (h *Handler) Get(c *gin.Context) {
	summary, at, err := h.tracker.Get(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "presence": summary, "timestamp": at})
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
	{dispute.ErrNotFound, http.StatusNotFound},
	{dispute.ErrOrderNotFound, http.StatusNotFound},
	{ErrNoActivePresence, http.StatusNotFound},
	{ErrDisputeClosed, http.StatusBadRequest},
	{ErrStaleWrite, http.StatusBadRequest},
	{participant.ErrInvalidRole, http.StatusBadRequest},
}

func (h *Handler) writeError(c *gin.Context, err error) {
	var denied *participant.DeniedError
	if errors.As(err, &denied) {
		c.JSON(http.StatusForbidden, gin.H{
			"success": false,
			"error":   "you are not a participant in this dispute",
			"debug":   denied.Match,
		})
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
	h.logger.Error("presence request failed",
		"path", c.FullPath(), "request_id", logging.RequestID(c.Request.Context()), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal error"})
}
