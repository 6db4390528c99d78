package ledger

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/mediation/internal/auth"
	"github.com/mbd888/mediation/internal/pagination"
)

// Handler provides HTTP endpoints for balance reads
type Handler struct {
	ledger *Ledger
	logger *slog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, logger: logger}
}

// RegisterProtectedRoutes sets up routes that require an authenticated caller.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/balances/me", h.GetMyBalances)
	r.GET("/balances/me/transactions", h.GetMyTransactions)
}

// GetMyBalances handles GET /balances/me
func (h *Handler) GetMyBalances(c *gin.Context) {
	userID := auth.UserID(c)
	client, provider, err := h.ledger.Balances(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to load balances", "user", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "failed to load balances"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"client":   client,
		"provider": provider,
	})
}

// GetMyTransactions handles GET /balances/me/transactions
func (h *Handler) GetMyTransactions(c *gin.Context) {
	limit := pagination.ParseLimit(c.Query("limit"), 50, 200)
	userID := auth.UserID(c)
	txs, err := h.ledger.Transactions(c.Request.Context(), userID, limit)
	if err != nil {
		h.logger.Error("failed to load transactions", "user", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "failed to load transactions"})
		return
	}
	if txs == nil {
		txs = []*Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "transactions": txs})
}
