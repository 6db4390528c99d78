package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleGetDispute shows one dispute.
func (h *Handlers) HandleGetDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("dispute_id", "")
	if id == "" {
		return mcp.NewToolResultError("dispute_id is required"), nil
	}
	raw, err := h.client.GetDispute(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get dispute: %v", err)), nil
	}
	text, err := formatDisputeDetail(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse dispute: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListOpenDisputes pages through the open queue.
func (h *Handlers) HandleListOpenDisputes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 20)
	raw, err := h.client.ListDisputes(ctx, "open", limit, req.GetString("cursor", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list disputes: %v", err)), nil
	}
	text, err := formatDisputeList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse disputes: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetPresence shows the live participants of a dispute.
func (h *Handlers) HandleGetPresence(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("dispute_id", "")
	if id == "" {
		return mcp.NewToolResultError("dispute_id is required"), nil
	}
	raw, err := h.client.GetPresence(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get presence: %v", err)), nil
	}
	var resp struct {
		Presence presence `json:"presence"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse presence: %v", err)), nil
	}
	return mcp.NewToolResultText("In the room: " + resp.Presence.String()), nil
}

// HandleStartMediation claims a dispute and opens its session.
func (h *Handlers) HandleStartMediation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("dispute_id", "")
	if id == "" {
		return mcp.NewToolResultError("dispute_id is required"), nil
	}
	if _, err := h.client.StartMediation(ctx, id); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to start mediation: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Mediation started for dispute %s. Chat is open for both parties.", id)), nil
}

// HandleResolveDispute closes a dispute.
func (h *Handlers) HandleResolveDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("dispute_id", "")
	resolution := req.GetString("resolution_type", "")
	if id == "" || resolution == "" {
		return mcp.NewToolResultError("dispute_id and resolution_type are required"), nil
	}
	if _, err := h.client.ResolveDispute(ctx, id, resolution, req.GetString("note", "")); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to resolve dispute: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Dispute %s closed (%s).", id, resolution)), nil
}

// HandleReopenDispute reopens a dispute.
func (h *Handlers) HandleReopenDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("dispute_id", "")
	orderID := req.GetString("order_id", "")
	if id == "" && orderID == "" {
		return mcp.NewToolResultError("dispute_id or order_id is required"), nil
	}
	raw, err := h.client.ReopenDispute(ctx, id, orderID, req.GetString("details", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to reopen dispute: %v", err)), nil
	}
	var resp struct {
		DisputeID string `json:"dispute_id"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Dispute %s reopened. The session is waiting for both parties.", resp.DisputeID)), nil
}

// HandleListRefunds lists refund requests.
func (h *Handlers) HandleListRefunds(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListRefunds(ctx, req.GetString("status", "pending"), req.GetInt("limit", 50))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list refunds: %v", err)), nil
	}
	var resp struct {
		Refunds []refund `json:"refunds"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse refunds: %v", err)), nil
	}
	if len(resp.Refunds) == 0 {
		return mcp.NewToolResultText("No refund requests found."), nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d refund request(s):\n\n", len(resp.Refunds))
	for _, r := range resp.Refunds {
		sb.WriteString(r.line())
		sb.WriteByte('\n')
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleDecideRefund approves or rejects a refund.
func (h *Handlers) HandleDecideRefund(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("refund_id", "")
	approve, ok := req.GetArguments()["approve"].(bool)
	if id == "" || !ok {
		return mcp.NewToolResultError("refund_id and approve are required"), nil
	}
	raw, err := h.client.DecideRefund(ctx, id, approve, req.GetString("note", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to decide refund: %v", err)), nil
	}
	var resp struct {
		Refund refund `json:"refund"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse refund: %v", err)), nil
	}
	return mcp.NewToolResultText("Refund decided.\n" + resp.Refund.line()), nil
}

// --- formatting ---

type presence struct {
	Client   bool `json:"client"`
	Provider bool `json:"provider"`
	Admin    bool `json:"admin"`
}

func (p presence) String() string {
	var who []string
	if p.Client {
		who = append(who, "client")
	}
	if p.Provider {
		who = append(who, "provider")
	}
	if p.Admin {
		who = append(who, "admin")
	}
	if len(who) == 0 {
		return "nobody"
	}
	return strings.Join(who, ", ")
}

type dispute struct {
	ID                    string `json:"id"`
	OrderID               string `json:"order_id"`
	OpenerRole            string `json:"opener_role"`
	Reason                string `json:"reason"`
	Details               string `json:"details"`
	Status                string `json:"status"`
	ResolutionType        string `json:"resolution_type"`
	SessionStatus         string `json:"session_status"`
	ClientAcceptedRules   bool   `json:"client_accepted_rules"`
	ProviderAcceptedRules bool   `json:"provider_accepted_rules"`
	AdminID               string `json:"admin_id"`
	ReopenCount           int    `json:"reopen_count"`
	CreatedAt             string `json:"created_at"`
}

func (d dispute) line() string {
	return fmt.Sprintf("- %s | order %s | %s by %s | session %s | opened %s",
		d.ID, d.OrderID, d.Reason, d.OpenerRole, d.SessionStatus, d.CreatedAt)
}

type refund struct {
	ID          string `json:"id"`
	OrderID     string `json:"order_id"`
	AmountCents int64  `json:"amount_cents"`
	Reason      string `json:"reason"`
	Status      string `json:"status"`
	AdminNote   string `json:"admin_note"`
}

func (r refund) line() string {
	s := fmt.Sprintf("- %s | order %s | %s | %s", r.ID, r.OrderID, formatCents(r.AmountCents), r.Status)
	if r.AdminNote != "" {
		s += " | note: " + r.AdminNote
	}
	return s
}

func formatCents(c int64) string {
	sign := ""
	if c < 0 {
		sign, c = "-", -c
	}
	return fmt.Sprintf("%s%d.%02d", sign, c/100, c%100)
}

func formatDisputeDetail(raw json.RawMessage) (string, error) {
	var resp struct {
		Dispute  dispute  `json:"dispute"`
		Presence presence `json:"presence"`
		ChatOpen bool     `json:"chat_open"`
		Order    struct {
			Status     string `json:"status"`
			TotalCents int64  `json:"total_cents"`
		} `json:"order"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	d := resp.Dispute
	var sb strings.Builder
	fmt.Fprintf(&sb, "Dispute %s (%s)\n", d.ID, d.Status)
	fmt.Fprintf(&sb, "Order: %s, status %s, amount %s\n", d.OrderID, resp.Order.Status, formatCents(resp.Order.TotalCents))
	fmt.Fprintf(&sb, "Opened by %s, reason %s\n", d.OpenerRole, d.Reason)
	if d.Details != "" {
		fmt.Fprintf(&sb, "Details: %s\n", d.Details)
	}
	fmt.Fprintf(&sb, "Session: %s (chat %s)\n", d.SessionStatus, map[bool]string{true: "open", false: "closed"}[resp.ChatOpen])
	fmt.Fprintf(&sb, "Rules accepted: client=%t provider=%t\n", d.ClientAcceptedRules, d.ProviderAcceptedRules)
	fmt.Fprintf(&sb, "In the room: %s\n", resp.Presence)
	if d.AdminID != "" {
		fmt.Fprintf(&sb, "Mediator: %s\n", d.AdminID)
	}
	if d.ResolutionType != "" {
		fmt.Fprintf(&sb, "Resolution: %s\n", d.ResolutionType)
	}
	if d.ReopenCount > 0 {
		fmt.Fprintf(&sb, "Reopened %d time(s)\n", d.ReopenCount)
	}
	return sb.String(), nil
}

func formatDisputeList(raw json.RawMessage) (string, error) {
	var resp struct {
		Disputes   []dispute `json:"disputes"`
		NextCursor string    `json:"next_cursor"`
		HasMore    bool      `json:"has_more"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Disputes) == 0 {
		return "No open disputes.", nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d open dispute(s):\n\n", len(resp.Disputes))
	for _, d := range resp.Disputes {
		sb.WriteString(d.line())
		sb.WriteByte('\n')
	}
	if resp.HasMore {
		fmt.Fprintf(&sb, "\nMore available, cursor: %s", resp.NextCursor)
	}
	return sb.String(), nil
}
