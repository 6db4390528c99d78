package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for reaching the mediation API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	Token  string // Bearer token of an admin account
}

// Client is an HTTP client for the admin side of the mediation API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// envelope is the common response shape: {success, error, ...}.
type envelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// APIError is a failed API call.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + "/api" + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var env envelope
	decodeErr := json.Unmarshal(respBody, &env)
	if resp.StatusCode >= 400 || (decodeErr == nil && !env.Success) {
		msg := env.Error
		if decodeErr != nil || msg == "" {
			msg = string(respBody)
		}
		return nil, &APIError{Status: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode response: %w", decodeErr)
	}
	return json.RawMessage(respBody), nil
}

// GetDispute returns the dispute detail view.
func (c *Client) GetDispute(ctx context.Context, id string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/disputes/"+url.PathEscape(id), nil, nil)
}

// ListDisputes returns one page of the admin queue.
func (c *Client) ListDisputes(ctx context.Context, status string, limit int, cursor string) (json.RawMessage, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	return c.do(ctx, http.MethodGet, "/admin/disputes", q, nil)
}

// GetPresence returns who is live in the mediation room.
func (c *Client) GetPresence(ctx context.Context, disputeID string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/disputes/"+url.PathEscape(disputeID)+"/presence", nil, nil)
}

// StartMediation claims the dispute and activates its session.
func (c *Client) StartMediation(ctx context.Context, disputeID string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, "/mediation/start", nil, map[string]string{"dispute_id": disputeID})
}

// ResolveDispute closes the dispute with the given resolution type.
func (c *Client) ResolveDispute(ctx context.Context, disputeID, resolutionType, note string) (json.RawMessage, error) {
	body := map[string]string{"resolution_type": resolutionType, "resolution_note": note}
	return c.do(ctx, http.MethodPost, "/disputes/"+url.PathEscape(disputeID)+"/resolve", nil, body)
}

// ReopenDispute reopens a closed or cancelled dispute by id or by order.
func (c *Client) ReopenDispute(ctx context.Context, disputeID, orderID, details string) (json.RawMessage, error) {
	body := map[string]string{"dispute_id": disputeID, "order_id": orderID, "details": details}
	return c.do(ctx, http.MethodPost, "/orders/reopen-dispute", nil, body)
}

// ListRefunds returns refund requests, newest first.
func (c *Client) ListRefunds(ctx context.Context, status string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.do(ctx, http.MethodGet, "/admin/refunds", q, nil)
}

// DecideRefund approves or rejects a pending refund.
func (c *Client) DecideRefund(ctx context.Context, refundID string, approve bool, note string) (json.RawMessage, error) {
	body := map[string]any{"approve": approve, "admin_note": note}
	return c.do(ctx, http.MethodPatch, "/admin/refunds/"+url.PathEscape(refundID), nil, body)
}
