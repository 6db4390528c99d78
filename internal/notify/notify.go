// Package notify delivers user notifications (email, SMS) through the
// external sender service.
//
// Every message is POSTed as JSON to a single endpoint and signed with
// HMAC-SHA256 over the body. The sender fans out to the user's channels.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mbd888/mediation/internal/circuitbreaker"
	"github.com/mbd888/mediation/internal/retry"
)

var (
	ErrCircuitOpen = errors.New("notify: sender circuit open")
	ErrRejected    = errors.New("notify: sender rejected message")
)

// Channel selects how the sender reaches the user.
type Channel string

const (
	ChannelDefault Channel = ""
	ChannelSMS     Channel = "sms"
	ChannelEmail   Channel = "email"
)

// Message is one notification.
type Message struct {
	ID        string         `json:"id"`
	Event     string         `json:"event"`
	UserID    string         `json:"user_id,omitempty"`
	Phone     string         `json:"phone,omitempty"`
	Channel   Channel        `json:"channel,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Sender delivers a message synchronously.
type Sender interface {
	Send(ctx context.Context, msg *Message) error
}

// Client posts signed messages to the sender endpoint.
type Client struct {
	endpoint string
	secret   string
	http     *http.Client
	breaker  *circuitbreaker.Breaker
	attempts int
	backoff  time.Duration
}

// NewClient creates a new sender client.
func NewClient(endpoint, secret string) *Client {
	return &Client{
		endpoint: endpoint,
		secret:   secret,
		http:     &http.Client{Timeout: 10 * time.Second},
		breaker:  circuitbreaker.New(5, 30*time.Second),
		attempts: 3,
		backoff:  200 * time.Millisecond,
	}
}

// WithRetry overrides the attempt count and base backoff.
func (c *Client) WithRetry(attempts int, backoff time.Duration) *Client {
	c.attempts = attempts
	c.backoff = backoff
	return c
}

// WithHTTPClient replaces the HTTP client.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

// WithLogger logs circuit transitions for the sender host.
func (c *Client) WithLogger(l *slog.Logger) *Client {
	c.breaker.WithLogger(l)
	return c
}

func (c *Client) breakerKey() string {
	if u, err := url.Parse(c.endpoint); err == nil && u.Host != "" {
		return u.Host
	}
	return c.endpoint
}

// Send posts msg, retrying transport errors and 5xx responses.
func (c *Client) Send(ctx context.Context, msg *Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	err = c.breaker.Execute(c.breakerKey(), func() error {
		return retry.Do(ctx, c.attempts, c.backoff, func() error {
			return c.post(ctx, msg, payload)
		})
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return ErrCircuitOpen
	}
	return err
}

// Check reports ErrCircuitOpen while deliveries to the sender host are
// short-circuited.
func (c *Client) Check(context.Context) error {
	if c.breaker.State(c.breakerKey()) == circuitbreaker.StateOpen {
		return ErrCircuitOpen
	}
	return nil
}

func (c *Client) post(ctx context.Context, msg *Message, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Mediation-Event", msg.Event)
	req.Header.Set("X-Mediation-Timestamp", strconv.FormatInt(msg.Timestamp.Unix(), 10))
	if c.secret != "" {
		req.Header.Set("X-Mediation-Signature", Sign(payload, c.secret))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("sender status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode))
	}
}

// Sign returns "sha256=" followed by the hex HMAC-SHA256 of payload.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature produced by Sign.
func Verify(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}

// LogSender writes messages to the log instead of delivering them. It is
// used when no sender endpoint is configured.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a sender that only logs.
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (l *LogSender) Send(_ context.Context, msg *Message) error {
	l.logger.Info("notification (not delivered, no sender configured)",
		"event", msg.Event, "user_id", msg.UserID, "channel", msg.Channel)
	return nil
}
