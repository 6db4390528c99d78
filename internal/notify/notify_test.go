package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestClient_SignsPayload(t *testing.T) {
	var (
		gotSig   string
		gotEvent string
		body     []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Mediation-Signature")
		gotEvent = r.Header.Get("X-Mediation-Event")
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "s3cret")
	msg := &Message{ID: "ntf_1", Event: "dispute.opened", UserID: "u1", Timestamp: time.Now()}
	if err := c.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotEvent != "dispute.opened" {
		t.Errorf("expected event header, got %q", gotEvent)
	}
	if !Verify(body, "s3cret", gotSig) {
		t.Errorf("signature %q does not verify", gotSig)
	}
	if Verify(body, "other", gotSig) {
		t.Error("signature must not verify under another secret")
	}

	var decoded Message
	if err := json.Unmarshal(body, &decoded); err != nil || decoded.UserID != "u1" {
		t.Fatalf("unexpected payload %s", body)
	}
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "").WithRetry(3, time.Millisecond)
	if err := c.Send(context.Background(), &Message{Event: "x"}); err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", calls.Load())
	}
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "").WithRetry(3, time.Millisecond)
	err := c.Send(context.Background(), &Message{Event: "x"})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("4xx must not be retried, got %d calls", calls.Load())
	}
}

func TestClient_CircuitOpensAfterFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "").WithRetry(1, time.Millisecond)
	if err := c.Check(context.Background()); err != nil {
		t.Fatalf("fresh client should be healthy: %v", err)
	}
	for i := 0; i < 5; i++ {
		_ = c.Send(context.Background(), &Message{Event: "x"})
	}
	if err := c.Send(context.Background(), &Message{Event: "x"}); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if err := c.Check(context.Background()); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Check: expected ErrCircuitOpen, got %v", err)
	}
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []*Message
	err  error
}

func (r *recordingSender) Send(ctx context.Context, msg *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return r.err
}

func TestEmitter_DeliversInBackground(t *testing.T) {
	s := &recordingSender{}
	e := NewEmitter(s, 4, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	e.Notify(ctx, "u1", "dispute.opened", map[string]any{"dispute_id": "d1"})
	e.Notify(ctx, "u2", "dispute.resolved", nil)
	cancel()
	e.Wait()

	if len(s.msgs) != 2 {
		t.Fatalf("expected 2 deliveries after request context cancel, got %d", len(s.msgs))
	}
	if s.msgs[0].ID == "" {
		t.Error("messages should get an id")
	}
}

func TestEmitter_SwallowsErrors(t *testing.T) {
	s := &recordingSender{err: errors.New("down")}
	e := NewEmitter(s, 1, slog.Default())
	e.Notify(context.Background(), "u1", "x", nil)
	e.Wait()

	var nilEmitter *Emitter
	nilEmitter.Notify(context.Background(), "u1", "x", nil)
}
