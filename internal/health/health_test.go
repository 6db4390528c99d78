package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func ok(context.Context) error { return nil }

func TestCheckAll_Empty(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	if !healthy || len(statuses) != 0 {
		t.Fatalf("empty registry: healthy=%v statuses=%d", healthy, len(statuses))
	}
}

func TestCheckAll_CriticalFailure(t *testing.T) {
	r := NewRegistry()
	r.Register("postgres", ok)
	r.Register("redis", func(context.Context) error { return errors.New("connection refused") })

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("a failing critical probe must make the registry unhealthy")
	}
	if statuses[0].Name != "postgres" || statuses[1].Name != "redis" {
		t.Fatalf("statuses out of registration order: %+v", statuses)
	}
	if statuses[1].Detail != "connection refused" || !statuses[1].Critical {
		t.Fatalf("unexpected redis status %+v", statuses[1])
	}
}

func TestCheckAll_OptionalFailureStaysHealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("postgres", ok)
	r.RegisterOptional("notify", func(context.Context) error { return errors.New("circuit open") })

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("optional probes must not fail readiness")
	}
	if statuses[1].Healthy || statuses[1].Critical {
		t.Fatalf("unexpected optional status %+v", statuses[1])
	}
}

func TestCheckAll_RunsConcurrently(t *testing.T) {
	r := NewRegistry()
	slow := func(context.Context) error { time.Sleep(100 * time.Millisecond); return nil }
	for i := 0; i < 5; i++ {
		r.Register("slow", slow)
	}
	start := time.Now()
	r.CheckAll(context.Background())
	if elapsed := time.Since(start); elapsed > 400*time.Millisecond {
		t.Fatalf("probes ran serially: %v", elapsed)
	}
}

func TestRegistry_ConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); r.Register("probe", ok) }()
		go func() { defer wg.Done(); r.CheckAll(context.Background()) }()
	}
	wg.Wait()
}

type fakePinger struct{ err error }

func (f fakePinger) PingContext(context.Context) error { return f.err }

func TestDBChecker(t *testing.T) {
	if err := DB(fakePinger{})(context.Background()); err != nil {
		t.Fatalf("healthy pinger: %v", err)
	}
	if err := DB(fakePinger{err: errors.New("down")})(context.Background()); err == nil {
		t.Fatal("expected ping error")
	}
}

func TestFlagChecker(t *testing.T) {
	running := false
	check := Flag(func() bool { return running })
	if !errors.Is(check(context.Background()), ErrNotRunning) {
		t.Error("stopped component must report ErrNotRunning")
	}
	running = true
	if check(context.Background()) != nil {
		t.Error("running component must be healthy")
	}
}

func TestHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := NewRegistry()
	reg.Register("postgres", DB(fakePinger{}))
	reg.RegisterOptional("notify", func(context.Context) error { return errors.New("circuit open") })
	r := gin.New()
	r.GET("/health", reg.Handler())

	get := func() (int, string) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
		var body struct {
			Status string `json:"status"`
		}
		_ = json.Unmarshal(w.Body.Bytes(), &body)
		return w.Code, body.Status
	}

	if code, status := get(); code != http.StatusOK || status != "degraded" {
		t.Fatalf("expected 200 degraded, got %d %s", code, status)
	}

	reg.Register("redis", DB(fakePinger{err: errors.New("down")}))
	if code, status := get(); code != http.StatusServiceUnavailable || status != "unhealthy" {
		t.Fatalf("expected 503 unhealthy, got %d %s", code, status)
	}
}
