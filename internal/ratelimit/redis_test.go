//go:build integration

package ratelimit

import (
	"testing"
	"time"

	"github.com/mbd888/mediation/internal/testutil"
)

func TestRedisLimiter(t *testing.T) {
	rdb, cleanup := testutil.RedisTest(t)
	defer cleanup()

	l := NewRedisLimiter(rdb, Config{RequestsPerMinute: 2, BurstSize: 1})
	now := time.Date(2026, 1, 1, 0, 0, 10, 0, time.UTC)
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !allow(t, l, "user:c1") {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if allow(t, l, "user:c1") {
		t.Fatal("fourth request in the window should be denied")
	}
	if !allow(t, l, "user:p1") {
		t.Fatal("other keys have their own window")
	}

	now = now.Add(time.Minute)
	if !allow(t, l, "user:c1") {
		t.Fatal("a new window resets the budget")
	}
}
