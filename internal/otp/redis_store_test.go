//go:build integration

package otp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/mediation/internal/testutil"
)

func TestRedisStore(t *testing.T) {
	rdb, cleanup := testutil.RedisTest(t)
	defer cleanup()
	s := NewRedisStore(rdb)
	ctx := context.Background()

	ok, err := s.AcquireCooldown(ctx, phone, time.Minute)
	if err != nil || !ok {
		t.Fatalf("first cooldown: ok=%v err=%v", ok, err)
	}
	if ok, _ := s.AcquireCooldown(ctx, phone, time.Minute); ok {
		t.Fatal("second cooldown must fail while the marker lives")
	}

	if _, err := s.Get(ctx, phone); !errors.Is(err, ErrNoCode) {
		t.Fatalf("expected ErrNoCode before save, got %v", err)
	}
	if err := s.Save(ctx, phone, Challenge{UserID: "u1", CodeHash: "h"}, time.Minute); err != nil {
		t.Fatal(err)
	}
	n, err := s.IncrAttempts(ctx, phone)
	if err != nil || n != 1 {
		t.Fatalf("IncrAttempts: n=%d err=%v", n, err)
	}
	c, err := s.Get(ctx, phone)
	if err != nil || c.UserID != "u1" || c.Attempts != 1 {
		t.Fatalf("unexpected challenge %+v err=%v", c, err)
	}
	if ttl := rdb.TTL(ctx, codeKey(phone)).Val(); ttl <= 0 {
		t.Errorf("code key should expire, ttl=%v", ttl)
	}

	if err := s.Delete(ctx, phone); err != nil {
		t.Fatal(err)
	}
	if _, err := s.IncrAttempts(ctx, phone); !errors.Is(err, ErrNoCode) {
		t.Fatalf("IncrAttempts on a missing code must not recreate it, got %v", err)
	}
}
