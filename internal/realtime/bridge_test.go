//go:build integration

package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/mbd888/mediation/internal/testutil"
)

func TestBridge_RelaysBetweenHubs(t *testing.T) {
	rdb, cleanup := testutil.RedisTest(t)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Two hubs on one Redis stand in for two server instances.
	origin := testHub()
	remote := testHub()
	go origin.Run(ctx)
	go remote.Run(ctx)

	originBridge := NewBridge(rdb, origin, slog.Default()).WithChannel("test:events")
	remoteBridge := NewBridge(rdb, remote, slog.Default()).WithChannel("test:events")
	origin.WithRelay(originBridge)
	go originBridge.Run(ctx)
	go remoteBridge.Run(ctx)

	c := newClient(remote, "d1")
	remote.register <- c
	waitClients(t, remote, 1)

	// Subscriptions are asynchronous; publish until the remote side sees one.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		origin.PublishDisputeEvent("d1", "presence.left", map[string]any{"reason": "timeout"})
		select {
		case msg := <-c.send:
			if len(msg) == 0 {
				t.Fatal("empty payload")
			}
			return
		case <-deadline:
			t.Fatal("event was not relayed to the remote hub")
		case <-tick.C:
		}
	}
}
