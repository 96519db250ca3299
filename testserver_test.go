package stackd

import (
	"context"
	"strings"
	"testing"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/stackd/client"
)

func TestNewTestServerDefault(t *testing.T) {
	ts := startTestServer(t)
	if ts.Client == nil {
		t.Fatal("expected auto client")
	}
	if !strings.HasPrefix(ts.Address, "127.0.0.1:") {
		t.Fatalf("expected loopback address, got %q", ts.Address)
	}
	if ts.Config.MaxConnections != DefaultMaxConnections || ts.Config.StackCapacity != DefaultStackCapacity {
		t.Fatalf("expected validated defaults, got %+v", ts.Config)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ts.Client.Push(ctx, []byte("default")); err != nil {
		t.Fatalf("push: %v", err)
	}
	item, err := ts.Client.Pop(ctx)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if string(item) != "default" {
		t.Fatalf("pop=%q want default", item)
	}
}

func TestNewTestServerConfigFuncs(t *testing.T) {
	ts := startTestServer(t,
		WithTestConfig(Config{StackCapacity: 3}),
		WithTestConfigFunc(func(cfg *Config) { cfg.MaxConnections = 7 }),
		WithTestConfigFunc(func(cfg *Config) { cfg.EvictAfter = time.Minute }),
	)
	if ts.Config.StackCapacity != 3 || ts.Config.MaxConnections != 7 || ts.Config.EvictAfter != time.Minute {
		t.Fatalf("mutators not applied: %+v", ts.Config)
	}
	stats := ts.Server.Stats()
	if stats.StackCapacity != 3 || stats.MaxConnections != 7 || stats.EvictAfter != time.Minute {
		t.Fatalf("broker not configured from test config: %+v", stats)
	}
}

func TestNewTestServerNewClient(t *testing.T) {
	ts := startTestServer(t, WithTestClientOptions(client.WithTimeout(time.Second)))
	cli, err := ts.NewClient(client.WithLogger(pslog.NoopLogger()))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if cli.Network() != "tcp" || cli.Addr() != ts.Addr().String() {
		t.Fatalf("client targets %s %s, server at %s", cli.Network(), cli.Addr(), ts.Addr())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := cli.Push(ctx, []byte("x")); err != nil {
		t.Fatalf("push via extra client: %v", err)
	}
	if _, err := ts.Client.Pop(ctx); err != nil {
		t.Fatalf("pop via helper client: %v", err)
	}
}

func TestNewTestServerCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewTestServer(ctx); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestTestServerStopIsIdempotent(t *testing.T) {
	ts, err := NewTestServer(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ts.Stop(ctx); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := ts.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	var nilServer *TestServer
	if err := nilServer.Stop(ctx); err != nil {
		t.Fatalf("nil stop: %v", err)
	}
}
