package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"
	"pkt.systems/stackd"
)

func startCLIServer(t *testing.T) *stackd.TestServer {
	t.Helper()
	ts, err := stackd.NewTestServer(context.Background())
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ts.Stop(ctx)
	})
	return ts
}

func TestPushThenPopCommands(t *testing.T) {
	ts := startCLIServer(t)

	if _, _, err := executeRootCommand(t, "--server", ts.Address, "push", "first"); err != nil {
		t.Fatalf("push first: %v", err)
	}
	if _, _, err := executeRootCommand(t, "-s", ts.Address, "push", "second"); err != nil {
		t.Fatalf("push second: %v", err)
	}

	stdout, _, err := executeRootCommand(t, "--server", ts.Address, "pop")
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if stdout != "second" {
		t.Fatalf("pop stdout=%q want %q", stdout, "second")
	}

	stdout, _, err = executeRootCommand(t, "--server", ts.Address, "pop", "-o", "yaml")
	if err != nil {
		t.Fatalf("pop yaml: %v", err)
	}
	var res popResult
	if err := yaml.Unmarshal([]byte(stdout), &res); err != nil {
		t.Fatalf("decode pop yaml %q: %v", stdout, err)
	}
	if res.Payload != "first" || res.Bytes != 5 || res.Size != "5B" {
		t.Fatalf("unexpected pop result %+v", res)
	}
}

func TestPushReadsStdin(t *testing.T) {
	ts := startCLIServer(t)

	cmd := newRootCommand(pslog.NoopLogger())
	cmd.SetArgs([]string{"--server", ts.Address, "push", "-"})
	cmd.SetIn(strings.NewReader("from-stdin"))
	cmd.SetOut(&bytes.Buffer{})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("push from stdin: %v", err)
	}
	item, err := ts.Client.Pop(context.Background())
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if string(item) != "from-stdin" {
		t.Fatalf("pop=%q want from-stdin", item)
	}
}

func TestPushRejectsOversizedPayload(t *testing.T) {
	ts := startCLIServer(t)
	_, _, err := executeRootCommand(t, "--server", ts.Address, "push", strings.Repeat("x", 200))
	if err == nil || !strings.Contains(err.Error(), "payload exceeds") {
		t.Fatalf("expected payload size error, got %v", err)
	}
}

func TestPopRejectsUnknownOutput(t *testing.T) {
	_, _, err := executeRootCommand(t, "--server", "127.0.0.1:1", "pop", "-o", "json")
	if err == nil || !strings.Contains(err.Error(), "--output") {
		t.Fatalf("expected output format error, got %v", err)
	}
}
