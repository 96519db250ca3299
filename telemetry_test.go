package stackd

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/stackd/client"
)

func TestResolveOTLPTarget(t *testing.T) {
	cases := []struct {
		raw      string
		protocol string
		endpoint string
		path     string
		insecure bool
	}{
		{raw: "collector", protocol: "grpc", endpoint: "collector:4317", insecure: true},
		{raw: "collector:5555", protocol: "grpc", endpoint: "collector:5555", insecure: true},
		{raw: "grpcs://collector", protocol: "grpc", endpoint: "collector:4317"},
		{raw: "http://collector/v1/traces", protocol: "http", endpoint: "collector:4318", path: "/v1/traces", insecure: true},
		{raw: "https://collector:443", protocol: "http", endpoint: "collector:443"},
	}
	for _, tc := range cases {
		got, err := resolveOTLPTarget(tc.raw)
		if err != nil {
			t.Fatalf("resolve %q: %v", tc.raw, err)
		}
		if got.protocol != tc.protocol || got.endpoint != tc.endpoint || got.path != tc.path || got.insecure != tc.insecure {
			t.Fatalf("resolve %q: got %+v", tc.raw, got)
		}
	}
	if _, err := resolveOTLPTarget("ftp://collector"); err == nil {
		t.Fatalf("expected unknown scheme error")
	}
}

func TestSetupTelemetryDisabled(t *testing.T) {
	bundle, err := setupTelemetry(context.Background(), telemetryConfig{}, nil)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if bundle != nil {
		t.Fatalf("expected nil bundle when telemetry is disabled")
	}
	if _, err := setupTelemetry(context.Background(), telemetryConfig{EnableProfilingMetrics: true}, nil); err == nil {
		t.Fatalf("expected profiling without metrics listener to fail")
	}
}

func TestMetricsEndpointServesScrape(t *testing.T) {
	ts := startTestServer(t, WithTestConfigFunc(func(cfg *Config) {
		cfg.MetricsListen = "127.0.0.1:0"
	}))
	if err := ts.Client.Push(context.Background(), []byte("m")); err != nil {
		t.Fatalf("push: %v", err)
	}
	addr := ts.Server.MetricsAddr()
	if addr == nil {
		t.Fatalf("expected metrics listener")
	}
	httpClient := &http.Client{Timeout: 3 * time.Second}
	resp, err := httpClient.Get("http://" + addr.String() + "/metrics")
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("scrape status %d: %s", resp.StatusCode, body)
	}
	if len(body) == 0 {
		t.Fatalf("empty scrape body")
	}
}

func TestTelemetryExportsRequestSpansOverHTTP(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []byte
		posts  int
	)
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if r.URL.Path == "/v1/traces" {
			mu.Lock()
			posts++
			bodies = append(bodies, body...)
			mu.Unlock()
		}
		w.Header().Set("Content-Type", "application/x-protobuf")
		w.WriteHeader(http.StatusOK)
	}))
	defer collector.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv, stop, err := StartServer(context.Background(),
		Config{Listen: ln.Addr().String(), StackCapacity: 7},
		WithListener(ln),
		WithOTLPEndpoint(collector.URL+"/v1/traces"),
		WithLogger(NewTestingLogger(t, pslog.InfoLevel)),
	)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if srv.Config().OTLPEndpoint != collector.URL+"/v1/traces" {
		t.Fatalf("endpoint option not applied: %q", srv.Config().OTLPEndpoint)
	}
	cli, err := client.New(srv.ListenerAddr().String())
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if err := cli.Push(context.Background(), []byte("traced")); err != nil {
		t.Fatalf("push: %v", err)
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if posts == 0 {
		t.Fatalf("collector received no trace export")
	}
	for _, want := range []string{"stackd.request", "stackd.outcome", "pushed", "stackd.stack_capacity"} {
		if !bytes.Contains(bodies, []byte(want)) {
			t.Fatalf("exported spans missing %q", want)
		}
	}
}

func TestSetupTelemetryGRPCExporter(t *testing.T) {
	for _, endpoint := range []string{"grpc://127.0.0.1:4317", "grpcs://collector.invalid"} {
		bundle, err := setupTelemetry(context.Background(), telemetryConfig{
			OTLPEndpoint:  endpoint,
			StackCapacity: 5,
		}, nil)
		if err != nil {
			t.Fatalf("setup %s: %v", endpoint, err)
		}
		if bundle == nil || bundle.tracerProvider == nil {
			t.Fatalf("setup %s: expected tracer provider", endpoint)
		}
		if bundle.MetricsAddr() != nil {
			t.Fatalf("setup %s: metrics listener should be disabled", endpoint)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := bundle.Shutdown(ctx); err != nil {
			cancel()
			t.Fatalf("shutdown %s: %v", endpoint, err)
		}
		cancel()
	}
}

func TestTelemetryResourceCarriesBrokerLimits(t *testing.T) {
	cfg := telemetryConfig{Listen: ":9342", StackCapacity: 100, MaxConnections: 100, EvictAfter: 10 * time.Second}
	got := map[string]string{}
	for _, kv := range cfg.resourceAttributes() {
		got[string(kv.Key)] = kv.Value.Emit()
	}
	want := map[string]string{
		"service.name":           "stackd",
		"stackd.listen":          ":9342",
		"stackd.stack_capacity":  "100",
		"stackd.max_connections": "100",
		"stackd.evict_after":     "10s",
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("attribute %s = %q, want %q", k, got[k], v)
		}
	}
}

func TestPprofListenerServesIndex(t *testing.T) {
	bundle, err := setupTelemetry(context.Background(), telemetryConfig{PprofListen: "127.0.0.1:0"}, nil)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := bundle.Shutdown(ctx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	}()
	httpClient := &http.Client{Timeout: 3 * time.Second}
	resp, err := httpClient.Get("http://" + bundle.pprof.addr().String() + "/debug/pprof/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pprof index status %d", resp.StatusCode)
	}
}
