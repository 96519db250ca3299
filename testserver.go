package stackd

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"

	"pkt.systems/pslog"
	"pkt.systems/stackd/client"
	"pkt.systems/stackd/internal/clock"
)

// TestServer wraps a running stackd.Server with convenient handles for tests.
type TestServer struct {
	Server   *Server
	Address  string
	Listener net.Addr
	Client   *client.Client
	Config   Config

	stop func(context.Context) error
}

type testingWriter struct {
	t  testing.TB
	mu sync.Mutex
	// closed guards against writes after the associated test has finished.
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		w.t.Helper()
		func(entry string) {
			defer func() {
				if r := recover(); r != nil {
					msg := fmt.Sprint(r)
					if strings.Contains(msg, "Log in goroutine after") {
						return
					}
					panic(r)
				}
			}()
			w.t.Log(entry)
		}(string(line))
	}
	return len(p), nil
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger creates a structured logger that writes through testing.TB.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	logger := pslog.NewStructured(writer)
	if level != pslog.NoLevel {
		logger = logger.LogLevel(level)
	}
	return logger.With("app", "testserver")
}

// Stop shuts down the server using the provided context.
func (ts *TestServer) Stop(ctx context.Context) error {
	if ts == nil || ts.stop == nil {
		return nil
	}
	return ts.stop(ctx)
}

// Addr returns the listener address the server is bound to.
func (ts *TestServer) Addr() net.Addr {
	if ts == nil {
		return nil
	}
	return ts.Listener
}

// NewClient returns a new client configured against the test server.
func (ts *TestServer) NewClient(opts ...client.Option) (*client.Client, error) {
	if ts == nil {
		return nil, fmt.Errorf("nil test server")
	}
	return client.New(ts.Address, opts...)
}

type testServerOptions struct {
	cfg          Config
	mutators     []func(*Config)
	logger       pslog.Logger
	clock        clock.Clock
	clientOpts   []client.Option
	testTB       testing.TB
	testLogLevel pslog.Level
}

// TestServerOption customises NewTestServer behaviour.
type TestServerOption func(*testServerOptions)

// WithTestConfig provides an explicit Config to use. Missing fields will be
// defaulted during validation.
func WithTestConfig(cfg Config) TestServerOption {
	return func(o *testServerOptions) {
		o.cfg = cfg
	}
}

// WithTestConfigFunc applies a mutation to the server configuration before start.
func WithTestConfigFunc(fn func(*Config)) TestServerOption {
	return func(o *testServerOptions) {
		if fn != nil {
			o.mutators = append(o.mutators, fn)
		}
	}
}

// WithTestUnixSocket configures the server to listen on the provided unix socket path.
func WithTestUnixSocket(path string) TestServerOption {
	return WithTestConfigFunc(func(cfg *Config) {
		cfg.ListenProto = "unix"
		cfg.Listen = path
	})
}

// WithTestLogger supplies a custom logger.
func WithTestLogger(logger pslog.Logger) TestServerOption {
	return func(o *testServerOptions) {
		o.logger = logger
	}
}

// WithTestClock injects the clock used for connection ages.
func WithTestClock(c clock.Clock) TestServerOption {
	return func(o *testServerOptions) {
		o.clock = c
	}
}

// WithTestClientOptions appends options used when building the helper client.
func WithTestClientOptions(opts ...client.Option) TestServerOption {
	return func(o *testServerOptions) {
		o.clientOpts = append(o.clientOpts, opts...)
	}
}

// WithTestLoggerFromTB routes server logs to the provided testing logger at the supplied level.
func WithTestLoggerFromTB(t testing.TB, level pslog.Level) TestServerOption {
	return func(o *testServerOptions) {
		o.testTB = t
		o.testLogLevel = level
	}
}

// NewTestServer starts a stackd server on a loopback port. Call Stop to
// clean up resources.
func NewTestServer(ctx context.Context, opts ...TestServerOption) (*TestServer, error) {
	options := testServerOptions{
		testLogLevel: pslog.DebugLevel,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	cfg := options.cfg
	for _, mut := range options.mutators {
		mut(&cfg)
	}
	if cfg.ListenProto == "" {
		cfg.ListenProto = "tcp"
	}
	if cfg.ListenProto != "unix" && cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}

	logger := options.logger
	if logger == nil {
		if options.testTB != nil {
			logger = NewTestingLogger(options.testTB, options.testLogLevel)
		} else {
			logger = pslog.NoopLogger()
		}
	}
	startOpts := []Option{WithLogger(logger)}
	if options.clock != nil {
		startOpts = append(startOpts, WithClock(options.clock))
	}

	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var ln net.Listener
	if cfg.ListenProto == "tcp" {
		var err error
		ln, err = net.Listen("tcp", cfg.Listen)
		if err != nil {
			return nil, fmt.Errorf("test server: listen: %w", err)
		}
		startOpts = append(startOpts, WithListener(ln))
	}
	serverCtx, cancel := context.WithCancel(context.Background())
	srv, baseStop, err := StartServer(serverCtx, cfg, startOpts...)
	if err != nil {
		cancel()
		if ln != nil {
			_ = ln.Close()
		}
		return nil, err
	}
	stop := func(stopCtx context.Context) error {
		err := baseStop(stopCtx)
		cancel()
		return err
	}
	addr := srv.ListenerAddr()
	if addr == nil {
		_ = stop(context.Background())
		return nil, fmt.Errorf("test server: listener not initialised")
	}
	address := addr.String()
	if addr.Network() == "unix" {
		address = "unix://" + address
	}
	cli, err := client.New(address, options.clientOpts...)
	if err != nil {
		_ = stop(context.Background())
		return nil, err
	}
	return &TestServer{
		Server:   srv,
		Address:  address,
		Listener: addr,
		Client:   cli,
		Config:   srv.Config(),
		stop:     stop,
	}, nil
}
