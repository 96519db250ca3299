package stackd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/stackd/internal/broker"
	"pkt.systems/stackd/internal/clock"
	"pkt.systems/stackd/internal/svcfields"
)

// ErrServerClosed is returned by Start after Shutdown.
var ErrServerClosed = errors.New("stackd: server closed")

// Server accepts TCP (or unix) connections and hands each to the broker.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	broker    *broker.Broker
	clock     clock.Clock
	telemetry *telemetryBundle

	baseCtx    context.Context
	cancelBase context.CancelFunc
	conns      sync.WaitGroup

	mu           sync.Mutex
	listener     net.Listener
	socketPath   string
	shutdown     bool
	lastServeErr error
	readyOnce    sync.Once
	readyCh      chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger       pslog.Logger
	Clock        clock.Clock
	OTLPEndpoint string
	Listener     net.Listener
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithOTLPEndpoint overrides the OTLP collector endpoint used for telemetry.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) {
		o.OTLPEndpoint = endpoint
	}
}

// WithListener serves on a pre-bound listener instead of Config.Listen. The
// server takes ownership and closes it on Shutdown.
func WithListener(ln net.Listener) Option {
	return func(o *options) {
		o.Listener = ln
	}
}

// NewServer constructs a stackd server according to cfg.
// Example:
//
//	cfg := stackd.Config{Listen: ":9342"}
//	srv, err := stackd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = o.OTLPEndpoint
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	serverClock := o.Clock
	if serverClock == nil {
		serverClock = clock.Real{}
	}

	telemetry, err := setupTelemetry(context.Background(), telemetryConfig{
		OTLPEndpoint:           cfg.OTLPEndpoint,
		MetricsListen:          cfg.MetricsListen,
		PprofListen:            cfg.PprofListen,
		EnableProfilingMetrics: cfg.EnableProfilingMetrics,
		Listen:                 cfg.Listen,
		StackCapacity:          cfg.StackCapacity,
		MaxConnections:         cfg.MaxConnections,
		EvictAfter:             cfg.EvictAfter,
	}, svcfields.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}

	brokerOpts := []broker.Option{
		broker.WithLogger(logger),
		broker.WithClock(serverClock),
	}
	if telemetry != nil && telemetry.tracerProvider != nil {
		brokerOpts = append(brokerOpts, broker.WithTracerProvider(telemetry.tracerProvider))
	}
	if telemetry != nil && telemetry.meterProvider != nil {
		brokerOpts = append(brokerOpts, broker.WithMeterProvider(telemetry.meterProvider))
	}
	b := broker.New(cfg.brokerConfig(), brokerOpts...)
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:        cfg,
		logger:     svcfields.WithSubsystem(logger, "server"),
		broker:     b,
		clock:      serverClock,
		telemetry:  telemetry,
		baseCtx:    baseCtx,
		cancelBase: cancel,
		listener:   o.Listener,
		readyCh:    make(chan struct{}),
	}, nil
}

// Start begins accepting connections and blocks until the server stops. It
// returns nil after a clean Shutdown.
func (s *Server) Start() error {
	ln, err := s.listen()
	if err != nil {
		s.recordServeErr(err)
		s.signalReady()
		return err
	}
	s.signalReady()
	s.logger.Info("stackd.server.listening",
		"network", ln.Addr().Network(),
		"address", ln.Addr().String(),
		"max_connections", s.cfg.MaxConnections,
		"stack_capacity", s.cfg.StackCapacity,
		"evict_after", s.cfg.EvictAfter,
	)
	serveErr := s.serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("serve: %w", serveErr)
	}
	return nil
}

func (s *Server) listen() (net.Listener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return nil, ErrServerClosed
	}
	if s.listener != nil {
		return s.listener, nil
	}
	if s.cfg.ListenProto == "unix" {
		if err := os.Remove(s.cfg.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale unix socket: %w", err)
		}
	}
	ln, err := net.Listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	s.listener = ln
	if s.cfg.ListenProto == "unix" {
		s.socketPath = s.cfg.Listen
	}
	return ln, nil
}

// serve runs the accept loop. Temporary accept failures back off the same
// way net/http does.
func (s *Server) serve(ln net.Listener) error {
	var tempDelay time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.closing() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if tempDelay > time.Second {
					tempDelay = time.Second
				}
				s.logger.Warn("stackd.server.accept_retry", "error", err, "delay", tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0
		s.mu.Lock()
		if s.shutdown {
			s.mu.Unlock()
			_ = nc.Close()
			return ErrServerClosed
		}
		s.conns.Add(1)
		s.mu.Unlock()
		go func() {
			defer s.conns.Done()
			s.broker.Serve(s.baseCtx, nc)
		}()
	}
}

func (s *Server) closing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// Shutdown stops accepting, closes every live connection without a reply and
// waits for connection goroutines to exit or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	s.signalReady()

	if ln != nil {
		_ = ln.Close()
	}
	s.broker.Close()
	s.cancelBase()

	waitDone := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-ctx.Done():
		s.logger.Warn("stackd.server.shutdown_timeout", "error", ctx.Err())
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}

	st := s.broker.Stats()
	s.logger.Info("stackd.server.stopped",
		"stack_depth", st.StackDepth,
		"accepted", st.Accepted,
		"evicted", st.Evicted,
		"rejected", st.Rejected,
	)

	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			return err
		}
		s.telemetry = nil
	}
	if s.cfg.ListenProto == "unix" && s.socketPath != "" {
		if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, ErrServerClosed) {
		return err
	}
	return nil
}

// Close shuts the server down using the configured shutdown timeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the server listener is initialized or context ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		if err := s.LastServeError(); err != nil {
			return err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// Config returns the validated configuration.
func (s *Server) Config() Config {
	return s.cfg
}

// Stats reports the broker state.
func (s *Server) Stats() broker.Stats {
	return s.broker.Stats()
}

// SetEvictAfter retunes the eviction threshold at runtime.
func (s *Server) SetEvictAfter(d time.Duration) bool {
	return s.broker.SetEvictAfter(d)
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error reported by the accept loop.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a server in the background, waits until it is ready,
// and returns a stop function. Cancelling ctx also stops the server.
// Example:
//
//	srv, stop, err := stackd.StartServer(ctx, stackd.Config{Listen: "127.0.0.1:0"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	if err := srv.WaitUntilReady(waitCtx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, err
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}

// MetricsAddr returns the Prometheus scrape listener address when metrics
// are enabled.
func (s *Server) MetricsAddr() net.Addr {
	return s.telemetry.MetricsAddr()
}
