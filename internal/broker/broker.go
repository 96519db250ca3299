// Package broker owns the shared stack, the live connection registry and the
// two parked-request queues, and matches pushes against pops as the stack
// changes. All of that state sits behind a single mutex; replies are written
// after the mutex is released so a slow peer never stalls other connections.
package broker

import (
	"container/list"
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"
	"pkt.systems/stackd/internal/clock"
	"pkt.systems/stackd/internal/connguard"
	"pkt.systems/stackd/internal/stack"
	"pkt.systems/stackd/internal/svcfields"
	"pkt.systems/stackd/internal/uuidv7"
	"pkt.systems/stackd/internal/wire"
)

const (
	// DefaultReadBufferSize is the per-connection read buffer.
	DefaultReadBufferSize = 512
	// DefaultWriteTimeout bounds every reply write.
	DefaultWriteTimeout = 5 * time.Second
	// DefaultBusyLinger bounds how long a rejected peer is drained after the
	// busy byte has been written.
	DefaultBusyLinger = 250 * time.Millisecond
)

const instrumentationName = "pkt.systems/stackd/broker"

// ErrClosed is returned by Admit once the broker has been closed.
var ErrClosed = errors.New("broker: closed")

// Config captures broker tunables. Zero values fall back to defaults.
type Config struct {
	StackCapacity  int
	MaxConnections int
	EvictAfter     time.Duration
	ReadBufferSize int
	WriteTimeout   time.Duration
	BusyLinger     time.Duration
}

func (c *Config) applyDefaults() {
	if c.StackCapacity <= 0 {
		c.StackCapacity = stack.DefaultCapacity
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = connguard.DefaultMaxConnections
	}
	if c.EvictAfter <= 0 {
		c.EvictAfter = connguard.DefaultEvictAfter
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = DefaultReadBufferSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.BusyLinger < 0 {
		c.BusyLinger = 0
	} else if c.BusyLinger == 0 {
		c.BusyLinger = DefaultBusyLinger
	}
}

// Option customises a Broker.
type Option func(*options)

type options struct {
	logger         pslog.Logger
	clock          clock.Clock
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// WithLogger sets the base logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock replaces the wall clock used for connection ages.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithTracerProvider sets the provider for per-connection request spans.
// The global provider is used when unset.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// WithMeterProvider sets the provider for broker instruments. The global
// provider is used when unset.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}

// Counters are monotonically increasing event totals.
type Counters struct {
	Accepted    uint64
	Evicted     uint64
	Rejected    uint64
	Pushes      uint64
	Pops        uint64
	HandOffs    uint64
	Malformed   uint64
	Disconnects uint64
}

// Stats is a point-in-time snapshot of broker state.
type Stats struct {
	StackDepth     int
	StackCapacity  int
	Connections    int
	MaxConnections int
	PendingPushes  int
	PendingPops    int
	EvictAfter     time.Duration
	Counters
}

// Broker coordinates admitted connections around one shared stack.
type Broker struct {
	cfg     Config
	logger  pslog.Logger
	clock   clock.Clock
	guard   *connguard.Guard
	metrics *brokerMetrics
	tracer  trace.Tracer

	mu       sync.Mutex
	closed   bool
	store    *stack.Store
	registry *registry
	pushes   *list.List
	pops     *list.List
	counters Counters
}

// New constructs a broker.
func New(cfg Config, opts ...Option) *Broker {
	cfg.applyDefaults()
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.logger == nil {
		o.logger = pslog.NoopLogger()
	}
	if o.clock == nil {
		o.clock = clock.Real{}
	}
	if o.tracerProvider == nil {
		o.tracerProvider = otel.GetTracerProvider()
	}
	if o.meterProvider == nil {
		o.meterProvider = otel.GetMeterProvider()
	}
	b := &Broker{
		cfg:    cfg,
		logger: svcfields.WithSubsystem(o.logger, "broker"),
		clock:  o.clock,
		guard: connguard.NewGuard(connguard.Config{
			MaxConnections: cfg.MaxConnections,
			EvictAfter:     cfg.EvictAfter,
		}, o.logger),
		tracer:   o.tracerProvider.Tracer(instrumentationName),
		store:    stack.New(cfg.StackCapacity),
		registry: newRegistry(),
		pushes:   list.New(),
		pops:     list.New(),
	}
	b.metrics = newBrokerMetrics(o.meterProvider.Meter(instrumentationName), b.logger, b)
	return b
}

// Admit registers nc as a live connection or decides it must be rejected.
// A nil Conn with a nil error means the caller should answer busy; see
// Reject. Evicting the oldest connection happens here when required.
func (b *Broker) Admit(nc net.Conn) (*Conn, connguard.Decision, error) {
	remote := connguard.RemoteHost(nc)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, connguard.Decision{Verdict: connguard.Reject}, ErrClosed
	}
	now := b.clock.Now()
	decision := b.guard.Decide(b.registry, now)
	var done []completion
	switch decision.Verdict {
	case connguard.Reject:
		b.counters.Rejected++
		b.mu.Unlock()
		b.metrics.recordAdmission(context.Background(), decision.Verdict.String())
		b.logger.Debug("stackd.conn.rejected", "remote", remote, "oldest_age", decision.OldestAge)
		return nil, decision, nil
	case connguard.Evict:
		if victim := b.registry.oldest(); victim != nil {
			if comp, ok := b.dropLocked(victim, OutcomeEvicted); ok {
				b.counters.Evicted++
				done = append(done, comp)
			}
		}
	}
	id := uuidv7.NewString()
	c := &Conn{
		id:       id,
		nc:       nc,
		remote:   remote,
		admitted: now,
		logger:   svcfields.WithConn(b.logger, id, remote),
		done:     make(chan struct{}),
	}
	b.registry.add(c)
	b.counters.Accepted++
	live := b.registry.Len()
	b.mu.Unlock()

	b.flush(done)
	b.metrics.recordAdmission(context.Background(), decision.Verdict.String())
	c.logger.Debug("stackd.conn.accepted", "live", live, "verdict", decision.Verdict.String())
	return c, decision, nil
}

// Reject answers a refused connection with the busy byte and closes it.
func (b *Broker) Reject(nc net.Conn) error {
	return replyAndLinger(nc, wire.Busy(), b.cfg.WriteTimeout, b.cfg.BusyLinger)
}

// Submit hands a fully decoded request to the matching engine. Requests for
// connections that have already been finished are ignored, and a push longer
// than wire.MaxPayload is dropped as malformed.
func (b *Broker) Submit(c *Conn, req wire.Request) {
	if c == nil {
		return
	}
	b.mu.Lock()
	if c.state != stateOpen {
		b.mu.Unlock()
		return
	}
	c.op = req.Op
	var done []completion
	switch req.Op {
	case wire.OpPush:
		if len(req.Payload) > wire.MaxPayload {
			comp, _ := b.dropLocked(c, OutcomeMalformed)
			b.counters.Malformed++
			done = append(done, comp)
			break
		}
		done = b.pushLocked(c, req.Payload, done)
	case wire.OpPop:
		done = b.popLocked(c, done)
	}
	b.mu.Unlock()
	b.flush(done)
}

// Drop forgets c without answering it: any parked request is discarded and
// the stream is closed. Dropping an already finished connection is a no-op.
func (b *Broker) Drop(c *Conn, outcome string) {
	if c == nil {
		return
	}
	b.mu.Lock()
	comp, ok := b.dropLocked(c, outcome)
	if ok {
		switch outcome {
		case OutcomeMalformed:
			b.counters.Malformed++
		case OutcomeDisconnect:
			b.counters.Disconnects++
		}
	}
	b.mu.Unlock()
	if ok {
		b.flush([]completion{comp})
	}
}

// Close stops admissions and closes every live connection without a reply.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var done []completion
	for _, c := range b.registry.snapshot() {
		if comp, ok := b.dropLocked(c, OutcomeShutdown); ok {
			done = append(done, comp)
		}
	}
	b.mu.Unlock()
	b.flush(done)
	b.metrics.close()
	b.logger.Info("stackd.broker.closed", "dropped", len(done))
}

// SetEvictAfter retunes the eviction threshold for future admissions.
func (b *Broker) SetEvictAfter(d time.Duration) bool {
	return b.guard.SetEvictAfter(d)
}

// Stats returns a snapshot of the broker state.
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		StackDepth:     b.store.Len(),
		StackCapacity:  b.store.Cap(),
		Connections:    b.registry.Len(),
		MaxConnections: b.guard.MaxConnections(),
		PendingPushes:  b.pushes.Len(),
		PendingPops:    b.pops.Len(),
		EvictAfter:     b.guard.EvictAfter(),
		Counters:       b.counters,
	}
}

// completion is a finished connection waiting to be answered outside the
// lock. A nil frame closes the stream silently.
type completion struct {
	conn    *Conn
	op      wire.Op
	frame   []byte
	outcome string
}

// flush answers completions in order. Must be called without b.mu held.
func (b *Broker) flush(done []completion) {
	for _, comp := range done {
		err := comp.conn.finish(comp.frame, comp.outcome, b.cfg.WriteTimeout)
		b.metrics.recordOutcome(context.Background(), comp.outcome)
		logger := comp.conn.logger
		age := clock.Since(b.clock, comp.conn.Admitted())
		switch {
		case err != nil:
			logger.Warn("stackd.conn.reply_failed", "outcome", comp.outcome, "error", err)
		case comp.outcome == OutcomeEvicted:
			logger.Info("stackd.conn.evicted", "age", age)
		case comp.outcome == OutcomeMalformed:
			logger.Debug("stackd.request.malformed")
		case comp.outcome == OutcomeHandOff:
			logger.Debug("stackd.request.matched", "op", comp.op.String())
		default:
			logger.Debug("stackd.conn.closed", "outcome", comp.outcome, "age", age)
		}
	}
}
