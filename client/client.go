package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/stackd/internal/svcfields"
	"pkt.systems/stackd/internal/wire"
)

// DefaultDialTimeout bounds connection establishment when the context has no
// deadline.
const DefaultDialTimeout = 5 * time.Second

var (
	// ErrBusy is returned when the server refused the connection at its
	// connection limit.
	ErrBusy = wire.ErrBusy
	// ErrClosed is returned when the server closed the connection without a
	// complete reply.
	ErrClosed = wire.ErrClosed
	// ErrPayloadTooLarge is returned by Push for items over MaxPayload bytes.
	ErrPayloadTooLarge = wire.ErrPayloadTooLarge
)

// MaxPayload is the largest item the protocol can carry.
const MaxPayload = wire.MaxPayload

// Client issues push and pop requests against one server address.
type Client struct {
	network     string
	addr        string
	dialer      *net.Dialer
	dialTimeout time.Duration
	timeout     time.Duration
	logger      pslog.Logger
}

// Option customises client construction.
type Option func(*Client)

// WithLogger supplies a logger for client diagnostics.
// Passing nil falls back to pslog.NoopLogger().
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		if logger == nil {
			c.logger = pslog.NoopLogger()
			return
		}
		c.logger = svcfields.WithSubsystem(logger, "client.sdk")
	}
}

// WithDialer supplies a custom dialer (source address, keep-alive, ...).
func WithDialer(d *net.Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

// WithDialTimeout overrides DefaultDialTimeout.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// WithTimeout bounds each request from dial to reply. Zero waits until the
// context ends.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.timeout = d
		}
	}
}

// New constructs a client for addr.
func New(addr string, opts ...Option) (*Client, error) {
	network, address, err := parseAddr(addr)
	if err != nil {
		return nil, err
	}
	c := &Client{
		network:     network,
		addr:        address,
		dialer:      &net.Dialer{},
		dialTimeout: DefaultDialTimeout,
		logger:      pslog.NoopLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

func parseAddr(raw string) (string, string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", "", fmt.Errorf("client: address required")
	}
	if rest, ok := strings.CutPrefix(trimmed, "unix://"); ok {
		if rest == "" {
			return "", "", fmt.Errorf("client: unix address %q missing socket path", raw)
		}
		return "unix", rest, nil
	}
	if rest, ok := strings.CutPrefix(trimmed, "tcp://"); ok {
		trimmed = rest
	}
	if _, _, err := net.SplitHostPort(trimmed); err != nil {
		return "", "", fmt.Errorf("client: invalid address %q: %w", raw, err)
	}
	return "tcp", trimmed, nil
}

// Network returns the dial network ("tcp" or "unix").
func (c *Client) Network() string {
	return c.network
}

// Addr returns the dial address.
func (c *Client) Addr() string {
	return c.addr
}

// Push stores payload on the server stack, waiting while the stack is full.
func (c *Client) Push(ctx context.Context, payload []byte) error {
	frame, err := wire.EncodePush(payload)
	if err != nil {
		return err
	}
	err = c.roundTrip(ctx, frame, func(r io.Reader) error {
		return wire.ReadPushResponse(r)
	})
	if err != nil {
		c.logger.Debug("stackd.client.push.failed", "len", len(payload), "error", err)
		return err
	}
	c.logger.Trace("stackd.client.push", "len", len(payload))
	return nil
}

// Pop removes and returns the top item, waiting while the stack is empty.
func (c *Client) Pop(ctx context.Context) ([]byte, error) {
	var item []byte
	err := c.roundTrip(ctx, wire.EncodePop(), func(r io.Reader) error {
		var err error
		item, err = wire.ReadPopResponse(r)
		return err
	})
	if err != nil {
		c.logger.Debug("stackd.client.pop.failed", "error", err)
		return nil, err
	}
	c.logger.Trace("stackd.client.pop", "len", len(item))
	return item, nil
}

// roundTrip dials, sends frame and hands the connection to read. The write
// side is left open until the reply arrives because the server treats a
// half-close as the client going away.
func (c *Client) roundTrip(ctx context.Context, frame []byte, read func(io.Reader) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	dialCtx, cancelDial := context.WithTimeout(ctx, c.dialTimeout)
	conn, err := c.dialer.DialContext(dialCtx, c.network, c.addr)
	cancelDial()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("client: dial %s %s: %w", c.network, c.addr, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if _, err := conn.Write(frame); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		// A busy server may already have answered and closed.
		if rerr := read(conn); errors.Is(rerr, ErrBusy) {
			return rerr
		}
		return fmt.Errorf("client: write request: %w", err)
	}
	if err := read(conn); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}
