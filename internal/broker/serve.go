package broker

import (
	"context"
	"errors"
	"net"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/stackd/internal/wire"
)

// Serve runs one accepted stream to completion: admission, request
// decoding, matching and the final reply or close. It returns once the
// stream has been closed. Cancelling ctx drops the connection silently.
func (b *Broker) Serve(ctx context.Context, nc net.Conn) {
	c, decision, err := b.Admit(nc)
	if err != nil {
		_ = nc.Close()
		return
	}
	if c == nil {
		if rerr := b.Reject(nc); rerr != nil && !errors.Is(rerr, net.ErrClosed) {
			b.logger.Debug("stackd.conn.reject_failed", "error", rerr)
		}
		return
	}

	ctx, span := b.tracer.Start(ctx, "stackd.request", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	span.SetAttributes(
		attribute.String("stackd.conn_id", c.ID()),
		attribute.String("stackd.remote", c.remote),
		attribute.String("stackd.admission", decision.Verdict.String()),
	)

	stop := context.AfterFunc(ctx, func() {
		b.Drop(c, OutcomeShutdown)
	})
	defer stop()

	b.readLoop(c)
	<-c.Done()

	span.SetAttributes(
		attribute.String("stackd.op", c.op.String()),
		attribute.String("stackd.outcome", c.outcome),
	)
	if c.outcome == OutcomeMalformed {
		span.SetStatus(codes.Error, "malformed_request")
	}
}

// readLoop feeds the decoder until the stream ends. Bytes after a complete
// request are read and discarded so a disconnect is still noticed while
// the request is parked.
func (b *Broker) readLoop(c *Conn) {
	buf := make([]byte, b.cfg.ReadBufferSize)
	var dec wire.Decoder
	for {
		n, err := c.nc.Read(buf)
		if n > 0 && !dec.Done() {
			req, ok, derr := dec.Feed(buf[:n])
			if derr != nil {
				b.Drop(c, OutcomeMalformed)
				return
			}
			if ok {
				b.Submit(c, req)
			}
		}
		if err != nil {
			if !dec.Done() && dec.Buffered() > 0 {
				c.logger.Debug("stackd.request.truncated", "buffered", dec.Buffered(), "missing", dec.Missing(), "error", err)
			}
			b.Drop(c, OutcomeDisconnect)
			return
		}
	}
}
