package broker

import (
	"container/list"
	"io"
	"net"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/stackd/internal/wire"
)

type connState uint8

const (
	stateOpen connState = iota
	stateParkedPush
	stateParkedPop
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateParkedPush:
		return "parked_push"
	case stateParkedPop:
		return "parked_pop"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Outcomes recorded for a finished connection.
const (
	OutcomePushed     = "pushed"
	OutcomePopped     = "popped"
	OutcomeHandOff    = "hand_off"
	OutcomeEvicted    = "evicted"
	OutcomeMalformed  = "malformed"
	OutcomeDisconnect = "disconnect"
	OutcomeShutdown   = "shutdown"
)

// Conn is one admitted peer. Fields below the blank line are guarded by
// Broker.mu; the stream itself is finished exactly once via finish.
type Conn struct {
	id       string
	nc       net.Conn
	remote   string
	admitted time.Time
	logger   pslog.Logger

	state    connState
	op       wire.Op
	payload  []byte
	regElem  *list.Element
	pendElem *list.Element

	once    sync.Once
	done    chan struct{}
	outcome string
}

// ID returns the connection identifier used in logs.
func (c *Conn) ID() string {
	return c.id
}

// Admitted returns the admission timestamp.
func (c *Conn) Admitted() time.Time {
	return c.admitted
}

// Done is closed once the connection has been answered or closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// finish writes frame (if any) and closes the stream. Only the first call
// has an effect.
func (c *Conn) finish(frame []byte, outcome string, writeTimeout time.Duration) error {
	var err error
	c.once.Do(func() {
		c.outcome = outcome
		if len(frame) > 0 {
			if writeTimeout > 0 {
				_ = c.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
			}
			_, err = c.nc.Write(frame)
		}
		if cerr := c.nc.Close(); err == nil && cerr != nil && len(frame) > 0 {
			err = cerr
		}
		close(c.done)
	})
	return err
}

type closeWriter interface {
	CloseWrite() error
}

// replyAndLinger writes frame, half-closes and drains whatever the peer had
// already sent before closing, so the reply is not lost to a reset.
func replyAndLinger(nc net.Conn, frame []byte, writeTimeout, linger time.Duration) error {
	if writeTimeout > 0 {
		_ = nc.SetWriteDeadline(time.Now().Add(writeTimeout))
	}
	_, err := nc.Write(frame)
	if err == nil && linger > 0 {
		if cw, ok := nc.(closeWriter); ok {
			_ = cw.CloseWrite()
			_ = nc.SetReadDeadline(time.Now().Add(linger))
			_, _ = io.Copy(io.Discard, nc)
		}
	}
	if cerr := nc.Close(); err == nil {
		err = cerr
	}
	return err
}
