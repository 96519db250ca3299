// Package wire implements the one-byte-header framing spoken by stackd.
//
// A client sends exactly one request per connection:
//
//	0x80                     POP
//	0b0LLLLLLL + L bytes     PUSH of an L byte payload (0..127)
//
// and the server answers with at most one response:
//
//	0xFF                     busy, admission rejected
//	0x00                     push accepted
//	0b0LLLLLLL + L bytes     pop result
//
// Anything else (timeouts, evictions, malformed requests) is signalled by
// closing the connection without writing.
package wire

import (
	"errors"
	"fmt"
)

const (
	// MaxPayload is the largest item the 7-bit length field can describe.
	MaxPayload = 0x7F
	// HeaderPop is the only valid POP request byte.
	HeaderPop byte = 0x80
	// ByteBusy answers connections refused at admission.
	ByteBusy byte = 0xFF
	// BytePushAccepted answers a completed push.
	BytePushAccepted byte = 0x00

	popFlag    byte = 0x80
	lengthMask byte = 0x7F
)

var (
	// ErrMalformed reports a POP header carrying non-zero length bits.
	ErrMalformed = errors.New("wire: malformed request header")
	// ErrPayloadTooLarge reports an item that cannot be framed.
	ErrPayloadTooLarge = fmt.Errorf("wire: payload exceeds %d bytes", MaxPayload)
	// ErrBusy reports a busy-byte response.
	ErrBusy = errors.New("wire: server busy")
	// ErrClosed reports a connection closed without a (complete) response.
	ErrClosed = errors.New("wire: connection closed without response")
	// ErrInvalidResponse reports a response byte that does not fit the request.
	ErrInvalidResponse = errors.New("wire: invalid response")
)

// Op identifies a request kind.
type Op uint8

const (
	// OpPush stores an item.
	OpPush Op = iota + 1
	// OpPop retrieves the most recently stored item.
	OpPop
)

func (o Op) String() string {
	switch o {
	case OpPush:
		return "push"
	case OpPop:
		return "pop"
	default:
		return "unknown"
	}
}

// Request is one decoded client request.
type Request struct {
	Op      Op
	Payload []byte
}

// Busy returns the busy response frame.
func Busy() []byte {
	return []byte{ByteBusy}
}

// PushAccepted returns the push success frame.
func PushAccepted() []byte {
	return []byte{BytePushAccepted}
}

// PopResult frames item as a pop response.
func PopResult(item []byte) ([]byte, error) {
	if len(item) > MaxPayload {
		return nil, ErrPayloadTooLarge
	}
	frame := make([]byte, 1+len(item))
	frame[0] = byte(len(item))
	copy(frame[1:], item)
	return frame, nil
}
