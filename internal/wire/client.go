package wire

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// EncodePush frames payload as a push request.
func EncodePush(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, ErrPayloadTooLarge
	}
	frame := make([]byte, 1+len(payload))
	frame[0] = byte(len(payload))
	copy(frame[1:], payload)
	return frame, nil
}

// EncodePop returns the pop request frame.
func EncodePop() []byte {
	return []byte{HeaderPop}
}

// ReadPushResponse consumes the reply to a push request.
func ReadPushResponse(r io.Reader) error {
	var header [1]byte
	if err := readFull(r, header[:], true); err != nil {
		return err
	}
	switch header[0] {
	case BytePushAccepted:
		return nil
	case ByteBusy:
		return ErrBusy
	default:
		return fmt.Errorf("%w: push reply 0x%02x", ErrInvalidResponse, header[0])
	}
}

// ReadPopResponse consumes the reply to a pop request and returns the item.
func ReadPopResponse(r io.Reader) ([]byte, error) {
	var header [1]byte
	if err := readFull(r, header[:], true); err != nil {
		return nil, err
	}
	if header[0] == ByteBusy {
		return nil, ErrBusy
	}
	if header[0]&popFlag != 0 {
		return nil, fmt.Errorf("%w: pop reply 0x%02x", ErrInvalidResponse, header[0])
	}
	item := make([]byte, int(header[0]&lengthMask))
	if len(item) == 0 {
		return item, nil
	}
	if err := readFull(r, item, false); err != nil {
		return nil, err
	}
	return item, nil
}

func readFull(r io.Reader, p []byte, first bool) error {
	n, err := io.ReadFull(r, p)
	if err == nil {
		return nil
	}
	if isClosed(err) {
		if first && n == 0 {
			return ErrClosed
		}
		return fmt.Errorf("%w: truncated after %d bytes", ErrClosed, n)
	}
	return err
}

func isClosed(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE)
}
