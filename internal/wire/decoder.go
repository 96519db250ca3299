package wire

// Decoder reassembles the single request of one connection from an
// arbitrarily fragmented byte stream. The zero value is ready for use.
type Decoder struct {
	buf  []byte
	done bool
}

// Feed appends p to the pending bytes. It returns the request and true the
// first time a complete request is available; every later call, and any call
// after a malformed header was reported, returns false and ignores its input.
func (d *Decoder) Feed(p []byte) (Request, bool, error) {
	if d.done {
		return Request{}, false, nil
	}
	d.buf = append(d.buf, p...)
	if len(d.buf) == 0 {
		return Request{}, false, nil
	}
	header := d.buf[0]
	if header&popFlag != 0 {
		d.finish()
		if header != HeaderPop {
			return Request{}, false, ErrMalformed
		}
		return Request{Op: OpPop}, true, nil
	}
	size := int(header & lengthMask)
	if len(d.buf)-1 < size {
		return Request{}, false, nil
	}
	payload := make([]byte, size)
	copy(payload, d.buf[1:1+size])
	d.finish()
	return Request{Op: OpPush, Payload: payload}, true, nil
}

// Buffered reports how many bytes are held while a request is incomplete.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Done reports whether the decoder has produced its request or rejected it.
func (d *Decoder) Done() bool {
	return d.done
}

// Missing reports how many more bytes the current request needs, or -1 when
// nothing has arrived yet.
func (d *Decoder) Missing() int {
	if d.done {
		return 0
	}
	if len(d.buf) == 0 {
		return -1
	}
	header := d.buf[0]
	if header&popFlag != 0 {
		return 0
	}
	return int(header&lengthMask) - (len(d.buf) - 1)
}

func (d *Decoder) finish() {
	d.done = true
	d.buf = nil
}
