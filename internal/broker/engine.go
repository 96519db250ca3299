package broker

import (
	"pkt.systems/stackd/internal/wire"
)

// pushLocked serves a push arrival: store it when there is room, otherwise
// park it behind earlier pushes. A stored item may satisfy parked pops.
func (b *Broker) pushLocked(c *Conn, payload []byte, done []completion) []completion {
	if b.store.TryPush(payload) {
		b.counters.Pushes++
		done = append(done, b.completeLocked(c, wire.PushAccepted(), OutcomePushed))
		return b.resolvePopsLocked(done)
	}
	c.state = stateParkedPush
	c.payload = payload
	c.pendElem = b.pushes.PushBack(c)
	c.logger.Debug("stackd.request.parked", "op", wire.OpPush.String(), "state", c.state.String(), "pending", b.pushes.Len(), "len", len(payload))
	return done
}

// popLocked serves a pop arrival: take the top item when there is one,
// otherwise park behind earlier pops. Freed room may admit parked pushes.
func (b *Broker) popLocked(c *Conn, done []completion) []completion {
	if item, ok := b.store.TryPop(); ok {
		b.counters.Pops++
		done = append(done, b.completeLocked(c, popFrame(item), OutcomePopped))
		return b.resolvePushesLocked(done)
	}
	c.state = stateParkedPop
	c.pendElem = b.pops.PushBack(c)
	c.logger.Debug("stackd.request.parked", "op", wire.OpPop.String(), "state", c.state.String(), "pending", b.pops.Len())
	return done
}

// resolvePopsLocked hands stored items to parked pops, oldest pop first,
// until either runs out.
func (b *Broker) resolvePopsLocked(done []completion) []completion {
	for b.pops.Len() > 0 {
		item, ok := b.store.TryPop()
		if !ok {
			break
		}
		waiter := b.pops.Front().Value.(*Conn)
		b.unparkLocked(waiter)
		b.counters.Pops++
		b.counters.HandOffs++
		done = append(done, b.completeLocked(waiter, popFrame(item), OutcomeHandOff))
	}
	return done
}

// resolvePushesLocked stores parked payloads, oldest push first, while the
// stack has room.
func (b *Broker) resolvePushesLocked(done []completion) []completion {
	for b.pushes.Len() > 0 && !b.store.Full() {
		waiter := b.pushes.Front().Value.(*Conn)
		b.store.TryPush(waiter.payload)
		b.unparkLocked(waiter)
		b.counters.Pushes++
		b.counters.HandOffs++
		done = append(done, b.completeLocked(waiter, wire.PushAccepted(), OutcomeHandOff))
	}
	return done
}

// popFrame frames a stored item. Submit refuses payloads longer than
// wire.MaxPayload, so every stored item fits the length byte.
func popFrame(item []byte) []byte {
	frame, _ := wire.PopResult(item)
	return frame
}

// unparkLocked removes c from whichever pending queue holds it.
func (b *Broker) unparkLocked(c *Conn) {
	if c.pendElem == nil {
		return
	}
	switch c.state {
	case stateParkedPush:
		b.pushes.Remove(c.pendElem)
	case stateParkedPop:
		b.pops.Remove(c.pendElem)
	}
	c.pendElem = nil
	c.payload = nil
	c.state = stateOpen
}

// completeLocked retires c with a reply frame.
func (b *Broker) completeLocked(c *Conn, frame []byte, outcome string) completion {
	b.registry.remove(c)
	c.state = stateClosed
	return completion{conn: c, op: c.op, frame: frame, outcome: outcome}
}

// dropLocked retires c without a reply, discarding any parked request.
// It reports false when c was already retired.
func (b *Broker) dropLocked(c *Conn, outcome string) (completion, bool) {
	if c.state == stateClosed {
		return completion{}, false
	}
	b.unparkLocked(c)
	b.registry.remove(c)
	c.state = stateClosed
	return completion{conn: c, op: c.op, outcome: outcome}, true
}
