package broker

import (
	"container/list"
	"time"
)

// registry lists live connections in admission order, oldest first. It is
// only touched under Broker.mu.
type registry struct {
	conns *list.List
}

func newRegistry() *registry {
	return &registry{conns: list.New()}
}

// Len satisfies connguard.Registry.
func (r *registry) Len() int {
	return r.conns.Len()
}

// Oldest satisfies connguard.Registry.
func (r *registry) Oldest() (time.Time, bool) {
	c := r.oldest()
	if c == nil {
		return time.Time{}, false
	}
	return c.admitted, true
}

func (r *registry) oldest() *Conn {
	front := r.conns.Front()
	if front == nil {
		return nil
	}
	return front.Value.(*Conn)
}

func (r *registry) add(c *Conn) {
	c.regElem = r.conns.PushBack(c)
}

func (r *registry) remove(c *Conn) {
	if c.regElem == nil {
		return
	}
	r.conns.Remove(c.regElem)
	c.regElem = nil
}

func (r *registry) snapshot() []*Conn {
	out := make([]*Conn, 0, r.conns.Len())
	for e := r.conns.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*Conn))
	}
	return out
}
