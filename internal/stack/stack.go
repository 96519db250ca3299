// Package stack implements the bounded LIFO store behind stackd.
//
// Store is not safe for concurrent use; the broker serializes every call
// behind its coordinator lock.
package stack

// DefaultCapacity bounds the store when callers pass a non-positive capacity.
const DefaultCapacity = 100

// Store holds opaque byte items, most recently pushed on top.
type Store struct {
	items    [][]byte
	capacity int
}

// New returns an empty store holding at most capacity items.
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		items:    make([][]byte, 0, capacity),
		capacity: capacity,
	}
}

// TryPush places item on top when there is room and reports whether it did.
// The store takes ownership of item.
func (s *Store) TryPush(item []byte) bool {
	if len(s.items) >= s.capacity {
		return false
	}
	s.items = append(s.items, item)
	return true
}

// TryPop removes and returns the top item, or false when the store is empty.
func (s *Store) TryPop() ([]byte, bool) {
	n := len(s.items)
	if n == 0 {
		return nil, false
	}
	item := s.items[n-1]
	s.items[n-1] = nil
	s.items = s.items[:n-1]
	return item, true
}

// Len reports the number of stored items.
func (s *Store) Len() int {
	return len(s.items)
}

// Cap reports the maximum number of items.
func (s *Store) Cap() int {
	return s.capacity
}

// Full reports whether a push would be refused.
func (s *Store) Full() bool {
	return len(s.items) >= s.capacity
}
