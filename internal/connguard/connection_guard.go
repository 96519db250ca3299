// Package connguard decides whether a newly accepted connection may join the
// broker, replaces the oldest one, or is turned away busy.
package connguard

import (
	"net"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/stackd/internal/svcfields"
)

const (
	// DefaultMaxConnections caps concurrently admitted connections.
	DefaultMaxConnections = 100
	// DefaultEvictAfter is the age at which the oldest connection may be
	// sacrificed for a new one once the broker is full.
	DefaultEvictAfter = 10 * time.Second
)

// Config controls admission.
type Config struct {
	// MaxConnections is the number of live connections admitted at once.
	MaxConnections int
	// EvictAfter is the minimum age of the oldest connection before it is
	// evicted in favour of a newcomer.
	EvictAfter time.Duration
}

// Verdict is the outcome of an admission decision.
type Verdict uint8

const (
	// Accept admits the connection without disturbing others.
	Accept Verdict = iota
	// Evict admits the connection after closing the oldest one.
	Evict
	// Reject answers busy and closes the connection.
	Reject
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case Evict:
		return "evict"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// Decision carries the verdict and, for Evict and Reject, the age of the
// oldest live connection at decision time.
type Decision struct {
	Verdict   Verdict
	OldestAge time.Duration
}

// Registry is the view of live connections the guard needs.
type Registry interface {
	Len() int
	Oldest() (time.Time, bool)
}

// Guard applies the admission policy. Decide is normally called under the
// caller's own serialization; the guard only locks to protect its tunables.
type Guard struct {
	logger pslog.Logger

	mu         sync.Mutex
	max        int
	evictAfter time.Duration
	saturated  bool
}

// NewGuard builds a guard, filling zero values with defaults.
func NewGuard(cfg Config, logger pslog.Logger) *Guard {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	if cfg.EvictAfter <= 0 {
		cfg.EvictAfter = DefaultEvictAfter
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Guard{
		logger:     svcfields.WithSubsystem(logger, "control.connguard"),
		max:        cfg.MaxConnections,
		evictAfter: cfg.EvictAfter,
	}
}

// Decide classifies a new connection arriving at now.
func (g *Guard) Decide(r Registry, now time.Time) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	live := r.Len()
	if live < g.max {
		if g.saturated {
			g.saturated = false
			g.logger.Info("stackd.connguard.disengaged", "live", live, "max", g.max)
		}
		return Decision{Verdict: Accept}
	}
	oldest, ok := r.Oldest()
	if !ok {
		return Decision{Verdict: Accept}
	}
	age := now.Sub(oldest)
	if age >= g.evictAfter {
		return Decision{Verdict: Evict, OldestAge: age}
	}
	if !g.saturated {
		g.saturated = true
		g.logger.Warn("stackd.connguard.engaged",
			"live", live,
			"max", g.max,
			"oldest_age", age,
			"evict_after", g.evictAfter)
	}
	return Decision{Verdict: Reject, OldestAge: age}
}

// MaxConnections reports the admission cap.
func (g *Guard) MaxConnections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.max
}

// EvictAfter reports the current eviction age.
func (g *Guard) EvictAfter() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.evictAfter
}

// SetEvictAfter changes the eviction age; non-positive values are ignored.
func (g *Guard) SetEvictAfter(d time.Duration) bool {
	if d <= 0 {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if d == g.evictAfter {
		return false
	}
	g.logger.Info("stackd.connguard.tuned", "evict_after", d, "previous", g.evictAfter)
	g.evictAfter = d
	return true
}

// RemoteHost extracts the host component of conn's remote address.
func RemoteHost(conn net.Conn) string {
	if conn == nil {
		return ""
	}
	remote := conn.RemoteAddr()
	if remote == nil {
		return ""
	}
	return normalizeRemoteAddr(remote.String())
}

func normalizeRemoteAddr(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(raw)
	if err == nil {
		return host
	}
	return raw
}
