package connguard

import (
	"net"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"
)

type fakeRegistry struct {
	admitted []time.Time
}

func (r *fakeRegistry) Len() int { return len(r.admitted) }

func (r *fakeRegistry) Oldest() (time.Time, bool) {
	if len(r.admitted) == 0 {
		return time.Time{}, false
	}
	return r.admitted[0], true
}

func fullRegistry(n int, at time.Time) *fakeRegistry {
	r := &fakeRegistry{}
	for i := 0; i < n; i++ {
		r.admitted = append(r.admitted, at.Add(time.Duration(i)*time.Millisecond))
	}
	return r
}

func TestGuardAcceptsBelowCapacity(t *testing.T) {
	now := time.Now()
	g := NewGuard(Config{MaxConnections: 3, EvictAfter: time.Second}, pslog.NoopLogger())
	r := fullRegistry(2, now)
	if d := g.Decide(r, now); d.Verdict != Accept {
		t.Fatalf("verdict = %s, want accept", d.Verdict)
	}
}

func TestGuardRejectsWhenOldestIsYoung(t *testing.T) {
	now := time.Now()
	g := NewGuard(Config{MaxConnections: 3, EvictAfter: 10 * time.Second}, pslog.NoopLogger())
	r := fullRegistry(3, now)
	d := g.Decide(r, now.Add(9*time.Second))
	if d.Verdict != Reject {
		t.Fatalf("verdict = %s, want reject", d.Verdict)
	}
	if d.OldestAge != 9*time.Second {
		t.Fatalf("oldest age = %v, want 9s", d.OldestAge)
	}
}

func TestGuardEvictsAtThreshold(t *testing.T) {
	now := time.Now()
	g := NewGuard(Config{MaxConnections: 3, EvictAfter: 10 * time.Second}, pslog.NoopLogger())
	r := fullRegistry(3, now)
	if d := g.Decide(r, now.Add(10*time.Second)); d.Verdict != Evict {
		t.Fatalf("verdict = %s, want evict at exactly the threshold", d.Verdict)
	}
}

func TestGuardDefaults(t *testing.T) {
	g := NewGuard(Config{}, nil)
	if g.MaxConnections() != DefaultMaxConnections {
		t.Fatalf("max = %d", g.MaxConnections())
	}
	if g.EvictAfter() != DefaultEvictAfter {
		t.Fatalf("evict after = %v", g.EvictAfter())
	}
}

func TestGuardSetEvictAfter(t *testing.T) {
	now := time.Now()
	logger := newCaptureLogger()
	g := NewGuard(Config{MaxConnections: 1, EvictAfter: 10 * time.Second}, logger)
	r := fullRegistry(1, now)
	if d := g.Decide(r, now.Add(3*time.Second)); d.Verdict != Reject {
		t.Fatalf("verdict = %s, want reject", d.Verdict)
	}
	if g.SetEvictAfter(0) {
		t.Fatal("zero duration must be ignored")
	}
	if !g.SetEvictAfter(2 * time.Second) {
		t.Fatal("expected tunable update")
	}
	if g.SetEvictAfter(2 * time.Second) {
		t.Fatal("unchanged value should report no update")
	}
	if d := g.Decide(r, now.Add(3*time.Second)); d.Verdict != Evict {
		t.Fatalf("verdict = %s, want evict after lowering threshold", d.Verdict)
	}
	if _, ok := logger.find("stackd.connguard.tuned"); !ok {
		t.Fatalf("expected tuned log; logs=%v", logger.snapshot())
	}
}

func TestGuardLogsSaturationLifecycle(t *testing.T) {
	now := time.Now()
	logger := newCaptureLogger()
	g := NewGuard(Config{MaxConnections: 2, EvictAfter: time.Minute}, logger)
	full := fullRegistry(2, now)
	g.Decide(full, now)
	g.Decide(full, now)
	if n := logger.count("stackd.connguard.engaged"); n != 1 {
		t.Fatalf("engaged logged %d times, want 1", n)
	}
	g.Decide(fullRegistry(1, now), now)
	if _, ok := logger.find("stackd.connguard.disengaged"); !ok {
		t.Fatalf("expected disengaged log; logs=%v", logger.snapshot())
	}
}

func TestRemoteHost(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	if got := RemoteHost(server); got != "pipe" {
		t.Fatalf("pipe remote host = %q", got)
	}
	if got := RemoteHost(nil); got != "" {
		t.Fatalf("nil conn host = %q", got)
	}
	if got := normalizeRemoteAddr(" 10.1.2.3:5555 "); got != "10.1.2.3" {
		t.Fatalf("normalize = %q", got)
	}
}

type captureEntry struct {
	level  string
	msg    string
	fields []any
}

type captureLogger struct {
	fields  []any
	mu      *sync.Mutex
	entries *[]captureEntry
}

func newCaptureLogger() *captureLogger {
	entries := make([]captureEntry, 0, 8)
	return &captureLogger{mu: &sync.Mutex{}, entries: &entries}
}

func (l *captureLogger) cloneWith(args ...any) *captureLogger {
	combined := append([]any{}, l.fields...)
	combined = append(combined, args...)
	return &captureLogger{fields: combined, mu: l.mu, entries: l.entries}
}

func (l *captureLogger) find(msg string) (captureEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, entry := range *l.entries {
		if entry.msg == msg {
			return entry, true
		}
	}
	return captureEntry{}, false
}

func (l *captureLogger) count(msg string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, entry := range *l.entries {
		if entry.msg == msg {
			n++
		}
	}
	return n
}

func (l *captureLogger) snapshot() []captureEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]captureEntry, len(*l.entries))
	copy(out, *l.entries)
	return out
}

func (l *captureLogger) record(level, msg string, args ...any) {
	fields := append([]any{}, l.fields...)
	fields = append(fields, args...)
	l.mu.Lock()
	*l.entries = append(*l.entries, captureEntry{level: level, msg: msg, fields: fields})
	l.mu.Unlock()
}

func (l *captureLogger) Trace(msg string, args ...any) { l.record("trace", msg, args...) }
func (l *captureLogger) Debug(msg string, args ...any) { l.record("debug", msg, args...) }
func (l *captureLogger) Info(msg string, args ...any)  { l.record("info", msg, args...) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.record("warn", msg, args...) }
func (l *captureLogger) Error(msg string, args ...any) { l.record("error", msg, args...) }
func (l *captureLogger) Fatal(msg string, args ...any) { l.record("fatal", msg, args...) }
func (l *captureLogger) Panic(msg string, args ...any) { l.record("panic", msg, args...) }
func (l *captureLogger) Log(level pslog.Level, msg string, args ...any) {
	l.record(pslog.LevelString(level), msg, args...)
}
func (l *captureLogger) With(args ...any) pslog.Logger { return l.cloneWith(args...) }
func (l *captureLogger) WithLogLevel() pslog.Logger    { return l }
func (l *captureLogger) LogLevel(pslog.Level) pslog.Logger {
	return l
}
func (l *captureLogger) LogLevelFromEnv(string) pslog.Logger { return l }
