package stackd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/stackd/internal/broker"
	"pkt.systems/stackd/internal/connguard"
	"pkt.systems/stackd/internal/stack"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":9342"
	// DefaultListenProto controls the network used when none is configured.
	DefaultListenProto = "tcp"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus scrape).
	// Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultMaxConnections bounds simultaneously admitted connections.
	DefaultMaxConnections = connguard.DefaultMaxConnections
	// DefaultStackCapacity bounds the number of stored items.
	DefaultStackCapacity = stack.DefaultCapacity
	// DefaultEvictAfter is the age at which the oldest connection may be
	// evicted to make room for a new one.
	DefaultEvictAfter = connguard.DefaultEvictAfter
	// DefaultReadBufferSize is the per-connection read buffer.
	DefaultReadBufferSize = broker.DefaultReadBufferSize
	// DefaultWriteTimeout bounds each reply write.
	DefaultWriteTimeout = broker.DefaultWriteTimeout
	// DefaultBusyLinger bounds how long a rejected connection is drained
	// after the busy byte.
	DefaultBusyLinger = broker.DefaultBusyLinger
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultConfigFileName is the file looked up in DefaultConfigDir.
	DefaultConfigFileName = "config.yaml"
)

const maxReadBufferSize = 1 << 20

// Config captures server configuration.
type Config struct {
	Listen      string
	ListenProto string

	MaxConnections int
	StackCapacity  int
	EvictAfter     time.Duration
	ReadBufferSize int
	WriteTimeout   time.Duration
	BusyLinger     time.Duration

	ShutdownTimeout time.Duration

	MetricsListen          string
	MetricsListenSet       bool
	PprofListen            string
	PprofListenSet         bool
	EnableProfilingMetrics bool
	OTLPEndpoint           string
}

// Validate fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	c.ListenProto = strings.ToLower(strings.TrimSpace(c.ListenProto))
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	switch c.ListenProto {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return fmt.Errorf("config: listen proto must be one of tcp, tcp4, tcp6 or unix (got %q)", c.ListenProto)
	}
	if !c.MetricsListenSet && c.MetricsListen == "" {
		c.MetricsListen = DefaultMetricsListen
	}
	if !c.PprofListenSet && c.PprofListen == "" {
		c.PprofListen = DefaultPprofListen
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("config: max connections must be >= 0")
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.StackCapacity < 0 {
		return fmt.Errorf("config: stack capacity must be >= 0")
	}
	if c.StackCapacity == 0 {
		c.StackCapacity = DefaultStackCapacity
	}
	if c.EvictAfter < 0 {
		return fmt.Errorf("config: evict after must be >= 0")
	}
	if c.EvictAfter == 0 {
		c.EvictAfter = DefaultEvictAfter
	}
	if c.ReadBufferSize < 0 || c.ReadBufferSize > maxReadBufferSize {
		return fmt.Errorf("config: read buffer size must be between 0 and %d bytes", maxReadBufferSize)
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = DefaultReadBufferSize
	}
	if c.WriteTimeout < 0 {
		return fmt.Errorf("config: write timeout must be >= 0")
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.BusyLinger < 0 {
		return fmt.Errorf("config: busy linger must be >= 0")
	}
	if c.BusyLinger == 0 {
		c.BusyLinger = DefaultBusyLinger
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("config: shutdown timeout must be >= 0")
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return nil
}

func (c Config) brokerConfig() broker.Config {
	return broker.Config{
		StackCapacity:  c.StackCapacity,
		MaxConnections: c.MaxConnections,
		EvictAfter:     c.EvictAfter,
		ReadBufferSize: c.ReadBufferSize,
		WriteTimeout:   c.WriteTimeout,
		BusyLinger:     c.BusyLinger,
	}
}

// DefaultConfigDir returns the default configuration directory ($HOME/.stackd).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("STACKD_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".stackd"), nil
}

// DefaultConfigPath returns the default configuration file location.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFileName), nil
}
