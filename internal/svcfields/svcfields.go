// Package svcfields standardises the structured fields stackd attaches to
// log entries.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

const (
	// SubsystemKey is the canonical key for subsystem tags.
	SubsystemKey = pslog.TrustedString("sys")
	// ConnKey tags entries with a connection id.
	ConnKey = pslog.TrustedString("conn")
	// RemoteKey tags entries with the peer host.
	RemoteKey = pslog.TrustedString("remote")
)

// Subsystem joins parts into a dot-delimited subsystem path, skipping empty
// fragments.
func Subsystem(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part == "" {
			continue
		}
		filtered = append(filtered, part)
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem attaches a subsystem tag to every log entry.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// WithConn attaches connection identity to every log entry.
func WithConn(logger pslog.Logger, id, remote string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if remote == "" {
		return logger.With(ConnKey, id)
	}
	return logger.With(ConnKey, id, RemoteKey, remote)
}
