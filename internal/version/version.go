// Package version reports the stackd build identity.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/stackd"

// buildVersion is set via -ldflags "-X pkt.systems/stackd/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running binary.
type Info struct {
	Version  string `json:"version" yaml:"version"`
	Module   string `json:"module" yaml:"module"`
	Revision string `json:"revision,omitempty" yaml:"revision,omitempty"`
	Dirty    bool   `json:"dirty,omitempty" yaml:"dirty,omitempty"`
	Go       string `json:"go" yaml:"go"`
	Platform string `json:"platform" yaml:"platform"`
}

// String renders a one-line summary.
func (i Info) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", i.Module, i.Version)
	if i.Revision != "" && !strings.Contains(i.Version, shortRevision(i.Revision)) {
		fmt.Fprintf(&b, " (%s)", shortRevision(i.Revision))
	}
	fmt.Fprintf(&b, " %s %s", i.Go, i.Platform)
	return b.String()
}

// Get collects build information for the current binary.
func Get() Info {
	info := Info{
		Version:  Current(),
		Module:   Module(),
		Go:       runtime.Version(),
		Platform: runtime.GOOS + "/" + runtime.GOARCH,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		vcs := readVCS(bi)
		info.Revision = vcs.revision
		info.Dirty = vcs.modified
	}
	return info
}

// Current returns the best available version string.
func Current() string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return v
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		if v := strings.TrimSpace(bi.Main.Version); v != "" && v != "(devel)" {
			return v
		}
		if v := readVCS(bi).pseudo(); v != "" {
			return v
		}
	}
	return "v0.0.0-unknown"
}

// Module returns the module path from build info when available.
func Module() string {
	if bi, ok := debug.ReadBuildInfo(); ok {
		if path := strings.TrimSpace(bi.Main.Path); path != "" {
			return path
		}
	}
	return defaultModule
}

type vcsInfo struct {
	revision string
	time     string
	modified bool
}

func readVCS(bi *debug.BuildInfo) vcsInfo {
	var out vcsInfo
	if bi == nil {
		return out
	}
	for _, setting := range bi.Settings {
		switch setting.Key {
		case "vcs.revision":
			out.revision = setting.Value
		case "vcs.time":
			out.time = setting.Value
		case "vcs.modified":
			out.modified = setting.Value == "true"
		}
	}
	return out
}

// pseudo builds a Go-style pseudo version from VCS stamps.
func (v vcsInfo) pseudo() string {
	if v.revision == "" || v.time == "" {
		return ""
	}
	parsed, err := time.Parse(time.RFC3339, v.time)
	if err != nil {
		return ""
	}
	ver := "v0.0.0-" + parsed.UTC().Format("20060102150405") + "-" + shortRevision(v.revision)
	if v.modified {
		ver += "+dirty"
	}
	return ver
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
