package version

import (
	"strings"
	"testing"
)

func TestPseudoVersion(t *testing.T) {
	v := vcsInfo{
		revision: "0123456789abcdef0123",
		time:     "2025-03-04T05:06:07Z",
	}
	if got, want := v.pseudo(), "v0.0.0-20250304050607-0123456789ab"; got != want {
		t.Fatalf("pseudo: got %q want %q", got, want)
	}
	v.modified = true
	if got := v.pseudo(); !strings.HasSuffix(got, "+dirty") {
		t.Fatalf("expected dirty suffix, got %q", got)
	}
	if got := (vcsInfo{revision: "abc"}).pseudo(); got != "" {
		t.Fatalf("expected empty pseudo version without vcs time, got %q", got)
	}
}

func TestBuildVersionOverride(t *testing.T) {
	prev := buildVersion
	buildVersion = "v1.2.3"
	defer func() { buildVersion = prev }()
	if got := Current(); got != "v1.2.3" {
		t.Fatalf("current: got %q", got)
	}
	info := Get()
	if info.Version != "v1.2.3" || info.Go == "" || !strings.Contains(info.Platform, "/") {
		t.Fatalf("unexpected info: %+v", info)
	}
	if !strings.Contains(info.String(), "v1.2.3") {
		t.Fatalf("string missing version: %q", info.String())
	}
}
