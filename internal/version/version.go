// Package version reports the build version of the xfer binary.
package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/xfer"

// buildVersion is set via -ldflags "-X pkt.systems/xfer/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running build.
type Info struct {
	Module   string
	Version  string
	Revision string
	Dirty    bool
}

// String renders "module version".
func (i Info) String() string {
	return i.Module + " " + i.Version
}

// Read collects Info from the linker flag and the embedded build info.
func Read() Info {
	info, _ := debug.ReadBuildInfo()
	return fromBuildInfo(info, buildVersion)
}

// Current returns the best available version string.
func Current() string {
	return Read().Version
}

// Module returns the module path from build info when available.
func Module() string {
	return Read().Module
}

func fromBuildInfo(info *debug.BuildInfo, linked string) Info {
	out := Info{Module: defaultModule, Version: strings.TrimSpace(linked)}
	if info == nil {
		if out.Version == "" {
			out.Version = "v0.0.0-unknown"
		}
		return out
	}
	if path := strings.TrimSpace(info.Main.Path); path != "" {
		out.Module = path
	}
	var vcsTime string
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			out.Revision = setting.Value
		case "vcs.time":
			vcsTime = setting.Value
		case "vcs.modified":
			out.Dirty = setting.Value == "true"
		}
	}
	if out.Version != "" {
		return out
	}
	if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
		out.Version = v
		return out
	}
	out.Version = pseudoVersion(out.Revision, vcsTime, out.Dirty)
	return out
}

// pseudoVersion mirrors the Go module pseudo-version layout.
func pseudoVersion(revision, vcsTime string, dirty bool) string {
	if revision == "" || vcsTime == "" {
		return "v0.0.0-unknown"
	}
	parsed, err := time.Parse(time.RFC3339, vcsTime)
	if err != nil {
		return "v0.0.0-unknown"
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	ver := "v0.0.0-" + parsed.UTC().Format("20060102150405") + "-" + revision
	if dirty {
		ver += "+dirty"
	}
	return ver
}
