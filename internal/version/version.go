// Package version reports build metadata for strata binaries.
package version

import (
	"runtime"
	"runtime/debug"
	"time"
)

// Set via -ldflags "-X github.com/samcharles93/strata/internal/version.Version=...".
var (
	Version   = ""
	Commit    = ""
	BuildTime = ""
)

type Info struct {
	Version   string
	Commit    string
	BuildTime string
	GoVersion string
	Modified  bool
}

// Resolve merges the linker-provided values with the VCS stamp recorded by
// the go toolchain. Linker values win.
func Resolve() Info {
	info := Info{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		applyBuildSettings(&info, bi.Settings)
	}
	if info.Version == "" {
		switch {
		case info.BuildTime != "":
			info.Version = info.BuildTime
		default:
			info.Version = "dev-" + time.Now().UTC().Format("20060102")
		}
	}
	return info
}

func applyBuildSettings(info *Info, settings []debug.BuildSetting) {
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "" {
				info.Commit = s.Value
			}
		case "vcs.time":
			if info.BuildTime == "" {
				info.BuildTime = s.Value
			}
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
}

func String() string {
	info := Resolve()
	if info.Commit == "" {
		return info.Version
	}
	s := info.Version + " (" + shortCommit(info.Commit)
	if info.Modified {
		s += "-dirty"
	}
	return s + ")"
}

// UserAgent is the value strata sends to remote hubs.
func UserAgent() string {
	return "strata/" + String() + " " + runtime.GOOS + "/" + runtime.GOARCH
}

func shortCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}
