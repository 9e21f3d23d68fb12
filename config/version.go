package config

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// These are injected at build time via -ldflags
var (
	Version   string
	GitCommit string
	BuildTime string
)

func init() {
	// go install builds carry the module version and VCS stamp instead
	info, ok := debug.ReadBuildInfo()
	if ok {
		if Version == "" && info.Main.Version != "" && info.Main.Version != "(devel)" {
			Version = info.Main.Version
		}
		for _, s := range info.Settings {
			switch {
			case s.Key == "vcs.revision" && GitCommit == "":
				GitCommit = shortCommit(s.Value)
			case s.Key == "vcs.time" && BuildTime == "":
				BuildTime = s.Value
			}
		}
	}

	if Version == "" {
		Version = "dev"
	}
	if GitCommit == "" {
		GitCommit = "local"
	}
	if BuildTime == "" {
		BuildTime = "unknown"
	}
}

func shortCommit(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}

// VersionString is the one-line build description printed by `shiori version`
func VersionString() string {
	return fmt.Sprintf("shiori %s (commit %s, built %s, %s/%s)", Version, GitCommit, BuildTime, runtime.GOOS, runtime.GOARCH)
}
