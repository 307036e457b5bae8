// Package buildinfo reports the mcplink version and build metadata.
//
// Release builds stamp the variables below via -ldflags, for example:
//
//	go build -ldflags "-X github.com/nugget/mcplink/internal/buildinfo.Version=v0.3.0"
//
// Anything left unstamped is filled from the module and VCS data the Go
// toolchain embeds in the binary.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

// Name identifies this client to MCP servers and in the User-Agent.
const Name = "mcplink"

// These variables are set at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// init replaces unstamped values with what debug.ReadBuildInfo knows.
// The branch is never recorded by the toolchain.
func init() {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		Version = bi.Main.Version
	}
	var modified bool
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if GitCommit == "unknown" && len(s.Value) >= 12 {
				GitCommit = s.Value[:12]
			}
		case "vcs.time":
			if BuildTime == "unknown" {
				BuildTime = s.Value
			}
		case "vcs.modified":
			modified = s.Value == "true"
		}
	}
	if modified && GitCommit != "unknown" {
		GitCommit += "-dirty"
	}
}

// Info returns build and runtime details keyed by snake_case name.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"git_branch": GitBranch,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime returns the duration since process start.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// String returns a one-line summary for logging.
func String() string {
	return fmt.Sprintf("%s %s (%s@%s) built %s", Name, Version, GitCommit, GitBranch, BuildTime)
}

// UserAgent is sent on outbound HTTP and WebSocket requests.
func UserAgent() string {
	return fmt.Sprintf("%s/%s (%s/%s)", Name, Version, runtime.GOOS, runtime.GOARCH)
}
