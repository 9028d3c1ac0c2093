// Package buildinfo reports which termkeep binary is running and where.
// Release builds stamp the variables below with
// -ldflags "-X github.com/nugget/termkeep/internal/buildinfo.Version=...".
package buildinfo

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var started = time.Now()

// Build describes the running binary and its host.
type Build struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
	// Termux is true when running inside the Termux app rather than on a
	// development machine.
	Termux bool   `json:"termux"`
	Uptime string `json:"uptime"`
}

// Info returns the current build description.
func Info() Build {
	return Build{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		Termux:    InTermux(),
		Uptime:    Uptime().String(),
	}
}

// InTermux reports whether the process runs under Termux. Termux sets
// TERMUX_VERSION and installs under a com.termux prefix.
func InTermux() bool {
	return os.Getenv("TERMUX_VERSION") != "" || strings.Contains(os.Getenv("PREFIX"), "com.termux")
}

// Uptime is the whole-second time since the process started.
func Uptime() time.Duration {
	return time.Since(started).Truncate(time.Second)
}

// UserAgent identifies termkeep to the storage service and the bot API.
func UserAgent() string {
	return "termkeep/" + Version + " (" + runtime.GOOS + ")"
}

func String() string {
	return fmt.Sprintf("termkeep %s (%s, built %s)", Version, GitCommit, BuildTime)
}
