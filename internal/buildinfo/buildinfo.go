// Package buildinfo holds version and build metadata stamped at compile time via ldflags.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// These variables are set at build time via -ldflags.
var (
	version   = "dev"
	gitCommit = "unknown"
	buildTime = "unknown"
)

// startTime records when the process started.
var startTime = time.Now()

// Version returns the stamped release version.
func Version() string {
	return version
}

// Info returns all build and runtime info as a map.
func Info() map[string]string {
	return map[string]string{
		"version":    version,
		"git_commit": gitCommit,
		"build_time": buildTime,
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
	return fmt.Sprintf("Keel %s (%s) built %s", version, gitCommit, buildTime)
}
