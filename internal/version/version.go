// Package version exposes the build identity stamped into the binary at
// link time.
package version

import (
	"fmt"
	"runtime"
)

// Overridden via -ldflags "-X" in release builds; the defaults identify a
// plain `go build` binary.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Build describes the running binary.
type Build struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

// String renders the short human-readable form, e.g. "1.4.0 (9f2c1ab)".
func (b Build) String() string {
	return fmt.Sprintf("%s (%s)", b.Version, b.Commit)
}

// Get reports the build identity of the running binary.
func Get() Build {
	return Build{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
	}
}
