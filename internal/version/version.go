// Package version exposes the build version stamped into the binary.
package version

import (
	"fmt"
	"runtime/debug"
)

// Overridden by ldflags at build time.
var (
	Version    = "dev"
	CommitHash = ""
)

// GetInfo returns the version, with the short commit hash when available.
func GetInfo() string {
	if CommitHash == "" {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, setting := range info.Settings {
				if setting.Key == "vcs.revision" {
					CommitHash = setting.Value
				}
			}
		}
	}

	if CommitHash == "" {
		return Version
	}
	short := CommitHash
	if len(short) > 7 {
		short = short[:7]
	}
	return fmt.Sprintf("%s (%s)", Version, short)
}
