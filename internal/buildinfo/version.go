// Package buildinfo contains build-time information embedded via ldflags
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Version and Commit are set at build time via ldflags
// Example: go build -ldflags "-X github.com/YoshitsuguKoike/orchestra/internal/buildinfo.Version=v1.0.0"
var (
	Version = "dev"
	Commit  = ""
)

// GetVersion returns the current version, with "dev" as default for development builds
func GetVersion() string {
	if Version == "" {
		return "dev"
	}
	return Version
}

// GetCommit returns the VCS revision, from ldflags or the module build info.
func GetCommit() string {
	if Commit != "" {
		return Commit
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && len(s.Value) >= 7 {
				return s.Value[:7]
			}
		}
	}
	return "unknown"
}

// String is the one-line version banner.
func String() string {
	return fmt.Sprintf("orchestra %s (commit %s, %s, %s/%s)",
		GetVersion(), GetCommit(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
