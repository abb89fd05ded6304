// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// These variables may be set via -ldflags at build time.
var (
	// Version is the semantic version. This is set manually for releases.
	Version = "0.1.0-dev"

	// Commit is the short git SHA of the build.
	Commit = ""

	// BuildTime is the UTC timestamp of the build.
	BuildTime = ""
)

// Build describes the running binary.
type Build struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Dirty     bool   `json:"dirty,omitempty"`
	BuildTime string `json:"buildTime"`
	Go        string `json:"go"`
}

// Current returns the running binary's build information.
func Current() Build {
	build := Build{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		Go:        runtime.Version(),
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				if build.Commit == "" {
					build.Commit = shorten(setting.Value)
				}
			case "vcs.time":
				if build.BuildTime == "" {
					build.BuildTime = setting.Value
				}
			case "vcs.modified":
				build.Dirty = setting.Value == "true"
			}
		}
	}
	if build.Commit == "" {
		build.Commit = "unknown"
	}
	if build.BuildTime == "" {
		build.BuildTime = "unknown"
	}
	return build
}

// Info returns a formatted version string suitable for --version output.
func Info() string {
	build := Current()
	dirty := ""
	if build.Dirty {
		dirty = "-dirty"
	}
	return fmt.Sprintf("%s (%s%s, %s)", build.Version, build.Commit, dirty, build.BuildTime)
}

// Full returns Info plus the Go version and platform.
func Full() string {
	return fmt.Sprintf("%s\n  Go: %s\n  Platform: %s/%s",
		Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func shorten(revision string) string {
	if len(revision) > 12 {
		return revision[:12]
	}
	return revision
}
