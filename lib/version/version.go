// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports which build of a courier binary is running.
//
// Release builds set the variables with -ldflags, for example:
//
//	go build -ldflags "-X github.com/bureau-foundation/courier/lib/version.Commit=$(git rev-parse --short HEAD)"
//
// Otherwise the VCS stamp the go command embeds is used when present.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

var (
	Version   = "0.1.0-dev"
	Commit    = ""
	BuildTime = ""
)

// Info returns "version (commit, time)" for --version output.
func Info() string {
	commit, built, dirty := Commit, BuildTime, false
	if commit == "" || built == "" {
		if info, ok := debug.ReadBuildInfo(); ok {
			stamped := stamp(info.Settings)
			if commit == "" {
				commit, dirty = stamped.revision, stamped.modified
			}
			if built == "" {
				built = stamped.time
			}
		}
	}
	return format(Version, commit, built, dirty)
}

// Full adds the Go version and platform.
func Full() string {
	return fmt.Sprintf("%s\n  Go: %s\n  Platform: %s/%s", Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Print writes "name Info()" to stdout.
func Print(name string) {
	fmt.Printf("%s %s\n", name, Info())
}

type vcsStamp struct {
	revision string
	time     string
	modified bool
}

func stamp(settings []debug.BuildSetting) vcsStamp {
	var result vcsStamp
	for _, setting := range settings {
		switch setting.Key {
		case "vcs.revision":
			result.revision = setting.Value
			if len(result.revision) > 12 {
				result.revision = result.revision[:12]
			}
		case "vcs.time":
			result.time = setting.Value
		case "vcs.modified":
			result.modified = setting.Value == "true"
		}
	}
	return result
}

func format(version, commit, built string, dirty bool) string {
	if commit == "" {
		commit = "unknown"
	}
	if dirty {
		commit += "-dirty"
	}
	if built == "" {
		built = "unknown"
	}
	return fmt.Sprintf("%s (%s, %s)", version, commit, built)
}
