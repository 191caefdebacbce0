// Package version reports the version of jitcore compiled into the running binary.
package version

import (
	"runtime/debug"
	"strings"
)

// Default is returned when the version cannot be read from the build info, for example in tests
// or in builds of this module itself.
const Default = "dev"

const modulePath = "github.com/tetratelabs/jitcore"

// GetVersion returns the version of jitcore the main module depends on.
func GetVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return Default
	}
	return versionOf(info)
}

func versionOf(info *debug.BuildInfo) string {
	if info.Main.Path == modulePath && validVersion(info.Main.Version) {
		return info.Main.Version
	}
	for _, dep := range info.Deps {
		if dep.Path != modulePath {
			continue
		}
		if dep.Replace != nil && validVersion(dep.Replace.Version) {
			return dep.Replace.Version
		}
		if validVersion(dep.Version) {
			return dep.Version
		}
	}
	return Default
}

func validVersion(v string) bool {
	return v != "" && v != "(devel)" && strings.HasPrefix(v, "v")
}
