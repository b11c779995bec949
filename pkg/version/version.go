// Package version holds build-time version information, set via
// -ldflags at build time (BuildVersion defaults to "dev" otherwise).
package version

import "runtime"

var (
	// BuildVersion is the engine's semantic version, overridden at
	// build time with -ldflags "-X .../pkg/version.BuildVersion=...".
	BuildVersion = "dev"
	// BuildCommit is the VCS commit the binary was built from.
	BuildCommit = "unknown"
	// BuildDate is when the binary was built, in RFC3339.
	BuildDate = "unknown"
)

// Info returns the build metadata as a label map, used for both the
// Prometheus system_info gauge and the health endpoint's JSON body.
func Info() map[string]string {
	return map[string]string{
		"version":    BuildVersion,
		"go_version": runtime.Version(),
		"commit":     BuildCommit,
		"build_date": BuildDate,
	}
}

// String renders a one-line human-readable version banner.
func String() string {
	return "tileengine " + BuildVersion + " (" + BuildCommit + ", " + runtime.Version() + ")"
}
