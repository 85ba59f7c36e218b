// Package version carries the build identity stamped into the binary.
package version

import "runtime"

// Set at build time via -ldflags "-X github.com/sagaweave/sagaweave/pkg/version.Version=..."
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
	GoVersion = runtime.Version()
)

// Info returns the build identity as log- and API-friendly fields.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
		"go_version": GoVersion,
		"platform":   runtime.GOOS + "/" + runtime.GOARCH,
	}
}
