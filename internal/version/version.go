// Package version holds build metadata injected via -ldflags.
package version

import "runtime"

// Set at build time:
//
//	go build -ldflags "-X github.com/HerbHall/wakewatch/internal/version.Version=v0.2.0"
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// Short returns the version string.
func Short() string {
	return Version
}

// Map returns the build metadata as a string map for JSON responses.
func Map() map[string]string {
	return map[string]string{
		"version":    Version,
		"commit":     Commit,
		"build_date": BuildDate,
		"go":         runtime.Version(),
	}
}
