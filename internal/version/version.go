// Package version contains build version information, set at build time via
// -ldflags "-X github.com/bissquit/notification-dispatch/internal/version.Version=...".
package version

import "fmt"

var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info returns the build fields keyed as the /version endpoint reports them.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"commit":     GitCommit,
		"build_date": BuildDate,
	}
}

// String formats the build fields for a --version flag.
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, GitCommit, BuildDate)
}
