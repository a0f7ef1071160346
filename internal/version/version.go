// Package version contains build version information.
package version

// Set at build time via -ldflags "-X github.com/bissquit/relay/internal/version.Version=...".
var (
	Version   = "0.0.0-dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)
