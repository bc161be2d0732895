// Package version carries build metadata injected with -ldflags.
package version

var (
	// Version is the release tag, set at build time.
	Version = "dev"
	// Commit is the source revision.
	Commit = "none"
	// BuildDate is an RFC3339 timestamp.
	BuildDate = "unknown"
)
