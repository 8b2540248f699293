// Package version holds build metadata, overridden at link time with
// -ldflags "-X github.com/banshee-data/positioning.control/internal/version.Version=...".
package version

var (
	Version   = "dev"
	GitSHA    = "unknown"
	BuildTime = "unknown"
)
