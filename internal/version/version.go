package version

import "fmt"

// Build information, overridden at link time with
// -ldflags "-X cryptoalarm/internal/version.Version=...".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// String renders the build information on one line.
func String() string {
	return fmt.Sprintf("cryptoalarm %s (commit %s, built %s)", Version, Commit, BuildDate)
}
