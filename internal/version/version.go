// Package version carries build metadata injected with -ldflags, e.g.
//
//	-X github.com/banshee-data/signal.control/internal/version.Version=0.3.0
package version

import "fmt"

var (
	// Version is the release of signald and signal-test
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String is the one-line form printed by -version.
func String() string {
	return fmt.Sprintf("%s (git %s, built %s)", Version, GitSHA, BuildTime)
}
