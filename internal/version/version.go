// Package version holds the SectorFlux release version.
//
// The numeric components are exposed separately so the /api/version
// endpoint and the dashboard can report them without parsing the
// string form.
package version

// Semantic version of this release.
const (
	String = "0.4.0"

	Major = 0
	Minor = 4
	Patch = 0
)

// Build metadata injected at link time via -ldflags:
//
//	-X github.com/particlesector/sectorflux/internal/version.Commit=$(git rev-parse --short HEAD)
//	-X github.com/particlesector/sectorflux/internal/version.BuildDate=$(date -u +%Y-%m-%d)
var (
	Commit    = "none"
	BuildDate = "unknown"
)
