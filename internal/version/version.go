// Package version provides build-time version information.
//
// Variables are set at build time via ldflags:
//
//	go build -ldflags "-X github.com/agriscience/fieldwatch/internal/version.Version=1.0.0 \
//	                   -X github.com/agriscience/fieldwatch/internal/version.Commit=$(git rev-parse --short HEAD) \
//	                   -X github.com/agriscience/fieldwatch/internal/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)" \
//	    ./cmd/fieldwatch
package version

// Build-time variables (set via ldflags)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// String returns a one-line version, e.g. "fieldwatch 1.0.0 (abc1234, 2026-01-02T03:04:05Z)".
func String() string {
	return "fieldwatch " + Version + " (" + Commit + ", " + BuildTime + ")"
}
