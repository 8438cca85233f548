// Package version carries build identification injected at link time:
//
//	go build -ldflags "-X github.com/banshee-data/moldmap/internal/version.Version=$(git describe --tags) \
//	  -X github.com/banshee-data/moldmap/internal/version.GitSHA=$(git rev-parse --short HEAD)"
//
// Uninjected builds report "dev".
package version

var (
	// Version is the release tag, or "dev" for local builds.
	Version = "dev"
	// GitSHA is the short commit hash.
	GitSHA = "unknown"
	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)

// String renders the build identity for logs.
func String() string {
	if GitSHA == "unknown" {
		return Version
	}
	return Version + " (" + GitSHA + ")"
}
