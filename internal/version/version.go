// Package version provides the vaultkv version string.
// The version is set at build time via -ldflags.
package version

// Version is the current vaultkv release.
// Override at build time: go build -ldflags "-X github.com/vaultkv/vaultkv/internal/version.Version=1.1.0"
var Version = "1.0.0"

// BuildTime is the build timestamp.
// Override at build time: go build -ldflags "-X github.com/vaultkv/vaultkv/internal/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var BuildTime = "unknown"
