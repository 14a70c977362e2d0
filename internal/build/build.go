// Package build holds build-time metadata injected via ldflags.
package build

var (
	// Slug is the binary name.
	Slug = "galaxy"

	// Version is the release version, overridden at build time.
	Version = "0.0.0"
)
