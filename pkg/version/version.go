// Package version exposes build metadata for mdkeeper binaries.
package version

import (
	"fmt"
	"runtime"
)

// Version is injected at build time via
// -ldflags "-X github.com/mdkeeper/mdkeeper/pkg/version.Version=...".
// Development builds report "dev".
var Version = "dev"

var (
	// Commit is the short git commit hash, set via ldflags.
	Commit = "unknown"

	// Date is the build date in RFC3339 format, set via ldflags.
	Date = "unknown"

	// GoVersion is the toolchain the binary was built with.
	GoVersion = runtime.Version()
)

// BuildInfo is structured version information for JSON output.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

// String returns the one-line version banner.
func String() string {
	return fmt.Sprintf("mdkeeper %s (commit: %s, built: %s, go: %s)",
		Version, Commit, Date, GoVersion)
}

// Short returns just the version string.
func Short() string { return Version }

// GetInfo returns structured version information.
func GetInfo() BuildInfo {
	return BuildInfo{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: GoVersion,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}
