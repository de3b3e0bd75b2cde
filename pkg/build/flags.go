// SPDX-License-Identifier: MIT
//
// Package build provides functionality to manage and retrieve build information
// for a Go application. It allows embedding metadata such as the application
// name, build timestamp, Git commit hash, and semantic version into the binary
// at compile time using linker flags:
//
//	go build -ldflags "-X fftserver/pkg/build.buildVersion=0.3.0 -X fftserver/pkg/build.buildCommit=$(git rev-parse --short HEAD)"
package build

import "fmt"

// Unknown marks a flag that was not set at link time.
const Unknown = "unknown"

type ldFlags struct {
	Name        string
	Description string
	Time        string
	Commit      string
	Version     string
}

// Package-level variables for build information. These are populated by -ldflags
// during compilation.
var (
	buildName    string
	buildTime    string
	buildCommit  string
	buildVersion string
	buildFlags   = defaultFlags()
)

func defaultFlags() *ldFlags {
	return &ldFlags{
		Name:        "fftserver",
		Description: "Computes, caches and serves short-time Fourier transforms of audio",
		Time:        Unknown,
		Commit:      Unknown,
		Version:     Unknown,
	}
}

// Initialize copies the ldflags variables into the build information.
// Flags that were not set keep their defaults; their names are returned
// so the caller can warn about a development build.
func Initialize() (missing []string) {
	set := func(dst *string, v, name string) {
		if v == "" {
			missing = append(missing, name)
			return
		}
		*dst = v
	}
	set(&buildFlags.Name, buildName, "BuildName")
	set(&buildFlags.Time, buildTime, "BuildTime")
	set(&buildFlags.Commit, buildCommit, "BuildCommit")
	set(&buildFlags.Version, buildVersion, "BuildVersion")
	return missing
}

// GetBuildFlags returns the current build information.
func GetBuildFlags() *ldFlags {
	return buildFlags
}

// String renders the version line shown by --version.
func (f *ldFlags) String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", f.Version, f.Commit, f.Time)
}
