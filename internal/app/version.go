package app

import (
	"fmt"
	"runtime"
)

// Build-time variables set via -ldflags. For example:
//
//	go build -ldflags "-X github.com/large-farva/satpi/internal/app.Version=v1.0.0"
var (
	Version   = "dev"
	GoVersion = "unknown"
	BuiltAt   = "unknown"
)

// VersionString renders the build identity for --version and startup logs.
// Binaries built without ldflags report the running toolchain instead.
func VersionString() string {
	gov := GoVersion
	if gov == "unknown" {
		gov = runtime.Version()
	}
	return fmt.Sprintf("%s (%s %s/%s, built %s)", Version, gov, runtime.GOOS, runtime.GOARCH, BuiltAt)
}
