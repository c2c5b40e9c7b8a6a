// AirStrike - command-line client for a remote wireless attack job server
package main

import (
	"os"

	"github.com/airstrike/airstrike/internal/cli"
	"github.com/airstrike/airstrike/internal/version"
)

// Version information, overridden by ldflags
var (
	Version   = "v0.4.0"
	BuildTime = "unknown"
)

func main() {
	version.Version = Version
	version.BuildTime = BuildTime

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
