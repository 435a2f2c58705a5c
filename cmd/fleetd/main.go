// Package main provides the entry point for fleetd, the OpenStack CI
// runner fleet manager.
//
// Usage:
//
//	fleetd serve -c /etc/fleetd/config.yaml
package main

import (
	"github.com/thpham/fleetd/commands"
)

var (
	// Version information (set via ldflags)
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

func main() {
	commands.SetVersionInfo(Version, Commit, Date)
	commands.Execute()
}
