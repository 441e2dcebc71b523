package main

import (
	"os"

	"idwallet/go-core/internal/cli"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cli.Version, cli.Commit, cli.BuildDate = version, commit, buildDate
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
