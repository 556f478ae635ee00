// Package main is the entry point for the steward CLI.
package main

import (
	"os"

	"github.com/stewardhq/steward/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
