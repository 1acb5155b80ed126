// Package main provides the entry point for the workrun CLI.
package main

import (
	"os"

	"github.com/randalmurphal/workrun/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
