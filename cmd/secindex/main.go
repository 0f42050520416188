// Package main provides the entry point for the secindex CLI.
package main

import (
	"os"

	"github.com/kailas-cloud/secindex/cmd/secindex/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
