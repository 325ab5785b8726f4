// Package main is the entry point for the taskplane CLI.
// The CLI is the terminal tool for interacting with the taskplane API.
package main

import (
	"os"

	"taskplane/cmd/taskctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
