// Package main provides the entry point for the SourceCheck server.
package main

import (
	"os"

	"github.com/sourcecheck-ai/sourcecheck/cmd/sourcecheck/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
