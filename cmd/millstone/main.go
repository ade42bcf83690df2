// Package main provides the entry point for the millstone fingerprint store
// tool.
package main

import (
	"fmt"
	"os"

	"github.com/millstone-build/millstone/cmd/millstone/commands"
)

func main() {
	root := commands.NewRootCommand()

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
