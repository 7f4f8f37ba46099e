// Package main is the entry point for the voxchat CLI.
//
// Usage:
//
//	voxchat [flags] <command> [subcommand] [args]
//
// Commands:
//
//	config     - Configuration management (backend contexts)
//	chat       - Interactive conversation with an agent
//	history    - Inspect stored conversation history
//	version    - Show version information
package main

import (
	"fmt"
	"os"

	"github.com/voxlink/voxlink/cmd/voxchat/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
