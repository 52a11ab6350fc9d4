// Command loqa-pendant runs the pendant companion daemon and talks to it.
//
// Usage:
//
//	loqa-pendant [flags] <command> [subcommand] [args]
//
// Commands:
//
//	run         - Run the daemon
//	scan        - List nearby peripherals
//	status      - Show daemon status
//	sync        - Download offline audio from the connected device
//	recordings  - List, process, export or delete synced recordings
//	version     - Show version information
package main

import (
	"fmt"
	"os"

	"github.com/loqalabs/loqa-pendant/cmd/loqa-pendant/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
