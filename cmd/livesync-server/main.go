// Package main provides the entry point for the livesync server.
package main

import (
	"fmt"
	"os"

	"github.com/livesync-io/livesync/cmd/livesync-server/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
