// Command motec-parser inspects MoTeC i2 logs (.ld) and workspaces (.ldx).
package main

import (
	"fmt"
	"os"

	"github.com/motec-viewer/backend/cmd/motec-parser/commands"
)

// Version info (set during build)
var Version = "dev"

func main() {
	root := commands.NewRootCommand(Version)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
