package main

import (
	"fmt"
	"os"

	"github.com/securebridge/dicom-bridge/cmd/dicom-bridge/commands"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	root := commands.NewRootCommand(fmt.Sprintf("%s (commit: %s)", version, commit))
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
