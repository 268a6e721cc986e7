// Command livepreview serves live CMS previews for form editors.
package main

import (
	"fmt"
	"os"

	"github.com/livetemplate/livepreview/cmd/livepreview/commands"
)

// Set via -ldflags at build time.
var version = "0.1.0-dev"

func main() {
	if err := commands.NewRootCommand(version).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
