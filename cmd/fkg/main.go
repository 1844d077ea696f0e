// Command fkg runs a federated knowledge graph instance.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/roach88/fkg/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		// Commands that already reported through the formatter return an
		// ExitError; anything else (flag parsing, unknown commands) is
		// printed here.
		var exitErr *cli.ExitError
		if !errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(cli.ExitCommandError)
		}
		os.Exit(exitErr.Code)
	}
}
