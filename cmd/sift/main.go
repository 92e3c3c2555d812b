// Command sift runs batches of messages through an extension chain and
// journals every committed state.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/sift/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
