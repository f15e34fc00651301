// Command tokenline runs audited row pipelines.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/tokenline/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
