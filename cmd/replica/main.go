// Command replica runs and inspects a local-first replica.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/roach88/replica/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
