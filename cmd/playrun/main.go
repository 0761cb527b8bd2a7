// Command playrun runs a script from the command line.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/sakif/script-playground/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "playrun:", err)
		if errors.Is(err, cli.ErrRunFailed) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
