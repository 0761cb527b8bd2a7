// Package cli implements playrun, a command-line front end that runs a
// script in a fresh execution context and prints its console output.
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "text" | "json"
}

// ValidFormats are the accepted --format values.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the playrun root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "playrun",
		Short: "Run JavaScript in an isolated context and print its console output",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json)")

	cmd.AddCommand(NewRunCommand(opts))

	return cmd
}
