package cli

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"routerelay/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	URL     string
}

var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for routectl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "routectl",
		Short: "routectl - route relay client and tools",
		Long:  "Watch routes tracked through a routerelay server, list its catalog, and run the reference position simulator.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.URL, "url", "http://localhost:3000", "relay base URL")

	cmd.AddCommand(NewRoutesCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewSimulateCommand(opts))
	cmd.AddCommand(NewDeliverCommand(opts))

	return cmd
}

// logger writes to the command's stderr; debug with --verbose, warnings otherwise.
func (o *RootOptions) logger(cmd *cobra.Command) *slog.Logger {
	level := "warn"
	if o.Verbose {
		level = "debug"
	}
	l, err := logging.New(logging.Config{Level: level, Format: o.Format}, cmd.ErrOrStderr())
	if err != nil {
		return logging.Discard()
	}
	return l
}
