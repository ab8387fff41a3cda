package cli

import (
	"github.com/spf13/cobra"

	"routerelay/internal/simulator"
)

// NewSimulateCommand runs the reference position feed. Flags override the
// SIM_* environment.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	var cfg simulator.Config

	cmd := &cobra.Command{
		Use:           "simulate",
		Short:         "Answer start commands with recorded route positions",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			envCfg, err := simulator.LoadConfig()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("brokers") {
				envCfg.Brokers = cfg.Brokers
			}
			if flags.Changed("destinations") {
				envCfg.DestinationsDir = cfg.DestinationsDir
			}
			if flags.Changed("interval") {
				envCfg.TickInterval = cfg.TickInterval
			}
			sim, err := simulator.New(envCfg, rootOpts.logger(cmd))
			if err != nil {
				return err
			}
			defer sim.Close()
			return sim.Run(cmd.Context())
		},
	}
	cmd.Flags().StringSliceVar(&cfg.Brokers, "brokers", nil, "kafka seed brokers")
	cmd.Flags().StringVar(&cfg.DestinationsDir, "destinations", "", "directory of <route-id>.txt files")
	cmd.Flags().DurationVar(&cfg.TickInterval, "interval", 0, "delay between ticks")
	return cmd
}
