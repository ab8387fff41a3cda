package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"

	"routerelay/internal/client"
	"routerelay/internal/domain"
	"routerelay/internal/overlay"
)

type WatchOptions struct {
	*RootOptions
	Steps int
}

// NewWatchCommand creates the watch command: it tracks routes until every one
// of them has finished.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch <route-id>...",
		Short: "Track routes and print their positions",
		Long: `Track one or more catalog routes through the relay and print every
position update until all of them have finished.

Example:
  routectl watch 1 2 --url http://localhost:3000`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, opts, args)
		},
	}
	cmd.Flags().IntVar(&opts.Steps, "path-steps", 16, "segments of the drawn straight-line path")
	return cmd
}

func runWatch(cmd *cobra.Command, opts *WatchOptions, routeIDs []string) error {
	ctx := cmd.Context()
	out := &syncWriter{w: cmd.OutOrStdout()}
	surface := overlay.NewMemorySurface()

	c, err := client.Dial(ctx, client.Config{
		BaseURL:    opts.URL,
		Directions: overlay.StraightLine{Steps: opts.Steps},
		OnUpdate:   func(u domain.PositionUpdate) { printUpdate(out, opts.Format, u) },
		Logger:     opts.logger(cmd),
	}, surface)
	if err != nil {
		return err
	}
	defer c.Close()

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	pending := map[string]bool{}
	for _, id := range routeIDs {
		err := c.Start(id)
		switch {
		case err == nil:
			pending[id] = true
		case errors.Is(err, overlay.ErrRouteAlreadyTracking):
		default:
			return err
		}
	}

	for len(pending) > 0 {
		select {
		case n := <-c.Notices():
			out.printf("%s: %s\n", n.Level, n.Message)
			if n.Level == client.LevelSuccess {
				delete(pending, n.RouteID)
			}
		case err := <-runErr:
			if err != nil {
				return err
			}
			return ctx.Err()
		}
	}
	return nil
}

func printUpdate(out *syncWriter, format string, u domain.PositionUpdate) {
	if format == "json" {
		b, _ := json.Marshal(u)
		out.printf("%s\n", b)
		return
	}
	state := "moving"
	if u.Finished {
		state = "finished"
	}
	out.printf("%s\t%.6f,%.6f\t%s\n", u.RouteID, u.Position.Lat, u.Position.Lng, state)
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, format, args...)
}
