package cli

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"routerelay/internal/domain"
	"routerelay/internal/feed/socket"
)

type DeliverOptions struct {
	*RootOptions
	Network  string
	Addr     string
	Token    string
	Finished bool
	Timeout  time.Duration
}

// NewDeliverCommand pushes one tick through the relay's socket feed.
func NewDeliverCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DeliverOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "deliver <route-id> <connection-id> <lat> <lng>",
		Short: "Deliver one position tick over the socket feed",
		Long: `Deliver one position tick over the socket feed and print the result code.

Example:
  routectl deliver --finished -- 1 6f1c... -15.8259 -47.9292`,
		Args:          cobra.ExactArgs(4),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ev, err := parseTick(args, opts.Finished)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()
			res, err := socket.DialAndRequest(ctx, opts.Network, opts.Addr, &socket.SocketRequest{
				RequestId: uuid.NewString(),
				AuthToken: opts.Token,
				Operation: int32(socket.OperationDeliver),
				Deliver:   &socket.DeliverRequest{Tick: socket.TickFromEvent(ev)},
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), socket.ErrorCode(res.ErrorCode))
			return socket.ResponseError(res)
		},
	}
	cmd.Flags().StringVar(&opts.Network, "network", "tcp", "socket feed network (tcp|unix)")
	cmd.Flags().StringVar(&opts.Addr, "addr", "127.0.0.1:7400", "socket feed address or unix socket path")
	cmd.Flags().StringVar(&opts.Token, "token", "", "socket feed auth token")
	cmd.Flags().BoolVar(&opts.Finished, "finished", false, "mark the tick as the route's last")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}

func parseTick(args []string, finished bool) (domain.PositionEvent, error) {
	lat, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		return domain.PositionEvent{}, fmt.Errorf("invalid lat %q: %w", args[2], err)
	}
	lng, err := strconv.ParseFloat(args[3], 64)
	if err != nil {
		return domain.PositionEvent{}, fmt.Errorf("invalid lng %q: %w", args[3], err)
	}
	return domain.PositionEvent{
		RouteID:      args[0],
		ConnectionID: args[1],
		Position:     domain.Position{Lat: lat, Lng: lng},
		Finished:     finished,
	}, nil
}
