package ingress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"routerelay/internal/logging"
)

var ErrInvalidCommand = errors.New("invalid start tracking command")

// Publisher is the outbound side of the broker bridge.
type Publisher interface {
	PublishStart(ctx context.Context, routeID, connectionID string) error
}

type startTracking struct {
	ConnectionID string `validate:"required"`
	RouteID      string `validate:"required"`
}

// Ingress handles new-direction requests from client connections.
type Ingress struct {
	pub      Publisher
	validate *validator.Validate
	logger   *slog.Logger
}

func New(pub Publisher, logger *slog.Logger) *Ingress {
	return &Ingress{pub: pub, validate: validator.New(), logger: logging.OrDiscard(logger)}
}

// OnStartTracking validates the request and publishes it. Errors are logged
// here; the transport does not relay them to the client.
func (i *Ingress) OnStartTracking(ctx context.Context, connectionID, routeID string) error {
	// Route ids are opaque: they are published exactly as the catalog and the
	// client spell them, since ticks come back addressed by the same id.
	cmd := startTracking{ConnectionID: connectionID, RouteID: routeID}
	if err := i.validate.Struct(cmd); err != nil {
		i.logger.Warn("ingress: rejected start tracking", "connection_id", connectionID, "route_id", routeID, "error", err)
		return fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	if err := i.pub.PublishStart(ctx, cmd.RouteID, cmd.ConnectionID); err != nil {
		i.logger.Error("ingress: publish start failed", "connection_id", cmd.ConnectionID, "route_id", cmd.RouteID, "error", err)
		return err
	}
	i.logger.Debug("ingress: start tracking published", "connection_id", cmd.ConnectionID, "route_id", cmd.RouteID)
	return nil
}
