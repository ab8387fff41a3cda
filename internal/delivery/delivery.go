package delivery

import (
	"errors"
	"fmt"
	"log/slog"

	"routerelay/internal/domain"
	"routerelay/internal/logging"
	"routerelay/internal/registry"
)

var (
	// ErrUnresolvableTarget means no live connection owns the addressed id.
	ErrUnresolvableTarget = errors.New("unresolvable target")
	// ErrDropped means the connection is live but could not take the update.
	ErrDropped = errors.New("delivery dropped")
)

// Resolver looks connections up by id at call time.
type Resolver interface {
	Resolve(id string) (registry.Conn, bool)
}

// Receipt identifies a completed push.
type Receipt struct {
	RouteID      string
	ConnectionID string
}

// Endpoint pushes position ticks from the external feed to the owning connection.
type Endpoint struct {
	conns  Resolver
	logger *slog.Logger
}

func New(conns Resolver, logger *slog.Logger) *Endpoint {
	return &Endpoint{conns: conns, logger: logging.OrDiscard(logger)}
}

// Deliver resolves ev.ConnectionID and performs a single best-effort push of
// the update. The caller owns any retry policy.
func (e *Endpoint) Deliver(ev domain.PositionEvent) (Receipt, error) {
	conn, ok := e.conns.Resolve(ev.ConnectionID)
	if !ok {
		e.logger.Warn("delivery: unresolvable target", "route_id", ev.RouteID, "connection_id", ev.ConnectionID, "finished", ev.Finished)
		return Receipt{}, fmt.Errorf("%w: connection %q", ErrUnresolvableTarget, ev.ConnectionID)
	}
	if err := conn.Push(ev.Update()); err != nil {
		switch {
		case errors.Is(err, registry.ErrConnectionClosed):
			e.logger.Warn("delivery: connection closed before push", "route_id", ev.RouteID, "connection_id", ev.ConnectionID)
			return Receipt{}, fmt.Errorf("%w: connection %q closed", ErrUnresolvableTarget, ev.ConnectionID)
		case errors.Is(err, registry.ErrSendQueueFull):
			e.logger.Warn("delivery: dropped", "route_id", ev.RouteID, "connection_id", ev.ConnectionID)
			return Receipt{}, fmt.Errorf("%w: %v", ErrDropped, err)
		default:
			e.logger.Error("delivery: push failed", "route_id", ev.RouteID, "connection_id", ev.ConnectionID, "error", err)
			return Receipt{}, fmt.Errorf("%w: %v", ErrDropped, err)
		}
	}
	e.logger.Debug("delivery: pushed", "route_id", ev.RouteID, "connection_id", ev.ConnectionID, "finished", ev.Finished)
	return Receipt{RouteID: ev.RouteID, ConnectionID: ev.ConnectionID}, nil
}
