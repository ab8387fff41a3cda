package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"routerelay/internal/domain"
	"routerelay/internal/logging"
)

const (
	DefaultTopic = "route.new-direction"
	// DefaultKey is the fixed message key for every start command. Ordering is
	// therefore per topic partition, not per route; consumers dispatch on the
	// routeId inside the payload.
	DefaultKey = "route.new-direction"
)

var (
	ErrPublish = errors.New("publish start tracking")
	ErrClosed  = errors.New("bridge closed")
)

// PublishError reports a publish that failed after the one allowed
// re-establishment of the producer link.
type PublishError struct {
	RouteID      string
	ConnectionID string
	Err          error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("%v: route=%s connection=%s: %v", ErrPublish, e.RouteID, e.ConnectionID, e.Err)
}

func (e *PublishError) Unwrap() []error { return []error{ErrPublish, e.Err} }

// Producer is an established outbound link to the broker.
type Producer interface {
	Publish(ctx context.Context, key string, value []byte) error
	Close() error
}

// Dialer establishes a new Producer.
type Dialer func(context.Context) (Producer, error)

type State int

const (
	StateUninitialized State = iota
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type Config struct {
	Key    string
	Logger *slog.Logger
}

// Bridge publishes start-tracking commands, dialing its producer on first use.
type Bridge struct {
	key    string
	dial   Dialer
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	producer Producer
	lastErr  error
	dialing  chan struct{}
	// epoch advances on Close; a dial started in an older epoch is discarded.
	epoch uint64
}

func New(cfg Config, dial Dialer) *Bridge {
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}
	return &Bridge{key: cfg.Key, dial: dial, logger: logging.OrDiscard(cfg.Logger)}
}

func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// PublishStart serializes {routeId, connectionId} and publishes it under the
// fixed key. A missing or broken link gets exactly one inline re-establishment.
func (b *Bridge) PublishStart(ctx context.Context, routeID, connectionID string) error {
	value, err := json.Marshal(domain.StartTrackingCommand{RouteID: routeID, ConnectionID: connectionID})
	if err != nil {
		return &PublishError{RouteID: routeID, ConnectionID: connectionID, Err: err}
	}

	p, dialed, err := b.ensureReady(ctx)
	if err != nil {
		return &PublishError{RouteID: routeID, ConnectionID: connectionID, Err: err}
	}
	err = p.Publish(ctx, b.key, value)
	if err == nil {
		return nil
	}
	b.invalidate(p, err)
	if dialed {
		return &PublishError{RouteID: routeID, ConnectionID: connectionID, Err: err}
	}

	b.logger.Warn("bridge: publish failed, re-establishing producer", "route_id", routeID, "error", err)
	p, _, err = b.ensureReady(ctx)
	if err != nil {
		return &PublishError{RouteID: routeID, ConnectionID: connectionID, Err: err}
	}
	if err := p.Publish(ctx, b.key, value); err != nil {
		b.invalidate(p, err)
		return &PublishError{RouteID: routeID, ConnectionID: connectionID, Err: err}
	}
	return nil
}

// ensureReady returns the current producer, dialing when none is ready. Only
// one caller dials at a time; callers arriving meanwhile wait and share its
// outcome. dialed reports whether this call performed or shared a fresh dial.
func (b *Bridge) ensureReady(ctx context.Context) (p Producer, dialed bool, err error) {
	b.mu.Lock()
	if b.state == StateReady {
		p = b.producer
		b.mu.Unlock()
		return p, false, nil
	}
	if wait := b.dialing; wait != nil {
		b.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.state == StateReady {
			return b.producer, true, nil
		}
		if b.lastErr == nil {
			return nil, true, ErrClosed
		}
		return nil, true, b.lastErr
	}
	done := make(chan struct{})
	b.dialing = done
	epoch := b.epoch
	b.mu.Unlock()

	p, err = b.dial(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	defer close(done)
	if b.epoch != epoch {
		if p != nil {
			if cerr := p.Close(); cerr != nil {
				b.logger.Debug("bridge: closing producer dialed across close", "error", cerr)
			}
		}
		b.lastErr = ErrClosed
		return nil, true, ErrClosed
	}
	b.dialing = nil
	if err != nil {
		b.state, b.lastErr = StateFailed, fmt.Errorf("dial producer: %w", err)
		b.logger.Error("bridge: producer dial failed", "error", err)
		return nil, true, b.lastErr
	}
	b.state, b.producer, b.lastErr = StateReady, p, nil
	b.logger.Info("bridge: producer ready")
	return p, true, nil
}

// invalidate marks the link failed if p is still the current producer.
func (b *Bridge) invalidate(p Producer, cause error) {
	b.mu.Lock()
	if b.producer != p {
		b.mu.Unlock()
		return
	}
	b.state, b.producer, b.lastErr = StateFailed, nil, cause
	b.mu.Unlock()
	if err := p.Close(); err != nil {
		b.logger.Debug("bridge: closing broken producer", "error", err)
	}
}

// Close releases the producer. A dial still in flight is closed as soon as it
// returns and its callers get ErrClosed. The bridge may be used again after.
func (b *Bridge) Close() error {
	b.mu.Lock()
	p := b.producer
	b.state, b.producer, b.dialing = StateUninitialized, nil, nil
	b.epoch++
	b.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.Close()
}
