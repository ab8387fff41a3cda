package delivery

import (
	"errors"
	"sync"
	"testing"

	"routerelay/internal/domain"
	"routerelay/internal/registry"
)

type captureConn struct {
	id      string
	mu      sync.Mutex
	updates []domain.PositionUpdate
	err     error
}

func (c *captureConn) ID() string { return c.id }

func (c *captureConn) Push(u domain.PositionUpdate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.updates = append(c.updates, u)
	return nil
}

func TestDeliverToLiveConnection(t *testing.T) {
	reg := registry.New()
	conn := &captureConn{id: "A"}
	if err := reg.Register(conn); err != nil {
		t.Fatal(err)
	}
	ep := New(reg, nil)
	rcpt, err := ep.Deliver(domain.PositionEvent{RouteID: "r1", ConnectionID: "A", Position: domain.Position{Lat: 10, Lng: 20}})
	if err != nil {
		t.Fatal(err)
	}
	if rcpt != (Receipt{RouteID: "r1", ConnectionID: "A"}) {
		t.Fatalf("unexpected receipt: %+v", rcpt)
	}
	want := domain.PositionUpdate{RouteID: "r1", Position: domain.Position{Lat: 10, Lng: 20}}
	if len(conn.updates) != 1 || conn.updates[0] != want {
		t.Fatalf("unexpected pushes: %+v", conn.updates)
	}
}

func TestDeliverUnknownConnectionHasNoSideEffect(t *testing.T) {
	reg := registry.New()
	if err := reg.Register(&captureConn{id: "A"}); err != nil {
		t.Fatal(err)
	}
	before := reg.ListLive()
	_, err := New(reg, nil).Deliver(domain.PositionEvent{RouteID: "r1", ConnectionID: "ghost"})
	if !errors.Is(err, ErrUnresolvableTarget) {
		t.Fatalf("expected ErrUnresolvableTarget, got %v", err)
	}
	after := reg.ListLive()
	if len(before) != len(after) || before[0] != after[0] {
		t.Fatalf("registry changed: %v -> %v", before, after)
	}
}

func TestDeliverReflectsCurrentLiveness(t *testing.T) {
	reg := registry.New()
	conn := &captureConn{id: "A"}
	if err := reg.Register(conn); err != nil {
		t.Fatal(err)
	}
	ep := New(reg, nil)
	ev := domain.PositionEvent{RouteID: "r1", ConnectionID: "A", Position: domain.Position{Lat: 1, Lng: 2}}
	if _, err := ep.Deliver(ev); err != nil {
		t.Fatalf("first deliver: %v", err)
	}
	reg.Unregister("A")
	if _, err := ep.Deliver(ev); !errors.Is(err, ErrUnresolvableTarget) {
		t.Fatalf("second deliver: expected ErrUnresolvableTarget, got %v", err)
	}
	if len(conn.updates) != 1 {
		t.Fatalf("pushes=%d, want 1", len(conn.updates))
	}
}

func TestDeliverToClosingConnectionIsUnresolvable(t *testing.T) {
	reg := registry.New()
	if err := reg.Register(&captureConn{id: "A", err: registry.ErrConnectionClosed}); err != nil {
		t.Fatal(err)
	}
	if _, err := New(reg, nil).Deliver(domain.PositionEvent{RouteID: "r1", ConnectionID: "A"}); !errors.Is(err, ErrUnresolvableTarget) {
		t.Fatalf("expected ErrUnresolvableTarget, got %v", err)
	}
}

func TestDeliverToSaturatedConnectionIsDropped(t *testing.T) {
	reg := registry.New()
	if err := reg.Register(&captureConn{id: "A", err: registry.ErrSendQueueFull}); err != nil {
		t.Fatal(err)
	}
	_, err := New(reg, nil).Deliver(domain.PositionEvent{RouteID: "r1", ConnectionID: "A"})
	if !errors.Is(err, ErrDropped) || errors.Is(err, ErrUnresolvableTarget) {
		t.Fatalf("expected ErrDropped only, got %v", err)
	}
}
