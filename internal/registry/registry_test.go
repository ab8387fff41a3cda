package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"routerelay/internal/domain"
)

type stubConn struct {
	id string
}

func (s stubConn) ID() string                       { return s.id }
func (s stubConn) Push(domain.PositionUpdate) error { return nil }

func TestRegisterResolveUnregister(t *testing.T) {
	r := New()
	if err := r.Register(stubConn{id: "a"}); err != nil {
		t.Fatal(err)
	}
	c, ok := r.Resolve("a")
	if !ok || c.ID() != "a" {
		t.Fatalf("expected a to resolve, got %v %v", c, ok)
	}
	if !r.Unregister("a") {
		t.Fatalf("expected unregister to report live connection")
	}
	if _, ok := r.Resolve("a"); ok {
		t.Fatalf("dropped connection must not resolve")
	}
	if r.Unregister("a") {
		t.Fatalf("second unregister should report false")
	}
}

func TestRegisterRejectsDuplicateID(t *testing.T) {
	r := New()
	if err := r.Register(stubConn{id: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(stubConn{id: "a"}); !errors.Is(err, ErrDuplicateConnection) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("len=%d, want 1", r.Len())
	}
}

func TestListLiveIsSortedSnapshot(t *testing.T) {
	r := New()
	for _, id := range []string{"c", "a", "b"} {
		if err := r.Register(stubConn{id: id}); err != nil {
			t.Fatal(err)
		}
	}
	live := r.ListLive()
	r.Unregister("b")
	if fmt.Sprint(live) != "[a b c]" {
		t.Fatalf("unexpected live set: %v", live)
	}
	if fmt.Sprint(r.ListLive()) != "[a c]" {
		t.Fatalf("unexpected live set after unregister: %v", r.ListLive())
	}
}

func TestConcurrentRegisterAndResolve(t *testing.T) {
	r := New()
	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("conn-%d", i)
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := r.Register(stubConn{id: id}); err != nil {
				t.Errorf("register %s: %v", id, err)
			}
		}()
		go func() {
			defer wg.Done()
			if c, ok := r.Resolve(id); ok && c.ID() != id {
				t.Errorf("resolved %s to %s", id, c.ID())
			}
		}()
	}
	wg.Wait()
	if r.Len() != n {
		t.Fatalf("len=%d, want %d", r.Len(), n)
	}
	for i := 0; i < n; i += 2 {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			r.Unregister(id)
		}(fmt.Sprintf("conn-%d", i))
	}
	wg.Wait()
	if r.Len() != n/2 {
		t.Fatalf("len=%d, want %d", r.Len(), n/2)
	}
}
