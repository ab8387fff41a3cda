package registry

import (
	"errors"
	"sort"
	"sync"

	"routerelay/internal/domain"
)

var (
	ErrDuplicateConnection = errors.New("connection already registered")
	// ErrConnectionClosed is returned by Push once the connection has dropped.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrSendQueueFull is returned by Push when the update could not be queued.
	ErrSendQueueFull = errors.New("connection send queue full")
)

// Conn is one live client transport session.
type Conn interface {
	ID() string
	Push(domain.PositionUpdate) error
}

// Registry tracks open connections by id. Entries are inserted and removed
// under the write lock, so Resolve sees a connection fully registered or not at all.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Conn
}

func New() *Registry {
	return &Registry{conns: make(map[string]Conn)}
}

func (r *Registry) Register(c Conn) error {
	id := c.ID()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; ok {
		return ErrDuplicateConnection
	}
	r.conns[id] = c
	return nil
}

func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; !ok {
		return false
	}
	delete(r.conns, id)
	return true
}

// Resolve looks the id up in the live set as of this call.
func (r *Registry) Resolve(id string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

func (r *Registry) ListLive() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
