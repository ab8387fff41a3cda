package overlay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"routerelay/internal/domain"
	"routerelay/internal/logging"
)

// ErrRouteAlreadyTracking is returned when a start is requested for a route
// whose session is still tracking. Nothing is drawn or emitted.
var ErrRouteAlreadyTracking = errors.New("route already tracking")

var ErrManagerClosed = errors.New("overlay manager closed")

// Emitter sends the start-tracking command for a route to the server.
type Emitter interface {
	EmitStartTracking(routeID string) error
}

type EmitterFunc func(routeID string) error

func (f EmitterFunc) EmitStartTracking(routeID string) error { return f(routeID) }

type Options struct {
	// Directions resolves the drawn path. Nil skips path rendering.
	Directions Directions
	// Color picks the overlay colour; defaults to RandomColor.
	Color  func() string
	Logger *slog.Logger
}

// Session is a snapshot of one tracking route.
type Session struct {
	RouteID string
	Current domain.Position
	End     domain.Position
	Color   string
}

type session struct {
	Session
	gen     uint64
	overlay Overlay
}

// Manager owns the client-side route sessions and their overlays. Every
// transition runs under one lock, so the overlay set and the session set
// change together.
type Manager struct {
	surface    Surface
	emitter    Emitter
	directions Directions
	color      func() string
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session
	gen      uint64
	closed   bool
}

func NewManager(surface Surface, emitter Emitter, opts Options) *Manager {
	if opts.Color == nil {
		opts.Color = RandomColor
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		surface:    surface,
		emitter:    emitter,
		directions: opts.Directions,
		color:      opts.Color,
		logger:     logging.OrDiscard(opts.Logger),
		ctx:        ctx,
		cancel:     cancel,
		sessions:   map[string]*session{},
	}
}

// StartTracking draws the route, registers its session, refits the viewport
// and then emits the start command. A failed emit rolls all of that back.
func (m *Manager) StartTracking(routeID string, start, end domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}
	if _, ok := m.sessions[routeID]; ok {
		return fmt.Errorf("%w: %s", ErrRouteAlreadyTracking, routeID)
	}
	color := m.color()
	ov, err := m.surface.Draw(OverlaySpec{RouteID: routeID, Current: start, End: end, Color: color})
	if err != nil {
		return fmt.Errorf("draw route %s: %w", routeID, err)
	}
	m.gen++
	s := &session{Session: Session{RouteID: routeID, Current: start, End: end, Color: color}, gen: m.gen, overlay: ov}
	m.sessions[routeID] = s
	m.fitLocked()

	if m.directions != nil {
		m.wg.Add(1)
		go m.resolvePath(routeID, s.gen, start, end)
	}

	if err := m.emitter.EmitStartTracking(routeID); err != nil {
		m.teardownLocked(s)
		m.logger.Warn("overlay: start tracking not sent, session rolled back", "route_id", routeID, "error", err)
		return fmt.Errorf("emit start tracking %s: %w", routeID, err)
	}
	m.logger.Debug("overlay: tracking", "route_id", routeID, "color", color)
	return nil
}

// ApplyPositionUpdate moves the route's current marker and ends the session
// on a finished update. Updates for routes not tracking are ignored and
// reported as false.
func (m *Manager) ApplyPositionUpdate(u domain.PositionUpdate) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[u.RouteID]
	if !ok {
		m.logger.Debug("overlay: update for inactive route ignored", "route_id", u.RouteID, "finished", u.Finished)
		return false
	}
	s.overlay.MoveCurrent(u.Position)
	s.Current = u.Position
	if u.Finished {
		m.teardownLocked(s)
		m.logger.Debug("overlay: route finished", "route_id", u.RouteID, "remaining", len(m.sessions))
	}
	return true
}

// Remove ends a session without waiting for its finish tick.
func (m *Manager) Remove(routeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[routeID]
	if !ok {
		return false
	}
	m.teardownLocked(s)
	return true
}

func (m *Manager) teardownLocked(s *session) {
	s.overlay.Remove()
	delete(m.sessions, s.RouteID)
	if len(m.sessions) > 0 {
		m.fitLocked()
	}
}

func (m *Manager) fitLocked() {
	if b, ok := m.boundsLocked(); ok {
		m.surface.FitBounds(b)
	}
}

func (m *Manager) boundsLocked() (Bounds, bool) {
	points := make([]domain.Position, 0, 2*len(m.sessions))
	for _, s := range m.sessions {
		points = append(points, s.Current, s.End)
	}
	return BoundsOf(points...)
}

func (m *Manager) resolvePath(routeID string, gen uint64, from, to domain.Position) {
	defer m.wg.Done()
	path, err := m.directions.Route(m.ctx, from, to)
	if err != nil {
		if m.ctx.Err() == nil {
			m.logger.Warn("overlay: directions failed", "route_id", routeID, "error", err)
		}
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// The session may have finished, or been replaced by a newer one, while
	// directions were computed.
	if s, ok := m.sessions[routeID]; ok && s.gen == gen {
		s.overlay.SetPath(path)
	}
}

// Active lists the tracking route ids in sorted order.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) Session(routeID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[routeID]
	if !ok {
		return Session{}, false
	}
	return s.Session, true
}

// Bounds is the smallest rectangle holding the current and end position of
// every tracking route.
func (m *Manager) Bounds() (Bounds, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.boundsLocked()
}

// Close cancels outstanding directions requests and waits for them. Later
// starts fail with ErrManagerClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
}
