package overlay

import (
	"context"
	"math/rand"
	"sync"

	"routerelay/internal/domain"
)

// Palette is the set of colours a new route overlay is drawn in.
var Palette = []string{
	"#d32f2f",
	"#ab47bc",
	"#388e3c",
	"#f57c00",
	"#42a5f5",
	"#c2185b",
	"#ffb74d",
	"#3e2723",
	"#09a9f4",
	"#827717",
}

// RandomColor picks a palette colour at random.
func RandomColor() string { return Palette[rand.Intn(len(Palette))] }

// OverlaySpec describes the markers drawn for one route.
type OverlaySpec struct {
	RouteID string
	Current domain.Position
	End     domain.Position
	Color   string
}

// Surface is the map the overlays are drawn on.
type Surface interface {
	Draw(OverlaySpec) (Overlay, error)
	FitBounds(Bounds)
}

// Overlay is the visual group of one route: current marker, end marker and
// path.
type Overlay interface {
	MoveCurrent(domain.Position)
	SetPath([]domain.Position)
	Remove()
}

// Directions computes a drivable path between two points.
type Directions interface {
	Route(ctx context.Context, from, to domain.Position) ([]domain.Position, error)
}

// StraightLine is a Directions that interpolates Steps segments between the
// endpoints.
type StraightLine struct {
	Steps int
}

func (s StraightLine) Route(ctx context.Context, from, to domain.Position) ([]domain.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	steps := s.Steps
	if steps < 1 {
		steps = 1
	}
	out := make([]domain.Position, 0, steps+1)
	for i := 0; i <= steps; i++ {
		f := float64(i) / float64(steps)
		out = append(out, domain.Position{
			Lat: from.Lat + (to.Lat-from.Lat)*f,
			Lng: from.Lng + (to.Lng-from.Lng)*f,
		})
	}
	return out, nil
}

// MemorySurface records what would be drawn. It backs the terminal client
// and tests.
type MemorySurface struct {
	mu       sync.Mutex
	overlays map[string]*memoryOverlay
	fits     []Bounds
}

func NewMemorySurface() *MemorySurface {
	return &MemorySurface{overlays: map[string]*memoryOverlay{}}
}

// DrawnOverlay is a snapshot of one overlay on a MemorySurface.
type DrawnOverlay struct {
	RouteID string
	Color   string
	Current domain.Position
	End     domain.Position
	Path    []domain.Position
	Moves   int
}

type memoryOverlay struct {
	surface *MemorySurface
	state   DrawnOverlay
}

func (s *MemorySurface) Draw(spec OverlaySpec) (Overlay, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := &memoryOverlay{surface: s, state: DrawnOverlay{RouteID: spec.RouteID, Color: spec.Color, Current: spec.Current, End: spec.End}}
	s.overlays[spec.RouteID] = o
	return o, nil
}

func (s *MemorySurface) FitBounds(b Bounds) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fits = append(s.fits, b)
}

// Len is the number of overlays currently drawn.
func (s *MemorySurface) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.overlays)
}

func (s *MemorySurface) Overlay(routeID string) (DrawnOverlay, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.overlays[routeID]
	if !ok {
		return DrawnOverlay{}, false
	}
	snap := o.state
	snap.Path = append([]domain.Position(nil), o.state.Path...)
	return snap, true
}

// Fits returns every viewport the surface was asked to fit, oldest first.
func (s *MemorySurface) Fits() []Bounds {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Bounds(nil), s.fits...)
}

func (o *memoryOverlay) MoveCurrent(p domain.Position) {
	o.surface.mu.Lock()
	defer o.surface.mu.Unlock()
	o.state.Current = p
	o.state.Moves++
}

func (o *memoryOverlay) SetPath(path []domain.Position) {
	o.surface.mu.Lock()
	defer o.surface.mu.Unlock()
	o.state.Path = append([]domain.Position(nil), path...)
}

func (o *memoryOverlay) Remove() {
	o.surface.mu.Lock()
	defer o.surface.mu.Unlock()
	if cur, ok := o.surface.overlays[o.state.RouteID]; ok && cur == o {
		delete(o.surface.overlays, o.state.RouteID)
	}
}
