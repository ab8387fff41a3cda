package overlay

import (
	"math"

	"routerelay/internal/domain"
)

// Bounds is a lat/lng rectangle given by its south-west and north-east corners.
type Bounds struct {
	South, West float64
	North, East float64
}

func (b Bounds) Contains(p domain.Position) bool {
	return p.Lat >= b.South && p.Lat <= b.North && p.Lng >= b.West && p.Lng <= b.East
}

// BoundsOf returns the smallest rectangle containing every point. It reports
// false when there are no points.
func BoundsOf(points ...domain.Position) (Bounds, bool) {
	if len(points) == 0 {
		return Bounds{}, false
	}
	b := Bounds{South: math.Inf(1), West: math.Inf(1), North: math.Inf(-1), East: math.Inf(-1)}
	for _, p := range points {
		b.South = math.Min(b.South, p.Lat)
		b.North = math.Max(b.North, p.Lat)
		b.West = math.Min(b.West, p.Lng)
		b.East = math.Max(b.East, p.Lng)
	}
	return b, true
}
