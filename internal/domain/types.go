package domain

import (
	"encoding/json"
	"fmt"
)

// Position is a (lat, lng) pair. On the wire it is the two-element array [lat, lng].
type Position struct {
	Lat float64
	Lng float64
}

func (p Position) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{p.Lat, p.Lng})
}

func (p *Position) UnmarshalJSON(b []byte) error {
	var pair []float64
	if err := json.Unmarshal(b, &pair); err != nil {
		return fmt.Errorf("position: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("position: want [lat, lng], got %d values", len(pair))
	}
	p.Lat, p.Lng = pair[0], pair[1]
	return nil
}

// LatLng is the object form {lat, lng} used by route definitions.
type LatLng struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lng float64 `json:"lng" yaml:"lng"`
}

func (l LatLng) Position() Position { return Position{Lat: l.Lat, Lng: l.Lng} }

// PositionEvent is one tick produced by the external position feed.
type PositionEvent struct {
	RouteID      string   `json:"routeId"`
	ConnectionID string   `json:"connectionId"`
	Position     Position `json:"position"`
	Finished     bool     `json:"finished"`
}

// UnmarshalJSON accepts clientId as an alias of connectionId.
func (e *PositionEvent) UnmarshalJSON(b []byte) error {
	var in struct {
		RouteID      string   `json:"routeId"`
		ConnectionID string   `json:"connectionId"`
		ClientID     string   `json:"clientId"`
		Position     Position `json:"position"`
		Finished     bool     `json:"finished"`
	}
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	e.RouteID = in.RouteID
	e.ConnectionID = in.ConnectionID
	if e.ConnectionID == "" {
		e.ConnectionID = in.ClientID
	}
	e.Position = in.Position
	e.Finished = in.Finished
	return nil
}

// Update strips the connection identity for delivery to the client.
func (e PositionEvent) Update() PositionUpdate {
	return PositionUpdate{RouteID: e.RouteID, Position: e.Position, Finished: e.Finished}
}

// PositionUpdate is the payload of the outbound new-position event.
type PositionUpdate struct {
	RouteID  string   `json:"routeId"`
	Position Position `json:"position"`
	Finished bool     `json:"finished"`
}

// StartTrackingCommand is published once per accepted new-direction request.
type StartTrackingCommand struct {
	RouteID      string `json:"routeId"`
	ConnectionID string `json:"connectionId"`
}

type RouteDefinition struct {
	ID            string `json:"_id" yaml:"id"`
	Title         string `json:"title" yaml:"title"`
	StartPosition LatLng `json:"startPosition" yaml:"start_position"`
	EndPosition   LatLng `json:"endPosition" yaml:"end_position"`
}
