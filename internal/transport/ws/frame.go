package ws

import (
	"encoding/json"

	"routerelay/internal/domain"
)

const (
	EventConnected    = "connected"
	EventNewDirection = "new-direction"
	EventNewPosition  = "new-position"
)

// Frame is one websocket text message.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ConnectedPayload struct {
	ConnectionID string `json:"connectionId"`
}

type NewDirectionPayload struct {
	RouteID string `json:"routeId"`
}

func NewFrame(eventType string, payload any) (Frame, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: eventType, Payload: b}, nil
}

func newPositionFrame(u domain.PositionUpdate) (Frame, error) {
	return NewFrame(EventNewPosition, u)
}
