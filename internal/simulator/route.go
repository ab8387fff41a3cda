package simulator

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"routerelay/internal/domain"
)

var (
	ErrNoRoute     = errors.New("route id not informed")
	ErrNoPositions = errors.New("route has no positions")
)

// LoadPositions reads dir/<routeID>.txt. Each non-empty line is "lng,lat".
func LoadPositions(dir, routeID string) ([]domain.Position, error) {
	if routeID == "" {
		return nil, ErrNoRoute
	}
	if strings.ContainsAny(routeID, `/\`) || routeID == "." || routeID == ".." {
		return nil, fmt.Errorf("invalid route id %q", routeID)
	}
	f, err := os.Open(filepath.Join(dir, routeID+".txt"))
	if err != nil {
		return nil, fmt.Errorf("open destinations for %s: %w", routeID, err)
	}
	defer f.Close()

	var out []domain.Position
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		fields := strings.Split(text, ",")
		if len(fields) != 2 {
			return nil, fmt.Errorf("%s.txt:%d: want lng,lat", routeID, line)
		}
		lng, err := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("%s.txt:%d: lng: %w", routeID, line, err)
		}
		lat, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("%s.txt:%d: lat: %w", routeID, line, err)
		}
		out = append(out, domain.Position{Lat: lat, Lng: lng})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read destinations for %s: %w", routeID, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoPositions, routeID)
	}
	return out, nil
}

// Ticks turns the positions of a route into the events addressed to the
// requesting connection. Only the last one is finished.
func Ticks(cmd domain.StartTrackingCommand, positions []domain.Position) []domain.PositionEvent {
	out := make([]domain.PositionEvent, len(positions))
	for i, p := range positions {
		out[i] = domain.PositionEvent{
			RouteID:      cmd.RouteID,
			ConnectionID: cmd.ConnectionID,
			Position:     p,
			Finished:     i == len(positions)-1,
		}
	}
	return out
}
