package catalog

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"routerelay/internal/domain"
)

type seedFile struct {
	Routes []domain.RouteDefinition `yaml:"routes"`
}

// LoadSeed reads route definitions from a YAML file of the form
//
//	routes:
//	  - id: "1"
//	    title: ...
//	    start_position: {lat: ..., lng: ...}
//	    end_position: {lat: ..., lng: ...}
func LoadSeed(path string) ([]domain.RouteDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read route seed: %w", err)
	}
	var f seedFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse route seed %s: %w", path, err)
	}
	seen := make(map[string]struct{}, len(f.Routes))
	for i, r := range f.Routes {
		if r.ID == "" {
			return nil, fmt.Errorf("route seed %s: entry %d has no id", path, i)
		}
		if _, dup := seen[r.ID]; dup {
			return nil, fmt.Errorf("route seed %s: duplicate id %q", path, r.ID)
		}
		seen[r.ID] = struct{}{}
	}
	return f.Routes, nil
}

// Seed loads path into the store.
func (s *Store) Seed(ctx context.Context, path string) (int, error) {
	defs, err := LoadSeed(path)
	if err != nil {
		return 0, err
	}
	if err := s.Upsert(ctx, defs...); err != nil {
		return 0, err
	}
	return len(defs), nil
}
