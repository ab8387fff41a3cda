package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"routerelay/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS routes (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	start_lat REAL NOT NULL,
	start_lng REAL NOT NULL,
	end_lat REAL NOT NULL,
	end_lng REAL NOT NULL,
	ordinal INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_routes_ordinal ON routes(ordinal, id);
`

var ErrRouteNotFound = errors.New("route not found")

// Store is the read-mostly catalog of route definitions offered to clients.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the catalog database at path. ":memory:" keeps the
// catalog in process.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir catalog dir: %w", err)
		}
	}
	db, err := openSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init catalog schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Upsert inserts or replaces defs. Listing order follows argument order, with
// new routes appended after existing ones.
func (s *Store) Upsert(ctx context.Context, defs ...domain.RouteDefinition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var next int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(ordinal), -1) + 1 FROM routes`).Scan(&next); err != nil {
		return err
	}
	for _, d := range defs {
		if d.ID == "" {
			return fmt.Errorf("route id is required")
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO routes(id, title, start_lat, start_lng, end_lat, end_lng, ordinal)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	title=excluded.title,
	start_lat=excluded.start_lat, start_lng=excluded.start_lng,
	end_lat=excluded.end_lat, end_lng=excluded.end_lng`,
			d.ID, d.Title, d.StartPosition.Lat, d.StartPosition.Lng, d.EndPosition.Lat, d.EndPosition.Lng, next)
		if err != nil {
			return fmt.Errorf("upsert route %q: %w", d.ID, err)
		}
		next++
	}
	return tx.Commit()
}

func (s *Store) List(ctx context.Context) ([]domain.RouteDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, title, start_lat, start_lng, end_lat, end_lng
FROM routes
ORDER BY ordinal, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.RouteDefinition{}
	for rows.Next() {
		d, err := scanRoute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) Get(ctx context.Context, id string) (domain.RouteDefinition, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, title, start_lat, start_lng, end_lat, end_lng
FROM routes
WHERE id=?`, id)
	d, err := scanRoute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RouteDefinition{}, fmt.Errorf("%w: %q", ErrRouteNotFound, id)
	}
	return d, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRoute(row scanner) (domain.RouteDefinition, error) {
	var d domain.RouteDefinition
	err := row.Scan(&d.ID, &d.Title, &d.StartPosition.Lat, &d.StartPosition.Lng, &d.EndPosition.Lat, &d.EndPosition.Lng)
	return d, err
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		// An in-memory database lives and dies with its connection.
		db.SetMaxOpenConns(1)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}
