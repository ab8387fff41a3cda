package catalog

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"routerelay/internal/domain"
	"routerelay/internal/logging"
)

// Lister is the read side of the catalog.
type Lister interface {
	List(ctx context.Context) ([]domain.RouteDefinition, error)
}

// Handler serves GET /routes as a JSON array of route definitions.
func Handler(routes Lister, logger *slog.Logger) http.Handler {
	logger = logging.OrDiscard(logger)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		defs, err := routes.List(r.Context())
		if err != nil {
			logger.Error("catalog: list routes", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if err := json.NewEncoder(w).Encode(defs); err != nil {
			logger.Warn("catalog: write routes", "error", err)
		}
	})
}
