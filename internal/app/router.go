package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/razauh/inventory-management/internal/ledger"
	"github.com/razauh/inventory-management/internal/platform/httpx"
	"github.com/razauh/inventory-management/internal/reporting"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger           *slog.Logger
	Config           *Config
	LedgerHandler    *ledger.Handler
	ReportingHandler *reporting.Handler
	Pool             *pgxpool.Pool
}

// NewRouter assembles the HTTP router.
func NewRouter(p RouterParams) http.Handler {
	r := chi.NewRouter()
	for _, mw := range MiddlewareStack(MiddlewareConfig{Logger: p.Logger, Config: p.Config}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if p.Pool != nil {
			if err := p.Pool.Ping(req.Context()); err != nil {
				httpx.Problem(w, http.StatusServiceUnavailable, "Unavailable", "database unreachable")
				return
			}
		}
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		if p.LedgerHandler != nil {
			r.Group(p.LedgerHandler.MountRoutes)
		}
		if p.ReportingHandler != nil {
			r.Route("/reports", p.ReportingHandler.MountRoutes)
		}
	})

	return r
}
