package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/immsbatch/api/controllers"
	"github.com/angelmondragon/immsbatch/api/middleware"
	"github.com/angelmondragon/immsbatch/internal/ops"
	"github.com/angelmondragon/immsbatch/pkg/auth"
	"github.com/angelmondragon/immsbatch/pkg/config"
	"github.com/angelmondragon/immsbatch/pkg/logger"
)

// Params wires the ops API.
type Params struct {
	Config       *config.Config
	Logger       *logger.Logger
	Dependencies map[string]controllers.Pinger
	Ops          ops.Service
	Metrics      http.Handler
}

func NewRouter(p Params) http.Handler {
	cfg, logg := p.Config, p.Logger
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, p.Dependencies))
	})
	if p.Metrics != nil {
		r.Handle("/metrics", p.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(middleware.RequireRole(auth.RoleViewer, logg))

		r.Get("/ledger", controllers.LedgerByFilename(p.Ops, logg))
		r.Get("/ledger/{messageId}", controllers.LedgerRecord(p.Ops, logg))
		r.With(middleware.RequireRole(auth.RoleOperator, logg)).
			Post("/ledger/{messageId}/release", controllers.LedgerRelease(p.Ops, logg))
		r.Get("/queues/{queueName}/records", controllers.QueueRecords(p.Ops, logg))
	})

	return r
}
