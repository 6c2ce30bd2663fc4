package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/iRazvan2745/glare/internal/attribution"
	"github.com/iRazvan2745/glare/internal/db"
	"github.com/iRazvan2745/glare/internal/engine"
	"github.com/iRazvan2745/glare/internal/metrics"
	"github.com/iRazvan2745/glare/internal/notification"
	"github.com/iRazvan2745/glare/internal/scheduler"
	"github.com/iRazvan2745/glare/internal/store"
	"github.com/iRazvan2745/glare/internal/sweeper"
	"github.com/iRazvan2745/glare/internal/websocket"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	DB         *gorm.DB
	Workers    store.WorkerStore
	Policies   store.PolicyStore
	Settings   store.SettingStore
	Users      store.UserStore
	Anomalies  store.AnomalyStore
	Executions *attribution.Service
	Engine     *engine.Engine
	Scheduler  *scheduler.Scheduler
	Sweeper    *sweeper.Sweeper
	Hub        *websocket.Hub
	Notifier   *notification.Service
	Stats      *metrics.Metrics
	Logger     *zap.Logger
}

// NewRouter builds and returns the fully configured Chi router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// RequestID generates a unique ID for each request, used in logs for
	// tracing. RealIP extracts the real client IP when the server runs
	// behind a reverse proxy. Recoverer turns handler panics into 500s.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	workerHandler := NewWorkerHandler(cfg.Workers, cfg.Policies, cfg.Engine, cfg.Notifier, cfg.Stats, cfg.Logger)
	planHandler := NewPlanHandler(cfg.Policies, cfg.Scheduler, cfg.Sweeper, cfg.Logger)
	authHandler := NewAuthHandler(cfg.Users, cfg.Settings, cfg.Logger)
	repoHandler := NewRepositoryHandler(cfg.Executions, cfg.Anomalies, cfg.Logger)

	// Liveness probe. Fails when the database connection is gone.
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context(), cfg.DB); err != nil {
			errJSON(w, http.StatusServiceUnavailable, "database unreachable", "unhealthy")
			return
		}
		Ok(w, map[string]any{"status": "ok"})
	})

	if cfg.Stats != nil {
		r.Handle("/metrics", cfg.Stats.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/auth/signup-status", authHandler.SignupStatus)
		r.Post("/auth/signup", authHandler.Signup)

		if cfg.Hub != nil {
			wsHandler := NewWSHandler(cfg.Hub, cfg.Logger)
			r.Get("/ws", wsHandler.ServeWS)
		}

		// Worker-facing routes, authenticated by sync token.
		r.Route("/workers", func(r chi.Router) {
			r.Use(AuthenticateWorker(cfg.Workers))

			r.Post("/sync", workerHandler.Sync)
			r.Post("/backup-plans/sync", workerHandler.SyncPlans)
			r.Post("/backup-runs/claim", workerHandler.Claim)
			r.Post("/backup-runs/{id}/complete", workerHandler.Complete)
		})

		// Operator routes. End-user authentication is terminated upstream.
		r.Route("/rustic", func(r chi.Router) {
			r.Post("/plans/{id}/run", planHandler.Run)
			r.Post("/plans/bulk", planHandler.Bulk)
			r.Post("/sweep", planHandler.Sweep)
			r.Get("/repositories/{id}/executions", repoHandler.Executions)
			r.Get("/anomalies", repoHandler.Anomalies)
		})
	})

	return r
}
