package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/DoyleJ11/combat-tracker-backend/internal/hub"
	"github.com/DoyleJ11/combat-tracker-backend/internal/session"
	"github.com/DoyleJ11/combat-tracker-backend/internal/store"
)

type Deps struct {
	Hub      *hub.Hub
	Registry *session.Registry
	Store    store.Store
	WS       http.Handler
	// StoreState reports the store breaker state on /healthz, when set.
	StoreState func() string
	Log        *zap.Logger
}

func SetupRoutes(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Public routes
	r.Get("/healthz", Healthz(d.StoreState))
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", d.WS.ServeHTTP)

	r.Route("/campaigns/{id}", func(r chi.Router) {
		r.Get("/players", ConnectedPlayers(d.Registry, d.Log))
		r.Get("/combat", CombatState(d.Hub, d.Store, d.Log))
	})
	return r
}
