package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/beacon/internal/httpserver/deps"
	"github.com/MrSnakeDoc/beacon/internal/httpserver/handlers"
	"github.com/MrSnakeDoc/beacon/internal/httpserver/mw"
)

func init() { Register("admin", registerAdmin) }

func registerAdmin(r chi.Router, d deps.Deps) {
	r.Route("/api", func(api chi.Router) {
		api.Use(mw.AllowOnlyCIDRS(d.AllowedCIDRS, d.TrustProxy, d.Logger))
		api.Use(mw.RateLimit(mw.RateLimitConfig{
			Burst:             d.AdminRateBurst,
			RefillPerIPPerMin: d.AdminRatePerIP,
			MaxEntries:        10000,
			TrustProxy:        d.TrustProxy,
		}, d.Logger))

		api.Get("/infra", handlers.Infra(d))
		api.Post("/placement/reload", handlers.Reload(d))

		api.Get("/hosts", handlers.ListHosts(d))
		api.Route("/hosts/{hostname}", func(h chi.Router) {
			h.Get("/", handlers.GetHost(d))
			h.Delete("/", handlers.DeregisterHost(d))
			h.Post("/resync", handlers.ResyncHost(d))
		})
	})
}
