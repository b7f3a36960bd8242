package rest

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Streams bundles the two live WebSocket fan-out handlers (spec §4.6 "two
// endpoints, one per stream"). Either field may be nil to omit that route,
// e.g. in tests that only cover the query/ingest handlers.
type Streams struct {
	Events http.Handler
	Alerts http.Handler
}

// NewRouter returns a configured chi.Router for the detection server's API.
//
// Route layout:
//
//	GET  /healthz            – liveness probe (no authentication required)
//	POST /api/v1/ingest      – ingest one event descriptor (JWT required)
//	GET  /api/v1/alerts      – paginated historical alert query (JWT required)
//	GET  /api/v1/sources     – distinct log_source tags seen recently (JWT required)
//	GET  /api/v1/audit       – tamper-evident audit log query (JWT required)
//	POST /api/v1/rules/reload – atomically reload the rule catalog (JWT required)
//	GET  /stream/events      – live raw-event WebSocket fan-out (no auth; spec §4.6)
//	GET  /stream/alerts      – live alert WebSocket fan-out (no auth; spec §4.6)
//
// pubKey is the RSA public key used to verify RS256 Bearer tokens on all
// /api routes. Pass nil to disable JWT validation (useful in tests that
// cover only request parsing / response formatting).
func NewRouter(srv *Server, pubKey *rsa.PublicKey, streams Streams) http.Handler {
	r := chi.NewRouter()

	// Built-in chi middleware for observability and hygiene.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health check – no authentication.
	r.Get("/healthz", srv.handleHealthz)

	// Authenticated API routes.
	r.Route("/api/v1", func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(pubKey))
		}

		r.Post("/ingest", srv.handleIngest)
		r.Get("/alerts", srv.handleGetAlerts)
		r.Get("/sources", srv.handleGetSources)
		r.Get("/audit", srv.handleGetAudit)
		r.Post("/rules/reload", srv.handleReloadRules)
	})

	// Live subscription fan-out: no JWT gate, since the WebSocket upgrade
	// handshake carries no Authorization header in a browser EventSource/WS
	// client without custom transport plumbing (spec §4.6 is silent on auth;
	// deployments that need it front these routes with a reverse proxy).
	if streams.Events != nil {
		r.Get("/stream/events", streams.Events.ServeHTTP)
	}
	if streams.Alerts != nil {
		r.Get("/stream/alerts", streams.Alerts.ServeHTTP)
	}

	return r
}
