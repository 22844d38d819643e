/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     zerolog request line plus Prometheus request metrics
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the courier app

ROUTE GROUPS:
  /api/wallet/*         Balance, earnings, ledger, withdrawals
  /api/deliveries/*     Delivery board
  /api/payout/*         Payout destinations
  /healthz              Storage health
  /metrics              Prometheus scrape endpoint (optional)

SECURITY NOTE:
  No authentication middleware. The server is meant to sit behind the
  app gateway, which authenticates the courier.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/rotamed/courier-wallet/metrics"
)

// RouterOptions controls the parts of the router that vary per deployment.
type RouterOptions struct {
	CorsOrigins []string
	Metrics     *metrics.Metrics
	// Gatherer enables /metrics when set.
	Gatherer prometheus.Gatherer
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.CorsOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.Log, opts.Metrics))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		// Wallet routes
		r.Route("/wallet", func(r chi.Router) {
			r.Get("/balance", h.GetBalance)
			r.Get("/earnings", h.GetEarnings)
			r.Get("/transactions", h.ListTransactions)
			r.Post("/transactions", h.AddTransaction)
			r.Get("/transactions/{id}", h.GetTransaction)
			r.Post("/withdrawals", h.Withdraw)
			r.Post("/reset", h.ResetWallet)
			r.Post("/sync", h.SyncWallet)
		})

		// Delivery routes
		r.Route("/deliveries", func(r chi.Router) {
			r.Get("/", h.ListDeliveries)
			r.Post("/", h.PublishDelivery)
			r.Get("/available", h.ListAvailableDeliveries)
			r.Get("/{id}", h.GetDelivery)
			r.Post("/{id}/{action}", h.TransitionDelivery)
		})

		// Payout routes
		r.Route("/payout/destinations", func(r chi.Router) {
			r.Get("/", h.ListDestinations)
			r.Post("/", h.AddDestination)
			r.Delete("/{id}", h.RemoveDestination)
			r.Post("/{id}/default", h.SetDefaultDestination)
		})
	})

	return r
}

// requestLogger logs one line per request and records request metrics
// under the matched route pattern, so ids don't explode label cardinality.
func requestLogger(log zerolog.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			elapsed := time.Since(start)
			m.HTTPRequest(r.Method, route, status, elapsed)

			ev := log.Debug()
			if status >= http.StatusInternalServerError {
				ev = log.Error()
			}
			ev.Str("method", r.Method).
				Str("route", route).
				Int("status", status).
				Dur("elapsed", elapsed).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}
