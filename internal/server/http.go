package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"OTCEscrow/internal/escrow"
	"OTCEscrow/internal/observability"
	"OTCEscrow/internal/query"
)

// Server exposes the trade lifecycle over HTTP. Identity is taken from the
// X-Caller-Id header; the deployment in front of this service is expected to
// authenticate callers and set the header.
type Server struct {
	registry *escrow.Registry
	queries  *query.Service
	health   *observability.HealthChecker
	metrics  *observability.Metrics
	log      zerolog.Logger
}

func New(
	registry *escrow.Registry,
	queries *query.Service,
	health *observability.HealthChecker,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Server {
	return &Server{
		registry: registry,
		queries:  queries,
		health:   health,
		metrics:  metrics,
		log:      log,
	}
}

// Router builds the chi router with all trade routes mounted under /v1.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(s.instrument)

	r.Get("/healthz", s.health.LivenessHandler)
	r.Get("/readyz", s.health.ReadinessHandler)

	r.Route("/v1/trades", func(r chi.Router) {
		r.Post("/", s.handleCreateTrade)
		r.Get("/", s.handleListTrades)
		r.Get("/{tradeID}", s.handleGetTrade)
		r.Get("/{tradeID}/events", s.handleListTradeEvents)

		r.Post("/{tradeID}/fund", s.transition(s.registry.FundTrade))
		r.Post("/{tradeID}/assign", s.handleAssignBuyer)
		r.Post("/{tradeID}/fiat-sent", s.transition(s.registry.ConfirmFiatSent))
		r.Post("/{tradeID}/complete", s.transition(s.registry.CompleteTrade))
		r.Post("/{tradeID}/cancel", s.transition(s.registry.CancelTrade))
		r.Post("/{tradeID}/dispute", s.transition(s.registry.DisputeTrade))
		r.Post("/{tradeID}/refund", s.transition(s.registry.RefundToSeller))
		r.Post("/{tradeID}/resolve", s.transition(s.registry.ResolveToBuyer))
	})

	return r
}

// instrument records request count and duration per route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		if s.metrics == nil {
			return
		}
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(ww.Status())).Inc()
		s.metrics.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
