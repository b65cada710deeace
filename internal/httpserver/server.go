// Package httpserver exposes the store's HTTP API: checkout and payment
// lifecycle for buyers, the bank webhook for the payment gateway, and a small
// admin surface for operators.
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tunglvm/store-server/internal/auth"
	"github.com/tunglvm/store-server/internal/blobstore"
	"github.com/tunglvm/store-server/internal/catalog"
	"github.com/tunglvm/store-server/internal/config"
	"github.com/tunglvm/store-server/internal/download"
	"github.com/tunglvm/store-server/internal/fulfillment"
	"github.com/tunglvm/store-server/internal/logger"
	"github.com/tunglvm/store-server/internal/metrics"
	"github.com/tunglvm/store-server/internal/payments"
	"github.com/tunglvm/store-server/internal/ratelimit"
	"github.com/tunglvm/store-server/internal/reconcile"
	"github.com/tunglvm/store-server/internal/storage"
)

// Deps bundles everything the server needs.
type Deps struct {
	Config      *config.Config
	Log         zerolog.Logger
	Payments    *payments.Service
	Reconcile   *reconcile.Service
	Fulfillment *fulfillment.Service
	Download    *download.Service
	Store       storage.Store
	Catalog     catalog.Repository
	Blobs       blobstore.Client
	Metrics     *metrics.Metrics
}

// Server wraps the HTTP server and its router.
type Server struct {
	httpServer *http.Server
	log        zerolog.Logger
}

// New builds the server with all routes configured.
func New(deps Deps) *Server {
	h := &handlers{
		cfg:         deps.Config,
		payments:    deps.Payments,
		reconcile:   deps.Reconcile,
		fulfillment: deps.Fulfillment,
		download:    deps.Download,
		store:       deps.Store,
		catalog:     deps.Catalog,
		blobs:       deps.Blobs,
	}

	router := configureRouter(deps, h)

	return &Server{
		httpServer: &http.Server{
			Addr:         deps.Config.Server.Address,
			Handler:      router,
			ReadTimeout:  deps.Config.Server.ReadTimeout.Duration,
			WriteTimeout: deps.Config.Server.WriteTimeout.Duration,
			IdleTimeout:  deps.Config.Server.IdleTimeout.Duration,
		},
		log: deps.Log,
	}
}

// Handler returns the configured root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.log.Info().Str("address", s.httpServer.Addr).Msg("HTTP server starting")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("HTTP server shutting down")
	return s.httpServer.Shutdown(ctx)
}

func configureRouter(deps Deps, h *handlers) chi.Router {
	cfg := deps.Config

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(logger.Middleware(deps.Log))
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)
	r.Use(metricsMiddleware(deps.Metrics))
	r.Use(ratelimit.Global(cfg.RateLimit, deps.Metrics))
	r.Use(ratelimit.PerIP(cfg.RateLimit, deps.Metrics))

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", cfg.Auth.BuyerHeader},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", h.handleHealth)

	metricsHandler := http.Handler(promhttp.Handler())
	if key := cfg.Server.AdminMetricsAPIKey; key != "" {
		metricsHandler = auth.RequireAdmin(key)(metricsHandler)
	}
	r.Method(http.MethodGet, "/metrics", metricsHandler)

	mount := func(api chi.Router) {
		// The gateway authenticates itself by knowing the URL; payloads
		// are verified against the ledger, never trusted.
		api.Post("/webhook/bank", h.handleBankWebhook)

		api.Route("/store/v1", func(v1 chi.Router) {
			v1.Group(func(buyer chi.Router) {
				buyer.Use(auth.RequireBuyer(cfg.Auth.BuyerHeader))

				buyer.Get("/products", h.handleListProducts)
				buyer.Post("/checkout", h.handleCheckout)
				buyer.Get("/payments", h.handleListPayments)
				buyer.Get("/payments/{ref}", h.handleGetPayment)
				buyer.Post("/payments/{ref}/cancel", h.handleCancelPayment)
				buyer.Get("/orders", h.handleListOrders)
				buyer.Get("/orders/{ref}/download", h.handleDownloadInfo)
				buyer.Get("/orders/{ref}/download/file", h.handleDownloadFile)
				buyer.Get("/orders/{ref}/entitlement", h.handleGetEntitlement)
				buyer.Get("/ownership", h.handleGetOwnership)
			})

			v1.Route("/admin", func(admin chi.Router) {
				admin.Use(auth.RequireAdmin(cfg.Auth.AdminAPIKey))

				admin.Put("/orders/{ref}/entitlement", h.handleProvisionEntitlement)
				admin.Put("/orders/{ref}/status", h.handleUpdateOrderStatus)
				admin.Post("/payments/{ref}/fulfill", h.handleRefulfill)
			})
		})
	}

	if prefix := cfg.Server.RoutePrefix; prefix != "" && prefix != "/" {
		r.Route(prefix, mount)
	} else {
		mount(r)
	}

	return r
}

// securityHeaders sets conservative defaults on every response.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// metricsMiddleware records request counts and latency per route pattern.
func metricsMiddleware(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = "unmatched"
			}
			m.ObserveHTTPRequest(route, ww.Status(), time.Since(start))
		})
	}
}
