// Package api exposes the subscription engine over HTTP: the provider
// webhook, the authenticated subscription endpoints used by the web app,
// and operational endpoints for health and metrics.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/billing/status"
)

// BillingService is the provider surface the API drives.
// *stripe.Provider satisfies it.
type BillingService interface {
	WebhookHandler() http.Handler
	Refresh(ctx context.Context, userID string) (*billing.RefreshSummary, error)
	CancelAtPeriodEnd(ctx context.Context, userID string) (*billing.RefreshSummary, error)
	PortalURL(ctx context.Context, userID, returnURL string) (string, error)
	BillingInfo(ctx context.Context, userID string) (*billing.BillingInfo, error)
}

// StatusService builds status views. *status.Service satisfies it.
type StatusService interface {
	GetStatus(ctx context.Context, userID string) (*status.View, error)
}

// PlanLister lists the active plans. *catalog.Catalog satisfies it.
type PlanLister interface {
	ListPlans(ctx context.Context) ([]*billing.PlanCatalogEntry, error)
}

// Pinger reports backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds router configuration
type Config struct {
	// Billing handles webhooks, refresh, cancel and billing pages (required)
	Billing BillingService

	// Status serves the status endpoint (required)
	Status StatusService

	// Plans serves the public plan list. The route is omitted when nil.
	Plans PlanLister

	// Health is pinged by /healthz. The route always answers ok when nil.
	Health Pinger

	// JWTSecret verifies HS256 bearer tokens (required)
	JWTSecret string

	// CORSOrigins lists allowed browser origins. Empty disables CORS.
	CORSOrigins []string

	// Metrics is mounted at /metrics when set (e.g. promhttp.Handler()).
	Metrics http.Handler

	// Logger receives access and error logs. Defaults to a no-op logger.
	Logger *zerolog.Logger

	// OnError is called when a handler fails
	// If nil, the error is mapped to a JSON response by status code
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// NewRouter builds the HTTP handler for the engine.
func NewRouter(config Config) (http.Handler, error) {
	if config.Billing == nil {
		return nil, fmt.Errorf("api: billing service is required")
	}
	if config.Status == nil {
		return nil, fmt.Errorf("api: status service is required")
	}
	if config.JWTSecret == "" {
		return nil, fmt.Errorf("api: JWT secret is required")
	}

	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = *config.Logger
	}

	h := &handlers{
		billing: config.Billing,
		status:  config.Status,
		plans:   config.Plans,
		health:  config.Health,
		logger:  logger,
		onError: config.OnError,
	}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	if len(config.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   config.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	// Public routes
	r.Get("/healthz", h.healthz)
	if config.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", config.Metrics)
	}
	r.Method(http.MethodPost, "/webhooks/stripe", config.Billing.WebhookHandler())
	if config.Plans != nil {
		r.Get("/api/subscription/plans", h.listPlans)
	}

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(Authenticate([]byte(config.JWTSecret)))

		r.Get("/api/subscription/status", h.getStatus)
		r.Post("/api/subscription/refresh", h.refresh)
		r.Post("/api/subscription/cancel", h.cancel)
		r.Post("/api/subscription/billing-portal", h.billingPortal)
		r.Get("/api/subscription/billing", h.billingInfo)
	})

	return r, nil
}
