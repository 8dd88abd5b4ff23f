// Package billing exposes the subscription lifecycle over HTTP: tenant-facing
// subscription management, the plan listing, and the payment processor's
// webhook endpoint.
package billing

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/placecardhq/placecard/pkg/audit"
	"github.com/placecardhq/placecard/pkg/billing"
	"github.com/placecardhq/placecard/svc/tenant"
)

// Service wires the billing handlers into a chi router.
type Service struct {
	controller *billing.Controller
	reconciler *billing.Reconciler
	repairer   *billing.Repairer
	catalog    billing.Catalog
	activity   audit.Reader
	resolver   tenant.Resolver
	log        *slog.Logger

	maxWebhookBody int64
}

// Option configures optional Service settings.
type Option func(*Service)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithTenantResolver overrides how the tenant id is extracted from requests.
func WithTenantResolver(resolver tenant.Resolver) Option {
	return func(s *Service) {
		if resolver != nil {
			s.resolver = resolver
		}
	}
}

// WithMaxWebhookBody caps the accepted webhook payload size in bytes.
func WithMaxWebhookBody(n int64) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxWebhookBody = n
		}
	}
}

// New creates the billing HTTP service. Panics if a required dependency is
// nil.
func New(controller *billing.Controller, reconciler *billing.Reconciler, repairer *billing.Repairer, catalog billing.Catalog, activity audit.Reader, opts ...Option) *Service {
	if controller == nil {
		panic("billing service: controller is required")
	}
	if reconciler == nil {
		panic("billing service: reconciler is required")
	}
	if repairer == nil {
		panic("billing service: repairer is required")
	}
	if catalog == nil {
		panic("billing service: catalog is required")
	}
	if activity == nil {
		panic("billing service: activity reader is required")
	}

	s := &Service{
		controller:     controller,
		reconciler:     reconciler,
		repairer:       repairer,
		catalog:        catalog,
		activity:       activity,
		resolver: tenant.NewCompositeResolver(
			tenant.NewQueryResolver("businessId"),
			tenant.NewHeaderResolver(""),
		),
		log:            slog.New(slog.DiscardHandler),
		maxWebhookBody: 1 << 20,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router assembles the service routes. The subscription resource is addressed
// by a businessId query parameter or body field (an X-Tenant-ID header works
// as well); POST and PUT dispatch on an action field. The webhook and admin
// routes carry no tenant, the webhook is authenticated by its signature
// instead.
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/plans", s.handleListPlans)
	r.Post("/webhooks/payment", s.handleWebhook)

	r.Route("/subscriptions", func(r chi.Router) {
		// Mutations carry businessId in the body, so they resolve the tenant
		// themselves instead of through the middleware.
		r.Post("/", s.handleSubscriptionAction)
		r.Put("/", s.handleLifecycleAction)

		r.Group(func(r chi.Router) {
			r.Use(tenant.RequireID(s.resolver))

			r.Get("/", s.handleGetSubscription)
			r.Delete("/", s.handleCancelSubscription)
			r.Get("/activity", s.handleListActivity)
		})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Post("/repair", s.handleRunRepair)
	})

	return r
}
