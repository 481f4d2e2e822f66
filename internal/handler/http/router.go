package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/traventa/bookingpay/internal/service"
	"github.com/traventa/bookingpay/pkg/health"
	"github.com/traventa/bookingpay/pkg/middleware"
)

// RouterConfig carries the webhook protection settings.
type RouterConfig struct {
	CallbackSignKey  string
	WebhookRateLimit float64
	WebhookRateBurst int
}

// NewRouter creates a chi router with all service routes registered.
func NewRouter(
	orderService *service.OrderService,
	refundService *service.RefundService,
	callbackService *service.CallbackService,
	healthHandler *health.Handler,
	cfg RouterConfig,
	logger *slog.Logger,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestLogging(logger))
	r.Use(middleware.PrometheusMetrics("bookingpay"))

	// Health check endpoints
	r.Get("/health/live", healthHandler.LivenessHandler())
	r.Get("/health/ready", healthHandler.ReadinessHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	orderHandler := NewOrderHandler(orderService, refundService, logger)
	refundHandler := NewRefundHandler(refundService, logger)
	webhookHandler := NewWebhookHandler(orderService, callbackService, cfg.CallbackSignKey, logger)

	r.Route("/api/v1/orders", func(r chi.Router) {
		r.Use(ContentTypeJSON)

		r.Post("/", orderHandler.CreateOrder)
		r.Get("/", orderHandler.ListOrders)
		r.Get("/{id}", orderHandler.GetOrder)
		r.Post("/{id}/ship", orderHandler.ShipOrder)
		r.Post("/{id}/complete", orderHandler.CompleteOrder)
		r.Post("/{id}/cancel", orderHandler.CancelOrder)
		r.Get("/{id}/refunds", orderHandler.ListOrderRefunds)
	})

	r.Route("/api/v1/refunds", func(r chi.Router) {
		r.Use(ContentTypeJSON)

		r.Post("/", refundHandler.CreateRefund)
		r.Get("/{id}", refundHandler.GetRefund)
		r.Post("/{id}/retry", refundHandler.RetryRefund)
		r.Post("/{id}/cancel", refundHandler.CancelRefund)
	})

	r.Route("/webhooks", func(r chi.Router) {
		r.Use(RateLimit(cfg.WebhookRateLimit, cfg.WebhookRateBurst, logger))
		r.Use(ContentTypeJSON)

		r.Post("/payment", webhookHandler.PaymentNotify)
		r.Post("/refund", webhookHandler.RefundNotify)
	})

	return r
}
