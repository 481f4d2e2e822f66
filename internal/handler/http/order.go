package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/traventa/bookingpay/internal/domain"
	"github.com/traventa/bookingpay/internal/service"
	"github.com/traventa/bookingpay/pkg/httputil"
	"github.com/traventa/bookingpay/pkg/validator"
)

// OrderHandler handles HTTP requests for order endpoints.
type OrderHandler struct {
	orders  *service.OrderService
	refunds *service.RefundService
	logger  *slog.Logger
}

// NewOrderHandler creates a new order HTTP handler.
func NewOrderHandler(orders *service.OrderService, refunds *service.RefundService, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{
		orders:  orders,
		refunds: refunds,
		logger:  logger,
	}
}

// --- Request DTOs ---

// CreateOrderItemRequest is one line item in an order creation request.
type CreateOrderItemRequest struct {
	ProductID string `json:"product_id" validate:"required"`
	Name      string `json:"name" validate:"required"`
	Price     int64  `json:"price" validate:"gte=0"`
	Quantity  int    `json:"quantity" validate:"required,gt=0"`
}

// CreateOrderRequest is the JSON request body for creating an order.
type CreateOrderRequest struct {
	OrderNo     string                   `json:"order_no" validate:"required"`
	UserID      string                   `json:"user_id" validate:"required"`
	Currency    string                   `json:"currency" validate:"required,len=3"`
	BookingDate time.Time                `json:"booking_date" validate:"required"`
	Items       []CreateOrderItemRequest `json:"items" validate:"required,min=1,dive"`
}

// --- Response views ---

// OrderView is the read representation of an order. Amounts appear both in
// minor units and as formatted decimal strings.
type OrderView struct {
	*domain.Order
	TotalAmountFormatted string `json:"total_amount_formatted"`
	PaidAmountFormatted  string `json:"paid_amount_formatted"`
}

func newOrderView(o *domain.Order) OrderView {
	return OrderView{
		Order:                o,
		TotalAmountFormatted: domain.FormatAmount(o.TotalAmount),
		PaidAmountFormatted:  domain.FormatAmount(o.PaidAmount),
	}
}

// --- Handlers ---

// CreateOrder handles POST /api/v1/orders
func (h *OrderHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.Response{
			Error: &httputil.ErrorResponse{Code: "INVALID_INPUT", Message: "invalid request body: " + err.Error()},
		})
		return
	}

	if err := validator.Validate(req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	input := service.CreateOrderInput{
		OrderNo:     req.OrderNo,
		UserID:      req.UserID,
		Currency:    req.Currency,
		BookingDate: req.BookingDate,
		Items:       make([]service.CreateOrderItemInput, len(req.Items)),
	}
	for i, item := range req.Items {
		input.Items[i] = service.CreateOrderItemInput{
			ProductID: item.ProductID,
			Name:      item.Name,
			Price:     item.Price,
			Quantity:  item.Quantity,
		}
	}

	order, err := h.orders.CreateOrder(r.Context(), input)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, httputil.Response{Data: newOrderView(order)})
}

// GetOrder handles GET /api/v1/orders/{id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseUUID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(r.Context(), id.String())
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: newOrderView(order)})
}

// ListOrders handles GET /api/v1/orders
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	if page <= 0 {
		page = 1
	}
	if perPage <= 0 {
		perPage = 20
	}

	orders, total, err := h.orders.ListOrders(r.Context(), page, perPage)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	views := make([]OrderView, len(orders))
	for i := range orders {
		views[i] = newOrderView(&orders[i])
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.NewPaginatedResponse(views, total, page, perPage))
}

// ShipOrder handles POST /api/v1/orders/{id}/ship
func (h *OrderHandler) ShipOrder(w http.ResponseWriter, r *http.Request) {
	h.applyEvent(w, r, h.orders.ShipOrder)
}

// CompleteOrder handles POST /api/v1/orders/{id}/complete
func (h *OrderHandler) CompleteOrder(w http.ResponseWriter, r *http.Request) {
	h.applyEvent(w, r, h.orders.CompleteOrder)
}

// CancelOrder handles POST /api/v1/orders/{id}/cancel
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	h.applyEvent(w, r, h.orders.CancelOrder)
}

func (h *OrderHandler) applyEvent(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, id string) (*domain.Order, error)) {
	id, ok := httputil.ParseUUID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	order, err := apply(r.Context(), id.String())
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: newOrderView(order)})
}

// ListOrderRefunds handles GET /api/v1/orders/{id}/refunds
func (h *OrderHandler) ListOrderRefunds(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseUUID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	refunds, err := h.refunds.ListRefunds(r.Context(), id.String())
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	views := make([]RefundView, len(refunds))
	for i := range refunds {
		views[i] = newRefundView(&refunds[i])
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: views})
}
