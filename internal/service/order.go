package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/traventa/bookingpay/internal/domain"
	"github.com/traventa/bookingpay/internal/repository"
	apperrors "github.com/traventa/bookingpay/pkg/errors"
)

// EventPublisher is the slice of the event producer the services depend on.
type EventPublisher interface {
	PublishOrderStatusChanged(ctx context.Context, o *domain.Order, fromStatus string, trigger domain.Event) error
	PublishOrderRefunded(ctx context.Context, o *domain.Order, refundedAmount int64) error
	PublishRefundOutcome(ctx context.Context, rf *domain.RefundRequest, failureReason string) error
}

// Number of reloads after a lost optimistic-lock race before giving up.
const maxVersionRetries = 3

// OrderService implements the business logic for order ledger operations.
type OrderService struct {
	orders   repository.OrderRepository
	refunds  repository.RefundRepository
	producer EventPublisher
	logger   *slog.Logger
}

// NewOrderService creates a new order service.
func NewOrderService(orders repository.OrderRepository, refunds repository.RefundRepository, producer EventPublisher, logger *slog.Logger) *OrderService {
	return &OrderService{
		orders:   orders,
		refunds:  refunds,
		producer: producer,
		logger:   logger,
	}
}

// CreateOrderItemInput holds the parameters for an order line item. Price is
// the unit price in minor units, snapshotted into the order.
type CreateOrderItemInput struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Price     int64  `json:"price"`
	Quantity  int    `json:"quantity"`
}

// CreateOrderInput holds the parameters for creating an order.
type CreateOrderInput struct {
	OrderNo     string
	UserID      string
	Currency    string
	BookingDate time.Time
	Items       []CreateOrderItemInput
}

// CreateOrder creates a new pending, unpaid order from the given input.
func (s *OrderService) CreateOrder(ctx context.Context, input CreateOrderInput) (*domain.Order, error) {
	if input.UserID == "" {
		return nil, apperrors.InvalidInput("user_id is required")
	}
	if input.OrderNo == "" {
		return nil, apperrors.InvalidInput("order_no is required")
	}
	if len(input.Items) == 0 {
		return nil, apperrors.InvalidInput("order must contain at least one item")
	}
	if len(input.Currency) != 3 {
		return nil, apperrors.InvalidInput("currency must be a 3-letter ISO code")
	}

	now := time.Now().UTC()
	orderID := uuid.New().String()

	var total int64
	items := make([]domain.OrderItem, len(input.Items))
	for i, itemInput := range input.Items {
		if itemInput.Price < 0 || itemInput.Quantity <= 0 {
			return nil, apperrors.InvalidInput("item price must be non-negative and quantity positive")
		}
		items[i] = domain.OrderItem{
			ID:        uuid.New().String(),
			OrderID:   orderID,
			ProductID: itemInput.ProductID,
			Name:      itemInput.Name,
			Price:     itemInput.Price,
			Quantity:  itemInput.Quantity,
		}
		total += items[i].Subtotal()
	}

	order := &domain.Order{
		ID:            orderID,
		OrderNo:       input.OrderNo,
		UserID:        input.UserID,
		Status:        domain.OrderStatusPending,
		PaymentStatus: domain.PaymentStatusUnpaid,
		TotalAmount:   total,
		Currency:      strings.ToUpper(input.Currency),
		BookingDate:   input.BookingDate,
		Items:         items,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.orders.Create(ctx, order); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	s.logger.InfoContext(ctx, "order created",
		slog.String("order_id", order.ID),
		slog.String("order_no", order.OrderNo),
		slog.Int64("total_amount", order.TotalAmount),
	)

	return order, nil
}

// GetOrder retrieves an order by its ID.
func (s *OrderService) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	order, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get order by id: %w", err)
	}
	return order, nil
}

// GetOrderByNo retrieves an order by its external order number.
func (s *OrderService) GetOrderByNo(ctx context.Context, orderNo string) (*domain.Order, error) {
	order, err := s.orders.GetByOrderNo(ctx, orderNo)
	if err != nil {
		return nil, fmt.Errorf("get order by order_no: %w", err)
	}
	return order, nil
}

// ListOrders returns a paginated list of orders.
func (s *OrderService) ListOrders(ctx context.Context, page, perPage int) ([]domain.Order, int, error) {
	if page <= 0 {
		page = 1
	}
	if perPage <= 0 {
		perPage = 20
	}
	if perPage > 100 {
		perPage = 100
	}

	orders, total, err := s.orders.List(ctx, (page-1)*perPage, perPage)
	if err != nil {
		return nil, 0, fmt.Errorf("list orders: %w", err)
	}

	return orders, total, nil
}

// MarkPaid records a successful payment against the order and moves it from
// PENDING to PAID. Replaying a payment notification for an already paid order
// is a no-op.
func (s *OrderService) MarkPaid(ctx context.Context, orderNo string, paidAmount int64, paidAt time.Time) (*domain.Order, error) {
	return s.applyOrderEvent(ctx, func() (*domain.Order, error) {
		return s.orders.GetByOrderNo(ctx, orderNo)
	}, domain.EventPaymentSucceeded, func(o *domain.Order) error {
		if o.PaymentStatus == domain.PaymentStatusSuccess && o.Status != domain.OrderStatusPending {
			// Duplicate payment notification.
			return errAlreadyApplied
		}
		if paidAmount != o.TotalAmount {
			return apperrors.InvalidInput(fmt.Sprintf("paid amount %d does not match order total %d", paidAmount, o.TotalAmount))
		}
		o.PaymentStatus = domain.PaymentStatusSuccess
		o.PaidAmount = paidAmount
		at := paidAt.UTC()
		o.PaidAt = &at
		return nil
	})
}

// ShipOrder moves a paid order to SHIPPED.
func (s *OrderService) ShipOrder(ctx context.Context, id string) (*domain.Order, error) {
	return s.applyEventByID(ctx, id, domain.EventShip)
}

// CompleteOrder moves a shipped order to COMPLETED.
func (s *OrderService) CompleteOrder(ctx context.Context, id string) (*domain.Order, error) {
	return s.applyEventByID(ctx, id, domain.EventComplete)
}

// CancelOrder moves a paid order to CANCELLED.
func (s *OrderService) CancelOrder(ctx context.Context, id string) (*domain.Order, error) {
	return s.applyEventByID(ctx, id, domain.EventCancel)
}

func (s *OrderService) applyEventByID(ctx context.Context, id string, trigger domain.Event) (*domain.Order, error) {
	return s.applyOrderEvent(ctx, func() (*domain.Order, error) {
		return s.orders.GetByID(ctx, id)
	}, trigger, nil)
}

// errAlreadyApplied short-circuits applyOrderEvent when a replayed command
// finds its effect already in place.
var errAlreadyApplied = errors.New("event already applied")

// applyOrderEvent loads the order, runs the optional mutation, validates the
// transition, and writes the result under the optimistic lock. A lost version
// race reloads and replays the command a bounded number of times.
func (s *OrderService) applyOrderEvent(ctx context.Context, load func() (*domain.Order, error), trigger domain.Event, mutate func(*domain.Order) error) (*domain.Order, error) {
	var lastErr error

	for attempt := 0; attempt < maxVersionRetries; attempt++ {
		order, err := load()
		if err != nil {
			return nil, fmt.Errorf("load order for %s: %w", trigger, err)
		}

		if mutate != nil {
			if err := mutate(order); err != nil {
				if errors.Is(err, errAlreadyApplied) {
					return order, nil
				}
				return nil, err
			}
		}

		next, err := domain.Transition(order, trigger)
		if err != nil {
			var invalidErr *domain.InvalidTransitionError
			if errors.As(err, &invalidErr) {
				return nil, apperrors.InvalidInput(invalidErr.Error())
			}
			return nil, err
		}

		fromStatus := order.Status
		order.Status = next

		if err := s.orders.UpdateVersioned(ctx, order); err != nil {
			if errors.Is(err, apperrors.ErrVersionConflict) {
				lastErr = err
				continue
			}
			return nil, fmt.Errorf("apply %s: %w", trigger, err)
		}

		if err := s.producer.PublishOrderStatusChanged(ctx, order, fromStatus, trigger); err != nil {
			s.logger.ErrorContext(ctx, "failed to publish order.status_changed event",
				slog.String("order_id", order.ID),
				slog.String("error", err.Error()),
			)
			// Do not fail the operation if event publishing fails.
		}

		s.logger.InfoContext(ctx, "order status updated",
			slog.String("order_id", order.ID),
			slog.String("from", fromStatus),
			slog.String("to", order.Status),
			slog.String("event", string(trigger)),
		)

		return order, nil
	}

	return nil, fmt.Errorf("apply %s after %d version retries: %w", trigger, maxVersionRetries, lastErr)
}
