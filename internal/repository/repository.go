package repository

import (
	"context"
	"time"

	"github.com/traventa/bookingpay/internal/domain"
)

// OrderRepository defines persistence operations for the order ledger.
type OrderRepository interface {
	// Create inserts a new order and its items atomically.
	Create(ctx context.Context, order *domain.Order) error

	// GetByID retrieves an order with its items by unique identifier.
	GetByID(ctx context.Context, id string) (*domain.Order, error)

	// GetByOrderNo retrieves an order with its items by its external order number.
	GetByOrderNo(ctx context.Context, orderNo string) (*domain.Order, error)

	// UpdateVersioned writes the order's status, payment status, paid amount,
	// and paid timestamp under an optimistic version check. The order's
	// Version field holds the expected version; on success the stored version
	// is incremented and the in-memory Version is bumped to match. A version
	// miss returns a version conflict error.
	UpdateVersioned(ctx context.Context, order *domain.Order) error

	// List returns orders with pagination support, newest first.
	List(ctx context.Context, offset, limit int) ([]domain.Order, int, error)
}

// RefundRepository defines persistence operations for refund requests.
// Refund rows are append-only: there is deliberately no delete operation.
type RefundRepository interface {
	// Create inserts a new refund request.
	Create(ctx context.Context, refund *domain.RefundRequest) error

	// CreateReserving inserts a new refund request after revalidating, under
	// a lock on the parent order, that the order's refunds in the given
	// active statuses plus the new amount still fit within the paid amount.
	// Concurrent initiations serialize on the lock, so the balance check can
	// never act on a stale sum. An oversubscription returns the
	// amount-exceeds-balance error and inserts nothing.
	CreateReserving(ctx context.Context, refund *domain.RefundRequest, activeStatuses []string) error

	// GetByID retrieves a refund request by its unique identifier.
	GetByID(ctx context.Context, id string) (*domain.RefundRequest, error)

	// GetByRefundNo retrieves a refund request by its merchant refund number.
	GetByRefundNo(ctx context.Context, refundNo string) (*domain.RefundRequest, error)

	// ListByOrderID returns all refund requests for an order, newest first.
	ListByOrderID(ctx context.Context, orderID string) ([]domain.RefundRequest, error)

	// SumAmountByStatuses returns the total refund amount for an order across
	// requests in any of the given statuses.
	SumAmountByStatuses(ctx context.Context, orderID string, statuses []string) (int64, error)

	// UpdateStatusFrom writes the refund's mutable fields (status, gateway
	// refund id, retry count, processed-at) guarded by a compare-and-swap on
	// the expected current status. A status miss returns a version conflict
	// error, signalling a concurrent mutation.
	UpdateStatusFrom(ctx context.Context, refund *domain.RefundRequest, expectedStatus string) error

	// ListProcessingBefore returns refund requests stuck in processing whose
	// last update is older than the cutoff, for fallback reconciliation.
	ListProcessingBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.RefundRequest, error)

	// ListPendingBefore returns refund requests still pending past the
	// cutoff. A pending row that old means the submission that should have
	// followed the insert never ran and must be resumed.
	ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.RefundRequest, error)
}
