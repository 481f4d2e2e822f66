package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/traventa/bookingpay/internal/domain"
	"github.com/traventa/bookingpay/pkg/database"
	apperrors "github.com/traventa/bookingpay/pkg/errors"
)

// RefundRepository implements repository.RefundRepository using PostgreSQL.
// Refund rows are append-only; the only mutations are status moves and the
// bookkeeping fields that go with them.
type RefundRepository struct {
	pool database.DBTX
}

// NewRefundRepository creates a new PostgreSQL-backed refund repository.
func NewRefundRepository(pool database.DBTX) *RefundRepository {
	return &RefundRepository{pool: pool}
}

const refundColumns = `id, order_id, refund_no, amount, reason, status, gateway_refund_id, retry_count, requested_at, processed_at, created_at, updated_at`

// Create inserts a new refund request. The unique index on refund_no makes
// duplicate submissions surface as an already-exists conflict.
func (r *RefundRepository) Create(ctx context.Context, rf *domain.RefundRequest) error {
	query := `
		INSERT INTO refund_requests (id, order_id, refund_no, amount, reason, status, gateway_refund_id, retry_count, requested_at, processed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := r.pool.Exec(ctx, query,
		rf.ID,
		rf.OrderID,
		rf.RefundNo,
		rf.Amount,
		rf.Reason,
		rf.Status,
		rf.GatewayRefundID,
		rf.RetryCount,
		rf.RequestedAt,
		rf.ProcessedAt,
		rf.CreatedAt,
		rf.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert refund request: %w", err)
	}

	return nil
}

// CreateReserving inserts a refund request after revalidating the order's
// refundable balance inside a transaction holding a row lock on the order.
// The lock serializes concurrent initiations for the same order, so the sum
// of active refunds is never read stale between the check and the insert.
func (r *RefundRepository) CreateReserving(ctx context.Context, rf *domain.RefundRequest, activeStatuses []string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var paid int64
	err = tx.QueryRow(ctx, `SELECT paid_amount FROM orders WHERE id = $1 FOR UPDATE`, rf.OrderID).Scan(&paid)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.NotFound("order", rf.OrderID)
		}
		return fmt.Errorf("lock order for refund: %w", err)
	}

	var reserved int64
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM refund_requests
		WHERE order_id = $1 AND status = ANY($2)`, rf.OrderID, activeStatuses).Scan(&reserved)
	if err != nil {
		return fmt.Errorf("sum active refunds: %w", err)
	}

	if reserved+rf.Amount > paid {
		return apperrors.AmountExceedsBalance(fmt.Sprintf("refund of %d exceeds remaining balance %d", rf.Amount, paid-reserved))
	}

	query := `
		INSERT INTO refund_requests (id, order_id, refund_no, amount, reason, status, gateway_refund_id, retry_count, requested_at, processed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err = tx.Exec(ctx, query,
		rf.ID,
		rf.OrderID,
		rf.RefundNo,
		rf.Amount,
		rf.Reason,
		rf.Status,
		rf.GatewayRefundID,
		rf.RetryCount,
		rf.RequestedAt,
		rf.ProcessedAt,
		rf.CreatedAt,
		rf.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert refund request: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// GetByID retrieves a refund request by its unique identifier.
func (r *RefundRepository) GetByID(ctx context.Context, id string) (*domain.RefundRequest, error) {
	return r.getBy(ctx, "id", id)
}

// GetByRefundNo retrieves a refund request by its merchant refund number.
func (r *RefundRepository) GetByRefundNo(ctx context.Context, refundNo string) (*domain.RefundRequest, error) {
	return r.getBy(ctx, "refund_no", refundNo)
}

func (r *RefundRepository) getBy(ctx context.Context, column, value string) (*domain.RefundRequest, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM refund_requests
		WHERE %s = $1`, refundColumns, column)

	var rf domain.RefundRequest
	err := r.pool.QueryRow(ctx, query, value).Scan(
		&rf.ID,
		&rf.OrderID,
		&rf.RefundNo,
		&rf.Amount,
		&rf.Reason,
		&rf.Status,
		&rf.GatewayRefundID,
		&rf.RetryCount,
		&rf.RequestedAt,
		&rf.ProcessedAt,
		&rf.CreatedAt,
		&rf.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("refund", value)
		}
		return nil, fmt.Errorf("scan refund request: %w", err)
	}

	return &rf, nil
}

// ListByOrderID returns all refund requests for an order, newest first.
func (r *RefundRepository) ListByOrderID(ctx context.Context, orderID string) ([]domain.RefundRequest, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM refund_requests
		WHERE order_id = $1
		ORDER BY created_at DESC`, refundColumns)

	rows, err := r.pool.Query(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("list refund requests: %w", err)
	}
	defer rows.Close()

	return scanRefunds(rows)
}

// SumAmountByStatuses returns the total refund amount for an order across
// requests in any of the given statuses.
func (r *RefundRepository) SumAmountByStatuses(ctx context.Context, orderID string, statuses []string) (int64, error) {
	query := `
		SELECT COALESCE(SUM(amount), 0)
		FROM refund_requests
		WHERE order_id = $1 AND status = ANY($2)`

	var total int64
	if err := r.pool.QueryRow(ctx, query, orderID, statuses).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum refund amounts: %w", err)
	}

	return total, nil
}

// UpdateStatusFrom writes the refund's mutable fields guarded by a
// compare-and-swap on the expected current status. A miss means a concurrent
// writer moved the refund first, and the caller must re-read.
func (r *RefundRepository) UpdateStatusFrom(ctx context.Context, rf *domain.RefundRequest, expectedStatus string) error {
	query := `
		UPDATE refund_requests
		SET status = $1, gateway_refund_id = $2, retry_count = $3, processed_at = $4, updated_at = $5
		WHERE id = $6 AND status = $7`

	ct, err := r.pool.Exec(ctx, query,
		rf.Status,
		rf.GatewayRefundID,
		rf.RetryCount,
		rf.ProcessedAt,
		time.Now().UTC(),
		rf.ID,
		expectedStatus,
	)
	if err != nil {
		return fmt.Errorf("update refund status: %w", err)
	}

	if ct.RowsAffected() == 0 {
		return apperrors.VersionConflict("refund", rf.ID)
	}

	return nil
}

// ListProcessingBefore returns refunds stuck in processing whose last update
// is older than the cutoff, oldest first, for fallback reconciliation.
func (r *RefundRepository) ListProcessingBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.RefundRequest, error) {
	if limit <= 0 {
		limit = 50
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM refund_requests
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3`, refundColumns)

	rows, err := r.pool.Query(ctx, query, domain.RefundStatusProcessing, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list processing refunds: %w", err)
	}
	defer rows.Close()

	return scanRefunds(rows)
}

// ListPendingBefore returns refunds still pending past the cutoff, oldest
// first. These rows lost their submission and are picked up by the poller.
func (r *RefundRepository) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.RefundRequest, error) {
	if limit <= 0 {
		limit = 50
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM refund_requests
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3`, refundColumns)

	rows, err := r.pool.Query(ctx, query, domain.RefundStatusPending, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending refunds: %w", err)
	}
	defer rows.Close()

	return scanRefunds(rows)
}

func scanRefunds(rows pgx.Rows) ([]domain.RefundRequest, error) {
	refunds := make([]domain.RefundRequest, 0)
	for rows.Next() {
		var rf domain.RefundRequest
		if err := rows.Scan(
			&rf.ID,
			&rf.OrderID,
			&rf.RefundNo,
			&rf.Amount,
			&rf.Reason,
			&rf.Status,
			&rf.GatewayRefundID,
			&rf.RetryCount,
			&rf.RequestedAt,
			&rf.ProcessedAt,
			&rf.CreatedAt,
			&rf.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan refund row: %w", err)
		}
		refunds = append(refunds, rf)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate refund rows: %w", err)
	}

	return refunds, nil
}
