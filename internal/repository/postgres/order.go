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

// OrderRepository implements repository.OrderRepository using PostgreSQL.
type OrderRepository struct {
	pool database.DBTX
}

// NewOrderRepository creates a new PostgreSQL-backed order repository.
func NewOrderRepository(pool database.DBTX) *OrderRepository {
	return &OrderRepository{pool: pool}
}

const orderColumns = `id, order_no, user_id, status, payment_status, total_amount, paid_amount, currency, booking_date, version, created_at, paid_at, updated_at`

// Create inserts a new order and its items atomically within a transaction.
func (r *OrderRepository) Create(ctx context.Context, o *domain.Order) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	orderQuery := `
		INSERT INTO orders (id, order_no, user_id, status, payment_status, total_amount, paid_amount, currency, booking_date, version, created_at, paid_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err = tx.Exec(ctx, orderQuery,
		o.ID,
		o.OrderNo,
		o.UserID,
		o.Status,
		o.PaymentStatus,
		o.TotalAmount,
		o.PaidAmount,
		o.Currency,
		o.BookingDate,
		o.Version,
		o.CreatedAt,
		o.PaidAt,
		o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	itemQuery := `
		INSERT INTO order_items (id, order_id, product_id, name, price, quantity)
		VALUES ($1, $2, $3, $4, $5, $6)`

	for _, item := range o.Items {
		_, err = tx.Exec(ctx, itemQuery,
			item.ID,
			item.OrderID,
			item.ProductID,
			item.Name,
			item.Price,
			item.Quantity,
		)
		if err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// GetByID retrieves an order by its ID, eagerly loading its items.
func (r *OrderRepository) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	return r.getBy(ctx, "id", id)
}

// GetByOrderNo retrieves an order by its external order number, eagerly
// loading its items.
func (r *OrderRepository) GetByOrderNo(ctx context.Context, orderNo string) (*domain.Order, error) {
	return r.getBy(ctx, "order_no", orderNo)
}

func (r *OrderRepository) getBy(ctx context.Context, column, value string) (*domain.Order, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM orders
		WHERE %s = $1`, orderColumns, column)

	var o domain.Order
	err := r.pool.QueryRow(ctx, query, value).Scan(
		&o.ID,
		&o.OrderNo,
		&o.UserID,
		&o.Status,
		&o.PaymentStatus,
		&o.TotalAmount,
		&o.PaidAmount,
		&o.Currency,
		&o.BookingDate,
		&o.Version,
		&o.CreatedAt,
		&o.PaidAt,
		&o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("order", value)
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}

	items, err := r.loadOrderItems(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	o.Items = items

	return &o, nil
}

// UpdateVersioned writes the order's mutable state under an optimistic
// version check. The Version field carries the expected version; a miss
// means a concurrent writer got there first.
func (r *OrderRepository) UpdateVersioned(ctx context.Context, o *domain.Order) error {
	query := `
		UPDATE orders
		SET status = $1, payment_status = $2, paid_amount = $3, paid_at = $4, version = version + 1, updated_at = $5
		WHERE id = $6 AND version = $7`

	ct, err := r.pool.Exec(ctx, query,
		o.Status,
		o.PaymentStatus,
		o.PaidAmount,
		o.PaidAt,
		time.Now().UTC(),
		o.ID,
		o.Version,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}

	if ct.RowsAffected() == 0 {
		return apperrors.VersionConflict("order", o.ID)
	}

	o.Version++
	return nil
}

// List returns orders with the total count, newest first.
func (r *OrderRepository) List(ctx context.Context, offset, limit int) ([]domain.Order, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	// count(*) OVER() folds the total count into the page query.
	query := fmt.Sprintf(`
		SELECT %s, count(*) OVER() AS total_count
		FROM orders
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`, orderColumns)

	rows, err := r.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var totalCount int
	orders := make([]domain.Order, 0)

	for rows.Next() {
		var o domain.Order
		if err := rows.Scan(
			&o.ID,
			&o.OrderNo,
			&o.UserID,
			&o.Status,
			&o.PaymentStatus,
			&o.TotalAmount,
			&o.PaidAmount,
			&o.Currency,
			&o.BookingDate,
			&o.Version,
			&o.CreatedAt,
			&o.PaidAt,
			&o.UpdatedAt,
			&totalCount,
		); err != nil {
			return nil, 0, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, o)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate order rows: %w", err)
	}

	// Batch-load items for all orders in a single query to avoid N+1.
	if len(orders) > 0 {
		orderIDs := make([]string, len(orders))
		for i := range orders {
			orderIDs[i] = orders[i].ID
		}

		itemsQuery := `
			SELECT id, order_id, product_id, name, price, quantity
			FROM order_items
			WHERE order_id = ANY($1)
			ORDER BY id`

		itemRows, err := r.pool.Query(ctx, itemsQuery, orderIDs)
		if err != nil {
			return nil, 0, fmt.Errorf("batch load order items: %w", err)
		}
		defer itemRows.Close()

		itemsByOrderID := make(map[string][]domain.OrderItem, len(orders))
		for itemRows.Next() {
			var item domain.OrderItem
			if err := itemRows.Scan(
				&item.ID,
				&item.OrderID,
				&item.ProductID,
				&item.Name,
				&item.Price,
				&item.Quantity,
			); err != nil {
				return nil, 0, fmt.Errorf("scan order item: %w", err)
			}
			itemsByOrderID[item.OrderID] = append(itemsByOrderID[item.OrderID], item)
		}
		if err := itemRows.Err(); err != nil {
			return nil, 0, fmt.Errorf("iterate batch order item rows: %w", err)
		}

		for i := range orders {
			if items, ok := itemsByOrderID[orders[i].ID]; ok {
				orders[i].Items = items
			} else {
				orders[i].Items = []domain.OrderItem{}
			}
		}
	}

	return orders, totalCount, nil
}

// loadOrderItems retrieves all items belonging to a given order.
func (r *OrderRepository) loadOrderItems(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	query := `
		SELECT id, order_id, product_id, name, price, quantity
		FROM order_items
		WHERE order_id = $1
		ORDER BY id`

	rows, err := r.pool.Query(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("query order items: %w", err)
	}
	defer rows.Close()

	var items []domain.OrderItem
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(
			&item.ID,
			&item.OrderID,
			&item.ProductID,
			&item.Name,
			&item.Price,
			&item.Quantity,
		); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order item rows: %w", err)
	}

	if items == nil {
		items = []domain.OrderItem{}
	}

	return items, nil
}
