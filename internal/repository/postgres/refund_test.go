package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traventa/bookingpay/internal/domain"
	"github.com/traventa/bookingpay/pkg/database"
	apperrors "github.com/traventa/bookingpay/pkg/errors"
)

// helper to build a sample refund request for tests.
func sampleRefund() *domain.RefundRequest {
	return &domain.RefundRequest{
		ID:          "ref-001",
		OrderID:     "ord-001",
		RefundNo:    "RF20260302001",
		Amount:      9900,
		Reason:      "trip cancelled by customer",
		Status:      domain.RefundStatusPending,
		RetryCount:  0,
		RequestedAt: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		CreatedAt:   time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		UpdatedAt:   time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
}

var refundRowColumns = []string{
	"id", "order_id", "refund_no", "amount", "reason", "status",
	"gateway_refund_id", "retry_count", "requested_at", "processed_at",
	"created_at", "updated_at",
}

func refundRow(rf *domain.RefundRequest) *pgxmock.Rows {
	return pgxmock.NewRows(refundRowColumns).AddRow(
		rf.ID, rf.OrderID, rf.RefundNo, rf.Amount, rf.Reason, rf.Status,
		rf.GatewayRefundID, rf.RetryCount, rf.RequestedAt, rf.ProcessedAt,
		rf.CreatedAt, rf.UpdatedAt,
	)
}

func TestRefundRepository_Create(t *testing.T) {
	mock, err := database.NewMockPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewRefundRepository(mock)
	rf := sampleRefund()

	mock.ExpectExec("INSERT INTO refund_requests").
		WithArgs(
			rf.ID, rf.OrderID, rf.RefundNo, rf.Amount, rf.Reason, rf.Status,
			rf.GatewayRefundID, rf.RetryCount, rf.RequestedAt, rf.ProcessedAt,
			rf.CreatedAt, rf.UpdatedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = repo.Create(context.Background(), rf)
	assert.NoError(t, err)

	err = mock.ExpectationsWereMet()
	assert.NoError(t, err)
}

func TestRefundRepository_CreateReserving(t *testing.T) {
	mock, err := database.NewMockPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewRefundRepository(mock)
	rf := sampleRefund()
	statuses := []string{domain.RefundStatusPending, domain.RefundStatusProcessing, domain.RefundStatusSuccess}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT paid_amount FROM orders").
		WithArgs(rf.OrderID).
		WillReturnRows(pgxmock.NewRows([]string{"paid_amount"}).AddRow(int64(29900)))
	mock.ExpectQuery("SELECT COALESCE").
		WithArgs(rf.OrderID, statuses).
		WillReturnRows(pgxmock.NewRows([]string{"coalesce"}).AddRow(int64(20000)))
	mock.ExpectExec("INSERT INTO refund_requests").
		WithArgs(
			rf.ID, rf.OrderID, rf.RefundNo, rf.Amount, rf.Reason, rf.Status,
			rf.GatewayRefundID, rf.RetryCount, rf.RequestedAt, rf.ProcessedAt,
			rf.CreatedAt, rf.UpdatedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err = repo.CreateReserving(context.Background(), rf, statuses)
	assert.NoError(t, err)

	err = mock.ExpectationsWereMet()
	assert.NoError(t, err)
}

func TestRefundRepository_CreateReserving_Oversubscribed(t *testing.T) {
	mock, err := database.NewMockPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewRefundRepository(mock)
	rf := sampleRefund()
	rf.Amount = 15000
	statuses := []string{domain.RefundStatusPending, domain.RefundStatusProcessing, domain.RefundStatusSuccess}

	// 20000 already reserved against 29900; another 15000 must not insert.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT paid_amount FROM orders").
		WithArgs(rf.OrderID).
		WillReturnRows(pgxmock.NewRows([]string{"paid_amount"}).AddRow(int64(29900)))
	mock.ExpectQuery("SELECT COALESCE").
		WithArgs(rf.OrderID, statuses).
		WillReturnRows(pgxmock.NewRows([]string{"coalesce"}).AddRow(int64(20000)))
	mock.ExpectRollback()

	err = repo.CreateReserving(context.Background(), rf, statuses)
	assert.ErrorIs(t, err, apperrors.ErrAmountExceedsBalance)

	err = mock.ExpectationsWereMet()
	assert.NoError(t, err)
}

func TestRefundRepository_CreateReserving_OrderMissing(t *testing.T) {
	mock, err := database.NewMockPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewRefundRepository(mock)
	rf := sampleRefund()
	statuses := []string{domain.RefundStatusPending}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT paid_amount FROM orders").
		WithArgs(rf.OrderID).
		WillReturnRows(pgxmock.NewRows([]string{"paid_amount"}))
	mock.ExpectRollback()

	err = repo.CreateReserving(context.Background(), rf, statuses)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	err = mock.ExpectationsWereMet()
	assert.NoError(t, err)
}

func TestRefundRepository_GetByRefundNo(t *testing.T) {
	mock, err := database.NewMockPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewRefundRepository(mock)
	rf := sampleRefund()

	mock.ExpectQuery("SELECT .+ FROM refund_requests").
		WithArgs(rf.RefundNo).
		WillReturnRows(refundRow(rf))

	got, err := repo.GetByRefundNo(context.Background(), rf.RefundNo)
	require.NoError(t, err)
	assert.Equal(t, rf.ID, got.ID)
	assert.Equal(t, rf.Amount, got.Amount)
	assert.Equal(t, domain.RefundStatusPending, got.Status)

	err = mock.ExpectationsWereMet()
	assert.NoError(t, err)
}

func TestRefundRepository_GetByID_NotFound(t *testing.T) {
	mock, err := database.NewMockPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewRefundRepository(mock)

	mock.ExpectQuery("SELECT .+ FROM refund_requests").
		WithArgs("ref-missing").
		WillReturnRows(pgxmock.NewRows(refundRowColumns))

	got, err := repo.GetByID(context.Background(), "ref-missing")
	assert.Nil(t, got)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	err = mock.ExpectationsWereMet()
	assert.NoError(t, err)
}

func TestRefundRepository_ListByOrderID(t *testing.T) {
	mock, err := database.NewMockPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewRefundRepository(mock)
	rf := sampleRefund()

	mock.ExpectQuery("SELECT .+ FROM refund_requests").
		WithArgs(rf.OrderID).
		WillReturnRows(refundRow(rf))

	got, err := repo.ListByOrderID(context.Background(), rf.OrderID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, rf.RefundNo, got[0].RefundNo)

	err = mock.ExpectationsWereMet()
	assert.NoError(t, err)
}

func TestRefundRepository_SumAmountByStatuses(t *testing.T) {
	mock, err := database.NewMockPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewRefundRepository(mock)
	statuses := []string{domain.RefundStatusPending, domain.RefundStatusProcessing, domain.RefundStatusSuccess}

	mock.ExpectQuery("SELECT COALESCE").
		WithArgs("ord-001", statuses).
		WillReturnRows(pgxmock.NewRows([]string{"coalesce"}).AddRow(int64(35000)))

	total, err := repo.SumAmountByStatuses(context.Background(), "ord-001", statuses)
	require.NoError(t, err)
	assert.Equal(t, int64(35000), total)

	err = mock.ExpectationsWereMet()
	assert.NoError(t, err)
}

func TestRefundRepository_UpdateStatusFrom(t *testing.T) {
	mock, err := database.NewMockPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewRefundRepository(mock)
	rf := sampleRefund()
	rf.Status = domain.RefundStatusProcessing

	mock.ExpectExec("UPDATE refund_requests").
		WithArgs(
			rf.Status, rf.GatewayRefundID, rf.RetryCount, rf.ProcessedAt,
			pgxmock.AnyArg(), rf.ID, domain.RefundStatusPending,
		).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err = repo.UpdateStatusFrom(context.Background(), rf, domain.RefundStatusPending)
	assert.NoError(t, err)

	err = mock.ExpectationsWereMet()
	assert.NoError(t, err)
}

func TestRefundRepository_UpdateStatusFrom_StatusMoved(t *testing.T) {
	mock, err := database.NewMockPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewRefundRepository(mock)
	rf := sampleRefund()
	rf.Status = domain.RefundStatusProcessing

	mock.ExpectExec("UPDATE refund_requests").
		WithArgs(
			rf.Status, rf.GatewayRefundID, rf.RetryCount, rf.ProcessedAt,
			pgxmock.AnyArg(), rf.ID, domain.RefundStatusPending,
		).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = repo.UpdateStatusFrom(context.Background(), rf, domain.RefundStatusPending)
	assert.ErrorIs(t, err, apperrors.ErrVersionConflict)

	err = mock.ExpectationsWereMet()
	assert.NoError(t, err)
}

func TestRefundRepository_ListProcessingBefore(t *testing.T) {
	mock, err := database.NewMockPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewRefundRepository(mock)
	rf := sampleRefund()
	rf.Status = domain.RefundStatusProcessing
	cutoff := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT .+ FROM refund_requests").
		WithArgs(domain.RefundStatusProcessing, cutoff, 50).
		WillReturnRows(refundRow(rf))

	got, err := repo.ListProcessingBefore(context.Background(), cutoff, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, domain.RefundStatusProcessing, got[0].Status)

	err = mock.ExpectationsWereMet()
	assert.NoError(t, err)
}

func TestRefundRepository_ListPendingBefore(t *testing.T) {
	mock, err := database.NewMockPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewRefundRepository(mock)
	rf := sampleRefund()
	cutoff := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT .+ FROM refund_requests").
		WithArgs(domain.RefundStatusPending, cutoff, 50).
		WillReturnRows(refundRow(rf))

	got, err := repo.ListPendingBefore(context.Background(), cutoff, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, domain.RefundStatusPending, got[0].Status)

	err = mock.ExpectationsWereMet()
	assert.NoError(t, err)
}

func TestRefundRepository_Create_ExecError(t *testing.T) {
	mock, err := database.NewMockPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewRefundRepository(mock)
	rf := sampleRefund()

	mock.ExpectExec("INSERT INTO refund_requests").
		WithArgs(
			rf.ID, rf.OrderID, rf.RefundNo, rf.Amount, rf.Reason, rf.Status,
			rf.GatewayRefundID, rf.RetryCount, rf.RequestedAt, rf.ProcessedAt,
			rf.CreatedAt, rf.UpdatedAt,
		).
		WillReturnError(errors.New("connection refused"))

	err = repo.Create(context.Background(), rf)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "insert refund request")

	err = mock.ExpectationsWereMet()
	assert.NoError(t, err)
}
