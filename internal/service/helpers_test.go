package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/mock"

	"github.com/traventa/bookingpay/internal/domain"
	"github.com/traventa/bookingpay/internal/gateway"
	"github.com/traventa/bookingpay/internal/lock"
	apperrors "github.com/traventa/bookingpay/pkg/errors"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestLocks(t *testing.T) *lock.RefundLock {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return lock.NewRefundLock(client, time.Minute)
}

// --- In-memory order repository with real optimistic-lock semantics ---

type memOrderRepo struct {
	mu     sync.Mutex
	orders map[string]domain.Order
}

func newMemOrderRepo() *memOrderRepo {
	return &memOrderRepo{orders: make(map[string]domain.Order)}
}

func (m *memOrderRepo) Create(_ context.Context, o *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = *o
	return nil
}

func (m *memOrderRepo) GetByID(_ context.Context, id string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, apperrors.NotFound("order", id)
	}
	cp := o
	return &cp, nil
}

func (m *memOrderRepo) GetByOrderNo(_ context.Context, orderNo string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.OrderNo == orderNo {
			cp := o
			return &cp, nil
		}
	}
	return nil, apperrors.NotFound("order", orderNo)
}

func (m *memOrderRepo) UpdateVersioned(_ context.Context, o *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.orders[o.ID]
	if !ok || stored.Version != o.Version {
		return apperrors.VersionConflict("order", o.ID)
	}
	o.Version++
	o.UpdatedAt = time.Now().UTC()
	m.orders[o.ID] = *o
	return nil
}

func (m *memOrderRepo) List(_ context.Context, offset, limit int) ([]domain.Order, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]domain.Order, 0, len(m.orders))
	for _, o := range m.orders {
		all = append(all, o)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	if offset >= total {
		return []domain.Order{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

// --- In-memory refund repository with real status-CAS semantics ---

type memRefundRepo struct {
	mu      sync.Mutex
	orders  *memOrderRepo
	refunds map[string]domain.RefundRequest
}

func newMemRefundRepo(orders *memOrderRepo) *memRefundRepo {
	return &memRefundRepo{orders: orders, refunds: make(map[string]domain.RefundRequest)}
}

func (m *memRefundRepo) Create(_ context.Context, rf *domain.RefundRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(rf)
}

func (m *memRefundRepo) insertLocked(rf *domain.RefundRequest) error {
	for _, existing := range m.refunds {
		if existing.RefundNo == rf.RefundNo {
			return apperrors.AlreadyExists("refund", "refund_no", rf.RefundNo)
		}
	}
	m.refunds[rf.ID] = *rf
	return nil
}

func (m *memRefundRepo) CreateReserving(ctx context.Context, rf *domain.RefundRequest, activeStatuses []string) error {
	order, err := m.orders.GetByID(ctx, rf.OrderID)
	if err != nil {
		return err
	}

	// The mutex spans the balance check and the insert, mirroring the row
	// lock the real repository takes on the order.
	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := make(map[string]bool, len(activeStatuses))
	for _, s := range activeStatuses {
		wanted[s] = true
	}
	var reserved int64
	for _, existing := range m.refunds {
		if existing.OrderID == rf.OrderID && wanted[existing.Status] {
			reserved += existing.Amount
		}
	}
	if reserved+rf.Amount > order.PaidAmount {
		return apperrors.AmountExceedsBalance(fmt.Sprintf("refund of %d exceeds remaining balance %d", rf.Amount, order.PaidAmount-reserved))
	}

	return m.insertLocked(rf)
}

func (m *memRefundRepo) GetByID(_ context.Context, id string) (*domain.RefundRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rf, ok := m.refunds[id]
	if !ok {
		return nil, apperrors.NotFound("refund", id)
	}
	cp := rf
	return &cp, nil
}

func (m *memRefundRepo) GetByRefundNo(_ context.Context, refundNo string) (*domain.RefundRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rf := range m.refunds {
		if rf.RefundNo == refundNo {
			cp := rf
			return &cp, nil
		}
	}
	return nil, apperrors.NotFound("refund", refundNo)
}

func (m *memRefundRepo) ListByOrderID(_ context.Context, orderID string) ([]domain.RefundRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.RefundRequest, 0)
	for _, rf := range m.refunds {
		if rf.OrderID == orderID {
			out = append(out, rf)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memRefundRepo) SumAmountByStatuses(_ context.Context, orderID string, statuses []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wanted := make(map[string]bool, len(statuses))
	for _, s := range statuses {
		wanted[s] = true
	}
	var total int64
	for _, rf := range m.refunds {
		if rf.OrderID == orderID && wanted[rf.Status] {
			total += rf.Amount
		}
	}
	return total, nil
}

func (m *memRefundRepo) UpdateStatusFrom(_ context.Context, rf *domain.RefundRequest, expectedStatus string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.refunds[rf.ID]
	if !ok || stored.Status != expectedStatus {
		return apperrors.VersionConflict("refund", rf.ID)
	}
	rf.UpdatedAt = time.Now().UTC()
	m.refunds[rf.ID] = *rf
	return nil
}

func (m *memRefundRepo) ListProcessingBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.RefundRequest, error) {
	return m.listStale(domain.RefundStatusProcessing, cutoff, limit), nil
}

func (m *memRefundRepo) ListPendingBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.RefundRequest, error) {
	return m.listStale(domain.RefundStatusPending, cutoff, limit), nil
}

func (m *memRefundRepo) listStale(status string, cutoff time.Time, limit int) []domain.RefundRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.RefundRequest, 0)
	for _, rf := range m.refunds {
		if rf.Status == status && rf.UpdatedAt.Before(cutoff) {
			out = append(out, rf)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// setStatus force-writes a refund status, bypassing CAS, for test setup.
func (m *memRefundRepo) setStatus(id, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rf := m.refunds[id]
	rf.Status = status
	m.refunds[id] = rf
}

// --- Mock event publisher ---

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) PublishOrderStatusChanged(ctx context.Context, o *domain.Order, fromStatus string, trigger domain.Event) error {
	args := m.Called(ctx, o, fromStatus, trigger)
	return args.Error(0)
}

func (m *mockPublisher) PublishOrderRefunded(ctx context.Context, o *domain.Order, refundedAmount int64) error {
	args := m.Called(ctx, o, refundedAmount)
	return args.Error(0)
}

func (m *mockPublisher) PublishRefundOutcome(ctx context.Context, rf *domain.RefundRequest, failureReason string) error {
	args := m.Called(ctx, rf, failureReason)
	return args.Error(0)
}

// relaxedPublisher accepts every publish; for tests that do not assert events.
func relaxedPublisher() *mockPublisher {
	p := new(mockPublisher)
	p.On("PublishOrderStatusChanged", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	p.On("PublishOrderRefunded", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	p.On("PublishRefundOutcome", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	return p
}

// --- Scripted gateway ---

type gatewayOutcome struct {
	result *gateway.RefundResult
	err    error
}

// scriptedGateway plays back a fixed sequence of refund outcomes and records
// every call. When the script runs out, the last outcome repeats.
type scriptedGateway struct {
	mu           sync.Mutex
	script       []gatewayOutcome
	refundCalls  []*gateway.RefundInput
	queryResults map[string]*gateway.RefundResult
}

func newScriptedGateway(outcomes ...gatewayOutcome) *scriptedGateway {
	return &scriptedGateway{
		script:       outcomes,
		queryResults: make(map[string]*gateway.RefundResult),
	}
}

func (g *scriptedGateway) Name() string { return "scripted" }

func (g *scriptedGateway) Refund(_ context.Context, input *gateway.RefundInput) (*gateway.RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	cp := *input
	g.refundCalls = append(g.refundCalls, &cp)

	idx := len(g.refundCalls) - 1
	if idx >= len(g.script) {
		idx = len(g.script) - 1
	}
	outcome := g.script[idx]
	return outcome.result, outcome.err
}

func (g *scriptedGateway) QueryRefund(_ context.Context, refundNo string) (*gateway.RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if result, ok := g.queryResults[refundNo]; ok {
		return result, nil
	}
	return nil, &gateway.Error{Code: "REFUNDNOTEXIST", Message: "refund not found"}
}

func (g *scriptedGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.refundCalls)
}

func transientErr() error {
	return &gateway.Error{Code: "SYSTEMERROR", Message: "channel timeout", Transient: true}
}

func permanentErr() error {
	return &gateway.Error{Code: "NOTENOUGH", Message: "insufficient channel balance", Transient: false}
}

func accepted(id string) gatewayOutcome {
	return gatewayOutcome{result: &gateway.RefundResult{GatewayRefundID: id, State: gateway.RefundStateProcessing}}
}

// --- Order fixtures ---

func paidOrder(id string, paidAmount int64) *domain.Order {
	now := time.Now().UTC()
	paidAt := now
	return &domain.Order{
		ID:            id,
		OrderNo:       "NO-" + id,
		UserID:        "usr-001",
		Status:        domain.OrderStatusPaid,
		PaymentStatus: domain.PaymentStatusSuccess,
		TotalAmount:   paidAmount,
		PaidAmount:    paidAmount,
		Currency:      "CNY",
		BookingDate:   now.AddDate(0, 0, 14),
		Version:       2,
		CreatedAt:     now,
		PaidAt:        &paidAt,
		UpdatedAt:     now,
	}
}
