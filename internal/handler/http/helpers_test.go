package http

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/traventa/bookingpay/internal/domain"
	"github.com/traventa/bookingpay/internal/gateway"
	"github.com/traventa/bookingpay/internal/lock"
	"github.com/traventa/bookingpay/internal/service"
	apperrors "github.com/traventa/bookingpay/pkg/errors"
	"github.com/traventa/bookingpay/pkg/health"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// --- In-memory repositories ---

type fakeOrderRepo struct {
	mu     sync.Mutex
	orders map[string]domain.Order
}

func newFakeOrderRepo() *fakeOrderRepo {
	return &fakeOrderRepo{orders: make(map[string]domain.Order)}
}

func (m *fakeOrderRepo) Create(_ context.Context, o *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = *o
	return nil
}

func (m *fakeOrderRepo) GetByID(_ context.Context, id string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, apperrors.NotFound("order", id)
	}
	cp := o
	return &cp, nil
}

func (m *fakeOrderRepo) GetByOrderNo(_ context.Context, orderNo string) (*domain.Order, error) {
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

func (m *fakeOrderRepo) UpdateVersioned(_ context.Context, o *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.orders[o.ID]
	if !ok || stored.Version != o.Version {
		return apperrors.VersionConflict("order", o.ID)
	}
	o.Version++
	m.orders[o.ID] = *o
	return nil
}

func (m *fakeOrderRepo) List(_ context.Context, offset, limit int) ([]domain.Order, int, error) {
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

type fakeRefundRepo struct {
	mu      sync.Mutex
	orders  *fakeOrderRepo
	refunds map[string]domain.RefundRequest
}

func newFakeRefundRepo(orders *fakeOrderRepo) *fakeRefundRepo {
	return &fakeRefundRepo{orders: orders, refunds: make(map[string]domain.RefundRequest)}
}

func (m *fakeRefundRepo) Create(_ context.Context, rf *domain.RefundRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(rf)
}

func (m *fakeRefundRepo) insertLocked(rf *domain.RefundRequest) error {
	for _, existing := range m.refunds {
		if existing.RefundNo == rf.RefundNo {
			return apperrors.AlreadyExists("refund", "refund_no", rf.RefundNo)
		}
	}
	m.refunds[rf.ID] = *rf
	return nil
}

func (m *fakeRefundRepo) CreateReserving(ctx context.Context, rf *domain.RefundRequest, activeStatuses []string) error {
	order, err := m.orders.GetByID(ctx, rf.OrderID)
	if err != nil {
		return err
	}

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

func (m *fakeRefundRepo) GetByID(_ context.Context, id string) (*domain.RefundRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rf, ok := m.refunds[id]
	if !ok {
		return nil, apperrors.NotFound("refund", id)
	}
	cp := rf
	return &cp, nil
}

func (m *fakeRefundRepo) GetByRefundNo(_ context.Context, refundNo string) (*domain.RefundRequest, error) {
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

func (m *fakeRefundRepo) ListByOrderID(_ context.Context, orderID string) ([]domain.RefundRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.RefundRequest, 0)
	for _, rf := range m.refunds {
		if rf.OrderID == orderID {
			out = append(out, rf)
		}
	}
	return out, nil
}

func (m *fakeRefundRepo) SumAmountByStatuses(_ context.Context, orderID string, statuses []string) (int64, error) {
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

func (m *fakeRefundRepo) UpdateStatusFrom(_ context.Context, rf *domain.RefundRequest, expectedStatus string) error {
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

func (m *fakeRefundRepo) ListProcessingBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.RefundRequest, error) {
	return m.listStale(domain.RefundStatusProcessing, cutoff, limit), nil
}

func (m *fakeRefundRepo) ListPendingBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.RefundRequest, error) {
	return m.listStale(domain.RefundStatusPending, cutoff, limit), nil
}

func (m *fakeRefundRepo) listStale(status string, cutoff time.Time, limit int) []domain.RefundRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.RefundRequest, 0)
	for _, rf := range m.refunds {
		if rf.Status == status && rf.UpdatedAt.Before(cutoff) {
			out = append(out, rf)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *fakeRefundRepo) setStatus(id, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rf := m.refunds[id]
	rf.Status = status
	m.refunds[id] = rf
}

// --- Accepting gateway ---

type acceptingGateway struct{}

func (acceptingGateway) Name() string { return "accepting" }

func (acceptingGateway) Refund(_ context.Context, _ *gateway.RefundInput) (*gateway.RefundResult, error) {
	return &gateway.RefundResult{GatewayRefundID: "gw-ref-1", State: gateway.RefundStateProcessing}, nil
}

func (acceptingGateway) QueryRefund(_ context.Context, _ string) (*gateway.RefundResult, error) {
	return &gateway.RefundResult{GatewayRefundID: "gw-ref-1", State: gateway.RefundStateSuccess}, nil
}

// --- Null event publisher ---

type nullPublisher struct{}

func (nullPublisher) PublishOrderStatusChanged(context.Context, *domain.Order, string, domain.Event) error {
	return nil
}

func (nullPublisher) PublishOrderRefunded(context.Context, *domain.Order, int64) error {
	return nil
}

func (nullPublisher) PublishRefundOutcome(context.Context, *domain.RefundRequest, string) error {
	return nil
}

// --- Fixture ---

const testSignKey = "test-sign-key"

type fixture struct {
	router  http.Handler
	orders  *fakeOrderRepo
	refunds *fakeRefundRepo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	orders := newFakeOrderRepo()
	refunds := newFakeRefundRepo(orders)
	logger := testLogger()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	locks := lock.NewRefundLock(client, time.Minute)

	policy := service.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	orderSvc := service.NewOrderService(orders, refunds, nullPublisher{}, logger)
	refundSvc := service.NewRefundService(orders, refunds, acceptingGateway{}, locks, nullPublisher{}, policy, logger)
	callbackSvc := service.NewCallbackService(orders, refunds, nullPublisher{}, logger)

	router := NewRouter(orderSvc, refundSvc, callbackSvc, health.NewHandler(), RouterConfig{
		CallbackSignKey:  testSignKey,
		WebhookRateLimit: 100,
		WebhookRateBurst: 100,
	}, logger)

	return &fixture{router: router, orders: orders, refunds: refunds}
}

func paidOrderFixture(id string, amount int64) *domain.Order {
	now := time.Now().UTC()
	paidAt := now
	return &domain.Order{
		ID:            id,
		OrderNo:       "NO-" + id,
		UserID:        "usr-001",
		Status:        domain.OrderStatusPaid,
		PaymentStatus: domain.PaymentStatusSuccess,
		TotalAmount:   amount,
		PaidAmount:    amount,
		Currency:      "CNY",
		BookingDate:   now.AddDate(0, 0, 7),
		Version:       2,
		CreatedAt:     now,
		PaidAt:        &paidAt,
		UpdatedAt:     now,
	}
}
