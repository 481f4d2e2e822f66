package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/traventa/bookingpay/internal/domain"
	"github.com/traventa/bookingpay/internal/gateway"
	"github.com/traventa/bookingpay/internal/lock"
	"github.com/traventa/bookingpay/internal/repository"
	apperrors "github.com/traventa/bookingpay/pkg/errors"
)

// RetryPolicy bounds the gateway attempt loop for a single refund command.
// Delays double from BaseDelay up to MaxDelay. MaxAttempts counts every
// gateway call, including the first one.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns the standard gateway retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
	}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay << uint(attempt)
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	return d
}

// activeStatuses are the refund statuses that count against the order's
// refundable balance. Failed, abnormal, and cancelled rows release their
// reservation.
var activeStatuses = []string{
	domain.RefundStatusPending,
	domain.RefundStatusProcessing,
	domain.RefundStatusSuccess,
}

// RefundService orchestrates the refund lifecycle: validation, the durable
// PENDING record, gateway submission with bounded retries, and operator
// retry/cancel actions.
type RefundService struct {
	orders   repository.OrderRepository
	refunds  repository.RefundRepository
	channel  gateway.Gateway
	locks    *lock.RefundLock
	producer EventPublisher
	policy   RetryPolicy
	logger   *slog.Logger
}

// NewRefundService creates a new refund orchestrator.
func NewRefundService(
	orders repository.OrderRepository,
	refunds repository.RefundRepository,
	channel gateway.Gateway,
	locks *lock.RefundLock,
	producer EventPublisher,
	policy RetryPolicy,
	logger *slog.Logger,
) *RefundService {
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	return &RefundService{
		orders:   orders,
		refunds:  refunds,
		channel:  channel,
		locks:    locks,
		producer: producer,
		policy:   policy,
		logger:   logger,
	}
}

// InitiateRefundInput holds the parameters for requesting a refund.
type InitiateRefundInput struct {
	OrderID string
	Amount  int64
	Reason  string

	// RefundNo is the merchant refund number. Left empty, a new one is
	// generated. It becomes the idempotency key for every gateway attempt.
	RefundNo string
}

// InitiateRefund validates the request against the order's refundable
// balance and persists the PENDING refund record. No gateway call happens
// here; Process drives the submission afterwards, usually on a background
// goroutine.
func (s *RefundService) InitiateRefund(ctx context.Context, input InitiateRefundInput) (*domain.RefundRequest, error) {
	if input.Amount <= 0 {
		return nil, apperrors.InvalidInput("refund amount must be positive")
	}

	order, err := s.orders.GetByID(ctx, input.OrderID)
	if err != nil {
		return nil, fmt.Errorf("load order for refund: %w", err)
	}

	if !order.IsRefundable() {
		return nil, apperrors.OrderNotRefundable(fmt.Sprintf("order %s in status %q with payment status %q cannot be refunded", order.OrderNo, order.Status, order.PaymentStatus))
	}

	refundNo := input.RefundNo
	if refundNo == "" {
		refundNo = "RF" + uuid.New().String()
	}

	now := time.Now().UTC()
	refund := &domain.RefundRequest{
		ID:          uuid.New().String(),
		OrderID:     order.ID,
		RefundNo:    refundNo,
		Amount:      input.Amount,
		Reason:      input.Reason,
		Status:      domain.RefundStatusPending,
		RequestedAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	// The balance check counts every refund that is or may still become
	// settled, revalidated atomically with the insert so concurrent partial
	// refunds cannot oversubscribe the order.
	if err := s.refunds.CreateReserving(ctx, refund, activeStatuses); err != nil {
		if errors.Is(err, apperrors.ErrAmountExceedsBalance) {
			return nil, err
		}
		return nil, fmt.Errorf("create refund request: %w", err)
	}

	s.logger.InfoContext(ctx, "refund requested",
		slog.String("refund_no", refund.RefundNo),
		slog.String("order_id", order.ID),
		slog.Int64("amount", refund.Amount),
	)

	return refund, nil
}

// Process submits a PENDING refund to the gateway, driving the bounded
// retry loop to its outcome. The per-refund-number lock guards against a
// concurrent submission of the same refund.
func (s *RefundService) Process(ctx context.Context, refundID string) error {
	refund, err := s.refunds.GetByID(ctx, refundID)
	if err != nil {
		return fmt.Errorf("load refund: %w", err)
	}

	if err := s.locks.Acquire(ctx, refund.RefundNo); err != nil {
		return err
	}
	defer func() {
		if err := s.locks.Release(context.WithoutCancel(ctx), refund.RefundNo); err != nil {
			s.logger.ErrorContext(ctx, "failed to release refund lock",
				slog.String("refund_no", refund.RefundNo),
				slog.String("error", err.Error()),
			)
		}
	}()

	if refund.Status != domain.RefundStatusPending {
		return apperrors.Conflict(fmt.Sprintf("refund %s is %s, not pending", refund.RefundNo, refund.Status))
	}

	if err := s.moveTo(ctx, refund, domain.RefundStatusProcessing); err != nil {
		return err
	}

	return s.submit(ctx, refund)
}

// Retry re-runs a FAILED or ABNORMAL refund. Operator action only; the
// attempt counter starts over.
func (s *RefundService) Retry(ctx context.Context, refundID string) error {
	refund, err := s.refunds.GetByID(ctx, refundID)
	if err != nil {
		return fmt.Errorf("load refund: %w", err)
	}

	if err := s.locks.Acquire(ctx, refund.RefundNo); err != nil {
		return err
	}
	defer func() {
		if err := s.locks.Release(context.WithoutCancel(ctx), refund.RefundNo); err != nil {
			s.logger.ErrorContext(ctx, "failed to release refund lock",
				slog.String("refund_no", refund.RefundNo),
				slog.String("error", err.Error()),
			)
		}
	}()

	if !refund.IsRetryable() {
		return apperrors.NotRetryable(fmt.Sprintf("refund %s in status %q cannot be retried", refund.RefundNo, refund.Status))
	}

	refund.RetryCount = 0
	if err := s.moveTo(ctx, refund, domain.RefundStatusProcessing); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "refund retry started",
		slog.String("refund_no", refund.RefundNo),
	)

	return s.submit(ctx, refund)
}

// Cancel voids a refund that has not reached the gateway successfully.
// Allowed from PENDING, FAILED, and ABNORMAL only.
func (s *RefundService) Cancel(ctx context.Context, refundID string) (*domain.RefundRequest, error) {
	refund, err := s.refunds.GetByID(ctx, refundID)
	if err != nil {
		return nil, fmt.Errorf("load refund: %w", err)
	}

	if !refund.IsCancellable() {
		return nil, apperrors.Conflict(fmt.Sprintf("refund %s in status %q cannot be cancelled", refund.RefundNo, refund.Status))
	}

	if err := s.moveTo(ctx, refund, domain.RefundStatusCancelled); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "refund cancelled",
		slog.String("refund_no", refund.RefundNo),
	)

	return refund, nil
}

// GetRefund retrieves a refund request by ID.
func (s *RefundService) GetRefund(ctx context.Context, id string) (*domain.RefundRequest, error) {
	refund, err := s.refunds.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get refund: %w", err)
	}
	return refund, nil
}

// ListRefunds returns all refund requests for an order.
func (s *RefundService) ListRefunds(ctx context.Context, orderID string) ([]domain.RefundRequest, error) {
	refunds, err := s.refunds.ListByOrderID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("list refunds: %w", err)
	}
	return refunds, nil
}

// submit drives the gateway attempt loop for a PROCESSING refund. The same
// merchant refund number is sent on every attempt so the channel can
// deduplicate. Transient failures back off and retry up to the policy
// ceiling; exhaustion escalates to ABNORMAL, a business rejection finalizes
// as FAILED. A successful acknowledgment leaves the refund PROCESSING until
// the channel confirms via callback or the reconciliation poller.
func (s *RefundService) submit(ctx context.Context, refund *domain.RefundRequest) error {
	order, err := s.orders.GetByID(ctx, refund.OrderID)
	if err != nil {
		return fmt.Errorf("load order for refund submission: %w", err)
	}

	input := &gateway.RefundInput{
		OrderNo:     order.OrderNo,
		RefundNo:    refund.RefundNo,
		TotalAmount: order.PaidAmount,
		Amount:      refund.Amount,
		Reason:      refund.Reason,
	}

	for attempt := 0; ; attempt++ {
		result, err := s.channel.Refund(ctx, input)
		if err == nil {
			refund.GatewayRefundID = result.GatewayRefundID
			if updateErr := s.refunds.UpdateStatusFrom(ctx, refund, domain.RefundStatusProcessing); updateErr != nil {
				return fmt.Errorf("record gateway acknowledgment: %w", updateErr)
			}
			s.logger.InfoContext(ctx, "refund submitted to gateway",
				slog.String("refund_no", refund.RefundNo),
				slog.String("gateway_refund_id", result.GatewayRefundID),
				slog.Int("attempt", attempt+1),
			)
			return nil
		}

		if !gateway.IsTransient(err) {
			s.logger.WarnContext(ctx, "refund rejected by gateway",
				slog.String("refund_no", refund.RefundNo),
				slog.String("error", err.Error()),
			)
			return s.finalize(ctx, refund, domain.RefundStatusFailed, err.Error())
		}

		refund.RetryCount++
		if updateErr := s.refunds.UpdateStatusFrom(ctx, refund, domain.RefundStatusProcessing); updateErr != nil {
			return fmt.Errorf("record retry count: %w", updateErr)
		}

		if attempt+1 >= s.policy.MaxAttempts {
			s.logger.ErrorContext(ctx, "refund attempts exhausted",
				slog.String("refund_no", refund.RefundNo),
				slog.Int("attempts", attempt+1),
				slog.String("error", err.Error()),
			)
			return s.finalize(ctx, refund, domain.RefundStatusAbnormal, err.Error())
		}

		s.logger.WarnContext(ctx, "transient gateway failure, backing off",
			slog.String("refund_no", refund.RefundNo),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)

		select {
		case <-time.After(s.policy.delay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// finalize moves a PROCESSING refund to its outcome status and publishes the
// matching domain event.
func (s *RefundService) finalize(ctx context.Context, refund *domain.RefundRequest, status, reason string) error {
	now := time.Now().UTC()
	refund.ProcessedAt = &now
	prev := refund.Status
	refund.Status = status

	if err := s.refunds.UpdateStatusFrom(ctx, refund, prev); err != nil {
		return fmt.Errorf("finalize refund as %s: %w", status, err)
	}

	if err := s.producer.PublishRefundOutcome(ctx, refund, reason); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish refund outcome event",
			slog.String("refund_no", refund.RefundNo),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// moveTo applies a guarded status transition and persists it with the
// current status as the compare-and-swap guard.
func (s *RefundService) moveTo(ctx context.Context, refund *domain.RefundRequest, status string) error {
	if !refund.CanTransitionTo(status) {
		return apperrors.Conflict(fmt.Sprintf("refund %s cannot move from %q to %q", refund.RefundNo, refund.Status, status))
	}

	prev := refund.Status
	refund.Status = status
	if err := s.refunds.UpdateStatusFrom(ctx, refund, prev); err != nil {
		refund.Status = prev
		if errors.Is(err, apperrors.ErrVersionConflict) {
			return apperrors.Conflict(fmt.Sprintf("refund %s was modified concurrently", refund.RefundNo))
		}
		return err
	}

	return nil
}
