package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/traventa/bookingpay/internal/domain"
	"github.com/traventa/bookingpay/internal/repository"
	apperrors "github.com/traventa/bookingpay/pkg/errors"
)

// Gateway callback notification states.
const (
	CallbackStateSuccess = "SUCCESS"
	CallbackStateFailed  = "FAILED"
)

// CallbackInput is the normalized content of a gateway refund notification.
// SettledAmount is the amount the channel reports as actually refunded, in
// minor units.
type CallbackInput struct {
	RefundNo        string
	GatewayRefundID string
	State           string
	SettledAmount   int64
	FailureReason   string
}

// CallbackService reconciles asynchronous gateway refund notifications with
// the local refund and order records.
type CallbackService struct {
	orders   repository.OrderRepository
	refunds  repository.RefundRepository
	producer EventPublisher
	logger   *slog.Logger

	// A callback can outrun the local acknowledgment write; lookups retry
	// briefly before reporting the refund unknown.
	lookupAttempts int
	lookupDelay    time.Duration
}

// NewCallbackService creates a new callback reconciler.
func NewCallbackService(orders repository.OrderRepository, refunds repository.RefundRepository, producer EventPublisher, logger *slog.Logger) *CallbackService {
	return &CallbackService{
		orders:         orders,
		refunds:        refunds,
		producer:       producer,
		logger:         logger,
		lookupAttempts: 3,
		lookupDelay:    200 * time.Millisecond,
	}
}

// HandleCallback applies a gateway notification to the matching refund.
// Replays of an already-applied notification are no-ops. A settled amount
// that disagrees with the refund record is an integrity fault: the refund is
// quarantined as ABNORMAL and an alert event published, never silently
// accepted.
func (s *CallbackService) HandleCallback(ctx context.Context, input CallbackInput) error {
	if input.RefundNo == "" {
		return apperrors.InvalidInput("refund_no is required")
	}

	if input.State != CallbackStateSuccess && input.State != CallbackStateFailed {
		return apperrors.InvalidInput(fmt.Sprintf("unknown callback state %q", input.State))
	}

	refund, err := s.lookupRefund(ctx, input.RefundNo)
	if err != nil {
		return err
	}

	if refund.IsTerminal() || refund.Status == domain.RefundStatusFailed || refund.Status == domain.RefundStatusAbnormal {
		if !settledOutcomeMatches(refund.Status, input.State) {
			// The channel reports an outcome that contradicts what we
			// settled. Swallowing it would hide a money movement we never
			// recorded.
			return s.escalateConflict(ctx, refund, input.State)
		}
		// Already settled locally; the notification is a replay.
		s.logger.InfoContext(ctx, "callback replay ignored",
			slog.String("refund_no", refund.RefundNo),
			slog.String("status", refund.Status),
			slog.String("callback_state", input.State),
		)
		return nil
	}

	if input.State == CallbackStateSuccess {
		return s.ApplySuccess(ctx, refund, input.GatewayRefundID, input.SettledAmount)
	}
	return s.ApplyFailure(ctx, refund, input.FailureReason)
}

// settledOutcomeMatches reports whether a notification state agrees with the
// outcome already recorded on the refund. An ABNORMAL refund is already
// flagged for an operator, so either state is absorbed. A FAILED notification
// for a CANCELLED refund is harmless: no money moved on either side.
func settledOutcomeMatches(status, state string) bool {
	switch status {
	case domain.RefundStatusSuccess:
		return state == CallbackStateSuccess
	case domain.RefundStatusFailed, domain.RefundStatusCancelled:
		return state == CallbackStateFailed
	case domain.RefundStatusAbnormal:
		return true
	default:
		return false
	}
}

// escalateConflict handles a notification whose outcome contradicts the
// locally settled refund. The refund moves to ABNORMAL where the status map
// allows; otherwise the settled status stays and the alert event alone
// carries the contradiction.
func (s *CallbackService) escalateConflict(ctx context.Context, refund *domain.RefundRequest, state string) error {
	reason := fmt.Sprintf("callback state %q contradicts settled refund status %q", state, refund.Status)

	s.logger.ErrorContext(ctx, "refund integrity fault",
		slog.String("refund_no", refund.RefundNo),
		slog.String("reason", reason),
	)

	if refund.CanTransitionTo(domain.RefundStatusAbnormal) {
		if err := s.advance(ctx, refund, domain.RefundStatusAbnormal); err != nil {
			return err
		}
	}

	if err := s.producer.PublishRefundOutcome(ctx, refund, reason); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish refund.abnormal event",
			slog.String("refund_no", refund.RefundNo),
			slog.String("error", err.Error()),
		)
	}

	return apperrors.IntegrityFault(reason)
}

// ApplySuccess settles a refund as succeeded after verifying the settled
// amount, then drives the order to REFUNDED once the cumulative settled
// refunds cover the paid amount.
func (s *CallbackService) ApplySuccess(ctx context.Context, refund *domain.RefundRequest, gatewayRefundID string, settledAmount int64) error {
	if settledAmount != refund.Amount {
		return s.quarantine(ctx, refund, fmt.Sprintf("settled amount %d does not match refund amount %d", settledAmount, refund.Amount))
	}

	if gatewayRefundID != "" {
		refund.GatewayRefundID = gatewayRefundID
	}

	// A success notification can arrive while the row is still PENDING if
	// the channel settles before our acknowledgment write lands.
	if refund.Status == domain.RefundStatusPending {
		if err := s.advance(ctx, refund, domain.RefundStatusProcessing); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	refund.ProcessedAt = &now
	if err := s.advance(ctx, refund, domain.RefundStatusSuccess); err != nil {
		return err
	}

	if err := s.producer.PublishRefundOutcome(ctx, refund, ""); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish refund.succeeded event",
			slog.String("refund_no", refund.RefundNo),
			slog.String("error", err.Error()),
		)
	}

	s.logger.InfoContext(ctx, "refund settled",
		slog.String("refund_no", refund.RefundNo),
		slog.Int64("amount", refund.Amount),
	)

	return s.settleOrder(ctx, refund)
}

// ApplyFailure settles a refund as failed.
func (s *CallbackService) ApplyFailure(ctx context.Context, refund *domain.RefundRequest, reason string) error {
	now := time.Now().UTC()
	refund.ProcessedAt = &now
	if refund.Status == domain.RefundStatusPending {
		if err := s.advance(ctx, refund, domain.RefundStatusProcessing); err != nil {
			return err
		}
	}
	if err := s.advance(ctx, refund, domain.RefundStatusFailed); err != nil {
		return err
	}

	if err := s.producer.PublishRefundOutcome(ctx, refund, reason); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish refund.failed event",
			slog.String("refund_no", refund.RefundNo),
			slog.String("error", err.Error()),
		)
	}

	s.logger.WarnContext(ctx, "refund failed at channel",
		slog.String("refund_no", refund.RefundNo),
		slog.String("reason", reason),
	)

	return nil
}

// lookupRefund fetches the refund by merchant refund number with a brief
// bounded retry.
func (s *CallbackService) lookupRefund(ctx context.Context, refundNo string) (*domain.RefundRequest, error) {
	var lastErr error
	for attempt := 0; attempt < s.lookupAttempts; attempt++ {
		refund, err := s.refunds.GetByRefundNo(ctx, refundNo)
		if err == nil {
			return refund, nil
		}
		if !errors.Is(err, apperrors.ErrNotFound) {
			return nil, fmt.Errorf("lookup refund by refund_no: %w", err)
		}
		lastErr = err

		select {
		case <-time.After(s.lookupDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("refund %s not found after %d lookups: %w", refundNo, s.lookupAttempts, lastErr)
}

// quarantine escalates an inconsistent refund to ABNORMAL and publishes the
// alert event.
func (s *CallbackService) quarantine(ctx context.Context, refund *domain.RefundRequest, reason string) error {
	s.logger.ErrorContext(ctx, "refund integrity fault",
		slog.String("refund_no", refund.RefundNo),
		slog.String("reason", reason),
	)

	if refund.Status == domain.RefundStatusPending {
		if err := s.advance(ctx, refund, domain.RefundStatusProcessing); err != nil {
			return err
		}
	}
	if err := s.advance(ctx, refund, domain.RefundStatusAbnormal); err != nil {
		return err
	}

	if err := s.producer.PublishRefundOutcome(ctx, refund, reason); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish refund.abnormal event",
			slog.String("refund_no", refund.RefundNo),
			slog.String("error", err.Error()),
		)
	}

	return apperrors.IntegrityFault(reason)
}

// settleOrder drives the order to REFUNDED once the cumulative succeeded
// refunds cover the full paid amount. Partial refunds leave the order status
// untouched.
func (s *CallbackService) settleOrder(ctx context.Context, refund *domain.RefundRequest) error {
	settled, err := s.refunds.SumAmountByStatuses(ctx, refund.OrderID, []string{domain.RefundStatusSuccess})
	if err != nil {
		return fmt.Errorf("sum settled refunds: %w", err)
	}

	for attempt := 0; attempt < maxVersionRetries; attempt++ {
		order, err := s.orders.GetByID(ctx, refund.OrderID)
		if err != nil {
			return fmt.Errorf("load order for settlement: %w", err)
		}

		if settled < order.PaidAmount || order.Status == domain.OrderStatusRefunded {
			return nil
		}

		fromStatus := order.Status
		next, err := domain.Transition(order, domain.EventRefundSettled)
		if err != nil {
			s.logger.WarnContext(ctx, "order not transitionable to refunded",
				slog.String("order_id", order.ID),
				slog.String("status", order.Status),
			)
			return nil
		}
		order.Status = next

		if err := s.orders.UpdateVersioned(ctx, order); err != nil {
			if errors.Is(err, apperrors.ErrVersionConflict) {
				continue
			}
			return fmt.Errorf("mark order refunded: %w", err)
		}

		if err := s.producer.PublishOrderStatusChanged(ctx, order, fromStatus, domain.EventRefundSettled); err != nil {
			s.logger.ErrorContext(ctx, "failed to publish order.status_changed event",
				slog.String("order_id", order.ID),
				slog.String("error", err.Error()),
			)
		}
		if err := s.producer.PublishOrderRefunded(ctx, order, settled); err != nil {
			s.logger.ErrorContext(ctx, "failed to publish order.refunded event",
				slog.String("order_id", order.ID),
				slog.String("error", err.Error()),
			)
		}

		s.logger.InfoContext(ctx, "order fully refunded",
			slog.String("order_id", order.ID),
			slog.Int64("settled_amount", settled),
		)

		return nil
	}

	return apperrors.VersionConflict("order", refund.OrderID)
}

// advance applies a guarded refund status move with CAS persistence.
func (s *CallbackService) advance(ctx context.Context, refund *domain.RefundRequest, status string) error {
	if !refund.CanTransitionTo(status) {
		return apperrors.Conflict(fmt.Sprintf("refund %s cannot move from %q to %q", refund.RefundNo, refund.Status, status))
	}

	prev := refund.Status
	refund.Status = status
	if err := s.refunds.UpdateStatusFrom(ctx, refund, prev); err != nil {
		refund.Status = prev
		return err
	}

	return nil
}
