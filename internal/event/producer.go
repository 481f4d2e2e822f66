package event

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/traventa/bookingpay/internal/domain"
	pkgkafka "github.com/traventa/bookingpay/pkg/kafka"
)

// Kafka topic constants for order and refund domain events.
const (
	TopicOrderStatusChanged = "bookingpay.order.status_changed"
	TopicOrderRefunded      = "bookingpay.order.refunded"
	TopicRefundSucceeded    = "bookingpay.refund.succeeded"
	TopicRefundFailed       = "bookingpay.refund.failed"
	TopicRefundAbnormal     = "bookingpay.refund.abnormal"
)

// Aggregate type constants.
const (
	AggregateTypeOrder  = "order"
	AggregateTypeRefund = "refund"
)

// Source identifier for events originating from this service.
const SourceBookingPay = "bookingpay-service"

// OrderStatusChangedData is the payload for an order.status_changed event.
type OrderStatusChangedData struct {
	OrderID    string `json:"order_id"`
	OrderNo    string `json:"order_no"`
	UserID     string `json:"user_id"`
	FromStatus string `json:"from_status"`
	ToStatus   string `json:"to_status"`
	TrigEvent  string `json:"event"`
}

// OrderRefundedData is the payload for an order.refunded event.
type OrderRefundedData struct {
	OrderID        string `json:"order_id"`
	OrderNo        string `json:"order_no"`
	PaidAmount     int64  `json:"paid_amount"`
	RefundedAmount int64  `json:"refunded_amount"`
	Currency       string `json:"currency"`
}

// RefundOutcomeData is the payload for refund.succeeded, refund.failed, and
// refund.abnormal events.
type RefundOutcomeData struct {
	RefundID        string `json:"refund_id"`
	OrderID         string `json:"order_id"`
	RefundNo        string `json:"refund_no"`
	Amount          int64  `json:"amount"`
	Status          string `json:"status"`
	GatewayRefundID string `json:"gateway_refund_id,omitempty"`
	FailureReason   string `json:"failure_reason,omitempty"`
	RetryCount      int    `json:"retry_count"`
}

// Producer publishes order and refund domain events to Kafka.
type Producer struct {
	kafka  *pkgkafka.Producer
	logger *slog.Logger
}

// NewProducer creates a new event producer.
func NewProducer(kafka *pkgkafka.Producer, logger *slog.Logger) *Producer {
	return &Producer{
		kafka:  kafka,
		logger: logger,
	}
}

// PublishOrderStatusChanged publishes an order.status_changed event.
func (p *Producer) PublishOrderStatusChanged(ctx context.Context, o *domain.Order, fromStatus string, trigger domain.Event) error {
	data := OrderStatusChangedData{
		OrderID:    o.ID,
		OrderNo:    o.OrderNo,
		UserID:     o.UserID,
		FromStatus: fromStatus,
		ToStatus:   o.Status,
		TrigEvent:  string(trigger),
	}

	event, err := pkgkafka.NewEvent(TopicOrderStatusChanged, o.ID, AggregateTypeOrder, SourceBookingPay, data)
	if err != nil {
		return fmt.Errorf("create order.status_changed event: %w", err)
	}

	if err := p.kafka.Publish(ctx, TopicOrderStatusChanged, event); err != nil {
		return fmt.Errorf("publish order.status_changed event: %w", err)
	}

	p.logger.DebugContext(ctx, "published order.status_changed event",
		slog.String("order_id", o.ID),
		slog.String("from", fromStatus),
		slog.String("to", o.Status),
	)

	return nil
}

// PublishOrderRefunded publishes an order.refunded event once the cumulative
// settled refunds cover the order's paid amount.
func (p *Producer) PublishOrderRefunded(ctx context.Context, o *domain.Order, refundedAmount int64) error {
	data := OrderRefundedData{
		OrderID:        o.ID,
		OrderNo:        o.OrderNo,
		PaidAmount:     o.PaidAmount,
		RefundedAmount: refundedAmount,
		Currency:       o.Currency,
	}

	event, err := pkgkafka.NewEvent(TopicOrderRefunded, o.ID, AggregateTypeOrder, SourceBookingPay, data)
	if err != nil {
		return fmt.Errorf("create order.refunded event: %w", err)
	}

	if err := p.kafka.Publish(ctx, TopicOrderRefunded, event); err != nil {
		return fmt.Errorf("publish order.refunded event: %w", err)
	}

	p.logger.DebugContext(ctx, "published order.refunded event",
		slog.String("order_id", o.ID),
		slog.Int64("refunded_amount", refundedAmount),
	)

	return nil
}

// PublishRefundOutcome publishes the event matching the refund's terminal or
// escalated status: refund.succeeded, refund.failed, or refund.abnormal.
// The abnormal topic is the alerting hook for operators.
func (p *Producer) PublishRefundOutcome(ctx context.Context, rf *domain.RefundRequest, failureReason string) error {
	var topic string
	switch rf.Status {
	case domain.RefundStatusSuccess:
		topic = TopicRefundSucceeded
	case domain.RefundStatusFailed:
		topic = TopicRefundFailed
	case domain.RefundStatusAbnormal:
		topic = TopicRefundAbnormal
	default:
		return fmt.Errorf("no outcome topic for refund status %q", rf.Status)
	}

	data := RefundOutcomeData{
		RefundID:        rf.ID,
		OrderID:         rf.OrderID,
		RefundNo:        rf.RefundNo,
		Amount:          rf.Amount,
		Status:          rf.Status,
		GatewayRefundID: rf.GatewayRefundID,
		FailureReason:   failureReason,
		RetryCount:      rf.RetryCount,
	}

	event, err := pkgkafka.NewEvent(topic, rf.ID, AggregateTypeRefund, SourceBookingPay, data)
	if err != nil {
		return fmt.Errorf("create %s event: %w", topic, err)
	}

	if err := p.kafka.Publish(ctx, topic, event); err != nil {
		return fmt.Errorf("publish %s event: %w", topic, err)
	}

	p.logger.DebugContext(ctx, "published refund outcome event",
		slog.String("topic", topic),
		slog.String("refund_no", rf.RefundNo),
		slog.String("status", rf.Status),
	)

	return nil
}
