package gateway

import (
	"context"
	"errors"
	"fmt"
)

// Gateway-side refund states as reported by the channel.
const (
	RefundStateProcessing = "PROCESSING"
	RefundStateSuccess    = "SUCCESS"
	RefundStateFailed     = "FAILED"
)

// RefundInput holds the parameters for submitting a refund to the channel.
// RefundNo is the merchant refund number sent verbatim on every attempt so
// the channel can deduplicate retries. Amounts are minor currency units.
type RefundInput struct {
	OrderNo     string
	RefundNo    string
	TotalAmount int64
	Amount      int64
	Reason      string
}

// RefundResult holds the channel's response to a refund submission or query.
type RefundResult struct {
	GatewayRefundID string
	State           string
	FailureReason   string
}

// Error is a classified gateway failure. Transient errors (timeouts, 5xx,
// open circuit) may be retried with the same refund number; permanent errors
// (rejected signature, invalid request, insufficient channel balance) must
// not be.
type Error struct {
	Code      string
	Message   string
	Transient bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway error %s: %s", e.Code, e.Message)
}

// IsTransient reports whether the error is a transient gateway failure that
// is safe to retry with the same refund number.
func IsTransient(err error) bool {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Transient
	}
	return false
}

// Gateway defines the interface for refund channel integrations.
type Gateway interface {
	// Name returns the channel name (e.g., "mock", "wxpay").
	Name() string

	// Refund submits a refund to the channel. A nil error with state
	// PROCESSING means the channel accepted the request and will confirm
	// the outcome asynchronously.
	Refund(ctx context.Context, input *RefundInput) (*RefundResult, error)

	// QueryRefund fetches the channel's current view of a refund by its
	// merchant refund number.
	QueryRefund(ctx context.Context, refundNo string) (*RefundResult, error)
}
