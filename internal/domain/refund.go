package domain

import (
	"time"
)

// Refund status constants.
const (
	RefundStatusPending    = "pending"
	RefundStatusProcessing = "processing"
	RefundStatusSuccess    = "success"
	RefundStatusFailed     = "failed"
	RefundStatusAbnormal   = "abnormal"
	RefundStatusCancelled  = "cancelled"
)

// RefundRequest is the durable intent to refund part or all of an order's
// paid amount. Rows are append-only: corrections happen via new rows, never
// by deleting prior ones. RefundNo is the merchant-generated idempotency key
// sent verbatim to the gateway on every attempt.
type RefundRequest struct {
	ID              string     `json:"id"`
	OrderID         string     `json:"order_id"`
	RefundNo        string     `json:"refund_no"`
	Amount          int64      `json:"amount"`
	Reason          string     `json:"reason"`
	Status          string     `json:"status"`
	GatewayRefundID string     `json:"gateway_refund_id,omitempty"`
	RetryCount      int        `json:"retry_count"`
	RequestedAt     time.Time  `json:"requested_at"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// refundTransitions defines the legal refund status moves.
// PENDING -> PROCESSING -> {SUCCESS, FAILED, ABNORMAL}; FAILED and ABNORMAL
// re-enter PROCESSING only via an explicit operator retry. PENDING, FAILED,
// and ABNORMAL may be cancelled by an operator. SUCCESS and CANCELLED are
// terminal.
func refundTransitions() map[string][]string {
	return map[string][]string{
		RefundStatusPending:    {RefundStatusProcessing, RefundStatusCancelled},
		RefundStatusProcessing: {RefundStatusSuccess, RefundStatusFailed, RefundStatusAbnormal},
		RefundStatusFailed:     {RefundStatusProcessing, RefundStatusCancelled},
		RefundStatusAbnormal:   {RefundStatusProcessing, RefundStatusCancelled},
		RefundStatusSuccess:    {},
		RefundStatusCancelled:  {},
	}
}

// CanTransitionTo checks if the refund can move to the target status.
func (r *RefundRequest) CanTransitionTo(target string) bool {
	for _, s := range refundTransitions()[r.Status] {
		if s == target {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further automatic transition can occur.
func (r *RefundRequest) IsTerminal() bool {
	return len(refundTransitions()[r.Status]) == 0
}

// IsRetryable reports whether an operator retry may re-enter processing.
func (r *RefundRequest) IsRetryable() bool {
	return r.Status == RefundStatusFailed || r.Status == RefundStatusAbnormal
}

// IsCancellable reports whether an operator may cancel the refund. A refund
// that is actively PROCESSING or already terminal cannot be cancelled.
func (r *RefundRequest) IsCancellable() bool {
	switch r.Status {
	case RefundStatusPending, RefundStatusFailed, RefundStatusAbnormal:
		return true
	default:
		return false
	}
}

// ValidRefundStatuses returns all valid refund statuses.
func ValidRefundStatuses() []string {
	return []string{
		RefundStatusPending,
		RefundStatusProcessing,
		RefundStatusSuccess,
		RefundStatusFailed,
		RefundStatusAbnormal,
		RefundStatusCancelled,
	}
}
