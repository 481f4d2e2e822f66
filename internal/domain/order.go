package domain

import (
	"fmt"
	"time"
)

// Order status constants.
const (
	OrderStatusPending   = "pending"
	OrderStatusPaid      = "paid"
	OrderStatusShipped   = "shipped"
	OrderStatusCompleted = "completed"
	OrderStatusCancelled = "cancelled"
	OrderStatusRefunded  = "refunded"
)

// Payment status constants (parallel axis to the order status).
const (
	PaymentStatusUnpaid  = "unpaid"
	PaymentStatusSuccess = "success"
	PaymentStatusFailed  = "failed"
)

// Event names the order lifecycle events that drive status transitions.
type Event string

const (
	EventPaymentSucceeded Event = "payment_succeeded"
	EventShip             Event = "ship"
	EventComplete         Event = "complete"
	EventCancel           Event = "cancel"
	EventRefundSettled    Event = "refund_settled"
)

// Order represents a booking order in the ledger. TotalAmount and PaidAmount
// are integral minor currency units (cents). Version backs the optimistic
// lock on every status mutation.
type Order struct {
	ID            string      `json:"id"`
	OrderNo       string      `json:"order_no"`
	UserID        string      `json:"user_id"`
	Status        string      `json:"status"`
	PaymentStatus string      `json:"payment_status"`
	TotalAmount   int64       `json:"total_amount"`
	PaidAmount    int64       `json:"paid_amount"`
	Currency      string      `json:"currency"`
	BookingDate   time.Time   `json:"booking_date"`
	Items         []OrderItem `json:"items"`
	Version       int64       `json:"version"`
	CreatedAt     time.Time   `json:"created_at"`
	PaidAt        *time.Time  `json:"paid_at,omitempty"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// InvalidTransitionError names the illegal (from, event) pair that was rejected.
type InvalidTransitionError struct {
	From  string
	Event Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid order transition: event %q not allowed from status %q", e.Event, e.From)
}

// transitions defines which event moves an order from which status to which.
// PENDING -> PAID -> {SHIPPED -> COMPLETED, CANCELLED, REFUNDED}.
func transitions() map[string]map[Event]string {
	return map[string]map[Event]string{
		OrderStatusPending: {
			EventPaymentSucceeded: OrderStatusPaid,
		},
		OrderStatusPaid: {
			EventShip:          OrderStatusShipped,
			EventCancel:        OrderStatusCancelled,
			EventRefundSettled: OrderStatusRefunded,
		},
		OrderStatusShipped: {
			EventComplete:      OrderStatusCompleted,
			EventRefundSettled: OrderStatusRefunded,
		},
		OrderStatusCompleted: {
			EventRefundSettled: OrderStatusRefunded,
		},
		OrderStatusCancelled: {},
		OrderStatusRefunded:  {},
	}
}

// Transition returns the status the order moves to when the given event is
// applied, or an InvalidTransitionError if the (from, event) pair is illegal.
// The payment status axis must reach success before the order leaves pending.
func Transition(o *Order, event Event) (string, error) {
	if event == EventPaymentSucceeded && o.PaymentStatus != PaymentStatusSuccess {
		return "", &InvalidTransitionError{From: o.Status, Event: event}
	}

	next, ok := transitions()[o.Status][event]
	if !ok {
		return "", &InvalidTransitionError{From: o.Status, Event: event}
	}
	return next, nil
}

// CanTransition reports whether the event is legal from the order's current status.
func (o *Order) CanTransition(event Event) bool {
	_, err := Transition(o, event)
	return err == nil
}

// IsRefundable reports whether a refund may be initiated against the order:
// the payment must have succeeded and the order must not already be cancelled
// or fully refunded.
func (o *Order) IsRefundable() bool {
	if o.PaymentStatus != PaymentStatusSuccess {
		return false
	}
	switch o.Status {
	case OrderStatusPaid, OrderStatusShipped, OrderStatusCompleted:
		return true
	default:
		return false
	}
}

// ValidStatuses returns all valid order statuses.
func ValidStatuses() []string {
	return []string{
		OrderStatusPending,
		OrderStatusPaid,
		OrderStatusShipped,
		OrderStatusCompleted,
		OrderStatusCancelled,
		OrderStatusRefunded,
	}
}

// IsValidStatus checks if a status string is valid.
func IsValidStatus(status string) bool {
	for _, s := range ValidStatuses() {
		if s == status {
			return true
		}
	}
	return false
}
