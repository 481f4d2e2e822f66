package mock

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/traventa/bookingpay/internal/gateway"
)

// Gateway is an in-memory refund channel that accepts every refund and
// reports it as succeeded on the first query. It is intended for development
// and testing.
type Gateway struct {
	mu       sync.Mutex
	accepted map[string]string // refund_no -> gateway refund id
}

// New creates a new mock refund channel.
func New() *Gateway {
	return &Gateway{accepted: make(map[string]string)}
}

// Name returns the channel name.
func (g *Gateway) Name() string {
	return "mock"
}

// Refund accepts every refund request. Resubmitting the same refund number
// returns the originally assigned gateway refund id, mirroring how a real
// channel deduplicates retries.
func (g *Gateway) Refund(_ context.Context, input *gateway.RefundInput) (*gateway.RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id, ok := g.accepted[input.RefundNo]
	if !ok {
		id = "mock_ref_" + uuid.New().String()
		g.accepted[input.RefundNo] = id
	}

	return &gateway.RefundResult{
		GatewayRefundID: id,
		State:           gateway.RefundStateProcessing,
	}, nil
}

// QueryRefund reports any accepted refund as succeeded.
func (g *Gateway) QueryRefund(_ context.Context, refundNo string) (*gateway.RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id, ok := g.accepted[refundNo]
	if !ok {
		return nil, &gateway.Error{Code: "REFUNDNOTEXIST", Message: "refund not found", Transient: false}
	}

	return &gateway.RefundResult{
		GatewayRefundID: id,
		State:           gateway.RefundStateSuccess,
	}, nil
}
