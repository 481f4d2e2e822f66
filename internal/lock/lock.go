package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/traventa/bookingpay/pkg/errors"
)

const keyPrefix = "bookingpay:refund:inflight:"

// RefundLock guards each refund number against concurrent gateway
// submissions. The lock is a Redis SETNX with a TTL so a crashed worker
// cannot hold a refund hostage forever.
type RefundLock struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRefundLock creates a refund lock manager.
func NewRefundLock(client *redis.Client, ttl time.Duration) *RefundLock {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RefundLock{client: client, ttl: ttl}
}

// Acquire takes the in-flight lock for a refund number. It returns
// ErrRefundInFlight when another worker already holds it.
func (l *RefundLock) Acquire(ctx context.Context, refundNo string) error {
	ok, err := l.client.SetNX(ctx, keyPrefix+refundNo, "1", l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire refund lock: %w", err)
	}
	if !ok {
		return apperrors.RefundInFlight(refundNo)
	}
	return nil
}

// Release drops the in-flight lock. Releasing a lock that already expired
// is not an error.
func (l *RefundLock) Release(ctx context.Context, refundNo string) error {
	if err := l.client.Del(ctx, keyPrefix+refundNo).Err(); err != nil {
		return fmt.Errorf("release refund lock: %w", err)
	}
	return nil
}
