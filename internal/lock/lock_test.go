package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/traventa/bookingpay/pkg/errors"
)

func setupTestLock(t *testing.T) (*RefundLock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRefundLock(client, time.Minute), mr
}

func TestRefundLock_AcquireRelease(t *testing.T) {
	l, _ := setupTestLock(t)
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, "RF001"))

	// A second acquire for the same refund number is refused.
	err := l.Acquire(ctx, "RF001")
	assert.ErrorIs(t, err, apperrors.ErrRefundInFlight)

	// Other refund numbers are unaffected.
	require.NoError(t, l.Acquire(ctx, "RF002"))

	require.NoError(t, l.Release(ctx, "RF001"))
	assert.NoError(t, l.Acquire(ctx, "RF001"))
}

func TestRefundLock_ExpiresAfterTTL(t *testing.T) {
	l, mr := setupTestLock(t)
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, "RF001"))
	assert.ErrorIs(t, l.Acquire(ctx, "RF001"), apperrors.ErrRefundInFlight)

	mr.FastForward(2 * time.Minute)

	assert.NoError(t, l.Acquire(ctx, "RF001"))
}

func TestRefundLock_ReleaseIdempotent(t *testing.T) {
	l, _ := setupTestLock(t)
	ctx := context.Background()

	assert.NoError(t, l.Release(ctx, "RF-never-held"))
}
