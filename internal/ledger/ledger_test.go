package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) (*Ledger, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	l := NewLedger(rdb, nil, 30*time.Minute, zerolog.Nop())
	t.Cleanup(func() { l.Close() })
	return l, mr
}

func seedBalance(t *testing.T, mr *miniredis.Miniredis, tenantID string, micros string) {
	t.Helper()
	require.NoError(t, mr.Set(BalanceKey(tenantID), micros))
}

func TestReserveDebitsAndRecordsReservation(t *testing.T) {
	l, mr := newTestLedger(t)
	ctx := context.Background()
	seedBalance(t, mr, "t1", "5000000")

	res, err := l.Reserve(ctx, "t1", "run_a", 1000000)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Empty(t, res.Code)
	assert.Equal(t, int64(4000000), res.Balance)

	assert.True(t, mr.Exists(ReservationKey("run_a")))
	assert.Equal(t, "1000000", mr.HGet(ReservationKey("run_a"), "reserved_micros"))
	assert.Equal(t, "t1", mr.HGet(ReservationKey("run_a"), "tenant_id"))
	assert.Equal(t, 30*time.Minute, mr.TTL(ReservationKey("run_a")))
}

func TestReserveRejectsDuplicateRun(t *testing.T) {
	l, mr := newTestLedger(t)
	ctx := context.Background()
	seedBalance(t, mr, "t1", "5000000")

	_, err := l.Reserve(ctx, "t1", "run_a", 1000000)
	require.NoError(t, err)

	res, err := l.Reserve(ctx, "t1", "run_a", 1000000)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, CodeAlreadyReserved, res.Code)
	// No double debit.
	assert.Equal(t, int64(4000000), res.Balance)
}

func TestReserveRejectsInsufficientBalance(t *testing.T) {
	l, mr := newTestLedger(t)
	ctx := context.Background()
	seedBalance(t, mr, "t1", "400000")

	res, err := l.Reserve(ctx, "t1", "run_a", 1000000)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, CodeInsufficient, res.Code)
	assert.Equal(t, int64(400000), res.Balance)
	assert.False(t, mr.Exists(ReservationKey("run_a")))
}

func TestReserveMissingBalanceKeyTreatedAsZero(t *testing.T) {
	l, _ := newTestLedger(t)

	res, err := l.Reserve(context.Background(), "t_new", "run_a", 1)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, CodeInsufficient, res.Code)
	assert.Zero(t, res.Balance)
}

func TestSettleChargesAndRefundsRemainder(t *testing.T) {
	l, mr := newTestLedger(t)
	ctx := context.Background()
	seedBalance(t, mr, "t1", "5000000")

	_, err := l.Reserve(ctx, "t1", "run_a", 1000000)
	require.NoError(t, err)

	res, err := l.Settle(ctx, "t1", "run_a", 400000)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, int64(400000), res.Charge)
	assert.Equal(t, int64(600000), res.Refund)
	assert.Equal(t, int64(4600000), res.Balance)
	assert.False(t, mr.Exists(ReservationKey("run_a")))
}

func TestSettleClipsChargeToReservation(t *testing.T) {
	l, mr := newTestLedger(t)
	ctx := context.Background()
	seedBalance(t, mr, "t1", "5000000")

	_, err := l.Reserve(ctx, "t1", "run_a", 1000000)
	require.NoError(t, err)

	// Executor metered more than was reserved: the tenant never pays past
	// the reservation.
	res, err := l.Settle(ctx, "t1", "run_a", 2500000)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, int64(1000000), res.Charge)
	assert.Zero(t, res.Refund)
	assert.Equal(t, int64(4000000), res.Balance)
}

func TestSettleIsAtMostOnce(t *testing.T) {
	l, mr := newTestLedger(t)
	ctx := context.Background()
	seedBalance(t, mr, "t1", "5000000")

	_, err := l.Reserve(ctx, "t1", "run_a", 1000000)
	require.NoError(t, err)

	first, err := l.Settle(ctx, "t1", "run_a", 400000)
	require.NoError(t, err)
	require.True(t, first.OK)

	second, err := l.Settle(ctx, "t1", "run_a", 400000)
	require.NoError(t, err)
	assert.False(t, second.OK)
	assert.Equal(t, CodeNoReserve, second.Code)
	// Balance unchanged by the replay.
	assert.Equal(t, first.Balance, second.Balance)
}

func TestRefundFullReversesReservation(t *testing.T) {
	l, mr := newTestLedger(t)
	ctx := context.Background()
	seedBalance(t, mr, "t1", "5000000")

	_, err := l.Reserve(ctx, "t1", "run_a", 1000000)
	require.NoError(t, err)

	res, err := l.RefundFull(ctx, "t1", "run_a")
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Zero(t, res.Charge)
	assert.Equal(t, int64(1000000), res.Refund)
	assert.Equal(t, int64(5000000), res.Balance)
}

func TestCredit(t *testing.T) {
	l, mr := newTestLedger(t)
	ctx := context.Background()
	seedBalance(t, mr, "t1", "1000000")

	balance, err := l.Credit(ctx, "t1", 2500000)
	require.NoError(t, err)
	assert.Equal(t, int64(3500000), balance)

	_, err = l.Credit(ctx, "t1", 0)
	assert.Error(t, err)
	_, err = l.Credit(ctx, "t1", -5)
	assert.Error(t, err)
}

func TestGetBalanceMissingTenant(t *testing.T) {
	l, _ := newTestLedger(t)

	balance, err := l.GetBalance(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Zero(t, balance)
}

func TestIdemLockExcludesConcurrentHolders(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	token, acquired, err := l.AcquireIdemLock(ctx, "t1", "key-1")
	require.NoError(t, err)
	require.True(t, acquired)
	require.NotEmpty(t, token)

	_, acquired, err = l.AcquireIdemLock(ctx, "t1", "key-1")
	require.NoError(t, err)
	assert.False(t, acquired)

	// Same key under another tenant is independent.
	_, acquired, err = l.AcquireIdemLock(ctx, "t2", "key-1")
	require.NoError(t, err)
	assert.True(t, acquired)

	require.NoError(t, l.ReleaseIdemLock(ctx, "t1", "key-1", token))
	_, acquired, err = l.AcquireIdemLock(ctx, "t1", "key-1")
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestReleaseIdemLockIgnoresWrongToken(t *testing.T) {
	l, mr := newTestLedger(t)
	ctx := context.Background()

	_, acquired, err := l.AcquireIdemLock(ctx, "t1", "key-1")
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, l.ReleaseIdemLock(ctx, "t1", "key-1", "not-the-token"))
	assert.True(t, mr.Exists(IdemLockKey("t1", "key-1")))
}

func TestIdemMappingRoundTrip(t *testing.T) {
	l, mr := newTestLedger(t)
	ctx := context.Background()

	m, err := l.GetIdemMapping(ctx, "t1", "key-1")
	require.NoError(t, err)
	assert.Nil(t, m)

	require.NoError(t, l.PutIdemMapping(ctx, "t1", "key-1", "run_a", "fp123", 24*time.Hour))

	m, err = l.GetIdemMapping(ctx, "t1", "key-1")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "run_a", m.RunID)
	assert.Equal(t, "fp123", m.Fingerprint)
	assert.Equal(t, 24*time.Hour, mr.TTL(IdemMapKey("t1", "key-1")))
}

func TestLeaseExtendRequiresToken(t *testing.T) {
	l, mr := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.PutLease(ctx, "run_a", "tok-1", 2*time.Minute))

	ok, err := l.ExtendLease(ctx, "run_a", "tok-1", 2*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.ExtendLease(ctx, "run_a", "tok-2", 2*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// A new holder overwrites; the old token loses from then on.
	require.NoError(t, l.PutLease(ctx, "run_a", "tok-2", 2*time.Minute))
	ok, err = l.ExtendLease(ctx, "run_a", "tok-1", 2*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.ReleaseLease(ctx, "run_a", "tok-2"))
	assert.False(t, mr.Exists(LeaseKey("run_a")))
}

func TestAllowPollDrainsBucket(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	const perMinute = 6

	for i := 0; i < perMinute; i++ {
		ok, _, err := l.AllowPoll(ctx, "t1", perMinute)
		require.NoError(t, err)
		assert.True(t, ok, "poll %d should be allowed", i+1)
	}

	ok, retryAfter, err := l.AllowPoll(ctx, "t1", perMinute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Greater(t, retryAfter, time.Duration(0))

	// Another tenant's bucket is untouched.
	ok, _, err = l.AllowPoll(ctx, "t2", perMinute)
	require.NoError(t, err)
	assert.True(t, ok)
}
