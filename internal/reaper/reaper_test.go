package reaper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelpejol/fermata/internal/blob"
	"github.com/kelpejol/fermata/internal/config"
	"github.com/kelpejol/fermata/internal/ledger"
	"github.com/kelpejol/fermata/internal/run"
	"github.com/kelpejol/fermata/internal/store"
)

// fakeSweepStore mirrors the CAS predicates of the SQL queries so version or
// stage bookkeeping mistakes fail here the way they would in production.
type fakeSweepStore struct {
	mu   sync.Mutex
	runs map[string]*run.Run

	// beforeClaim runs on the stored row between listing and claiming,
	// simulating a concurrent writer (a worker heartbeat, another sweeper).
	beforeClaim func(r *run.Run)

	completed []store.CommitCompletedParams
	failed    []store.CommitFailedParams
}

func newFakeSweepStore() *fakeSweepStore {
	return &fakeSweepStore{runs: make(map[string]*run.Run)}
}

func (f *fakeSweepStore) put(r *run.Run) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *r
	f.runs[r.ID] = &cp
}

func (f *fakeSweepStore) get(runID string) *run.Run {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *f.runs[runID]
	return &cp
}

func (f *fakeSweepStore) list(match func(*run.Run) bool) []*run.Run {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*run.Run
	for _, r := range f.runs {
		if match(r) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out
}

func (f *fakeSweepStore) ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*run.Run, error) {
	return f.list(func(r *run.Run) bool {
		return r.Status == run.StatusProcessing && r.LeaseExpiresAt.Before(now) &&
			r.FinalizeStage == run.FinalizeNone
	}), nil
}

func (f *fakeSweepStore) ListStuckReservations(ctx context.Context, cutoff time.Time, limit int) ([]*run.Run, error) {
	return f.list(func(r *run.Run) bool {
		return r.Status == run.StatusQueued && r.CreatedAt.Before(cutoff) &&
			r.FinalizeStage == run.FinalizeNone
	}), nil
}

func (f *fakeSweepStore) ListStaleClaims(ctx context.Context, cutoff time.Time, limit int) ([]*run.Run, error) {
	return f.list(func(r *run.Run) bool {
		return r.FinalizeStage == run.FinalizeClaimed && r.FinalizeClaimedAt.Before(cutoff) &&
			r.MoneyState != run.MoneyDisputed
	}), nil
}

func (f *fakeSweepStore) ListRetentionExpired(ctx context.Context, now time.Time, limit int) ([]*run.Run, error) {
	return f.list(func(r *run.Run) bool {
		return (r.Status == run.StatusCompleted || r.Status == run.StatusFailed) &&
			r.RetentionUntil.Before(now)
	}), nil
}

func (f *fakeSweepStore) ClaimExpiredLease(ctx context.Context, runID string, version int64, finalizeToken string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[runID]
	if !ok {
		return false, nil
	}
	if f.beforeClaim != nil {
		f.beforeClaim(r)
	}
	if r.Version != version || r.Status != run.StatusProcessing ||
		!r.LeaseExpiresAt.Before(time.Now()) || r.FinalizeStage != run.FinalizeNone {
		return false, nil
	}
	r.FinalizeStage = run.FinalizeClaimed
	r.FinalizeToken = finalizeToken
	r.FinalizeClaimedAt = time.Now()
	r.Version++
	return true, nil
}

func (f *fakeSweepStore) ClaimQueued(ctx context.Context, runID string, version int64, finalizeToken string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[runID]
	if !ok {
		return false, nil
	}
	if f.beforeClaim != nil {
		f.beforeClaim(r)
	}
	if r.Version != version || r.Status != run.StatusQueued || r.FinalizeStage != run.FinalizeNone {
		return false, nil
	}
	r.FinalizeStage = run.FinalizeClaimed
	r.FinalizeToken = finalizeToken
	r.FinalizeClaimedAt = time.Now()
	r.Version++
	return true, nil
}

func (f *fakeSweepStore) CommitCompleted(ctx context.Context, p store.CommitCompletedParams) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[p.RunID]
	if !ok || r.Version != p.Version || r.FinalizeStage != run.FinalizeClaimed || r.FinalizeToken != p.FinalizeToken {
		return false, nil
	}
	r.Status = run.StatusCompleted
	r.MoneyState = run.MoneySettled
	r.FinalizeStage = run.FinalizeCommitted
	actual := p.ActualMicros
	r.ActualMicros = &actual
	r.ResultBucket = p.ResultBucket
	r.ResultKey = p.ResultKey
	r.ResultHash = p.ResultHash
	r.LeaseToken = ""
	r.Version++
	f.completed = append(f.completed, p)
	return true, nil
}

func (f *fakeSweepStore) CommitFailed(ctx context.Context, p store.CommitFailedParams) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[p.RunID]
	if !ok || r.Version != p.Version || r.FinalizeStage != run.FinalizeClaimed || r.FinalizeToken != p.FinalizeToken {
		return false, nil
	}
	r.Status = run.StatusFailed
	r.MoneyState = p.MoneyState
	r.FinalizeStage = run.FinalizeCommitted
	r.ActualMicros = p.ActualMicros
	r.LastErrorReason = p.Reason
	r.LeaseToken = ""
	r.Version++
	f.failed = append(f.failed, p)
	return true, nil
}

func (f *fakeSweepStore) MarkDisputed(ctx context.Context, runID string, version int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[runID]
	if !ok || r.Version != version || r.FinalizeStage != run.FinalizeClaimed {
		return false, nil
	}
	r.MoneyState = run.MoneyDisputed
	r.Version++
	return true, nil
}

func (f *fakeSweepStore) MarkExpired(ctx context.Context, runID string, version int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[runID]
	if !ok || r.Version != version ||
		(r.Status != run.StatusCompleted && r.Status != run.StatusFailed) ||
		!r.RetentionUntil.Before(time.Now()) {
		return false, nil
	}
	r.Status = run.StatusExpired
	r.ResultBucket = ""
	r.ResultKey = ""
	r.ResultHash = ""
	r.Version++
	return true, nil
}

type fakeResultChecker struct {
	mu      sync.Mutex
	objects map[string]*blob.ResultInfo
	statErr error
}

func (f *fakeResultChecker) StatResult(ctx context.Context, key string) (*blob.ResultInfo, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statErr != nil {
		return nil, false, f.statErr
	}
	info, ok := f.objects[key]
	if !ok {
		return nil, false, nil
	}
	cp := *info
	return &cp, true, nil
}

func (f *fakeResultChecker) Bucket() string { return "test-results" }

type harness struct {
	svc  *Service
	ledg *ledger.Ledger
	mr   *miniredis.Miniredis
	st   *fakeSweepStore
	blob *fakeResultChecker
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	ledg := ledger.NewLedger(rdb, nil, 2*time.Hour, zerolog.Nop())
	t.Cleanup(func() { ledg.Close() })

	cfg := &config.Config{
		RetentionDays:         30,
		LeaseTTLSeconds:       120,
		HeartbeatSeconds:      30,
		ReservationTTLSeconds: 3600,
		MinimumFeeFloorMicros: 5000,
		MinimumFeeCeilMicros:  100000,
		MinimumFeeRate:        0.02,
		SweepBatchSize:        100,
		ReconcileAfterMinutes: 5,
	}

	h := &harness{
		ledg: ledg,
		mr:   mr,
		st:   newFakeSweepStore(),
		blob: &fakeResultChecker{objects: make(map[string]*blob.ResultInfo)},
	}
	h.svc = New(cfg, ledg, h.st, h.blob, zerolog.Nop())
	return h
}

// seedRun stores a run row and a matching live reservation. Balance starts
// at 10.0000 with 1.0000 reserved.
func (h *harness) seedRun(t *testing.T, mutate func(*run.Run)) *run.Run {
	t.Helper()

	now := time.Now().UTC()
	r := &run.Run{
		ID:               run.NewID(),
		TenantID:         "tenant_demo",
		PackType:         "demo.echo",
		Status:           run.StatusQueued,
		MoneyState:       run.MoneyReserved,
		Version:          0,
		ReservedMicros:   1000000,
		MinimumFeeMicros: 20000,
		TimeboxSec:       30,
		RetentionUntil:   now.Add(30 * 24 * time.Hour),
		CreatedAt:        now,
	}
	if mutate != nil {
		mutate(r)
	}
	h.st.put(r)

	require.NoError(t, h.mr.Set(ledger.BalanceKey(r.TenantID), "10000000"))
	if r.MoneyState == run.MoneyReserved {
		res, err := h.ledg.Reserve(context.Background(), r.TenantID, r.ID, r.ReservedMicros)
		require.NoError(t, err)
		require.True(t, res.OK)
	}
	return r
}

func (h *harness) balance(t *testing.T, tenantID string) string {
	t.Helper()
	v, err := h.mr.Get(ledger.BalanceKey(tenantID))
	require.NoError(t, err)
	return v
}

func TestReapOnceSettlesZombies(t *testing.T) {
	h := newHarness(t)
	r := h.seedRun(t, func(r *run.Run) {
		r.Status = run.StatusProcessing
		r.Version = 4
		r.LeaseToken = "lease-dead"
		r.LeaseExpiresAt = time.Now().Add(-time.Minute)
	})

	n, err := h.svc.ReapOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	final := h.st.get(r.ID)
	assert.Equal(t, run.StatusFailed, final.Status)
	assert.Equal(t, run.MoneySettled, final.MoneyState)
	assert.Equal(t, "WORKER_TIMEOUT", final.LastErrorReason)
	require.NotNil(t, final.ActualMicros)
	assert.Equal(t, int64(20000), *final.ActualMicros)

	// 10.0000 - 1.0000 + 0.9800 refunded after the minimum fee.
	assert.Equal(t, "9980000", h.balance(t, r.TenantID))
	assert.False(t, h.mr.Exists(ledger.ReservationKey(r.ID)))
}

func TestReapOnceIgnoresLiveLeases(t *testing.T) {
	h := newHarness(t)
	r := h.seedRun(t, func(r *run.Run) {
		r.Status = run.StatusProcessing
		r.LeaseExpiresAt = time.Now().Add(time.Minute)
	})

	n, err := h.svc.ReapOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, run.StatusProcessing, h.st.get(r.ID).Status)
	assert.True(t, h.mr.Exists(ledger.ReservationKey(r.ID)))
}

func TestReapOnceLosesToRevivedWorker(t *testing.T) {
	h := newHarness(t)
	r := h.seedRun(t, func(r *run.Run) {
		r.Status = run.StatusProcessing
		r.Version = 2
		r.LeaseExpiresAt = time.Now().Add(-time.Minute)
	})

	// A heartbeat lands between the candidate query and the claim.
	h.st.beforeClaim = func(row *run.Run) {
		row.LeaseExpiresAt = time.Now().Add(time.Minute)
		row.Version++
	}

	n, err := h.svc.ReapOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	final := h.st.get(r.ID)
	assert.Equal(t, run.StatusProcessing, final.Status)
	assert.Equal(t, run.FinalizeNone, final.FinalizeStage)
	assert.True(t, h.mr.Exists(ledger.ReservationKey(r.ID)))
	assert.Equal(t, "9000000", h.balance(t, r.TenantID))
}

func TestSweepReservationsRefundsStuckRuns(t *testing.T) {
	h := newHarness(t)
	r := h.seedRun(t, func(r *run.Run) {
		r.CreatedAt = time.Now().Add(-2 * time.Hour)
	})

	n, err := h.svc.SweepReservationsOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	final := h.st.get(r.ID)
	assert.Equal(t, run.StatusFailed, final.Status)
	assert.Equal(t, run.MoneyRefunded, final.MoneyState)
	assert.Equal(t, "RESERVATION_EXPIRED", final.LastErrorReason)
	assert.Nil(t, final.ActualMicros)

	assert.Equal(t, "10000000", h.balance(t, r.TenantID))
	assert.False(t, h.mr.Exists(ledger.ReservationKey(r.ID)))
}

func TestSweepReservationsIgnoresFreshRuns(t *testing.T) {
	h := newHarness(t)
	r := h.seedRun(t, func(r *run.Run) {
		r.CreatedAt = time.Now().Add(-10 * time.Minute)
	})

	n, err := h.svc.SweepReservationsOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, run.StatusQueued, h.st.get(r.ID).Status)
	assert.Equal(t, "9000000", h.balance(t, r.TenantID))
}

func TestSweepRetentionExpiresTerminalRuns(t *testing.T) {
	h := newHarness(t)
	actual := int64(400000)
	r := h.seedRun(t, func(r *run.Run) {
		r.Status = run.StatusCompleted
		r.MoneyState = run.MoneySettled
		r.ActualMicros = &actual
		r.ResultBucket = "test-results"
		r.ResultKey = "tenants/tenant_demo/x/result.json"
		r.ResultHash = "abc"
		r.RetentionUntil = time.Now().Add(-time.Hour)
		r.Version = 6
	})

	n, err := h.svc.SweepRetentionOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	final := h.st.get(r.ID)
	assert.Equal(t, run.StatusExpired, final.Status)
	assert.Empty(t, final.ResultKey)
	assert.Empty(t, final.ResultBucket)
	assert.Empty(t, final.ResultHash)
}

func TestSweepRetentionIgnoresLiveRuns(t *testing.T) {
	h := newHarness(t)
	r := h.seedRun(t, func(r *run.Run) {
		r.Status = run.StatusCompleted
		r.MoneyState = run.MoneySettled
		r.RetentionUntil = time.Now().Add(time.Hour)
	})

	n, err := h.svc.SweepRetentionOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, run.StatusCompleted, h.st.get(r.ID).Status)
}
