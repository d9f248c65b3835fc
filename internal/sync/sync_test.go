package sync

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelpejol/fermata/internal/ledger"
)

func newTestSyncer(t *testing.T) (*Syncer, *miniredis.Miniredis, sqlmock.Sqlmock) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewSyncer(rdb, db, zerolog.Nop()), mr, mock
}

func TestInitializeRedisLoadsAllBalances(t *testing.T) {
	s, mr, mock := newTestSyncer(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT tenant_id, balance_micros")).
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "balance_micros"}).
			AddRow("tenant_a", int64(5000000)).
			AddRow("tenant_b", int64(250000)))

	require.NoError(t, s.InitializeRedis(context.Background()))

	a, err := mr.Get(ledger.BalanceKey("tenant_a"))
	require.NoError(t, err)
	assert.Equal(t, "5000000", a)

	b, err := mr.Get(ledger.BalanceKey("tenant_b"))
	require.NoError(t, err)
	assert.Equal(t, "250000", b)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncAPIKeysLoadsHashes(t *testing.T) {
	s, mr, mock := newTestSyncer(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT tenant_id, api_key_hash")).
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "api_key_hash"}).
			AddRow("tenant_a", "hash-aaa").
			AddRow("tenant_b", "hash-bbb"))

	require.NoError(t, s.SyncAPIKeys(context.Background()))

	a, err := mr.Get(ledger.APIKeyKey("hash-aaa"))
	require.NoError(t, err)
	assert.Equal(t, "tenant_a", a)

	b, err := mr.Get(ledger.APIKeyKey("hash-bbb"))
	require.NoError(t, err)
	assert.Equal(t, "tenant_b", b)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncTenantPushesOneBalance(t *testing.T) {
	s, mr, mock := newTestSyncer(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT balance_micros")).
		WithArgs("tenant_a").
		WillReturnRows(sqlmock.NewRows([]string{"balance_micros"}).AddRow(int64(750000)))

	require.NoError(t, s.SyncTenant(context.Background(), "tenant_a"))

	v, err := mr.Get(ledger.BalanceKey("tenant_a"))
	require.NoError(t, err)
	assert.Equal(t, "750000", v)
}

func TestSyncTenantUnknown(t *testing.T) {
	s, _, mock := newTestSyncer(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT balance_micros")).
		WithArgs("tenant_gone").
		WillReturnRows(sqlmock.NewRows([]string{"balance_micros"}))

	err := s.SyncTenant(context.Background(), "tenant_gone")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSyncRecentlyUpdatedPushesChangedTenants(t *testing.T) {
	s, mr, mock := newTestSyncer(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT tenant_id, balance_micros")).
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "balance_micros"}).
			AddRow("tenant_a", int64(123456)))

	require.NoError(t, s.syncRecentlyUpdated(context.Background()))

	v, err := mr.Get(ledger.BalanceKey("tenant_a"))
	require.NoError(t, err)
	assert.Equal(t, "123456", v)
}

func TestVerifyIntegrityRepairsMismatch(t *testing.T) {
	s, mr, mock := newTestSyncer(t)
	require.NoError(t, mr.Set(ledger.BalanceKey("tenant_a"), "100000"))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT tenant_id, balance_micros")).
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "balance_micros"}).
			AddRow("tenant_a", int64(900000)))
	// The repair re-reads the tenant row.
	mock.ExpectQuery(regexp.QuoteMeta("SELECT balance_micros")).
		WithArgs("tenant_a").
		WillReturnRows(sqlmock.NewRows([]string{"balance_micros"}).AddRow(int64(900000)))

	n, err := s.VerifyIntegrity(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	v, err := mr.Get(ledger.BalanceKey("tenant_a"))
	require.NoError(t, err)
	assert.Equal(t, "900000", v)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifyIntegrityRepairsMissingTenant(t *testing.T) {
	s, mr, mock := newTestSyncer(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT tenant_id, balance_micros")).
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "balance_micros"}).
			AddRow("tenant_new", int64(42000)))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT balance_micros")).
		WithArgs("tenant_new").
		WillReturnRows(sqlmock.NewRows([]string{"balance_micros"}).AddRow(int64(42000)))

	n, err := s.VerifyIntegrity(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	v, err := mr.Get(ledger.BalanceKey("tenant_new"))
	require.NoError(t, err)
	assert.Equal(t, "42000", v)
}

func TestVerifyIntegrityCleanSample(t *testing.T) {
	s, mr, mock := newTestSyncer(t)
	require.NoError(t, mr.Set(ledger.BalanceKey("tenant_a"), "500000"))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT tenant_id, balance_micros")).
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "balance_micros"}).
			AddRow("tenant_a", int64(500000)))

	n, err := s.VerifyIntegrity(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}
