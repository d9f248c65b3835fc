// Package store is the PostgreSQL repository for runs and tenants. The runs
// table is the single source of truth for run state: every transition is an
// optimistic-lock UPDATE predicated on the version column, and callers decide
// what to do from the affected-row count. Side effects (ledger settle, queue
// delete) belong to whoever observed exactly one affected row.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/kelpejol/fermata/internal/run"
)

var (
	// ErrNotFound means the run id has no row. Tenant-mismatch handling
	// happens above this layer; the store does not distinguish.
	ErrNotFound = errors.New("store: run not found")

	// ErrDuplicateIdempotencyKey surfaces the unique (tenant, key) index.
	// The submission layer maps it to an idempotency conflict.
	ErrDuplicateIdempotencyKey = errors.New("store: idempotency key already used")
)

// casAttempts bounds retries of a single CAS on serialization failures.
// Retrying a CAS is safe only when the transaction definitely did not
// commit, which is exactly what SQLSTATE class 40 guarantees.
const casAttempts = 3

// Store wraps the authoritative database. Safe for concurrent use; the
// *sql.DB pool is owned by the caller.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// New wires a Store over the provided database handle.
func New(db *sql.DB, logger zerolog.Logger) *Store {
	return &Store{
		db:  db,
		log: logger.With().Str("component", "store").Logger(),
	}
}

const runColumns = `run_id, tenant_id, pack_type, status, money_state,
	idempotency_key, payload_fingerprint, version,
	reserved_micros, actual_micros, min_fee_micros,
	inputs, timebox_sec,
	result_bucket, result_key, result_hash,
	retention_until, lease_token, lease_expires_at,
	finalize_stage, finalize_token, finalize_claimed_at,
	last_error_reason, trace_id, created_at, updated_at`

// Insert writes a freshly submitted run: QUEUED, RESERVED, version 0.
func (s *Store) Insert(ctx context.Context, r *run.Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (
			run_id, tenant_id, pack_type, status, money_state,
			idempotency_key, payload_fingerprint, version,
			reserved_micros, min_fee_micros, inputs, timebox_sec,
			retention_until, trace_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)
	`,
		r.ID, r.TenantID, r.PackType, r.Status, r.MoneyState,
		r.IdempotencyKey, r.PayloadFingerprint, r.Version,
		r.ReservedMicros, r.MinimumFeeMicros, []byte(r.Inputs), r.TimeboxSec,
		r.RetentionUntil, r.TraceID, r.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// Get reads one run row by id.
func (s *Store) Get(ctx context.Context, runID string) (*run.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE run_id = $1`, runID)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// StartProcessing moves QUEUED -> PROCESSING and installs the worker's lease.
// Zero affected rows means another worker or the reservation sweeper got
// there first. The stage predicate keeps a sweeper-claimed QUEUED row out of
// a worker's hands even if the version read raced the claim.
func (s *Store) StartProcessing(ctx context.Context, runID string, version int64, leaseToken string, leaseExpiresAt time.Time) (bool, error) {
	return s.execCAS(ctx, `
		UPDATE runs SET
			status = 'PROCESSING',
			lease_token = $3,
			lease_expires_at = $4,
			version = version + 1,
			updated_at = NOW()
		WHERE run_id = $1 AND version = $2 AND status = 'QUEUED'
			AND finalize_stage IS NULL
	`, runID, version, leaseToken, leaseExpiresAt)
}

// ExtendLease refreshes lease_expires_at under the worker's heartbeat. A
// failed CAS tells the worker its lease has been reclaimed.
func (s *Store) ExtendLease(ctx context.Context, runID string, version int64, leaseToken string, leaseExpiresAt time.Time) (bool, error) {
	return s.execCAS(ctx, `
		UPDATE runs SET
			lease_expires_at = $4,
			version = version + 1,
			updated_at = NOW()
		WHERE run_id = $1 AND version = $2 AND status = 'PROCESSING'
			AND lease_token = $3 AND finalize_stage IS NULL
	`, runID, version, leaseToken, leaseExpiresAt)
}

// ClaimProcessing is the worker's finalize Phase A: only the holder of the
// live lease may claim, and only while no finalizer has claimed before.
func (s *Store) ClaimProcessing(ctx context.Context, runID string, version int64, leaseToken, finalizeToken string) (bool, error) {
	return s.execCAS(ctx, `
		UPDATE runs SET
			finalize_stage = 'CLAIMED',
			finalize_token = $4,
			finalize_claimed_at = NOW(),
			version = version + 1,
			updated_at = NOW()
		WHERE run_id = $1 AND version = $2 AND status = 'PROCESSING'
			AND lease_token = $3 AND finalize_stage IS NULL
	`, runID, version, leaseToken, finalizeToken)
}

// ClaimExpiredLease is the reaper's finalize Phase A: claims a PROCESSING
// run away from a worker whose lease has lapsed. The lease_expires_at
// predicate re-checks expiry inside the update so a worker heartbeat that
// raced the candidate query makes this a no-op.
func (s *Store) ClaimExpiredLease(ctx context.Context, runID string, version int64, finalizeToken string) (bool, error) {
	return s.execCAS(ctx, `
		UPDATE runs SET
			finalize_stage = 'CLAIMED',
			finalize_token = $3,
			finalize_claimed_at = NOW(),
			version = version + 1,
			updated_at = NOW()
		WHERE run_id = $1 AND version = $2 AND status = 'PROCESSING'
			AND lease_expires_at < NOW() AND finalize_stage IS NULL
	`, runID, version, finalizeToken)
}

// ClaimQueued is the reservation sweeper's Phase A: claims a QUEUED run
// whose queue message is presumed lost.
func (s *Store) ClaimQueued(ctx context.Context, runID string, version int64, finalizeToken string) (bool, error) {
	return s.execCAS(ctx, `
		UPDATE runs SET
			finalize_stage = 'CLAIMED',
			finalize_token = $3,
			finalize_claimed_at = NOW(),
			version = version + 1,
			updated_at = NOW()
		WHERE run_id = $1 AND version = $2 AND status = 'QUEUED'
			AND finalize_stage IS NULL
	`, runID, version, finalizeToken)
}

// CommitCompletedParams carries the worker's (or reconciler's) Phase C
// payload for a successful run.
type CommitCompletedParams struct {
	RunID         string
	Version       int64
	FinalizeToken string
	ActualMicros  int64
	ResultBucket  string
	ResultKey     string
	ResultHash    string
}

// CommitCompleted is finalize Phase C for the success path: terminal
// COMPLETED + SETTLED, result pointer recorded, lease cleared. Rows that
// reach COMMITTED are never mutated again except by the retention sweeper.
func (s *Store) CommitCompleted(ctx context.Context, p CommitCompletedParams) (bool, error) {
	return s.execCAS(ctx, `
		UPDATE runs SET
			status = 'COMPLETED',
			money_state = 'SETTLED',
			actual_micros = $4,
			result_bucket = $5,
			result_key = $6,
			result_hash = $7,
			finalize_stage = 'COMMITTED',
			lease_token = NULL,
			lease_expires_at = NULL,
			version = version + 1,
			updated_at = NOW()
		WHERE run_id = $1 AND version = $2
			AND finalize_stage = 'CLAIMED' AND finalize_token = $3
	`, p.RunID, p.Version, p.FinalizeToken,
		p.ActualMicros, p.ResultBucket, p.ResultKey, p.ResultHash)
}

// CommitFailedParams carries Phase C for the failure paths. ActualMicros is
// nil when the reservation was refunded rather than settled.
type CommitFailedParams struct {
	RunID         string
	Version       int64
	FinalizeToken string
	ActualMicros  *int64
	MoneyState    run.MoneyState
	Reason        string
}

// CommitFailed is finalize Phase C for the failure paths: terminal FAILED
// with either SETTLED (minimum fee charged) or REFUNDED money state.
func (s *Store) CommitFailed(ctx context.Context, p CommitFailedParams) (bool, error) {
	var actual sql.NullInt64
	if p.ActualMicros != nil {
		actual = sql.NullInt64{Int64: *p.ActualMicros, Valid: true}
	}
	return s.execCAS(ctx, `
		UPDATE runs SET
			status = 'FAILED',
			money_state = $4,
			actual_micros = $5,
			last_error_reason = $6,
			finalize_stage = 'COMMITTED',
			lease_token = NULL,
			lease_expires_at = NULL,
			version = version + 1,
			updated_at = NOW()
		WHERE run_id = $1 AND version = $2
			AND finalize_stage = 'CLAIMED' AND finalize_token = $3
	`, p.RunID, p.Version, p.FinalizeToken,
		string(p.MoneyState), actual, p.Reason)
}

// MarkEnqueueFailed drives a just-inserted run straight to terminal after
// its queue enqueue failed and the reservation was refunded. Runs through
// COMMITTED directly: there is no side-effect window left to discover.
func (s *Store) MarkEnqueueFailed(ctx context.Context, runID string, version int64) (bool, error) {
	return s.execCAS(ctx, `
		UPDATE runs SET
			status = 'FAILED',
			money_state = 'REFUNDED',
			last_error_reason = 'QUEUE_ENQUEUE_FAILED',
			finalize_stage = 'COMMITTED',
			version = version + 1,
			updated_at = NOW()
		WHERE run_id = $1 AND version = $2 AND status = 'QUEUED'
			AND finalize_stage IS NULL
	`, runID, version)
}

// MarkDisputed parks a claimed run whose object metadata reports a charge
// above the reservation. The row stays CLAIMED and non-terminal; the
// reconciler skips DISPUTED rows and an operator resolves by hand.
func (s *Store) MarkDisputed(ctx context.Context, runID string, version int64) (bool, error) {
	return s.execCAS(ctx, `
		UPDATE runs SET
			money_state = 'DISPUTED',
			version = version + 1,
			updated_at = NOW()
		WHERE run_id = $1 AND version = $2 AND finalize_stage = 'CLAIMED'
	`, runID, version)
}

// MarkExpired is the retention sweeper's transition: terminal runs past
// retention_until go to EXPIRED and the result pointer is cleared. This is
// the single sanctioned mutation of a COMMITTED row.
func (s *Store) MarkExpired(ctx context.Context, runID string, version int64) (bool, error) {
	return s.execCAS(ctx, `
		UPDATE runs SET
			status = 'EXPIRED',
			result_bucket = NULL,
			result_key = NULL,
			result_hash = NULL,
			version = version + 1,
			updated_at = NOW()
		WHERE run_id = $1 AND version = $2
			AND status IN ('COMPLETED', 'FAILED') AND retention_until < NOW()
	`, runID, version)
}

// ListExpiredLeases pages PROCESSING runs whose lease lapsed before now and
// that no finalizer has claimed. Reaper candidates.
func (s *Store) ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*run.Run, error) {
	return s.listRuns(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE status = 'PROCESSING' AND lease_expires_at < $1
			AND finalize_stage IS NULL
		ORDER BY lease_expires_at ASC
		LIMIT $2
	`, now, limit)
}

// ListStuckReservations pages QUEUED runs older than the reservation TTL.
// Their queue message is presumed lost; the sweeper refunds them.
func (s *Store) ListStuckReservations(ctx context.Context, cutoff time.Time, limit int) ([]*run.Run, error) {
	return s.listRuns(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE status = 'QUEUED' AND created_at < $1
			AND finalize_stage IS NULL
		ORDER BY created_at ASC
		LIMIT $2
	`, cutoff, limit)
}

// ListStaleClaims pages runs stuck in CLAIMED longer than the reconcile
// window. DISPUTED rows are excluded: they wait for an operator.
func (s *Store) ListStaleClaims(ctx context.Context, cutoff time.Time, limit int) ([]*run.Run, error) {
	return s.listRuns(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE finalize_stage = 'CLAIMED' AND finalize_claimed_at < $1
			AND money_state <> 'DISPUTED'
		ORDER BY finalize_claimed_at ASC
		LIMIT $2
	`, cutoff, limit)
}

// ListRetentionExpired pages terminal runs past their retention window.
func (s *Store) ListRetentionExpired(ctx context.Context, now time.Time, limit int) ([]*run.Run, error) {
	return s.listRuns(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE status IN ('COMPLETED', 'FAILED') AND retention_until < $1
		ORDER BY retention_until ASC
		LIMIT $2
	`, now, limit)
}

// ListRunsByTenant returns a tenant's most recent runs. CLI and dashboards.
func (s *Store) ListRunsByTenant(ctx context.Context, tenantID string, limit int) ([]*run.Run, error) {
	return s.listRuns(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, tenantID, limit)
}

func (s *Store) listRuns(ctx context.Context, query string, args ...interface{}) ([]*run.Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*run.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return out, nil
}

// execCAS runs one optimistic-lock update and reports whether exactly one
// row was affected. Serialization failures (SQLSTATE class 40) are retried
// a bounded number of times with backoff; those are the only errors where
// the transaction is known not to have committed.
func (s *Store) execCAS(ctx context.Context, query string, args ...interface{}) (bool, error) {
	backoff := 50 * time.Millisecond
	for attempt := 1; ; attempt++ {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err == nil {
			n, err := res.RowsAffected()
			if err != nil {
				return false, fmt.Errorf("rows affected: %w", err)
			}
			return n == 1, nil
		}
		if attempt >= casAttempts || !retryable(err) {
			return false, fmt.Errorf("cas update: %w", err)
		}
		s.log.Warn().Err(err).Int("attempt", attempt).Msg("cas update hit serialization failure, retrying")
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func retryable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// 40001 serialization_failure, 40P01 deadlock_detected.
		return pqErr.Code.Class() == "40"
	}
	return false
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(sc scanner) (*run.Run, error) {
	var (
		r            run.Run
		actual       sql.NullInt64
		inputs       []byte
		bucket       sql.NullString
		key          sql.NullString
		hash         sql.NullString
		leaseToken   sql.NullString
		leaseExpires sql.NullTime
		stage        sql.NullString
		finToken     sql.NullString
		claimedAt    sql.NullTime
		errReason    sql.NullString
		traceID      sql.NullString
	)

	err := sc.Scan(
		&r.ID, &r.TenantID, &r.PackType, &r.Status, &r.MoneyState,
		&r.IdempotencyKey, &r.PayloadFingerprint, &r.Version,
		&r.ReservedMicros, &actual, &r.MinimumFeeMicros,
		&inputs, &r.TimeboxSec,
		&bucket, &key, &hash,
		&r.RetentionUntil, &leaseToken, &leaseExpires,
		&stage, &finToken, &claimedAt,
		&errReason, &traceID, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if actual.Valid {
		v := actual.Int64
		r.ActualMicros = &v
	}
	r.Inputs = inputs
	r.ResultBucket = bucket.String
	r.ResultKey = key.String
	r.ResultHash = hash.String
	r.LeaseToken = leaseToken.String
	r.LeaseExpiresAt = leaseExpires.Time
	r.FinalizeStage = run.FinalizeStage(stage.String)
	r.FinalizeToken = finToken.String
	r.FinalizeClaimedAt = claimedAt.Time
	r.LastErrorReason = errReason.String
	r.TraceID = traceID.String
	return &r, nil
}
