// Package ledger provides atomic reservation and settlement over Redis with
// PostgreSQL durability. Every micro that moves through fermata flows through
// this package.
//
// The ledger maintains two synchronized data stores:
//
// 1. Redis - hot path for balance checks, reservations, leases and
// idempotency state; all multi-key mutations run as Lua scripts.
// 2. PostgreSQL - durable audit trail (ledger_events) plus the tenant
// balance mirror, written asynchronously with retries.
//
// Redis is FAST but VOLATILE; PostgreSQL is DURABLE but slower. The hot path
// (reserve at submission, settle at finalize) touches only Redis; PostgreSQL
// writes are queued on a buffered channel and drained by background workers.
// PostgreSQL is the source of truth for balances: at boot and on a periodic
// timer the sync service pushes balances from PostgreSQL into Redis, and
// integrity verification repairs drift in that direction.
//
// Race condition prevention: all balance operations are Lua scripts that
// execute atomically in Redis. This prevents the check-then-act race where
// concurrent submissions all observe enough balance and collectively
// overdraw it. The settle script deletes the reservation key in the same
// atomic step that credits the refund, so a reservation can be consumed at
// most once; a second settle observes NO_RESERVE and performs no mutation.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/kelpejol/fermata/internal/metrics"
)

// Outcome codes returned by the scripted operations.
const (
	CodeAlreadyReserved = "ALREADY_RESERVED"
	CodeInsufficient    = "INSUFFICIENT"
	CodeNoReserve       = "NO_RESERVE"
)

// IdemLockTTL bounds how long a crashed submission can hold the per-key
// lock before a client retry gets through.
const IdemLockTTL = 5 * time.Second

// Redis key layout. Builders are exported so the sync and auth packages
// write and read the same keys the scripts do.

func BalanceKey(tenantID string) string     { return "tenant:balance:" + tenantID }
func ReservationKey(runID string) string    { return "reservation:" + runID }
func LeaseKey(runID string) string          { return "lease:" + runID }
func APIKeyKey(keyHash string) string       { return "apikey:" + keyHash }
func IdemMapKey(tenantID, key string) string  { return "idem:map:" + tenantID + ":" + key }
func IdemLockKey(tenantID, key string) string { return "idem:lock:" + tenantID + ":" + key }

func pollBucketKey(tenantID string) string { return "ratelimit:poll:" + tenantID }

// Ledger manages balances, reservations, leases, idempotency state and the
// poll rate limiter.
//
// Thread safety: all methods are safe for concurrent use.
//
// Lifecycle: create once at startup with NewLedger, call Close during
// graceful shutdown to drain the audit queue. The Redis and PostgreSQL
// handles are owned by the caller and are not closed here.
type Ledger struct {
	redis *redis.Client
	db    *sql.DB
	log   zerolog.Logger

	reservationTTL time.Duration

	// Lua scripts, loaded once and reused for every operation.
	reserveScript   *redis.Script
	settleScript    *redis.Script
	extendScript    *redis.Script
	releaseScript   *redis.Script
	pollAllowScript *redis.Script

	// Async write queue for the PostgreSQL audit trail.
	writeQueue chan auditOp
	wg         sync.WaitGroup
}

// auditOp is one queued PostgreSQL write. amount is the balance delta the
// event applied in Redis, so replaying events in any order converges the
// mirror.
type auditOp struct {
	kind         string // "reserve", "settle", "refund"
	tenantID     string
	runID        string
	amount       int64
	balanceAfter int64
}

// ReserveResult is the outcome of a Reserve call.
type ReserveResult struct {
	OK      bool
	Balance int64  // balance after the operation, or current balance on rejection
	Code    string // empty on success
}

// SettleResult is the outcome of a Settle or RefundFull call.
type SettleResult struct {
	OK      bool
	Charge  int64
	Refund  int64
	Balance int64
	Code    string
}

// IdemMapping is the stored idempotency record for a (tenant, key) pair.
type IdemMapping struct {
	RunID       string
	Fingerprint string
}

// NewLedger wires a Ledger over the provided Redis and PostgreSQL handles.
// The reservation TTL bounds how long an unconsumed reservation survives
// before the sweeper's deadline. Pass a nil db to disable the audit trail
// (tests; the CLI's read paths).
func NewLedger(rdb *redis.Client, db *sql.DB, reservationTTL time.Duration, logger zerolog.Logger) *Ledger {
	l := &Ledger{
		redis:          rdb,
		db:             db,
		log:            logger.With().Str("component", "ledger").Logger(),
		reservationTTL: reservationTTL,
		writeQueue:     make(chan auditOp, 4096),
	}
	l.loadScripts()

	if db != nil {
		const numWorkers = 4
		l.wg.Add(numWorkers)
		for i := 0; i < numWorkers; i++ {
			go l.auditWriter(i)
		}
		l.log.Info().Int("num_workers", numWorkers).Msg("audit write workers started")
	} else {
		l.log.Warn().Msg("audit trail disabled: no database handle")
	}

	return l
}

func (l *Ledger) loadScripts() {
	// Reserve: debit the balance and create the reservation hash in one
	// atomic step. Rejects a duplicate run_id and an insufficient balance
	// without mutating anything.
	l.reserveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
    local balance = tonumber(redis.call('GET', KEYS[1]) or '0')
    return {0, balance, 'ALREADY_RESERVED'}
end
local amount = tonumber(ARGV[1])
local balance = tonumber(redis.call('GET', KEYS[1]) or '0')
if balance < amount then
    return {0, balance, 'INSUFFICIENT'}
end
redis.call('DECRBY', KEYS[1], amount)
redis.call('HSET', KEYS[2],
    'tenant_id', ARGV[2],
    'reserved_micros', ARGV[1],
    'created_at', ARGV[3])
redis.call('EXPIRE', KEYS[2], ARGV[4])
return {1, balance - amount, ''}
`)

	// Settle: consume the reservation exactly once. The charge is clipped to
	// the reserved amount, the remainder is refunded to the balance, and the
	// reservation key is deleted in the same atomic step. A second settle on
	// the same run finds no reservation and reports NO_RESERVE.
	l.settleScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 0 then
    local balance = tonumber(redis.call('GET', KEYS[1]) or '0')
    return {0, 0, 0, balance, 'NO_RESERVE'}
end
local reserved = tonumber(redis.call('HGET', KEYS[2], 'reserved_micros') or '0')
local charge = tonumber(ARGV[1])
if charge > reserved then
    charge = reserved
end
if charge < 0 then
    charge = 0
end
local refund = reserved - charge
if refund > 0 then
    redis.call('INCRBY', KEYS[1], refund)
end
redis.call('DEL', KEYS[2])
local balance = tonumber(redis.call('GET', KEYS[1]) or '0')
return {1, charge, refund, balance, ''}
`)

	// Extend a key's TTL only while the caller still holds it.
	l.extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    redis.call('PEXPIRE', KEYS[1], ARGV[2])
    return 1
end
return 0
`)

	// Delete a key only while the caller still holds it.
	l.releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    redis.call('DEL', KEYS[1])
    return 1
end
return 0
`)

	// Token bucket for poll rate limiting: refill from elapsed time, then
	// take one token or report how long until one is available.
	l.pollAllowScript = redis.NewScript(`
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local tokens = capacity
local last = now
local state = redis.call('HMGET', KEYS[1], 'tokens', 'last_ms')
if state[1] then
    tokens = tonumber(state[1])
    last = tonumber(state[2])
end
tokens = tokens + (now - last) * rate / 60000
if tokens > capacity then
    tokens = capacity
end
if tokens < 1 then
    local wait = math.ceil((1 - tokens) * 60000 / rate)
    redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'last_ms', tostring(now))
    redis.call('PEXPIRE', KEYS[1], 120000)
    return {0, wait}
end
tokens = tokens - 1
redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'last_ms', tostring(now))
redis.call('PEXPIRE', KEYS[1], 120000)
return {1, 0}
`)
}

// Reserve atomically debits reservedMicros from the tenant's balance and
// records the reservation under the run's key with the configured TTL.
func (l *Ledger) Reserve(ctx context.Context, tenantID, runID string, reservedMicros int64) (*ReserveResult, error) {
	start := time.Now()

	keys := []string{BalanceKey(tenantID), ReservationKey(runID)}
	args := []interface{}{
		reservedMicros,
		tenantID,
		time.Now().Unix(),
		int64(l.reservationTTL / time.Second),
	}

	raw, err := l.reserveScript.Run(ctx, l.redis, keys, args...).Result()
	if err != nil {
		l.log.Error().Err(err).
			Str("tenant_id", tenantID).
			Str("run_id", runID).
			Msg("reserve script failed")
		return nil, fmt.Errorf("reserve script: %w", err)
	}

	arr := raw.([]interface{})
	res := &ReserveResult{
		OK:      arr[0].(int64) == 1,
		Balance: arr[1].(int64),
		Code:    arr[2].(string),
	}

	l.log.Debug().
		Str("tenant_id", tenantID).
		Str("run_id", runID).
		Int64("reserved_micros", reservedMicros).
		Bool("ok", res.OK).
		Str("code", res.Code).
		Dur("duration_ms", time.Since(start)).
		Msg("reserve completed")

	if res.OK {
		l.enqueueAudit(auditOp{
			kind:         "reserve",
			tenantID:     tenantID,
			runID:        runID,
			amount:       -reservedMicros,
			balanceAfter: res.Balance,
		})
	}

	return res, nil
}

// Settle consumes the run's reservation, charging up to chargeMicros and
// refunding the remainder to the tenant's balance. Exactly one Settle per
// reservation succeeds; later calls return NO_RESERVE with no mutation.
func (l *Ledger) Settle(ctx context.Context, tenantID, runID string, chargeMicros int64) (*SettleResult, error) {
	return l.settle(ctx, tenantID, runID, chargeMicros, "settle")
}

// RefundFull reverses the run's reservation in full. Equivalent to a settle
// with charge zero.
func (l *Ledger) RefundFull(ctx context.Context, tenantID, runID string) (*SettleResult, error) {
	return l.settle(ctx, tenantID, runID, 0, "refund")
}

func (l *Ledger) settle(ctx context.Context, tenantID, runID string, chargeMicros int64, kind string) (*SettleResult, error) {
	keys := []string{BalanceKey(tenantID), ReservationKey(runID)}

	raw, err := l.settleScript.Run(ctx, l.redis, keys, chargeMicros).Result()
	if err != nil {
		l.log.Error().Err(err).
			Str("tenant_id", tenantID).
			Str("run_id", runID).
			Msg("settle script failed")
		return nil, fmt.Errorf("settle script: %w", err)
	}

	arr := raw.([]interface{})
	res := &SettleResult{
		OK:      arr[0].(int64) == 1,
		Charge:  arr[1].(int64),
		Refund:  arr[2].(int64),
		Balance: arr[3].(int64),
		Code:    arr[4].(string),
	}

	l.log.Info().
		Str("tenant_id", tenantID).
		Str("run_id", runID).
		Str("kind", kind).
		Int64("charge", res.Charge).
		Int64("refund", res.Refund).
		Bool("ok", res.OK).
		Str("code", res.Code).
		Msg("settle completed")

	if res.OK {
		metrics.SettleRefundMicros.Observe(float64(res.Refund))
		l.enqueueAudit(auditOp{
			kind:         kind,
			tenantID:     tenantID,
			runID:        runID,
			amount:       res.Refund,
			balanceAfter: res.Balance,
		})
	}

	return res, nil
}

// GetBalance returns the tenant's current balance without side effects.
func (l *Ledger) GetBalance(ctx context.Context, tenantID string) (int64, error) {
	balance, err := l.redis.Get(ctx, BalanceKey(tenantID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

// Credit adds amountMicros to the tenant's balance. Operator path only:
// submissions never credit.
func (l *Ledger) Credit(ctx context.Context, tenantID string, amountMicros int64) (int64, error) {
	if amountMicros <= 0 {
		return 0, fmt.Errorf("credit amount must be positive, got %d", amountMicros)
	}

	balance, err := l.redis.IncrBy(ctx, BalanceKey(tenantID), amountMicros).Result()
	if err != nil {
		return 0, fmt.Errorf("credit: %w", err)
	}

	l.log.Info().
		Str("tenant_id", tenantID).
		Int64("amount_micros", amountMicros).
		Int64("balance", balance).
		Msg("balance credited")

	l.enqueueAudit(auditOp{
		kind:         "credit",
		tenantID:     tenantID,
		amount:       amountMicros,
		balanceAfter: balance,
	})
	return balance, nil
}

// AcquireIdemLock takes the short-lived submission lock for (tenant, key).
// Returns the holder token on success; acquired=false means another
// submission with the same key is mid-flight.
func (l *Ledger) AcquireIdemLock(ctx context.Context, tenantID, key string) (token string, acquired bool, err error) {
	token = uuid.NewString()
	ok, err := l.redis.SetNX(ctx, IdemLockKey(tenantID, key), token, IdemLockTTL).Result()
	if err != nil {
		return "", false, fmt.Errorf("idem lock: %w", err)
	}
	return token, ok, nil
}

// ReleaseIdemLock drops the submission lock if the token still holds it.
// TTL-driven release covers the cases where this is never called.
func (l *Ledger) ReleaseIdemLock(ctx context.Context, tenantID, key, token string) error {
	if err := l.releaseScript.Run(ctx, l.redis, []string{IdemLockKey(tenantID, key)}, token).Err(); err != nil {
		return fmt.Errorf("idem unlock: %w", err)
	}
	return nil
}

// GetIdemMapping returns the stored mapping for (tenant, key), or nil when
// no submission has completed under that key.
func (l *Ledger) GetIdemMapping(ctx context.Context, tenantID, key string) (*IdemMapping, error) {
	fields, err := l.redis.HGetAll(ctx, IdemMapKey(tenantID, key)).Result()
	if err != nil {
		return nil, fmt.Errorf("idem mapping get: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return &IdemMapping{
		RunID:       fields["run_id"],
		Fingerprint: fields["fingerprint"],
	}, nil
}

// PutIdemMapping stores the (tenant, key) -> (run, fingerprint) mapping with
// the given TTL, normally the retention window.
func (l *Ledger) PutIdemMapping(ctx context.Context, tenantID, key, runID, fingerprint string, ttl time.Duration) error {
	mapKey := IdemMapKey(tenantID, key)
	pipe := l.redis.Pipeline()
	pipe.HSet(ctx, mapKey, "run_id", runID, "fingerprint", fingerprint)
	pipe.Expire(ctx, mapKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("idem mapping put: %w", err)
	}
	return nil
}

// PutLease installs the worker's lease key unconditionally. Authority over
// the run comes from the database CAS, not from this key; a stale key left
// by a crashed worker is simply overwritten, and the old holder's heartbeats
// fail the token check from then on.
func (l *Ledger) PutLease(ctx context.Context, runID, token string, ttl time.Duration) error {
	if err := l.redis.Set(ctx, LeaseKey(runID), token, ttl).Err(); err != nil {
		return fmt.Errorf("lease put: %w", err)
	}
	return nil
}

// ExtendLease refreshes the lease TTL if the token still holds the lease.
func (l *Ledger) ExtendLease(ctx context.Context, runID, token string, ttl time.Duration) (bool, error) {
	raw, err := l.extendScript.Run(ctx, l.redis, []string{LeaseKey(runID)}, token, ttl.Milliseconds()).Result()
	if err != nil {
		return false, fmt.Errorf("lease extend: %w", err)
	}
	return raw.(int64) == 1, nil
}

// ReleaseLease drops the lease if the token still holds it.
func (l *Ledger) ReleaseLease(ctx context.Context, runID, token string) error {
	if err := l.releaseScript.Run(ctx, l.redis, []string{LeaseKey(runID)}, token).Err(); err != nil {
		return fmt.Errorf("lease release: %w", err)
	}
	return nil
}

// AllowPoll takes one token from the tenant's poll bucket. When the bucket
// is empty it reports how long the client should wait before retrying.
func (l *Ledger) AllowPoll(ctx context.Context, tenantID string, perMinute int) (bool, time.Duration, error) {
	raw, err := l.pollAllowScript.Run(ctx, l.redis,
		[]string{pollBucketKey(tenantID)},
		perMinute, perMinute, time.Now().UnixMilli(),
	).Result()
	if err != nil {
		return false, 0, fmt.Errorf("poll limiter: %w", err)
	}

	arr := raw.([]interface{})
	if arr[0].(int64) == 1 {
		return true, 0, nil
	}
	return false, time.Duration(arr[1].(int64)) * time.Millisecond, nil
}

// enqueueAudit queues a PostgreSQL write without blocking the hot path. A
// full queue drops the event with a warning; periodic integrity verification
// surfaces the resulting drift.
func (l *Ledger) enqueueAudit(op auditOp) {
	if l.db == nil {
		return
	}
	select {
	case l.writeQueue <- op:
	default:
		l.log.Warn().
			Str("kind", op.kind).
			Str("run_id", op.runID).
			Msg("write queue full, dropping audit event")
	}
}

// auditWriter drains the write queue into PostgreSQL with retries.
func (l *Ledger) auditWriter(workerID int) {
	defer l.wg.Done()

	logger := l.log.With().Int("worker_id", workerID).Logger()
	logger.Info().Msg("audit write worker started")

	for op := range l.writeQueue {
		maxRetries := 5
		backoff := 100 * time.Millisecond

		for attempt := 1; attempt <= maxRetries; attempt++ {
			err := l.writeAuditEvent(op)
			if err == nil {
				break
			}

			if attempt < maxRetries {
				logger.Warn().Err(err).
					Int("attempt", attempt).
					Str("kind", op.kind).
					Msg("audit write failed, retrying")
				time.Sleep(backoff)
				backoff *= 2
			} else {
				logger.Error().Err(err).
					Str("kind", op.kind).
					Str("run_id", op.runID).
					Msg("audit write failed after all retries")
			}
		}
	}

	logger.Info().Msg("audit write worker stopped")
}

// writeAuditEvent appends the event and applies its delta to the tenant
// balance mirror in one transaction.
func (l *Ledger) writeAuditEvent(op auditOp) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_events (
			event_id, tenant_id, run_id, kind,
			amount_micros, balance_after_micros, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, uuid.NewString(), op.tenantID, op.runID, op.kind, op.amount, op.balanceAfter)
	if err != nil {
		return fmt.Errorf("insert ledger event: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE tenants SET
			balance_micros = balance_micros + $2,
			updated_at = NOW()
		WHERE tenant_id = $1
	`, op.tenantID, op.amount)
	if err != nil {
		return fmt.Errorf("update tenant mirror: %w", err)
	}

	return tx.Commit()
}

// Close drains the audit queue and stops the write workers. The Redis and
// PostgreSQL handles stay open; their owner closes them.
func (l *Ledger) Close() error {
	l.log.Info().Msg("shutting down ledger")
	close(l.writeQueue)
	l.wg.Wait()
	l.log.Info().Msg("ledger shutdown complete")
	return nil
}
