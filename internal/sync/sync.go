// Package sync pushes tenant state from PostgreSQL into the Redis ledger
// cache: balances at boot and on a periodic timer, API key hashes for the
// authenticator, and on-demand repair of single tenants.
//
// Direction is always PostgreSQL -> Redis. The ledger's write-behind keeps
// the tenants mirror converging toward Redis between syncs, so a periodic
// push can briefly rewind a balance whose audit event has not landed yet;
// the next landed event and the next push converge it again. Durable drift
// only appears when audit events are dropped, and VerifyIntegrity repairs
// exactly that.
package sync

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/kelpejol/fermata/internal/ledger"
)

// pipelineBatch bounds how many SETs ride one Redis pipeline.
const pipelineBatch = 1000

// Syncer handles PostgreSQL to Redis synchronization.
type Syncer struct {
	redis  *redis.Client
	db     *sql.DB
	log    zerolog.Logger
	stopCh chan struct{}
}

// NewSyncer creates a Syncer over the shared Redis and PostgreSQL handles.
func NewSyncer(rdb *redis.Client, db *sql.DB, logger zerolog.Logger) *Syncer {
	return &Syncer{
		redis:  rdb,
		db:     db,
		log:    logger.With().Str("component", "syncer").Logger(),
		stopCh: make(chan struct{}),
	}
}

// InitializeRedis loads every tenant balance into Redis. Must run at startup
// before the service accepts submissions: an empty cache reads as a zero
// balance and rejects everything.
func (s *Syncer) InitializeRedis(ctx context.Context) error {
	start := time.Now()
	s.log.Info().Msg("starting full redis initialization from postgresql")

	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, balance_micros
		FROM tenants
		ORDER BY tenant_id
	`)
	if err != nil {
		return fmt.Errorf("query tenants: %w", err)
	}
	defer rows.Close()

	pipe := s.redis.Pipeline()
	count := 0

	for rows.Next() {
		var tenantID string
		var balance int64

		if err := rows.Scan(&tenantID, &balance); err != nil {
			s.log.Error().Err(err).Msg("failed to scan tenant row")
			continue
		}

		pipe.Set(ctx, ledger.BalanceKey(tenantID), balance, 0)
		count++

		if count%pipelineBatch == 0 {
			if _, err := pipe.Exec(ctx); err != nil {
				return fmt.Errorf("pipeline exec at %d: %w", count, err)
			}
			pipe = s.redis.Pipeline()
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("final pipeline exec: %w", err)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("tenant iteration: %w", err)
	}

	s.log.Info().
		Int("tenant_count", count).
		Dur("duration", time.Since(start)).
		Msg("redis initialization complete")
	return nil
}

// SyncAPIKeys loads tenant API key hashes into Redis for the authenticator.
// Key format: "apikey:<sha256_hash>" -> tenant_id.
func (s *Syncer) SyncAPIKeys(ctx context.Context) error {
	s.log.Info().Msg("syncing API keys to redis")

	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, api_key_hash
		FROM tenants
		WHERE api_key_hash <> ''
	`)
	if err != nil {
		return fmt.Errorf("query api keys: %w", err)
	}
	defer rows.Close()

	pipe := s.redis.Pipeline()
	count := 0

	for rows.Next() {
		var tenantID, keyHash string
		if err := rows.Scan(&tenantID, &keyHash); err != nil {
			s.log.Error().Err(err).Msg("failed to scan api key row")
			continue
		}

		pipe.Set(ctx, ledger.APIKeyKey(keyHash), tenantID, 0)
		count++
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pipeline exec: %w", err)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("api key iteration: %w", err)
	}

	s.log.Info().Int("key_count", count).Msg("api keys synced to redis")
	return nil
}

// StartPeriodicSync starts a background goroutine that pushes recently
// updated tenants into Redis on the given interval (default 5 minutes).
// Corrects drift from manual balance adjustments, Redis evictions, and
// dropped audit events.
func (s *Syncer) StartPeriodicSync(interval time.Duration) {
	if interval == 0 {
		interval = 5 * time.Minute
	}

	s.log.Info().Dur("interval", interval).Msg("starting periodic sync")

	ticker := time.NewTicker(interval)

	go func() {
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				if err := s.syncRecentlyUpdated(ctx); err != nil {
					s.log.Error().Err(err).Msg("periodic sync failed")
				}
				cancel()

			case <-s.stopCh:
				ticker.Stop()
				s.log.Info().Msg("periodic sync stopped")
				return
			}
		}
	}()
}

// syncRecentlyUpdated pushes tenants whose mirror row changed in the last
// hour. Cheaper than a full resync and wide enough to cover several missed
// intervals.
func (s *Syncer) syncRecentlyUpdated(ctx context.Context) error {
	start := time.Now()

	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, balance_micros
		FROM tenants
		WHERE updated_at > NOW() - INTERVAL '1 hour'
	`)
	if err != nil {
		return fmt.Errorf("query recent tenants: %w", err)
	}
	defer rows.Close()

	pipe := s.redis.Pipeline()
	count := 0

	for rows.Next() {
		var tenantID string
		var balance int64

		if err := rows.Scan(&tenantID, &balance); err != nil {
			continue
		}

		pipe.Set(ctx, ledger.BalanceKey(tenantID), balance, 0)
		count++
	}

	if count > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("pipeline exec: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("recent tenant iteration: %w", err)
	}

	s.log.Debug().
		Int("synced_tenants", count).
		Dur("duration", time.Since(start)).
		Msg("incremental sync complete")
	return nil
}

// SyncTenant pushes one tenant's balance from PostgreSQL to Redis. Called
// on demand when an integrity check flags a tenant.
func (s *Syncer) SyncTenant(ctx context.Context, tenantID string) error {
	var balance int64
	err := s.db.QueryRowContext(ctx, `
		SELECT balance_micros
		FROM tenants
		WHERE tenant_id = $1
	`, tenantID).Scan(&balance)

	if err == sql.ErrNoRows {
		return fmt.Errorf("tenant not found: %s", tenantID)
	} else if err != nil {
		return fmt.Errorf("query tenant: %w", err)
	}

	if err := s.redis.Set(ctx, ledger.BalanceKey(tenantID), balance, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}

	s.log.Info().
		Str("tenant_id", tenantID).
		Int64("balance", balance).
		Msg("tenant balance synced")
	return nil
}

// VerifyIntegrity samples tenants and compares their Redis balance against
// PostgreSQL, repairing Redis on mismatch. Returns the number of
// discrepancies found.
func (s *Syncer) VerifyIntegrity(ctx context.Context, sampleSize int) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, balance_micros
		FROM tenants
		ORDER BY RANDOM()
		LIMIT $1
	`, sampleSize)
	if err != nil {
		return 0, fmt.Errorf("query sample: %w", err)
	}
	defer rows.Close()

	discrepancies := 0

	for rows.Next() {
		var tenantID string
		var pgBalance int64

		if err := rows.Scan(&tenantID, &pgBalance); err != nil {
			continue
		}

		redisBalance, err := s.redis.Get(ctx, ledger.BalanceKey(tenantID)).Int64()
		if err == redis.Nil {
			s.log.Warn().
				Str("tenant_id", tenantID).
				Msg("tenant missing in redis")
			discrepancies++
			if err := s.SyncTenant(ctx, tenantID); err != nil {
				s.log.Error().Err(err).Str("tenant_id", tenantID).Msg("failed to sync tenant")
			}
			continue
		} else if err != nil {
			continue
		}

		if redisBalance != pgBalance {
			s.log.Warn().
				Str("tenant_id", tenantID).
				Int64("redis_balance", redisBalance).
				Int64("postgres_balance", pgBalance).
				Int64("difference", redisBalance-pgBalance).
				Msg("balance mismatch detected")
			discrepancies++

			if err := s.SyncTenant(ctx, tenantID); err != nil {
				s.log.Error().Err(err).Str("tenant_id", tenantID).Msg("failed to sync tenant")
			}
		}
	}
	if err := rows.Err(); err != nil {
		return discrepancies, fmt.Errorf("sample iteration: %w", err)
	}

	return discrepancies, nil
}

// Stop stops the periodic sync goroutine.
func (s *Syncer) Stop() {
	close(s.stopCh)
}
