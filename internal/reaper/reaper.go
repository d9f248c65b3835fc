// Package reaper hosts the background finalizers that keep the run table
// converging when workers die: the zombie reaper (expired leases), the
// reservation sweeper (lost queue messages), the retention sweeper
// (result expiry) and the reconciler (stale finalize claims).
//
// Every money-moving path here follows the same two-phase discipline as the
// worker: claim by CAS first, side effects only after winning, commit last.
package reaper

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kelpejol/fermata/internal/blob"
	"github.com/kelpejol/fermata/internal/config"
	"github.com/kelpejol/fermata/internal/fault"
	"github.com/kelpejol/fermata/internal/ledger"
	"github.com/kelpejol/fermata/internal/metrics"
	"github.com/kelpejol/fermata/internal/run"
	"github.com/kelpejol/fermata/internal/store"
)

// RunStore is the slice of the run repository the background finalizers use.
type RunStore interface {
	ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*run.Run, error)
	ListStuckReservations(ctx context.Context, cutoff time.Time, limit int) ([]*run.Run, error)
	ListStaleClaims(ctx context.Context, cutoff time.Time, limit int) ([]*run.Run, error)
	ListRetentionExpired(ctx context.Context, now time.Time, limit int) ([]*run.Run, error)
	ClaimExpiredLease(ctx context.Context, runID string, version int64, finalizeToken string) (bool, error)
	ClaimQueued(ctx context.Context, runID string, version int64, finalizeToken string) (bool, error)
	CommitCompleted(ctx context.Context, p store.CommitCompletedParams) (bool, error)
	CommitFailed(ctx context.Context, p store.CommitFailedParams) (bool, error)
	MarkDisputed(ctx context.Context, runID string, version int64) (bool, error)
	MarkExpired(ctx context.Context, runID string, version int64) (bool, error)
}

// ResultChecker probes the object store for uploaded result envelopes.
type ResultChecker interface {
	StatResult(ctx context.Context, key string) (*blob.ResultInfo, bool, error)
	Bucket() string
}

// Service runs the four background loops on their configured intervals.
type Service struct {
	cfg    *config.Config
	ledger *ledger.Ledger
	store  RunStore
	blob   ResultChecker
	log    zerolog.Logger
}

// New wires a Service.
func New(cfg *config.Config, ledg *ledger.Ledger, st RunStore, blob ResultChecker, logger zerolog.Logger) *Service {
	return &Service{
		cfg:    cfg,
		ledger: ledg,
		store:  st,
		blob:   blob,
		log:    logger.With().Str("component", "reaper").Logger(),
	}
}

// Run starts the loops and blocks until ctx is cancelled. Each loop makes an
// immediate pass at startup so a restart does not delay convergence by a
// full interval.
func (s *Service) Run(ctx context.Context) error {
	s.log.Info().
		Dur("reap_interval", s.cfg.ReaperInterval()).
		Dur("reservation_sweep_interval", s.cfg.ReservationSweepInterval()).
		Dur("retention_sweep_interval", s.cfg.RetentionSweepInterval()).
		Dur("reconcile_interval", s.cfg.ReconcileInterval()).
		Msg("background finalizers started")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.loop(ctx, s.cfg.ReaperInterval(), "reap", s.ReapOnce)
	})
	g.Go(func() error {
		return s.loop(ctx, s.cfg.ReservationSweepInterval(), "reservation_sweep", s.SweepReservationsOnce)
	})
	g.Go(func() error {
		return s.loop(ctx, s.cfg.RetentionSweepInterval(), "retention_sweep", s.SweepRetentionOnce)
	})
	g.Go(func() error {
		return s.loop(ctx, s.cfg.ReconcileInterval(), "reconcile", s.ReconcileOnce)
	})
	return g.Wait()
}

func (s *Service) loop(ctx context.Context, interval time.Duration, name string, pass func(context.Context) (int, error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n, err := pass(ctx)
		if err != nil && ctx.Err() == nil {
			s.log.Error().Err(err).Str("pass", name).Msg("background pass failed")
		} else if n > 0 {
			s.log.Info().Str("pass", name).Int("processed", n).Msg("background pass finished")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ReapOnce finds PROCESSING runs whose lease lapsed, claims them away from
// their (presumed dead) workers, settles the minimum fee and commits
// WORKER_TIMEOUT. A worker heartbeat that lands between the listing and the
// claim makes the claim a no-op.
func (s *Service) ReapOnce(ctx context.Context) (int, error) {
	zombies, err := s.store.ListExpiredLeases(ctx, time.Now(), s.cfg.SweepBatchSize)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, r := range zombies {
		logger := s.log.With().Str("run_id", r.ID).Str("tenant_id", r.TenantID).Logger()

		finalizeToken := run.NewToken()
		claimed, err := s.store.ClaimExpiredLease(ctx, r.ID, r.Version, finalizeToken)
		if err != nil {
			logger.Error().Err(err).Msg("zombie claim errored")
			continue
		}
		if !claimed {
			// The worker came back or someone else claimed first.
			continue
		}
		metrics.ReaperClaims.Inc()

		fee := r.MinimumFeeMicros
		settle, err := s.ledger.Settle(ctx, r.TenantID, r.ID, fee)
		if err != nil {
			// Claimed but not settled; the reconciler finishes the job.
			logger.Error().Err(err).Msg("CRITICAL: zombie settle failed after claim")
			continue
		}
		if !settle.OK {
			logger.Error().Str("code", settle.Code).Msg("CRITICAL: no reservation at zombie settle")
		}

		committed, err := s.store.CommitFailed(ctx, store.CommitFailedParams{
			RunID:         r.ID,
			Version:       r.Version + 1,
			FinalizeToken: finalizeToken,
			ActualMicros:  &fee,
			MoneyState:    run.MoneySettled,
			Reason:        string(fault.ReasonWorkerTimeout),
		})
		if err != nil || !committed {
			logger.Error().Err(err).Bool("committed", committed).
				Msg("CRITICAL: zombie commit did not land")
			continue
		}

		metrics.FinalizeTotal.WithLabelValues("reaper", "failed").Inc()
		logger.Warn().
			Int64("fee_micros", fee).
			Time("lease_expired_at", r.LeaseExpiresAt).
			Msg("zombie run reaped")
		reaped++
	}
	return reaped, nil
}

// SweepReservationsOnce refunds QUEUED runs that no worker picked up within
// the reservation window. Their queue message is presumed lost; if it does
// surface later, the terminal row makes the delivery a discard.
func (s *Service) SweepReservationsOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.cfg.ReservationTTL())
	stuck, err := s.store.ListStuckReservations(ctx, cutoff, s.cfg.SweepBatchSize)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, r := range stuck {
		logger := s.log.With().Str("run_id", r.ID).Str("tenant_id", r.TenantID).Logger()

		finalizeToken := run.NewToken()
		claimed, err := s.store.ClaimQueued(ctx, r.ID, r.Version, finalizeToken)
		if err != nil {
			logger.Error().Err(err).Msg("stuck reservation claim errored")
			continue
		}
		if !claimed {
			continue
		}

		refund, err := s.ledger.RefundFull(ctx, r.TenantID, r.ID)
		if err != nil {
			logger.Error().Err(err).Msg("CRITICAL: refund failed after claim")
			continue
		}
		if !refund.OK {
			// The cache key outlives the sweep deadline, so this means the
			// reservation was already consumed or the sweeper was down past
			// the cache TTL. The tenant keeps the full charge until an
			// operator intervenes.
			logger.Error().Str("code", refund.Code).Msg("CRITICAL: no reservation at sweep refund")
		}

		committed, err := s.store.CommitFailed(ctx, store.CommitFailedParams{
			RunID:         r.ID,
			Version:       r.Version + 1,
			FinalizeToken: finalizeToken,
			MoneyState:    run.MoneyRefunded,
			Reason:        string(fault.ReasonReservationExpired),
		})
		if err != nil || !committed {
			logger.Error().Err(err).Bool("committed", committed).
				Msg("CRITICAL: reservation sweep commit did not land")
			continue
		}

		metrics.FinalizeTotal.WithLabelValues("reaper", "refunded").Inc()
		logger.Warn().
			Int64("refund_micros", refund.Refund).
			Time("created_at", r.CreatedAt).
			Msg("stuck reservation refunded")
		swept++
	}
	return swept, nil
}

// SweepRetentionOnce expires terminal runs past their retention window and
// clears their result pointers. The objects themselves age out under the
// bucket lifecycle rule.
func (s *Service) SweepRetentionOnce(ctx context.Context) (int, error) {
	expired, err := s.store.ListRetentionExpired(ctx, time.Now(), s.cfg.SweepBatchSize)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, r := range expired {
		marked, err := s.store.MarkExpired(ctx, r.ID, r.Version)
		if err != nil {
			s.log.Error().Err(err).Str("run_id", r.ID).Msg("retention expiry errored")
			continue
		}
		if marked {
			swept++
		}
	}
	return swept, nil
}
