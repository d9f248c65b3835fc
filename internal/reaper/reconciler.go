package reaper

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/kelpejol/fermata/internal/fault"
	"github.com/kelpejol/fermata/internal/metrics"
	"github.com/kelpejol/fermata/internal/run"
	"github.com/kelpejol/fermata/internal/store"
)

// ReconcileOnce repairs runs stuck in the CLAIMED stage: a finalizer claimed
// them, then died before committing. The uploaded object is the witness for
// what happened between claim and death. Its metadata carries the actual
// cost, so a HEAD request alone decides the repair:
//
//   - object present with a cost within the reservation: the execution
//     succeeded, finish the success commit it never got.
//   - object present but the cost exceeds the reservation: never charge it;
//     park the run as DISPUTED for an operator.
//   - no object: nothing billable happened, settle the minimum fee.
//
// The reconciler reuses the claim's own finalize token, so a claimant that
// turns out to be alive after all races the commit CAS and exactly one side
// wins.
func (s *Service) ReconcileOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.cfg.ReconcileAfter())
	stale, err := s.store.ListStaleClaims(ctx, cutoff, s.cfg.SweepBatchSize)
	if err != nil {
		return 0, err
	}

	repaired := 0
	for _, r := range stale {
		logger := s.log.With().
			Str("run_id", r.ID).
			Str("tenant_id", r.TenantID).
			Time("claimed_at", r.FinalizeClaimedAt).
			Logger()

		key := run.ResultKey(r.TenantID, r.ID, r.CreatedAt)
		info, found, err := s.blob.StatResult(ctx, key)
		if err != nil {
			logger.Error().Err(err).Str("key", key).Msg("result probe failed")
			continue
		}

		switch {
		case found && info.HasCost && info.ActualMicros > r.ReservedMicros:
			disputed, err := s.store.MarkDisputed(ctx, r.ID, r.Version)
			if err != nil || !disputed {
				logger.Error().Err(err).Msg("dispute mark did not land")
				continue
			}
			metrics.ReconcilerRepairs.WithLabelValues("disputed").Inc()
			logger.Error().
				Int64("actual_micros", info.ActualMicros).
				Int64("reserved_micros", r.ReservedMicros).
				Msg("CRITICAL: uploaded cost exceeds reservation, parked as disputed")
			repaired++

		case found && info.HasCost:
			if s.commitRecoveredResult(ctx, logger, r, key, info.ActualMicros, info.Hash) {
				repaired++
			}

		default:
			if found {
				logger.Error().Str("key", key).
					Msg("CRITICAL: result object has no cost metadata, treating as no result")
			}
			if s.commitRecoveredFailure(ctx, logger, r) {
				repaired++
			}
		}
	}
	return repaired, nil
}

func (s *Service) commitRecoveredResult(ctx context.Context, logger zerolog.Logger, r *run.Run, key string, actual int64, hash string) bool {
	if actual < 0 {
		actual = 0
	}

	settle, err := s.ledger.Settle(ctx, r.TenantID, r.ID, actual)
	if err != nil {
		logger.Error().Err(err).Msg("CRITICAL: reconcile settle failed")
		return false
	}
	if !settle.OK {
		logger.Error().Str("code", settle.Code).Msg("CRITICAL: no reservation at reconcile settle")
	}

	committed, err := s.store.CommitCompleted(ctx, store.CommitCompletedParams{
		RunID:         r.ID,
		Version:       r.Version,
		FinalizeToken: r.FinalizeToken,
		ActualMicros:  actual,
		ResultBucket:  s.blob.Bucket(),
		ResultKey:     key,
		ResultHash:    hash,
	})
	if err != nil || !committed {
		logger.Error().Err(err).Bool("committed", committed).
			Msg("CRITICAL: reconcile completed commit did not land")
		return false
	}

	metrics.ReconcilerRepairs.WithLabelValues("completed").Inc()
	metrics.FinalizeTotal.WithLabelValues("reconciler", "completed").Inc()
	logger.Error().
		Int64("actual_micros", actual).
		Str("result_key", key).
		Msg("stale claim reconciled to completed")
	return true
}

func (s *Service) commitRecoveredFailure(ctx context.Context, logger zerolog.Logger, r *run.Run) bool {
	fee := r.MinimumFeeMicros
	settle, err := s.ledger.Settle(ctx, r.TenantID, r.ID, fee)
	if err != nil {
		logger.Error().Err(err).Msg("CRITICAL: reconcile fee settle failed")
		return false
	}
	if !settle.OK {
		logger.Error().Str("code", settle.Code).Msg("CRITICAL: no reservation at reconcile fee settle")
	}

	committed, err := s.store.CommitFailed(ctx, store.CommitFailedParams{
		RunID:         r.ID,
		Version:       r.Version,
		FinalizeToken: r.FinalizeToken,
		ActualMicros:  &fee,
		MoneyState:    run.MoneySettled,
		Reason:        string(fault.ReasonReconcileNoResult),
	})
	if err != nil || !committed {
		logger.Error().Err(err).Bool("committed", committed).
			Msg("CRITICAL: reconcile failed commit did not land")
		return false
	}

	metrics.ReconcilerRepairs.WithLabelValues("failed").Inc()
	metrics.FinalizeTotal.WithLabelValues("reconciler", "failed").Inc()
	logger.Error().
		Int64("fee_micros", fee).
		Msg("stale claim reconciled to failed, no result found")
	return true
}
