// Package worker consumes the run queue and drives each run from QUEUED to a
// terminal state: lease acquisition, heartbeats, timeboxed pack execution,
// result upload, and the two-phase finalize (claim, settle, commit).
//
// Authority discipline: the database CAS decides everything. A worker only
// performs side effects (ledger settle, queue delete) after observing exactly
// one affected row; all race losers exit side-effect-free. The queue message
// is deleted only after a terminal commit, so at-least-once redelivery is
// harmless — the next receiver sees a terminal row and discards.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kelpejol/fermata/internal/config"
	"github.com/kelpejol/fermata/internal/fault"
	"github.com/kelpejol/fermata/internal/ledger"
	"github.com/kelpejol/fermata/internal/metrics"
	"github.com/kelpejol/fermata/internal/money"
	"github.com/kelpejol/fermata/internal/pack"
	"github.com/kelpejol/fermata/internal/queue"
	"github.com/kelpejol/fermata/internal/run"
	"github.com/kelpejol/fermata/internal/store"
)

// RunStore is the slice of the run repository the worker uses.
type RunStore interface {
	Get(ctx context.Context, runID string) (*run.Run, error)
	StartProcessing(ctx context.Context, runID string, version int64, leaseToken string, leaseExpiresAt time.Time) (bool, error)
	ExtendLease(ctx context.Context, runID string, version int64, leaseToken string, leaseExpiresAt time.Time) (bool, error)
	ClaimProcessing(ctx context.Context, runID string, version int64, leaseToken, finalizeToken string) (bool, error)
	CommitCompleted(ctx context.Context, p store.CommitCompletedParams) (bool, error)
	CommitFailed(ctx context.Context, p store.CommitFailedParams) (bool, error)
}

// WorkQueue is the consuming side of the run queue.
type WorkQueue interface {
	Receive(ctx context.Context) (*queue.Delivery, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// ResultStore uploads result envelopes.
type ResultStore interface {
	PutResult(ctx context.Context, key string, body []byte, runID string, actualMicros int64) (string, error)
	Bucket() string
}

// Worker runs the consume loop. Safe to share one Worker across the
// consumer goroutines started by Run.
type Worker struct {
	cfg    *config.Config
	ledger *ledger.Ledger
	store  RunStore
	queue  WorkQueue
	blob   ResultStore
	packs  *pack.Registry
	log    zerolog.Logger
}

// New wires a Worker.
func New(cfg *config.Config, ledg *ledger.Ledger, st RunStore, q WorkQueue, blob ResultStore, packs *pack.Registry, logger zerolog.Logger) *Worker {
	return &Worker{
		cfg:    cfg,
		ledger: ledg,
		store:  st,
		queue:  q,
		blob:   blob,
		packs:  packs,
		log:    logger.With().Str("component", "worker").Logger(),
	}
}

// Run starts the bounded consumer pool and blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info().
		Int("concurrency", w.cfg.WorkerConcurrency).
		Strs("packs", w.packs.Types()).
		Msg("worker started")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.WorkerConcurrency; i++ {
		consumerID := i
		g.Go(func() error {
			return w.consume(ctx, consumerID)
		})
	}
	return g.Wait()
}

func (w *Worker) consume(ctx context.Context, consumerID int) error {
	logger := w.log.With().Int("consumer", consumerID).Logger()

	for {
		if ctx.Err() != nil {
			return nil
		}

		delivery, err := w.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error().Err(err).Msg("queue receive failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if delivery == nil {
			continue // empty long poll
		}

		w.handle(ctx, logger, delivery)
	}
}

// leaseSession serializes version-CAS access between the heartbeat goroutine
// and the finalize path. The mutex is held across each database CAS so the
// version the next caller reads always reflects the last committed bump.
type leaseSession struct {
	mu      sync.Mutex
	version int64
	lost    bool
}

func (s *leaseSession) isLost() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lost
}

// handle processes one delivery to a terminal commit, an explicit discard, or
// an abandonment (no delete; the visibility timeout redelivers).
func (w *Worker) handle(ctx context.Context, logger zerolog.Logger, d *queue.Delivery) {
	msg := d.Message
	logger = logger.With().Str("run_id", msg.RunID).Str("pack_type", msg.PackType).Logger()

	r, err := w.store.Get(ctx, msg.RunID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logger.Warn().Msg("message references no run row, discarding")
			w.deleteMessage(ctx, logger, d.ReceiptHandle)
			return
		}
		logger.Error().Err(err).Msg("run lookup failed, leaving message for redelivery")
		return
	}

	// Duplicate delivery after a finalize: discard.
	if r.Status.Terminal() {
		logger.Debug().Str("status", string(r.Status)).Int("receive_count", d.ReceiveCount).
			Msg("run already terminal, discarding duplicate delivery")
		w.deleteMessage(ctx, logger, d.ReceiptHandle)
		return
	}

	leaseToken := run.NewToken()
	leaseExpires := time.Now().Add(w.cfg.LeaseTTL())
	started, err := w.store.StartProcessing(ctx, r.ID, r.Version, leaseToken, leaseExpires)
	if err != nil {
		logger.Error().Err(err).Msg("start-processing update failed, leaving message for redelivery")
		return
	}
	if !started {
		// Reaper, sweeper or another worker moved the run first.
		logger.Info().Msg("lost the start race, discarding message")
		w.deleteMessage(ctx, logger, d.ReceiptHandle)
		return
	}

	session := &leaseSession{version: r.Version + 1}

	if err := w.ledger.PutLease(ctx, r.ID, leaseToken, w.cfg.LeaseTTL()); err != nil {
		// The database lease_expires_at is authoritative; the cache key only
		// serves heartbeat extension.
		logger.Warn().Err(err).Msg("cache lease write failed")
	}

	w.execute(ctx, logger, session, r, leaseToken, d)
}

// execute runs the pack under heartbeat and timebox, then routes to the
// success or failure finalize path.
func (w *Worker) execute(ctx context.Context, logger zerolog.Logger, session *leaseSession, r *run.Run, leaseToken string, d *queue.Delivery) {
	execCtx, execCancel := context.WithCancel(ctx)
	defer execCancel()
	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()

	var hbDone sync.WaitGroup
	hbDone.Add(1)
	go func() {
		defer hbDone.Done()
		w.heartbeat(hbCtx, logger, session, r.ID, leaseToken, execCancel)
	}()

	executor, registered := w.packs.Get(r.PackType)
	if !registered {
		// Nothing can run this; let the lease lapse so the reaper settles
		// the minimum fee. Redelivery walks the same path until the row is
		// terminal or the queue dead-letters the message.
		logger.Error().Msg("no executor registered for pack type, abandoning")
		return
	}

	timebox := time.Duration(r.TimeboxSec) * time.Second
	tbCtx, tbCancel := context.WithTimeout(execCtx, timebox)
	defer tbCancel()

	type outcome struct {
		res *pack.Result
		err error
	}
	outCh := make(chan outcome, 1)
	go func() {
		res, err := executor.Execute(tbCtx, pack.Input{
			RunID:    r.ID,
			TenantID: r.TenantID,
			PackType: r.PackType,
			Inputs:   r.Inputs,
		})
		outCh <- outcome{res: res, err: err}
	}()

	var out outcome
	select {
	case out = <-outCh:
	case <-tbCtx.Done():
	}

	// Stop heartbeats before finalizing; a beat landing after Phase A would
	// observe the CLAIMED stage and wrongly mark the lease lost.
	hbCancel()
	hbDone.Wait()

	switch {
	case ctx.Err() != nil:
		// Shutdown: abandon, redelivery resumes on a live worker.
		logger.Info().Msg("shutdown during execution, leaving message for redelivery")
		return

	case session.isLost():
		// The reaper owns the run now; Phase A would lose and the next
		// delivery will find the terminal row.
		logger.Warn().Msg("lease lost during execution, abandoning")
		return

	case tbCtx.Err() == context.DeadlineExceeded:
		logger.Warn().Dur("timebox", timebox).Msg("pack exceeded its timebox")
		w.finalizeFailure(ctx, logger, session, r, leaseToken, fault.ReasonExecutorTimeout, d)
		return

	case out.err != nil:
		// Executor error: no upload, no claim. The lease expires and the
		// reaper drives the run to WORKER_TIMEOUT.
		logger.Error().Err(out.err).Msg("pack execution failed, abandoning to reaper")
		return
	}

	w.finalizeSuccess(ctx, logger, session, r, leaseToken, out.res, d)
}

// heartbeat extends the cache lease TTL and the database lease_expires_at on
// every interval. The first failed database CAS marks the session lost and
// cancels the executor: a reaper has claimed the run.
func (w *Worker) heartbeat(ctx context.Context, logger zerolog.Logger, session *leaseSession, runID, leaseToken string, abort context.CancelFunc) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if ok, err := w.ledger.ExtendLease(ctx, runID, leaseToken, w.cfg.LeaseTTL()); err != nil {
			logger.Warn().Err(err).Msg("cache lease extend failed")
		} else if !ok {
			logger.Warn().Msg("cache lease held by someone else")
		}

		session.mu.Lock()
		extended, err := w.store.ExtendLease(ctx, runID, session.version, leaseToken, time.Now().Add(w.cfg.LeaseTTL()))
		if err == nil && extended {
			session.version++
			session.mu.Unlock()
			continue
		}
		if err != nil && ctx.Err() != nil {
			// Finalize cancelled this beat mid-call; the session is still ours.
			session.mu.Unlock()
			return
		}
		session.lost = true
		session.mu.Unlock()

		if err != nil {
			logger.Error().Err(err).Msg("lease heartbeat errored, aborting executor")
		} else {
			logger.Warn().Msg("lease heartbeat lost the version race, aborting executor")
		}
		abort()
		return
	}
}

// claim is finalize Phase A under the session mutex.
func (w *Worker) claim(ctx context.Context, session *leaseSession, runID, leaseToken, finalizeToken string) (bool, error) {
	session.mu.Lock()
	defer session.mu.Unlock()
	claimed, err := w.store.ClaimProcessing(ctx, runID, session.version, leaseToken, finalizeToken)
	if err == nil && claimed {
		session.version++
	}
	return claimed, err
}

// finalizeSuccess uploads the envelope and runs claim -> settle -> commit.
func (w *Worker) finalizeSuccess(ctx context.Context, logger zerolog.Logger, session *leaseSession, r *run.Run, leaseToken string, res *pack.Result, d *queue.Delivery) {
	actual := res.ActualMicros
	if actual < 0 {
		actual = 0
	}
	if actual > r.ReservedMicros {
		logger.Warn().
			Int64("actual_micros", res.ActualMicros).
			Int64("reserved_micros", r.ReservedMicros).
			Msg("metered cost exceeds reservation, clipping")
		actual = r.ReservedMicros
	}

	envelope, err := json.Marshal(run.Envelope{
		SchemaVersion: run.EnvelopeSchemaVersion,
		RunID:         r.ID,
		PackType:      r.PackType,
		Status:        run.StatusCompleted,
		GeneratedAt:   time.Now().UTC(),
		Cost: run.EnvelopeCost{
			Reserved:   money.Format(r.ReservedMicros),
			Used:       money.Format(actual),
			MinimumFee: money.Format(r.MinimumFeeMicros),
		},
		Data:      res.Data,
		Artifacts: res.Artifacts,
		Meta:      run.EnvelopeMeta{TraceID: r.TraceID},
	})
	if err != nil {
		logger.Error().Err(err).Msg("envelope marshal failed")
		w.finalizeFailure(ctx, logger, session, r, leaseToken, fault.ReasonResultUploadFailed, d)
		return
	}

	key := run.ResultKey(r.TenantID, r.ID, r.CreatedAt)
	hash, err := w.blob.PutResult(ctx, key, envelope, r.ID, actual)
	if err != nil {
		logger.Error().Err(err).Str("key", key).Msg("result upload failed")
		w.finalizeFailure(ctx, logger, session, r, leaseToken, fault.ReasonResultUploadFailed, d)
		return
	}

	finalizeToken := run.NewToken()
	claimed, err := w.claim(ctx, session, r.ID, leaseToken, finalizeToken)
	if err != nil {
		logger.Error().Err(err).Msg("finalize claim errored, leaving message for redelivery")
		return
	}
	if !claimed {
		// Someone else owns the finalize. No settle, no second upload.
		metrics.FinalizeLostClaims.WithLabelValues("worker").Inc()
		logger.Info().Msg("lost the finalize claim, discarding message")
		w.deleteMessage(ctx, logger, d.ReceiptHandle)
		return
	}

	settle, err := w.ledger.Settle(ctx, r.TenantID, r.ID, actual)
	if err != nil {
		// Claimed but not settled: leave the message and let the reconciler
		// repair from the uploaded object.
		logger.Error().Err(err).Msg("CRITICAL: settle failed after claim, reconciler must repair")
		return
	}
	if !settle.OK {
		// Reservation already consumed or expired. The charge cannot be
		// re-applied; commit what we know and let the audit trail surface it.
		logger.Error().Str("code", settle.Code).Msg("CRITICAL: no reservation at settle time")
	}

	session.mu.Lock()
	version := session.version
	session.mu.Unlock()
	committed, err := w.store.CommitCompleted(ctx, store.CommitCompletedParams{
		RunID:         r.ID,
		Version:       version,
		FinalizeToken: finalizeToken,
		ActualMicros:  actual,
		ResultBucket:  w.blob.Bucket(),
		ResultKey:     key,
		ResultHash:    hash,
	})
	if err != nil || !committed {
		// The settle is done and the claim is ours; only the reconciler can
		// finish the job now. Keep the message so nothing is silently lost.
		logger.Error().Err(err).Bool("committed", committed).
			Msg("CRITICAL: finalize commit did not land, reconciler must repair")
		return
	}

	metrics.FinalizeTotal.WithLabelValues("worker", "completed").Inc()
	logger.Info().
		Int64("actual_micros", actual).
		Int64("refund_micros", settle.Refund).
		Str("result_key", key).
		Msg("run completed")
	w.deleteMessage(ctx, logger, d.ReceiptHandle)
}

// finalizeFailure drives a run the worker still owns to FAILED with the
// minimum fee settled. Used for timebox expiry and upload failures.
func (w *Worker) finalizeFailure(ctx context.Context, logger zerolog.Logger, session *leaseSession, r *run.Run, leaseToken string, reason fault.Reason, d *queue.Delivery) {
	finalizeToken := run.NewToken()
	claimed, err := w.claim(ctx, session, r.ID, leaseToken, finalizeToken)
	if err != nil {
		logger.Error().Err(err).Msg("failure claim errored, leaving message for redelivery")
		return
	}
	if !claimed {
		metrics.FinalizeLostClaims.WithLabelValues("worker").Inc()
		logger.Info().Msg("lost the failure claim, discarding message")
		w.deleteMessage(ctx, logger, d.ReceiptHandle)
		return
	}

	fee := r.MinimumFeeMicros
	settle, err := w.ledger.Settle(ctx, r.TenantID, r.ID, fee)
	if err != nil {
		logger.Error().Err(err).Msg("CRITICAL: minimum-fee settle failed after claim, reconciler must repair")
		return
	}
	if !settle.OK {
		logger.Error().Str("code", settle.Code).Msg("CRITICAL: no reservation at minimum-fee settle")
	}

	session.mu.Lock()
	version := session.version
	session.mu.Unlock()
	committed, err := w.store.CommitFailed(ctx, store.CommitFailedParams{
		RunID:         r.ID,
		Version:       version,
		FinalizeToken: finalizeToken,
		ActualMicros:  &fee,
		MoneyState:    run.MoneySettled,
		Reason:        string(reason),
	})
	if err != nil || !committed {
		logger.Error().Err(err).Bool("committed", committed).
			Msg("CRITICAL: failure commit did not land, reconciler must repair")
		return
	}

	metrics.FinalizeTotal.WithLabelValues("worker", "failed").Inc()
	logger.Warn().
		Str("reason", string(reason)).
		Int64("fee_micros", fee).
		Msg("run failed and settled at minimum fee")
	w.deleteMessage(ctx, logger, d.ReceiptHandle)
}

func (w *Worker) deleteMessage(ctx context.Context, logger zerolog.Logger, receiptHandle string) {
	if err := w.queue.Delete(ctx, receiptHandle); err != nil {
		logger.Warn().Err(err).Msg("queue delete failed; the redelivery will be discarded")
	}
}
