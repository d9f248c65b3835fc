// Package submit implements the submission side of the run lifecycle: the
// idempotency gate, budget reservation, the authoritative insert, the work
// queue handoff, and status polls with result pointers.
//
// Ordering on the hot path is what makes retries safe: the idempotency lock
// excludes concurrent duplicates, the mapping collapses later duplicates into
// a replay, the reservation precedes the insert (the run id keys the
// reservation record), and an enqueue failure compensates by refunding and
// driving the fresh row straight to terminal.
package submit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/kelpejol/fermata/internal/config"
	"github.com/kelpejol/fermata/internal/fault"
	"github.com/kelpejol/fermata/internal/ledger"
	"github.com/kelpejol/fermata/internal/metrics"
	"github.com/kelpejol/fermata/internal/money"
	"github.com/kelpejol/fermata/internal/queue"
	"github.com/kelpejol/fermata/internal/run"
	"github.com/kelpejol/fermata/internal/store"
)

// RunStore is the slice of the run repository the submission service uses.
type RunStore interface {
	Insert(ctx context.Context, r *run.Run) error
	Get(ctx context.Context, runID string) (*run.Run, error)
	MarkEnqueueFailed(ctx context.Context, runID string, version int64) (bool, error)
}

// Enqueuer hands accepted runs to the work queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg queue.Message) error
}

// ResultPresigner mints short-lived download URLs for completed runs.
type ResultPresigner interface {
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Request is one POST /v1/runs body. The idempotency key normally arrives in
// the Idempotency-Key header; the body field covers clients that cannot set
// headers. Header wins when both are present.
type Request struct {
	PackType       string          `json:"pack_type" validate:"required,max=64"`
	Inputs         json.RawMessage `json:"inputs"`
	Reservation    Reservation     `json:"reservation"`
	Meta           *Meta           `json:"meta,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// Reservation is the budget section of a submission.
type Reservation struct {
	MaxCost    string `json:"max_cost" validate:"required"`
	TimeboxSec int    `json:"timebox_sec" validate:"required,min=1"`

	// Accepted for forward compatibility with pack routing; the engine
	// does not act on it.
	MinReliabilityScore *float64 `json:"min_reliability_score,omitempty"`
}

// Meta carries client trace hints. Excluded from the payload fingerprint.
type Meta struct {
	TraceID string `json:"trace_id,omitempty"`
}

// Receipt is the 202 response body.
type Receipt struct {
	RunID          string     `json:"run_id"`
	Status         run.Status `json:"status"`
	Reserved       string     `json:"reserved"`
	PollIntervalMS int        `json:"poll_interval_ms"`
}

// Cost carries the display strings rendered into the cost headers and the
// poll body. One source so body and headers always agree.
type Cost struct {
	Reserved         string
	Used             string
	BalanceRemaining string
}

// SubmitResult is a successful submission outcome, fresh or replayed.
type SubmitResult struct {
	Receipt  Receipt
	Cost     Cost
	Replayed bool
}

// ResultPointer is the download section of a COMPLETED poll body.
type ResultPointer struct {
	URL        string `json:"url"`
	Hash       string `json:"hash"`
	TTLSeconds int    `json:"url_ttl_seconds"`
}

// FailureInfo is the error section of a FAILED poll body.
type FailureInfo struct {
	ReasonCode string `json:"reason_code"`
	Detail     string `json:"detail"`
}

// CostBody is the cost breakdown inside poll bodies.
type CostBody struct {
	Reserved         string `json:"reserved"`
	Used             string `json:"used"`
	MinimumFee       string `json:"minimum_fee"`
	BalanceRemaining string `json:"balance_remaining"`
}

// PollBody is the GET /v1/runs/{run_id} response body.
type PollBody struct {
	RunID          string         `json:"run_id"`
	Status         run.Status     `json:"status"`
	PollIntervalMS int            `json:"poll_interval_ms,omitempty"`
	Result         *ResultPointer `json:"result,omitempty"`
	Error          *FailureInfo   `json:"error,omitempty"`
	Cost           CostBody       `json:"cost"`
}

// PollResult is a successful poll outcome.
type PollResult struct {
	Body PollBody
	Cost Cost
}

// Service orchestrates submissions and polls. Safe for concurrent use.
type Service struct {
	cfg      *config.Config
	ledger   *ledger.Ledger
	store    RunStore
	queue    Enqueuer
	presign  ResultPresigner
	validate *validator.Validate
	log      zerolog.Logger
}

// NewService wires the submission service.
func NewService(cfg *config.Config, ledg *ledger.Ledger, st RunStore, q Enqueuer, presign ResultPresigner, logger zerolog.Logger) *Service {
	return &Service{
		cfg:      cfg,
		ledger:   ledg,
		store:    st,
		queue:    q,
		presign:  presign,
		validate: validator.New(),
		log:      logger.With().Str("component", "submit").Logger(),
	}
}

// Submit runs the full submission sequence for one request body and returns
// a receipt. Replays of a completed submission return the original receipt
// without touching the ledger.
func (s *Service) Submit(ctx context.Context, tenantID string, body []byte, headerIdemKey string) (*SubmitResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SubmitTimeout())
	defer cancel()

	req, idemKey, err := s.parseRequest(body, headerIdemKey)
	if err != nil {
		metrics.SubmissionsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	reservedMicros, err := money.Parse(req.Reservation.MaxCost)
	if err != nil {
		metrics.SubmissionsTotal.WithLabelValues("rejected").Inc()
		if errors.Is(err, money.ErrScale) {
			return nil, fault.Newf(fault.ReasonInvalidMoneyScale,
				"max_cost must be a positive decimal with at most %d fractional digits", money.MaxDisplayScale)
		}
		return nil, fault.New(fault.ReasonValidationFailed, "max_cost out of range")
	}

	fingerprint, err := run.Fingerprint(body)
	if err != nil {
		metrics.SubmissionsTotal.WithLabelValues("rejected").Inc()
		return nil, fault.Wrap(err, fault.ReasonValidationFailed, "request body is not a JSON object")
	}

	lockToken, acquired, err := s.ledger.AcquireIdemLock(ctx, tenantID, idemKey)
	if err != nil {
		return nil, fault.Wrap(err, fault.ReasonInternal, "idempotency lock unavailable")
	}
	if !acquired {
		// Another submission with this key is mid-flight or just finished.
		res, found, err := s.replayFromMapping(ctx, tenantID, idemKey, fingerprint)
		if err != nil || found {
			return res, err
		}
		metrics.SubmissionsTotal.WithLabelValues("retry").Inc()
		retryErr := fault.New(fault.ReasonIdempotencyRetry, "a submission with this idempotency key is in flight; retry shortly")
		retryErr.RetryAfter = ledger.IdemLockTTL
		return nil, retryErr
	}
	// TTL-driven release covers every path where this fails or never runs.
	defer func() {
		if err := s.ledger.ReleaseIdemLock(context.Background(), tenantID, idemKey, lockToken); err != nil {
			s.log.Warn().Err(err).Msg("idempotency lock release failed")
		}
	}()

	// Re-check under the lock: the mapping may have landed between the
	// lock-free read window and our acquisition.
	res, found, err := s.replayFromMapping(ctx, tenantID, idemKey, fingerprint)
	if err != nil || found {
		return res, err
	}

	return s.acceptRun(ctx, tenantID, idemKey, fingerprint, req, reservedMicros)
}

// acceptRun executes reserve -> insert -> mapping -> enqueue for a brand-new
// submission holding the idempotency lock.
func (s *Service) acceptRun(ctx context.Context, tenantID, idemKey, fingerprint string, req *Request, reservedMicros int64) (*SubmitResult, error) {
	runID := run.NewID()

	reserve, err := s.ledger.Reserve(ctx, tenantID, runID, reservedMicros)
	if err != nil {
		return nil, fault.Wrap(err, fault.ReasonInternal, "reservation failed")
	}
	if !reserve.OK {
		if reserve.Code == ledger.CodeInsufficient {
			metrics.SubmissionsTotal.WithLabelValues("drained").Inc()
			return nil, fault.Newf(fault.ReasonBudgetDrained,
				"balance %s is below the requested reservation %s",
				money.Format(reserve.Balance), money.Format(reservedMicros))
		}
		// ALREADY_RESERVED against a freshly minted run id means broken id
		// entropy or a replayed script; either way it is our bug.
		metrics.SubmissionsTotal.WithLabelValues("error").Inc()
		return nil, fault.Newf(fault.ReasonInternal, "reservation rejected with %s", reserve.Code)
	}

	now := time.Now().UTC()
	r := &run.Run{
		ID:                 runID,
		TenantID:           tenantID,
		PackType:           req.PackType,
		Status:             run.StatusQueued,
		MoneyState:         run.MoneyReserved,
		IdempotencyKey:     idemKey,
		PayloadFingerprint: fingerprint,
		Version:            0,
		ReservedMicros:     reservedMicros,
		MinimumFeeMicros: money.MinimumFee(reservedMicros,
			s.cfg.MinimumFeeRate, s.cfg.MinimumFeeFloorMicros, s.cfg.MinimumFeeCeilMicros),
		Inputs:         req.Inputs,
		TimeboxSec:     req.Reservation.TimeboxSec,
		RetentionUntil: now.Add(s.cfg.Retention()),
		CreatedAt:      now,
	}
	if req.Meta != nil {
		r.TraceID = req.Meta.TraceID
	}

	if err := s.store.Insert(ctx, r); err != nil {
		s.refundOrphan(tenantID, runID)
		if errors.Is(err, store.ErrDuplicateIdempotencyKey) {
			// The unique index caught a duplicate the mapping no longer
			// remembers (mapping TTL outlived by the row, or cache loss).
			metrics.SubmissionsTotal.WithLabelValues("conflict").Inc()
			return nil, fault.New(fault.ReasonIdempotencyConflict, "idempotency key already used")
		}
		metrics.SubmissionsTotal.WithLabelValues("error").Inc()
		return nil, fault.Wrap(err, fault.ReasonInternal, "run insert failed")
	}

	if err := s.ledger.PutIdemMapping(ctx, tenantID, idemKey, runID, fingerprint, s.cfg.Retention()); err != nil {
		// Replays degrade to the unique-index conflict path; money is safe.
		s.log.Warn().Err(err).Str("run_id", runID).Msg("idempotency mapping write failed")
	}

	if err := s.queue.Enqueue(ctx, queue.Message{
		RunID:    runID,
		TenantID: tenantID,
		PackType: req.PackType,
	}); err != nil {
		s.log.Error().Err(err).Str("run_id", runID).Msg("enqueue failed, refunding reservation")
		s.refundOrphan(tenantID, runID)
		if _, err := s.store.MarkEnqueueFailed(context.Background(), runID, 0); err != nil {
			s.log.Error().Err(err).Str("run_id", runID).Msg("enqueue-failed terminal update failed")
		}
		metrics.SubmissionsTotal.WithLabelValues("enqueue_failed").Inc()
		failErr := fault.New(fault.ReasonQueueEnqueueFailed, "work queue unavailable; reservation refunded")
		failErr.RunID = runID
		return nil, failErr
	}

	metrics.SubmissionsTotal.WithLabelValues("accepted").Inc()
	s.log.Info().
		Str("tenant_id", tenantID).
		Str("run_id", runID).
		Str("pack_type", req.PackType).
		Int64("reserved_micros", reservedMicros).
		Msg("run accepted")

	return &SubmitResult{
		Receipt: Receipt{
			RunID:          runID,
			Status:         run.StatusQueued,
			Reserved:       money.Format(reservedMicros),
			PollIntervalMS: s.cfg.PollIntervalMS,
		},
		Cost: Cost{
			Reserved:         money.Format(reservedMicros),
			Used:             money.Format(0),
			BalanceRemaining: money.Format(reserve.Balance),
		},
	}, nil
}

// replayFromMapping applies the three-way idempotency branch. found=false
// with a nil error means no mapping exists and the caller may proceed.
func (s *Service) replayFromMapping(ctx context.Context, tenantID, idemKey, fingerprint string) (*SubmitResult, bool, error) {
	mapping, err := s.ledger.GetIdemMapping(ctx, tenantID, idemKey)
	if err != nil {
		return nil, false, fault.Wrap(err, fault.ReasonInternal, "idempotency mapping unavailable")
	}
	if mapping == nil {
		return nil, false, nil
	}
	if mapping.Fingerprint != fingerprint {
		metrics.SubmissionsTotal.WithLabelValues("conflict").Inc()
		return nil, false, fault.New(fault.ReasonIdempotencyConflict,
			"idempotency key reused with a different payload")
	}

	r, err := s.store.Get(ctx, mapping.RunID)
	if err != nil {
		return nil, false, fault.Wrap(err, fault.ReasonInternal, "replay lookup failed")
	}
	balance, err := s.ledger.GetBalance(ctx, tenantID)
	if err != nil {
		return nil, false, fault.Wrap(err, fault.ReasonInternal, "balance lookup failed")
	}

	used := int64(0)
	if r.ActualMicros != nil {
		used = *r.ActualMicros
	}

	metrics.SubmissionsTotal.WithLabelValues("replayed").Inc()
	s.log.Info().
		Str("tenant_id", tenantID).
		Str("run_id", r.ID).
		Msg("submission replayed from idempotency mapping")

	return &SubmitResult{
		Receipt: Receipt{
			RunID:          r.ID,
			Status:         r.Status,
			Reserved:       money.Format(r.ReservedMicros),
			PollIntervalMS: s.cfg.PollIntervalMS,
		},
		Cost: Cost{
			Reserved:         money.Format(r.ReservedMicros),
			Used:             money.Format(used),
			BalanceRemaining: money.Format(balance),
		},
		Replayed: true,
	}, true, nil
}

// Poll serves GET /v1/runs/{run_id} for the authenticated tenant.
func (s *Service) Poll(ctx context.Context, tenantID, runID string) (*PollResult, error) {
	allowed, retryAfter, err := s.ledger.AllowPoll(ctx, tenantID, s.cfg.RateLimitPollPerMinute)
	if err != nil {
		return nil, fault.Wrap(err, fault.ReasonInternal, "rate limiter unavailable")
	}
	if !allowed {
		metrics.RateLimitRejections.Inc()
		limitErr := fault.New(fault.ReasonRateLimited, "poll rate limit exceeded")
		limitErr.RetryAfter = retryAfter
		return nil, limitErr
	}

	r, err := s.store.Get(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fault.New(fault.ReasonRunNotFound, "run not found")
		}
		return nil, fault.Wrap(err, fault.ReasonInternal, "run lookup failed")
	}
	// Stealth policy: a mismatched tenant sees exactly what a missing run
	// produces.
	if r.TenantID != tenantID {
		return nil, fault.New(fault.ReasonRunNotFound, "run not found")
	}
	if r.Status == run.StatusExpired || time.Now().After(r.RetentionUntil) {
		expErr := fault.New(fault.ReasonRunExpired, "run is past its retention window")
		expErr.RunID = runID
		return nil, expErr
	}

	balance, err := s.ledger.GetBalance(ctx, tenantID)
	if err != nil {
		return nil, fault.Wrap(err, fault.ReasonInternal, "balance lookup failed")
	}

	used := int64(0)
	if r.ActualMicros != nil {
		used = *r.ActualMicros
	}
	cost := Cost{
		Reserved:         money.Format(r.ReservedMicros),
		Used:             money.Format(used),
		BalanceRemaining: money.Format(balance),
	}
	body := PollBody{
		RunID:  r.ID,
		Status: r.Status,
		Cost: CostBody{
			Reserved:         cost.Reserved,
			Used:             cost.Used,
			MinimumFee:       money.Format(r.MinimumFeeMicros),
			BalanceRemaining: cost.BalanceRemaining,
		},
	}

	switch r.Status {
	case run.StatusQueued, run.StatusProcessing:
		body.PollIntervalMS = s.cfg.PollIntervalMS

	case run.StatusCompleted:
		url, err := s.presign.PresignGet(ctx, r.ResultKey, s.cfg.PresignTTL())
		if err != nil {
			return nil, fault.Wrap(err, fault.ReasonInternal, "result URL generation failed")
		}
		body.Result = &ResultPointer{
			URL:        url,
			Hash:       r.ResultHash,
			TTLSeconds: s.cfg.PresignTTLSeconds,
		}

	case run.StatusFailed:
		body.Error = &FailureInfo{
			ReasonCode: r.LastErrorReason,
			Detail:     failureDetail(r.LastErrorReason),
		}
	}

	return &PollResult{Body: body, Cost: cost}, nil
}

// refundOrphan reverses a reservation whose run never became live. Runs on a
// detached context so compensation survives the request deadline.
func (s *Service) refundOrphan(tenantID, runID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := s.ledger.RefundFull(ctx, tenantID, runID)
	if err != nil {
		s.log.Error().Err(err).Str("run_id", runID).Msg("orphan refund failed; reservation TTL will drop it unrefunded")
		return
	}
	if !res.OK {
		s.log.Error().Str("run_id", runID).Str("code", res.Code).Msg("orphan refund found no reservation")
	}
}

// parseRequest decodes and validates the submission body and resolves the
// effective idempotency key.
func (s *Service) parseRequest(body []byte, headerIdemKey string) (*Request, string, error) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, "", fault.Wrap(err, fault.ReasonValidationFailed, "request body is not valid JSON")
	}

	idemKey := headerIdemKey
	if idemKey == "" {
		idemKey = req.IdempotencyKey
	}
	if err := validateIdemKey(idemKey); err != nil {
		return nil, "", err
	}

	if err := s.validate.Struct(&req); err != nil {
		return nil, "", fault.Wrap(err, fault.ReasonValidationFailed, validationDetail(err))
	}
	if req.Reservation.TimeboxSec > s.cfg.TimeboxSecMax {
		return nil, "", fault.Newf(fault.ReasonValidationFailed,
			"timebox_sec must be between 1 and %d", s.cfg.TimeboxSecMax)
	}

	return &req, idemKey, nil
}

func validateIdemKey(key string) error {
	if len(key) < 8 || len(key) > 64 {
		return fault.New(fault.ReasonValidationFailed, "idempotency key must be 8-64 characters")
	}
	for i := 0; i < len(key); i++ {
		if key[i] < 33 || key[i] > 126 {
			return fault.New(fault.ReasonValidationFailed, "idempotency key must contain only printable non-space ASCII")
		}
	}
	return nil
}

// validationDetail turns the first validator violation into a terse field
// message without leaking struct internals.
func validationDetail(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		f := verrs[0]
		switch f.Tag() {
		case "required":
			return fmt.Sprintf("%s is required", fieldName(f))
		case "min":
			return fmt.Sprintf("%s must be at least %s", fieldName(f), f.Param())
		case "max":
			return fmt.Sprintf("%s must be at most %s", fieldName(f), f.Param())
		}
		return fmt.Sprintf("%s is invalid", fieldName(f))
	}
	return "request validation failed"
}

func fieldName(f validator.FieldError) string {
	switch f.Field() {
	case "PackType":
		return "pack_type"
	case "MaxCost":
		return "reservation.max_cost"
	case "TimeboxSec":
		return "reservation.timebox_sec"
	}
	return f.Field()
}

// failureDetail maps terminal reason codes to a stable human sentence.
func failureDetail(reason string) string {
	switch fault.Reason(reason) {
	case fault.ReasonExecutorTimeout:
		return "the pack exceeded its timebox"
	case fault.ReasonWorkerTimeout:
		return "the worker lease expired before completion"
	case fault.ReasonReservationExpired:
		return "the run was never picked up and its reservation was refunded"
	case fault.ReasonResultUploadFailed:
		return "the result could not be stored"
	case fault.ReasonReconcileNoResult:
		return "the run was interrupted before producing a result"
	case fault.ReasonQueueEnqueueFailed:
		return "the run could not be queued and its reservation was refunded"
	}
	return "the run failed"
}
