// Package run defines the run entity and its two-axis state machine: the
// execution state (QUEUED through terminal) and the financial state (RESERVED
// through SETTLED/REFUNDED). Both live on the same row and advance together
// under optimistic-lock transitions; the store layer owns the CAS queries,
// this package owns the vocabulary.
package run

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the execution state of a run.
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusExpired    Status = "EXPIRED"
)

// Terminal reports whether the status admits no further execution.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// MoneyState is the financial state of a run.
type MoneyState string

const (
	MoneyNone     MoneyState = "NONE"
	MoneyReserved MoneyState = "RESERVED"
	MoneySettled  MoneyState = "SETTLED"
	MoneyRefunded MoneyState = "REFUNDED"
	MoneyDisputed MoneyState = "DISPUTED"
)

// FinalizeStage is the two-phase finalize cursor. The empty value maps to
// SQL NULL: no finalizer has claimed the run yet.
type FinalizeStage string

const (
	FinalizeNone      FinalizeStage = ""
	FinalizeClaimed   FinalizeStage = "CLAIMED"
	FinalizeCommitted FinalizeStage = "COMMITTED"
)

// Run is the authoritative record of one accepted submission.
//
// Nullable columns map to zero values (empty string, zero time) except
// ActualMicros, where zero is a legal settled amount and nil means unset.
type Run struct {
	ID                 string
	TenantID           string
	PackType           string
	Status             Status
	MoneyState         MoneyState
	IdempotencyKey     string
	PayloadFingerprint string
	Version            int64

	ReservedMicros   int64
	ActualMicros     *int64
	MinimumFeeMicros int64

	Inputs     json.RawMessage
	TimeboxSec int

	ResultBucket string
	ResultKey    string
	ResultHash   string

	RetentionUntil time.Time

	LeaseToken     string
	LeaseExpiresAt time.Time

	FinalizeStage     FinalizeStage
	FinalizeToken     string
	FinalizeClaimedAt time.Time

	LastErrorReason string
	TraceID         string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewID mints a run identifier: "run_" plus 32 hex characters of 128-bit
// randomness. Unguessable by construction, which is what makes the stealth
// 404 policy safe against enumeration.
func NewID() string {
	u := uuid.New()
	return "run_" + hex.EncodeToString(u[:])
}

// NewToken mints a lease or finalize token.
func NewToken() string {
	return uuid.NewString()
}

// ResultKey returns the deterministic object-store key for a run's result
// envelope. The date component comes from the run's creation time in UTC, so
// the worker and the reconciler always derive the same key without
// coordination.
func ResultKey(tenantID, runID string, createdAt time.Time) string {
	t := createdAt.UTC()
	return fmt.Sprintf("tenants/%s/%04d/%02d/%02d/%s/result.json",
		tenantID, t.Year(), int(t.Month()), t.Day(), runID)
}
