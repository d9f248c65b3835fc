package run

import (
	"encoding/json"
	"time"
)

// EnvelopeSchemaVersion identifies the result envelope layout.
const EnvelopeSchemaVersion = "1.0"

// Envelope is the result document uploaded to the object store at the run's
// deterministic key. Cost figures are display strings; the authoritative
// integer amounts live on the run row and in the object metadata tags.
type Envelope struct {
	SchemaVersion string          `json:"schema_version"`
	RunID         string          `json:"run_id"`
	PackType      string          `json:"pack_type"`
	Status        Status          `json:"status"`
	GeneratedAt   time.Time       `json:"generated_at"`
	Cost          EnvelopeCost    `json:"cost"`
	Data          json.RawMessage `json:"data,omitempty"`
	Artifacts     json.RawMessage `json:"artifacts,omitempty"`
	Meta          EnvelopeMeta    `json:"meta"`
}

type EnvelopeCost struct {
	Reserved   string `json:"reserved"`
	Used       string `json:"used"`
	MinimumFee string `json:"minimum_fee"`
}

type EnvelopeMeta struct {
	TraceID        string `json:"trace_id,omitempty"`
	ProfileVersion string `json:"profile_version,omitempty"`
}
