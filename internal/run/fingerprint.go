package run

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Fingerprint computes the canonical-JSON SHA-256 of a submission body.
//
// Canonical form: the body is decoded with number literals preserved
// verbatim, the top-level "meta" object (trace hints, client version
// strings) is dropped, and the result is re-encoded compactly. Object keys
// sort lexicographically on encode, so the fingerprint is stable under
// whitespace and key-order variation but changes whenever a significant
// field changes.
func Fingerprint(body []byte) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var payload map[string]interface{}
	if err := dec.Decode(&payload); err != nil {
		return "", fmt.Errorf("fingerprint decode: %w", err)
	}
	// Trailing garbage after the JSON value is not a valid body.
	if dec.More() {
		return "", fmt.Errorf("fingerprint decode: trailing data")
	}

	delete(payload, "meta")

	canonical, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("fingerprint encode: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
