// Package ratelimit protects the decision engine from abusive traffic with
// per-client sliding-window ceilings, burst detection and temporary
// block-listing.
//
// The guard is consulted once per request before any expensive work. It is
// deliberately fail-open: when a Provider reports an error (e.g. a networked
// counter store is down), the caller allows the request and logs the
// degradation — the detectors and cache remain the primary defense.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Result is the outcome of one limiter check.
type Result struct {
	Allowed    bool          `json:"allowed"`
	Reason     string        `json:"reason,omitempty"`
	RetryAfter time.Duration `json:"retry_after_ns,omitempty"`
}

// Provider is a source of rate limiting decisions. Implementations must be
// safe for concurrent use. Errors indicate provider failures (network, etc.),
// not denials; callers fail open on error.
type Provider interface {
	// Name returns a human-readable name for logging.
	Name() string

	// CheckAndRecord evaluates and books one request arrival for the client.
	CheckAndRecord(clientKey string) (Result, error)

	// RecordOutcome books the decision outcome for a prior request so the
	// guard can track flagged-content abuse.
	RecordOutcome(clientKey string, flagged bool) error
}

// HashClientID derives the guard's client key from a caller identity. Raw
// identifiers (IPs, account names) are never stored; only this hash is.
func HashClientID(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:8])
}
