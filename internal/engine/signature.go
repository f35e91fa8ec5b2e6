package engine

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// DefaultCallbackTolerance bounds how far a callback timestamp may drift
// from server time before the callback is rejected as stale.
const DefaultCallbackTolerance = 5 * time.Minute

// ComputeCallbackSignature returns the hex HMAC-SHA256 of the raw request
// body concatenated with the ASCII decimal timestamp, keyed by the tenant's
// shared secret. Callers sign exactly the bytes they send; any mutation of
// body or timestamp invalidates the signature.
func ComputeCallbackSignature(secret string, body []byte, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	mac.Write([]byte(timestamp))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyCallback checks freshness first, then the signature in constant
// time. A failure here must leave no trace in the idempotency ledger, so
// verification happens before any ledger read.
func VerifyCallback(secret string, body []byte, timestamp, signature string, now time.Time, tolerance time.Duration) error {
	if tolerance <= 0 {
		tolerance = DefaultCallbackTolerance
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("parse callback timestamp %q: %w", timestamp, ErrStaleTimestamp)
	}
	drift := now.Sub(time.Unix(ts, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > tolerance {
		return ErrStaleTimestamp
	}

	expected := ComputeCallbackSignature(secret, body, timestamp)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}
