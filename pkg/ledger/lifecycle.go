package ledger

import (
	"fmt"
	"time"
)

// DefaultConfirmationThreshold is the confirmation count at which a pending
// transaction is treated as final. Process-wide, overridable via store config.
const DefaultConfirmationThreshold = 3

// ApplyConfirmations advances the record's confirmation counter by delta and
// flips the status to Confirmed when the counter crosses the threshold. The
// crossing condition (>=, not ==) keeps catch-up batches that overshoot the
// threshold in a single delta safe.
//
// The record is mutated in place; callers are expected to hold whatever lock
// serializes access to it, or to run this inside an atomic read-modify-write
// against durable storage.
func ApplyConfirmations(r *TransactionRecord, delta, threshold uint64, now time.Time) error {
	if delta < 1 {
		return fmt.Errorf("%w: confirmation delta must be >= 1, got %d", ErrInvalidEvent, delta)
	}
	if r.Status != StatusPending {
		return fmt.Errorf("%w: cannot confirm %s record %s", ErrTerminalState, r.Status, r.TransactionHash)
	}

	r.Confirmations += delta
	if r.Confirmations >= threshold {
		r.Status = StatusConfirmed
		t := now.UTC()
		r.ConfirmedAt = &t
	}
	return nil
}

// Fail transitions a Pending record to Failed. Confirmed and Failed records
// are terminal and reject the transition.
func Fail(r *TransactionRecord) error {
	if r.Status != StatusPending {
		return fmt.Errorf("%w: cannot fail %s record %s", ErrTerminalState, r.Status, r.TransactionHash)
	}
	r.Status = StatusFailed
	return nil
}

// Confirm transitions a Pending record straight to Confirmed, regardless of
// its confirmation count. Used by operator-triggered corrections only.
func Confirm(r *TransactionRecord, now time.Time) error {
	if r.Status != StatusPending {
		return fmt.Errorf("%w: cannot confirm %s record %s", ErrTerminalState, r.Status, r.TransactionHash)
	}
	r.Status = StatusConfirmed
	t := now.UTC()
	r.ConfirmedAt = &t
	return nil
}
