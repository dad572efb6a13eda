package ledger

import "errors"

// Error taxonomy surfaced to callers. Stores and the ingestion gateway wrap
// these sentinels with fmt.Errorf and %w so callers can branch with errors.Is
// while still seeing the underlying detail.
var (
	// ErrNotFound is returned for queries against an unknown transaction hash
	ErrNotFound = errors.New("transaction not found")

	// ErrInvalidEvent marks a structurally malformed event, or one missing
	// fields its kind requires. Invalid events are rejected at ingestion and
	// never persisted; retrying them cannot succeed.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrDuplicateKey marks a re-ingested hash whose immutable fields (kind,
	// tokenId, contractAddress) disagree with the persisted record. This is a
	// data-integrity conflict, never silently merged.
	ErrDuplicateKey = errors.New("duplicate transaction hash with conflicting fields")

	// ErrTerminalState marks an attempted transition on a Confirmed or Failed
	// record. Terminal states accept no further transitions.
	ErrTerminalState = errors.New("record is in a terminal state")

	// ErrUnavailable marks a transient storage failure. At-least-once delivery
	// from the chain watcher makes caller-side retries safe.
	ErrUnavailable = errors.New("store unavailable")
)
