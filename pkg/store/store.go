package store

import (
	"context"

	"github.com/openmarket/nft-ledger/pkg/ledger"
)

// QueryOptions represents options for listing operations
type QueryOptions struct {
	// Limit caps the number of records returned; 0 means backend default
	Limit int64
}

// Store is the contract every record-store backend must satisfy. It is the
// only writer of TransactionRecord state: the ingestion gateway and the query
// engine never mutate records outside this interface.
//
// Per-hash mutations (Upsert, ApplyConfirmationDelta, MarkFailed,
// ForceConfirm) are linearizable: concurrent calls against the same
// transaction hash serialize, confirmations are never lost, and the Confirmed
// transition fires exactly once. No ordering is guaranteed across distinct
// hashes.
type Store interface {
	// Initialize prepares the backend (connections, tables, indexes)
	Initialize(ctx context.Context) error

	// Close releases backend resources
	Close() error

	// Upsert inserts the record if its hash is unseen, setting it Pending
	// with zero confirmations. If the hash exists and the immutable fields
	// match, the persisted record is returned unchanged (re-observation).
	// If they conflict, the call fails with ledger.ErrDuplicateKey. Exactly
	// one of two concurrent creators wins; the other observes the winner's
	// record.
	Upsert(ctx context.Context, record *ledger.TransactionRecord) (*ledger.TransactionRecord, error)

	// GetByHash returns the record or ledger.ErrNotFound
	GetByHash(ctx context.Context, hash string) (*ledger.TransactionRecord, error)

	// ListByParty returns records where the address appears as buyer, seller
	// or creator, newest first
	ListByParty(ctx context.Context, address string, options *QueryOptions) ([]*ledger.TransactionRecord, error)

	// ListByToken returns records for a token, optionally filtered by kind
	// (empty kind means all), newest first
	ListByToken(ctx context.Context, tokenID int64, kind ledger.Kind, options *QueryOptions) ([]*ledger.TransactionRecord, error)

	// ListByKindStatus returns records matching both kind and status, newest
	// first. Backs the aggregation queries.
	ListByKindStatus(ctx context.Context, kind ledger.Kind, status ledger.Status, options *QueryOptions) ([]*ledger.TransactionRecord, error)

	// ApplyConfirmationDelta atomically increments the record's confirmation
	// counter by delta (>= 1) and flips Pending records that cross the
	// configured threshold to Confirmed, setting ConfirmedAt exactly once.
	// Returns ledger.ErrTerminalState for Confirmed or Failed records.
	ApplyConfirmationDelta(ctx context.Context, hash string, delta uint64) (*ledger.TransactionRecord, error)

	// MarkFailed transitions a Pending record to Failed. Returns
	// ledger.ErrTerminalState if the record is already Confirmed or Failed.
	MarkFailed(ctx context.Context, hash string) (*ledger.TransactionRecord, error)

	// ForceConfirm transitions a Pending record to Confirmed regardless of
	// its confirmation count. Operator-triggered corrections only.
	ForceConfirm(ctx context.Context, hash string) (*ledger.TransactionRecord, error)
}

// Factory creates and configures a specific store implementation
type Factory interface {
	// CreateStore creates a new store instance with the given configuration
	CreateStore(config map[string]interface{}) (Store, error)
}
