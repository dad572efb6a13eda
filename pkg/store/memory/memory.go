package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openmarket/nft-ledger/pkg/ledger"
	"github.com/openmarket/nft-ledger/pkg/store"
)

// MemoryStore is an in-process implementation of the Store interface. It backs
// tests and local development; every test case gets its own isolated instance.
//
// A single mutex serializes all mutations, which trivially satisfies the
// per-hash linearizability contract. Records are cloned on the way in and out
// so callers never alias persisted state.
type MemoryStore struct {
	mu        sync.RWMutex
	records   map[string]*ledger.TransactionRecord
	threshold uint64
}

// MemoryFactory creates in-memory store instances
type MemoryFactory struct{}

// NewMemoryFactory creates a new in-memory store factory
func NewMemoryFactory() *MemoryFactory {
	return &MemoryFactory{}
}

// CreateStore implements the Factory interface
func (f *MemoryFactory) CreateStore(config map[string]interface{}) (store.Store, error) {
	return NewMemoryStore(store.ThresholdFromConfig(config)), nil
}

// NewMemoryStore creates a new in-memory store with the given confirmation
// threshold.
func NewMemoryStore(threshold uint64) *MemoryStore {
	if threshold == 0 {
		threshold = ledger.DefaultConfirmationThreshold
	}
	return &MemoryStore{
		records:   make(map[string]*ledger.TransactionRecord),
		threshold: threshold,
	}
}

// Initialize implements the Store interface
func (s *MemoryStore) Initialize(ctx context.Context) error {
	return nil
}

// Close implements the Store interface
func (s *MemoryStore) Close() error {
	return nil
}

// Upsert implements the Store interface
func (s *MemoryStore) Upsert(ctx context.Context, record *ledger.TransactionRecord) (*ledger.TransactionRecord, error) {
	if record == nil || record.TransactionHash == "" {
		return nil, fmt.Errorf("%w: record must carry a transactionHash", ledger.ErrInvalidEvent)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[record.TransactionHash]; ok {
		if !existing.StructurallyEqual(record) {
			return nil, fmt.Errorf("%w: hash %s already persisted with kind=%s tokenId=%d contract=%s",
				ledger.ErrDuplicateKey, existing.TransactionHash, existing.Kind, existing.TokenID, existing.ContractAddress)
		}
		return existing.Clone(), nil
	}

	created := record.Clone()
	created.Status = ledger.StatusPending
	created.Confirmations = 0
	created.ConfirmedAt = nil
	if created.CreatedAt.IsZero() {
		created.CreatedAt = time.Now().UTC()
	}
	s.records[created.TransactionHash] = created
	return created.Clone(), nil
}

// GetByHash implements the Store interface
func (s *MemoryStore) GetByHash(ctx context.Context, hash string) (*ledger.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrNotFound, hash)
	}
	return record.Clone(), nil
}

// ListByParty implements the Store interface
func (s *MemoryStore) ListByParty(ctx context.Context, address string, options *store.QueryOptions) ([]*ledger.TransactionRecord, error) {
	return s.list(options, func(r *ledger.TransactionRecord) bool {
		return r.InvolvesParty(address)
	})
}

// ListByToken implements the Store interface
func (s *MemoryStore) ListByToken(ctx context.Context, tokenID int64, kind ledger.Kind, options *store.QueryOptions) ([]*ledger.TransactionRecord, error) {
	return s.list(options, func(r *ledger.TransactionRecord) bool {
		return r.TokenID == tokenID && (kind == "" || r.Kind == kind)
	})
}

// ListByKindStatus implements the Store interface
func (s *MemoryStore) ListByKindStatus(ctx context.Context, kind ledger.Kind, status ledger.Status, options *store.QueryOptions) ([]*ledger.TransactionRecord, error) {
	return s.list(options, func(r *ledger.TransactionRecord) bool {
		return r.Kind == kind && r.Status == status
	})
}

// list scans all records under the read lock and returns clones of the ones
// matching the predicate, newest first.
func (s *MemoryStore) list(options *store.QueryOptions, match func(*ledger.TransactionRecord) bool) ([]*ledger.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]*ledger.TransactionRecord, 0)
	for _, record := range s.records {
		if match(record) {
			results = append(results, record.Clone())
		}
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})

	if options != nil && options.Limit > 0 && int64(len(results)) > options.Limit {
		results = results[:options.Limit]
	}
	return results, nil
}

// ApplyConfirmationDelta implements the Store interface
func (s *MemoryStore) ApplyConfirmationDelta(ctx context.Context, hash string, delta uint64) (*ledger.TransactionRecord, error) {
	return s.mutate(hash, func(record *ledger.TransactionRecord) error {
		return ledger.ApplyConfirmations(record, delta, s.threshold, time.Now())
	})
}

// MarkFailed implements the Store interface
func (s *MemoryStore) MarkFailed(ctx context.Context, hash string) (*ledger.TransactionRecord, error) {
	return s.mutate(hash, ledger.Fail)
}

// ForceConfirm implements the Store interface
func (s *MemoryStore) ForceConfirm(ctx context.Context, hash string) (*ledger.TransactionRecord, error) {
	return s.mutate(hash, func(record *ledger.TransactionRecord) error {
		return ledger.Confirm(record, time.Now())
	})
}

// mutate runs a lifecycle transition against the persisted record under the
// write lock. The transition sees and modifies the stored record directly, so
// the whole read-modify-write is one atomic step.
func (s *MemoryStore) mutate(hash string, transition func(*ledger.TransactionRecord) error) (*ledger.TransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrNotFound, hash)
	}
	if err := transition(record); err != nil {
		return nil, err
	}
	return record.Clone(), nil
}
