package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/openmarket/nft-ledger/pkg/ledger"
	"github.com/openmarket/nft-ledger/pkg/store"
	"github.com/shopspring/decimal"
)

func newRecord(hash string, kind ledger.Kind) *ledger.TransactionRecord {
	price := decimal.NewFromInt(2)
	r := &ledger.TransactionRecord{
		TransactionHash: hash,
		BlockNumber:     19000001,
		TokenID:         7,
		ContractAddress: "0xcontract",
		Kind:            kind,
		Currency:        ledger.DefaultCurrency,
		GasUsed:         "65000",
	}
	switch kind {
	case ledger.KindMint:
		r.Creator = "0xcreator"
	case ledger.KindPurchase:
		r.Buyer = "0xbuyer"
		r.Seller = "0xseller"
		r.Price = &price
	case ledger.KindListing:
		r.Seller = "0xseller"
		r.Price = &price
	}
	return r
}

func TestUpsertCreatesPending(t *testing.T) {
	s := NewMemoryStore(3)
	ctx := context.Background()

	created, err := s.Upsert(ctx, newRecord("0x1", ledger.KindMint))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created.Status != ledger.StatusPending {
		t.Fatalf("expected Pending, got %s", created.Status)
	}
	if created.Confirmations != 0 {
		t.Fatalf("expected 0 confirmations, got %d", created.Confirmations)
	}
	if created.CreatedAt.IsZero() {
		t.Fatal("createdAt not set")
	}
}

func TestUpsertIsIdempotentForReobservation(t *testing.T) {
	s := NewMemoryStore(3)
	ctx := context.Background()

	first, err := s.Upsert(ctx, newRecord("0x1", ledger.KindMint))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second, err := s.Upsert(ctx, newRecord("0x1", ledger.KindMint))
	if err != nil {
		t.Fatalf("re-observation should not fail: %v", err)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatal("re-observation changed createdAt")
	}
}

func TestUpsertRejectsStructuralMismatch(t *testing.T) {
	s := NewMemoryStore(3)
	ctx := context.Background()

	if _, err := s.Upsert(ctx, newRecord("0x1", ledger.KindMint)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	conflicting := newRecord("0x1", ledger.KindMint)
	conflicting.TokenID = 99
	if _, err := s.Upsert(ctx, conflicting); !errors.Is(err, ledger.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
}

func TestUpsertCreationRace(t *testing.T) {
	s := NewMemoryStore(3)
	ctx := context.Background()

	const writers = 32
	var wg sync.WaitGroup
	errs := make(chan error, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Upsert(ctx, newRecord("0xrace", ledger.KindMint))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent upsert failed: %v", err)
		}
	}

	record, err := s.GetByHash(ctx, "0xrace")
	if err != nil {
		t.Fatalf("winner record missing: %v", err)
	}
	if record.Confirmations != 0 || record.Status != ledger.StatusPending {
		t.Fatalf("race produced inconsistent record: %+v", record)
	}
}

func TestGetByHashNotFound(t *testing.T) {
	s := NewMemoryStore(3)
	if _, err := s.GetByHash(context.Background(), "0xmissing"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentDeltasLoseNothing(t *testing.T) {
	// Threshold high enough that nothing confirms during the run
	s := NewMemoryStore(1_000_000)
	ctx := context.Background()

	if _, err := s.Upsert(ctx, newRecord("0x1", ledger.KindMint)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	const workers = 50
	const deltasPerWorker = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < deltasPerWorker; j++ {
				if _, err := s.ApplyConfirmationDelta(ctx, "0x1", 1); err != nil {
					t.Errorf("delta failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	record, err := s.GetByHash(ctx, "0x1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := uint64(workers * deltasPerWorker); record.Confirmations != want {
		t.Fatalf("lost updates: expected %d confirmations, got %d", want, record.Confirmations)
	}
}

func TestConcurrentConfirmationFiresOnce(t *testing.T) {
	s := NewMemoryStore(3)
	ctx := context.Background()

	if _, err := s.Upsert(ctx, newRecord("0x1", ledger.KindMint)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	const workers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	confirmedSeen := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			record, err := s.ApplyConfirmationDelta(ctx, "0x1", 1)
			if err != nil {
				// Late increments hit the terminal state; that is the contract
				if !errors.Is(err, ledger.ErrTerminalState) {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if record.Status == ledger.StatusConfirmed && record.Confirmations == 3 {
				mu.Lock()
				confirmedSeen++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	record, err := s.GetByHash(ctx, "0x1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.Status != ledger.StatusConfirmed {
		t.Fatalf("expected Confirmed, got %s", record.Status)
	}
	if record.Confirmations != 3 {
		t.Fatalf("expected exactly 3 confirmations applied, got %d", record.Confirmations)
	}
	if confirmedSeen != 1 {
		t.Fatalf("confirmation transition observed %d times, expected once", confirmedSeen)
	}
	if record.ConfirmedAt == nil {
		t.Fatal("confirmedAt not set")
	}
}

func TestMarkFailedSemantics(t *testing.T) {
	s := NewMemoryStore(3)
	ctx := context.Background()

	if _, err := s.Upsert(ctx, newRecord("0x1", ledger.KindMint)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	failed, err := s.MarkFailed(ctx, "0x1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if failed.Status != ledger.StatusFailed {
		t.Fatalf("expected Failed, got %s", failed.Status)
	}

	if _, err := s.MarkFailed(ctx, "0x1"); !errors.Is(err, ledger.ErrTerminalState) {
		t.Fatalf("expected ErrTerminalState on repeat, got %v", err)
	}
	if _, err := s.ApplyConfirmationDelta(ctx, "0x1", 1); !errors.Is(err, ledger.ErrTerminalState) {
		t.Fatalf("expected ErrTerminalState on delta after failure, got %v", err)
	}

	// Confirmed records reject failure too
	if _, err := s.Upsert(ctx, newRecord("0x2", ledger.KindMint)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.ApplyConfirmationDelta(ctx, "0x2", 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.MarkFailed(ctx, "0x2"); !errors.Is(err, ledger.ErrTerminalState) {
		t.Fatalf("expected ErrTerminalState after confirmation, got %v", err)
	}
}

func TestForceConfirm(t *testing.T) {
	s := NewMemoryStore(3)
	ctx := context.Background()

	if _, err := s.Upsert(ctx, newRecord("0x1", ledger.KindMint)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	record, err := s.ForceConfirm(ctx, "0x1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.Status != ledger.StatusConfirmed || record.ConfirmedAt == nil {
		t.Fatalf("force-confirm did not confirm: %+v", record)
	}
	if _, err := s.ForceConfirm(ctx, "0x1"); !errors.Is(err, ledger.ErrTerminalState) {
		t.Fatalf("expected ErrTerminalState on repeat, got %v", err)
	}
}

func TestListQueries(t *testing.T) {
	s := NewMemoryStore(3)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		r := newRecord(fmt.Sprintf("0x%d", i), ledger.KindPurchase)
		r.TokenID = int64(i % 2)
		r.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if _, err := s.Upsert(ctx, r); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	mint := newRecord("0xmint", ledger.KindMint)
	mint.TokenID = 0
	mint.CreatedAt = base.Add(10 * time.Minute)
	if _, err := s.Upsert(ctx, mint); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	t.Run("by party newest first", func(t *testing.T) {
		records, err := s.ListByParty(ctx, "0xbuyer", nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(records) != 5 {
			t.Fatalf("expected 5 records, got %d", len(records))
		}
		for i := 1; i < len(records); i++ {
			if records[i].CreatedAt.After(records[i-1].CreatedAt) {
				t.Fatal("records not ordered newest first")
			}
		}
	})

	t.Run("by party creator", func(t *testing.T) {
		records, err := s.ListByParty(ctx, "0xcreator", nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(records) != 1 || records[0].TransactionHash != "0xmint" {
			t.Fatalf("expected only the mint, got %d records", len(records))
		}
	})

	t.Run("by token with kind filter", func(t *testing.T) {
		records, err := s.ListByToken(ctx, 0, ledger.KindPurchase, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for _, r := range records {
			if r.Kind != ledger.KindPurchase || r.TokenID != 0 {
				t.Fatalf("filter leaked record %+v", r)
			}
		}
		if len(records) != 3 {
			t.Fatalf("expected 3 purchases for token 0, got %d", len(records))
		}
	})

	t.Run("by kind and status", func(t *testing.T) {
		if _, err := s.ApplyConfirmationDelta(ctx, "0x0", 3); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		records, err := s.ListByKindStatus(ctx, ledger.KindPurchase, ledger.StatusConfirmed, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(records) != 1 || records[0].TransactionHash != "0x0" {
			t.Fatalf("expected the single confirmed purchase, got %d records", len(records))
		}
	})

	t.Run("limit", func(t *testing.T) {
		records, err := s.ListByParty(ctx, "0xbuyer", &store.QueryOptions{Limit: 2})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(records) != 2 {
			t.Fatalf("expected 2 records, got %d", len(records))
		}
	})
}

func TestClonesDoNotAliasStore(t *testing.T) {
	s := NewMemoryStore(3)
	ctx := context.Background()

	created, err := s.Upsert(ctx, newRecord("0x1", ledger.KindMint))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	created.Creator = "0xtampered"
	created.Confirmations = 99

	stored, err := s.GetByHash(ctx, "0x1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored.Creator != "0xcreator" || stored.Confirmations != 0 {
		t.Fatal("caller mutation leaked into store")
	}
}
