package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/openmarket/nft-ledger/pkg/ledger"
	"github.com/openmarket/nft-ledger/pkg/store/memory"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func newGateway(t *testing.T) (*Gateway, *memory.MemoryStore) {
	t.Helper()
	s := memory.NewMemoryStore(3)
	return NewGateway(s, zap.NewNop()), s
}

func mintEvent(hash string) *Event {
	return &Event{
		TransactionHash: hash,
		BlockNumber:     19000001,
		TokenID:         42,
		ContractAddress: "0xcontract",
		Kind:            ledger.KindMint,
		Creator:         "0xcreator",
		GasUsed:         "65000",
	}
}

func purchaseEvent(hash string) *Event {
	price := decimal.NewFromInt(3)
	return &Event{
		TransactionHash: hash,
		BlockNumber:     19000002,
		TokenID:         42,
		ContractAddress: "0xcontract",
		Kind:            ledger.KindPurchase,
		Buyer:           "0xbuyer",
		Seller:          "0xseller",
		Price:           &price,
		GasUsed:         "90000",
	}
}

func TestIngestMintThenConfirmations(t *testing.T) {
	g, _ := newGateway(t)
	ctx := context.Background()

	record, err := g.Ingest(ctx, mintEvent("0x1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.Status != ledger.StatusPending || record.Confirmations != 0 {
		t.Fatalf("fresh record not pending/zero: %+v", record)
	}
	if record.Currency != ledger.DefaultCurrency {
		t.Fatalf("currency default not applied: %q", record.Currency)
	}

	for i := 1; i <= 3; i++ {
		increment := mintEvent("0x1")
		increment.ConfirmationIncrement = 1
		record, err = g.Ingest(ctx, increment)
		if err != nil {
			t.Fatalf("increment %d failed: %v", i, err)
		}
		wantStatus := ledger.StatusPending
		if i == 3 {
			wantStatus = ledger.StatusConfirmed
		}
		if record.Status != wantStatus {
			t.Fatalf("after %d increments status = %s, want %s", i, record.Status, wantStatus)
		}
	}
	if record.ConfirmedAt == nil {
		t.Fatal("confirmedAt not set after third increment")
	}
}

func TestIngestRejectsPurchaseWithoutBuyer(t *testing.T) {
	g, s := newGateway(t)
	ctx := context.Background()

	event := purchaseEvent("0x1")
	event.Buyer = ""
	if _, err := g.Ingest(ctx, event); !errors.Is(err, ledger.ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}

	// Rejected events are never persisted
	if _, err := s.GetByHash(ctx, "0x1"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("invalid event was persisted: %v", err)
	}
}

func TestIngestCumulativeIncrementsAcrossDeliveries(t *testing.T) {
	g, _ := newGateway(t)
	ctx := context.Background()

	first := mintEvent("0x1")
	first.ConfirmationIncrement = 2
	if _, err := g.Ingest(ctx, first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second := mintEvent("0x1")
	second.ConfirmationIncrement = 1
	record, err := g.Ingest(ctx, second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.Confirmations != 3 {
		t.Fatalf("expected cumulative confirmations 3, got %d", record.Confirmations)
	}
	if record.Status != ledger.StatusConfirmed {
		t.Fatalf("expected Confirmed, got %s", record.Status)
	}
}

func TestIngestIdenticalRedeliveryIsNoop(t *testing.T) {
	g, s := newGateway(t)
	ctx := context.Background()

	if _, err := g.Ingest(ctx, mintEvent("0x1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := g.Ingest(ctx, mintEvent("0x1")); err != nil {
		t.Fatalf("identical redelivery should be a no-op, got %v", err)
	}

	record, err := s.GetByHash(ctx, "0x1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.Confirmations != 0 {
		t.Fatalf("redelivery changed confirmations: %d", record.Confirmations)
	}
}

func TestIngestStructuralMismatchIsConflict(t *testing.T) {
	g, _ := newGateway(t)
	ctx := context.Background()

	if _, err := g.Ingest(ctx, mintEvent("0x1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	conflicting := mintEvent("0x1")
	conflicting.TokenID = 99
	if _, err := g.Ingest(ctx, conflicting); !errors.Is(err, ledger.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
}

func TestIngestFailureSignal(t *testing.T) {
	g, _ := newGateway(t)
	ctx := context.Background()

	if _, err := g.Ingest(ctx, mintEvent("0x1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	failure := mintEvent("0x1")
	failure.Failed = true
	record, err := g.Ingest(ctx, failure)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.Status != ledger.StatusFailed {
		t.Fatalf("expected Failed, got %s", record.Status)
	}

	// Redelivered failure signals collapse to a no-op
	if _, err := g.Ingest(ctx, failure); err != nil {
		t.Fatalf("redelivered failure should be a no-op, got %v", err)
	}

	// But confirmation signals for a failed record are rejected
	increment := mintEvent("0x1")
	increment.ConfirmationIncrement = 1
	if _, err := g.Ingest(ctx, increment); !errors.Is(err, ledger.ErrTerminalState) {
		t.Fatalf("expected ErrTerminalState, got %v", err)
	}
}

func TestIngestStaleConfirmationAfterConfirmed(t *testing.T) {
	g, _ := newGateway(t)
	ctx := context.Background()

	event := mintEvent("0x1")
	event.ConfirmationIncrement = 3
	record, err := g.Ingest(ctx, event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.Status != ledger.StatusConfirmed {
		t.Fatalf("setup: expected Confirmed, got %s", record.Status)
	}

	// A catch-up increment arriving after confirmation is swallowed
	stale := mintEvent("0x1")
	stale.ConfirmationIncrement = 2
	record, err = g.Ingest(ctx, stale)
	if err != nil {
		t.Fatalf("stale increment should be a no-op, got %v", err)
	}
	if record.Confirmations != 3 {
		t.Fatalf("stale increment mutated confirmations: %d", record.Confirmations)
	}
}

func TestIngestFailureAfterConfirmedIsRejected(t *testing.T) {
	g, _ := newGateway(t)
	ctx := context.Background()

	event := mintEvent("0x1")
	event.ConfirmationIncrement = 3
	if _, err := g.Ingest(ctx, event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	failure := mintEvent("0x1")
	failure.Failed = true
	if _, err := g.Ingest(ctx, failure); !errors.Is(err, ledger.ErrTerminalState) {
		t.Fatalf("expected ErrTerminalState, got %v", err)
	}
}
