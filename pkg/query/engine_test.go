package query

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/openmarket/nft-ledger/pkg/ledger"
	"github.com/openmarket/nft-ledger/pkg/store/memory"
	"github.com/shopspring/decimal"
)

// seedPurchase persists a purchase and drives it to the requested status.
func seedPurchase(t *testing.T, s *memory.MemoryStore, hash string, tokenID int64, price, platformFee, royaltyFee string, status ledger.Status, createdAt time.Time) {
	t.Helper()
	ctx := context.Background()

	p := decimal.RequireFromString(price)
	record := &ledger.TransactionRecord{
		TransactionHash: hash,
		BlockNumber:     19000001,
		TokenID:         tokenID,
		ContractAddress: "0xcontract",
		Kind:            ledger.KindPurchase,
		Buyer:           "0xbuyer",
		Seller:          "0xseller",
		Price:           &p,
		PlatformFee:     decimal.RequireFromString(platformFee),
		RoyaltyFee:      decimal.RequireFromString(royaltyFee),
		Currency:        ledger.DefaultCurrency,
		GasUsed:         "90000",
		CreatedAt:       createdAt,
	}
	if _, err := s.Upsert(ctx, record); err != nil {
		t.Fatalf("seed upsert: %v", err)
	}
	switch status {
	case ledger.StatusConfirmed:
		if _, err := s.ApplyConfirmationDelta(ctx, hash, 3); err != nil {
			t.Fatalf("seed confirm: %v", err)
		}
	case ledger.StatusFailed:
		if _, err := s.MarkFailed(ctx, hash); err != nil {
			t.Fatalf("seed fail: %v", err)
		}
	}
}

func TestStatsSnapshot(t *testing.T) {
	s := memory.NewMemoryStore(3)
	engine := NewEngine(s)
	now := time.Now().UTC()

	// Three confirmed purchases with exact decimal prices and fees
	seedPurchase(t, s, "0x1", 1, "1.25", "0.03125", "0.0625", ledger.StatusConfirmed, now)
	seedPurchase(t, s, "0x2", 2, "2.50", "0.0625", "0.125", ledger.StatusConfirmed, now)
	seedPurchase(t, s, "0x3", 3, "0.75", "0.01875", "0.0375", ledger.StatusConfirmed, now)

	// Noise that must not be counted: pending, failed, and a confirmed mint
	seedPurchase(t, s, "0x4", 4, "100", "1", "1", ledger.StatusPending, now)
	seedPurchase(t, s, "0x5", 5, "100", "1", "1", ledger.StatusFailed, now)
	mint := &ledger.TransactionRecord{
		TransactionHash: "0x6",
		TokenID:         6,
		ContractAddress: "0xcontract",
		Kind:            ledger.KindMint,
		Creator:         "0xcreator",
		GasUsed:         "50000",
		CreatedAt:       now,
	}
	if _, err := s.Upsert(context.Background(), mint); err != nil {
		t.Fatalf("seed mint: %v", err)
	}
	if _, err := s.ApplyConfirmationDelta(context.Background(), "0x6", 3); err != nil {
		t.Fatalf("confirm mint: %v", err)
	}

	snapshot, err := engine.StatsSnapshot(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if snapshot.TotalSales != 3 {
		t.Fatalf("totalSales = %d, want 3", snapshot.TotalSales)
	}
	if want := decimal.RequireFromString("4.5"); !snapshot.TotalVolume.Equal(want) {
		t.Fatalf("totalVolume = %s, want %s", snapshot.TotalVolume, want)
	}
	if want := decimal.RequireFromString("1.5"); !snapshot.AveragePrice.Equal(want) {
		t.Fatalf("averagePrice = %s, want %s", snapshot.AveragePrice, want)
	}
	if want := decimal.RequireFromString("0.3375"); !snapshot.TotalFees.Equal(want) {
		t.Fatalf("totalFees = %s, want %s", snapshot.TotalFees, want)
	}
	if snapshot.TakenAt.IsZero() {
		t.Fatal("takenAt not set")
	}
}

func TestStatsSnapshotEmpty(t *testing.T) {
	engine := NewEngine(memory.NewMemoryStore(3))

	snapshot, err := engine.StatsSnapshot(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snapshot.TotalSales != 0 || !snapshot.TotalVolume.IsZero() || !snapshot.AveragePrice.IsZero() || !snapshot.TotalFees.IsZero() {
		t.Fatalf("empty ledger produced non-zero stats: %+v", snapshot)
	}
}

func TestPurchaseHistory(t *testing.T) {
	s := memory.NewMemoryStore(3)
	engine := NewEngine(s)
	base := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 4; i++ {
		status := ledger.StatusConfirmed
		if i == 2 {
			status = ledger.StatusPending
		}
		seedPurchase(t, s, fmt.Sprintf("0x%d", i), 42, "1", "0.01", "0.02", status, base.Add(time.Duration(i)*time.Minute))
	}
	seedPurchase(t, s, "0xother", 7, "1", "0.01", "0.02", ledger.StatusConfirmed, base)

	history, err := engine.PurchaseHistory(context.Background(), 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 confirmed purchases, got %d", len(history))
	}
	for i := 1; i < len(history); i++ {
		if history[i].CreatedAt.After(history[i-1].CreatedAt) {
			t.Fatal("history not ordered newest first")
		}
	}
	for _, record := range history {
		if record.TokenID != 42 || record.Status != ledger.StatusConfirmed {
			t.Fatalf("history leaked record %+v", record)
		}
	}
}

func TestUserActivityDelegates(t *testing.T) {
	s := memory.NewMemoryStore(3)
	engine := NewEngine(s)

	seedPurchase(t, s, "0x1", 1, "1", "0", "0", ledger.StatusConfirmed, time.Now().UTC())

	records, err := engine.UserActivity(context.Background(), "0xbuyer")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}

	none, err := engine.UserActivity(context.Background(), "0xstranger")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no records, got %d", len(none))
	}
}
