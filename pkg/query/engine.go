package query

import (
	"context"
	"time"

	"github.com/openmarket/nft-ledger/pkg/ledger"
	"github.com/openmarket/nft-ledger/pkg/store"
	"github.com/shopspring/decimal"
)

// Snapshot is a point-in-time view of marketplace-wide sale statistics,
// computed over Confirmed Purchase records only. All sums use decimal
// arithmetic so large volumes never accumulate floating-point drift.
type Snapshot struct {
	TotalSales   int64           `json:"totalSales"`
	TotalVolume  decimal.Decimal `json:"totalVolume"`
	AveragePrice decimal.Decimal `json:"averagePrice"`
	TotalFees    decimal.Decimal `json:"totalFees"`
	TakenAt      time.Time       `json:"takenAt"`
}

// Engine answers point and aggregate queries over the record store. It is
// read-only: nothing here mutates records or caches them across calls.
type Engine struct {
	store store.Store
}

// NewEngine creates a query engine on top of the given store
func NewEngine(s store.Store) *Engine {
	return &Engine{store: s}
}

// GetByHash fetches a single record
func (e *Engine) GetByHash(ctx context.Context, hash string) (*ledger.TransactionRecord, error) {
	return e.store.GetByHash(ctx, hash)
}

// UserActivity returns all records involving the address as buyer, seller or
// creator, newest first
func (e *Engine) UserActivity(ctx context.Context, address string) ([]*ledger.TransactionRecord, error) {
	return e.store.ListByParty(ctx, address, nil)
}

// TokenHistory returns all records for a token, newest first
func (e *Engine) TokenHistory(ctx context.Context, tokenID int64) ([]*ledger.TransactionRecord, error) {
	return e.store.ListByToken(ctx, tokenID, "", nil)
}

// PurchaseHistory returns the Confirmed Purchase records for a token, newest
// first.
func (e *Engine) PurchaseHistory(ctx context.Context, tokenID int64) ([]*ledger.TransactionRecord, error) {
	records, err := e.store.ListByToken(ctx, tokenID, ledger.KindPurchase, nil)
	if err != nil {
		return nil, err
	}

	confirmed := make([]*ledger.TransactionRecord, 0, len(records))
	for _, record := range records {
		if record.Status == ledger.StatusConfirmed {
			confirmed = append(confirmed, record)
		}
	}
	return confirmed, nil
}

// StatsSnapshot computes sale count, total volume, mean price and total fees
// over all Confirmed Purchase records. Each record is written atomically by
// the store, so every record in the result is internally consistent;
// confirmations that land while the snapshot is being computed may or may not
// be included.
func (e *Engine) StatsSnapshot(ctx context.Context) (*Snapshot, error) {
	records, err := e.store.ListByKindStatus(ctx, ledger.KindPurchase, ledger.StatusConfirmed, nil)
	if err != nil {
		return nil, err
	}

	snapshot := &Snapshot{
		TotalVolume:  decimal.Zero,
		AveragePrice: decimal.Zero,
		TotalFees:    decimal.Zero,
		TakenAt:      time.Now().UTC(),
	}

	for _, record := range records {
		if record.Price == nil {
			// validation requires a price on every persisted Purchase
			continue
		}
		snapshot.TotalSales++
		snapshot.TotalVolume = snapshot.TotalVolume.Add(*record.Price)
		snapshot.TotalFees = snapshot.TotalFees.Add(record.PlatformFee).Add(record.RoyaltyFee)
	}

	if snapshot.TotalSales > 0 {
		snapshot.AveragePrice = snapshot.TotalVolume.Div(decimal.NewFromInt(snapshot.TotalSales))
	}
	return snapshot, nil
}
