package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/openmarket/nft-ledger/internal/metrics"
	"github.com/openmarket/nft-ledger/pkg/ledger"
	"github.com/openmarket/nft-ledger/pkg/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Event is the shape the external chain watcher delivers, at least once, with
// no ordering guarantee across distinct hashes. It mirrors TransactionRecord
// plus the watcher-side signals (confirmationIncrement, failed).
type Event struct {
	TransactionHash       string           `json:"transactionHash"`
	BlockNumber           int64            `json:"blockNumber"`
	TokenID               int64            `json:"tokenId"`
	ContractAddress       string           `json:"contractAddress"`
	Kind                  ledger.Kind      `json:"kind"`
	Price                 *decimal.Decimal `json:"price,omitempty"`
	Currency              string           `json:"currency,omitempty"`
	Buyer                 string           `json:"buyer,omitempty"`
	Seller                string           `json:"seller,omitempty"`
	Creator               string           `json:"creator,omitempty"`
	GasUsed               string           `json:"gasUsed"`
	GasPrice              string           `json:"gasPrice,omitempty"`
	PlatformFee           *decimal.Decimal `json:"platformFee,omitempty"`
	RoyaltyFee            *decimal.Decimal `json:"royaltyFee,omitempty"`
	Metadata              *ledger.Metadata `json:"metadata,omitempty"`
	ConfirmationIncrement uint64           `json:"confirmationIncrement,omitempty"`
	Failed                bool             `json:"failed,omitempty"`
}

// Gateway validates and normalizes watcher events and drives them through the
// record store. It holds no record state of its own: every mutation goes
// through the store's contract, and re-delivered events collapse to no-ops
// there.
type Gateway struct {
	store store.Store
	log   *zap.Logger
}

// NewGateway creates an ingestion gateway on top of the given store
func NewGateway(s store.Store, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{store: s, log: logger}
}

// Ingest processes one watcher event: validate, create-or-reobserve, then
// apply the confirmation or failure signal it carries. Returns the record as
// persisted after the event was applied.
//
// Malformed events fail with ledger.ErrInvalidEvent and are never persisted.
// Structurally identical re-delivery returns the existing record unchanged.
// A confirmation increment for an already-Confirmed record is a stale signal
// from a catch-up batch and collapses to a no-op; one for a Failed record is
// surfaced as ledger.ErrTerminalState.
func (g *Gateway) Ingest(ctx context.Context, event *Event) (*ledger.TransactionRecord, error) {
	record := g.normalize(event)
	if err := ledger.ValidateRecord(record); err != nil {
		metrics.EventsRejected.WithLabelValues("invalid").Inc()
		return nil, err
	}

	var persisted *ledger.TransactionRecord
	err := metrics.MeasureOperation("upsert", func() error {
		var err error
		persisted, err = g.store.Upsert(ctx, record)
		return err
	})
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateKey) {
			metrics.EventsRejected.WithLabelValues("duplicate_key").Inc()
		} else {
			metrics.EventsRejected.WithLabelValues("store").Inc()
		}
		return nil, err
	}

	if event.Failed {
		return g.ingestFailure(ctx, persisted)
	}

	if event.ConfirmationIncrement > 0 {
		return g.ingestConfirmations(ctx, persisted, event.ConfirmationIncrement)
	}

	metrics.EventsIngested.Inc()
	return persisted, nil
}

func (g *Gateway) ingestFailure(ctx context.Context, record *ledger.TransactionRecord) (*ledger.TransactionRecord, error) {
	var failed *ledger.TransactionRecord
	err := metrics.MeasureOperation("mark_failed", func() error {
		var err error
		failed, err = g.store.MarkFailed(ctx, record.TransactionHash)
		return err
	})
	if err != nil {
		if errors.Is(err, ledger.ErrTerminalState) && record.Status == ledger.StatusFailed {
			// Re-delivery of a failure signal already applied
			metrics.StaleSignals.Inc()
			return record, nil
		}
		return nil, err
	}

	metrics.EventsIngested.Inc()
	metrics.RecordsFailed.Inc()
	g.log.Info("record marked failed",
		zap.String("transactionHash", failed.TransactionHash),
		zap.Int64("tokenId", failed.TokenID))
	return failed, nil
}

func (g *Gateway) ingestConfirmations(ctx context.Context, record *ledger.TransactionRecord, delta uint64) (*ledger.TransactionRecord, error) {
	var updated *ledger.TransactionRecord
	err := metrics.MeasureOperation("apply_confirmation_delta", func() error {
		var err error
		updated, err = g.store.ApplyConfirmationDelta(ctx, record.TransactionHash, delta)
		return err
	})
	if err != nil {
		if errors.Is(err, ledger.ErrTerminalState) {
			current, getErr := g.store.GetByHash(ctx, record.TransactionHash)
			if getErr == nil && current.Status == ledger.StatusConfirmed {
				// Catch-up increments past the threshold are expected under
				// at-least-once delivery
				metrics.StaleSignals.Inc()
				g.log.Debug("ignoring confirmation signal for confirmed record",
					zap.String("transactionHash", record.TransactionHash),
					zap.Uint64("delta", delta))
				return current, nil
			}
			return nil, fmt.Errorf("confirmation signal for failed transaction %s: %w", record.TransactionHash, err)
		}
		return nil, err
	}

	metrics.EventsIngested.Inc()
	metrics.ConfirmationsApplied.Inc()
	if updated.Status == ledger.StatusConfirmed && record.Status == ledger.StatusPending {
		metrics.RecordsConfirmed.Inc()
		g.log.Info("record confirmed",
			zap.String("transactionHash", updated.TransactionHash),
			zap.Uint64("confirmations", updated.Confirmations))
	}
	return updated, nil
}

// normalize converts an event to a candidate record, filling defaults
func (g *Gateway) normalize(event *Event) *ledger.TransactionRecord {
	record := &ledger.TransactionRecord{
		TransactionHash: event.TransactionHash,
		BlockNumber:     event.BlockNumber,
		TokenID:         event.TokenID,
		ContractAddress: event.ContractAddress,
		Kind:            event.Kind,
		Price:           event.Price,
		Currency:        event.Currency,
		Buyer:           event.Buyer,
		Seller:          event.Seller,
		Creator:         event.Creator,
		GasUsed:         event.GasUsed,
		GasPrice:        event.GasPrice,
		Metadata:        event.Metadata,
	}
	if record.Currency == "" {
		record.Currency = ledger.DefaultCurrency
	}
	if event.PlatformFee != nil {
		record.PlatformFee = *event.PlatformFee
	}
	if event.RoyaltyFee != nil {
		record.RoyaltyFee = *event.RoyaltyFee
	}
	return record
}
