package dynamodb

import (
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/openmarket/nft-ledger/pkg/ledger"
	"github.com/shopspring/decimal"
)

// recordItem is the persisted shape of a TransactionRecord. Monetary amounts
// are stored as decimal strings and timestamps as fixed-width RFC3339 strings
// so the range keys sort correctly. Party attributes are omitted when empty
// to keep their indexes sparse.
type recordItem struct {
	TransactionHash string `dynamodbav:"transactionHash"`
	BlockNumber     int64  `dynamodbav:"blockNumber"`
	TokenID         int64  `dynamodbav:"tokenId"`
	ContractAddress string `dynamodbav:"contractAddress"`
	Kind            string `dynamodbav:"kind"`
	Price           string `dynamodbav:"price,omitempty"`
	Currency        string `dynamodbav:"currency"`
	Buyer           string `dynamodbav:"buyer,omitempty"`
	Seller          string `dynamodbav:"seller,omitempty"`
	Creator         string `dynamodbav:"creator,omitempty"`
	GasUsed         string `dynamodbav:"gasUsed"`
	GasPrice        string `dynamodbav:"gasPrice,omitempty"`
	PlatformFee     string `dynamodbav:"platformFee"`
	RoyaltyFee      string `dynamodbav:"royaltyFee"`
	Title           string `dynamodbav:"title,omitempty"`
	Description     string `dynamodbav:"description,omitempty"`
	Category        string `dynamodbav:"category,omitempty"`
	AssetURL        string `dynamodbav:"assetUrl,omitempty"`
	Status          string `dynamodbav:"status"`
	Confirmations   uint64 `dynamodbav:"confirmations"`
	CreatedAt       string `dynamodbav:"createdAt"`
	ConfirmedAt     string `dynamodbav:"confirmedAt,omitempty"`

	// KindStatus is a composite "KIND#STATUS" attribute backing the
	// aggregation index; maintained on every write.
	KindStatus string `dynamodbav:"kindStatus"`
}

// kindStatusKey builds the composite partition key for the kind/status index.
func kindStatusKey(kind ledger.Kind, status ledger.Status) string {
	return fmt.Sprintf("%s#%s", kind, status)
}

// toItem converts a domain record to its persisted shape.
func toItem(r *ledger.TransactionRecord) *recordItem {
	item := &recordItem{
		TransactionHash: r.TransactionHash,
		BlockNumber:     r.BlockNumber,
		TokenID:         r.TokenID,
		ContractAddress: r.ContractAddress,
		Kind:            string(r.Kind),
		Currency:        r.Currency,
		Buyer:           r.Buyer,
		Seller:          r.Seller,
		Creator:         r.Creator,
		GasUsed:         r.GasUsed,
		GasPrice:        r.GasPrice,
		PlatformFee:     r.PlatformFee.String(),
		RoyaltyFee:      r.RoyaltyFee.String(),
		Status:          string(r.Status),
		Confirmations:   r.Confirmations,
		CreatedAt:       r.CreatedAt.UTC().Format(timeLayout),
		KindStatus:      kindStatusKey(r.Kind, r.Status),
	}
	if r.Price != nil {
		item.Price = r.Price.String()
	}
	if r.ConfirmedAt != nil {
		item.ConfirmedAt = r.ConfirmedAt.UTC().Format(timeLayout)
	}
	if r.Metadata != nil {
		item.Title = r.Metadata.Title
		item.Description = r.Metadata.Description
		item.Category = r.Metadata.Category
		item.AssetURL = r.Metadata.AssetURL
	}
	return item
}

// fromItem converts a persisted item back to a domain record.
func fromItem(item *recordItem) (*ledger.TransactionRecord, error) {
	record := &ledger.TransactionRecord{
		TransactionHash: item.TransactionHash,
		BlockNumber:     item.BlockNumber,
		TokenID:         item.TokenID,
		ContractAddress: item.ContractAddress,
		Kind:            ledger.Kind(item.Kind),
		Currency:        item.Currency,
		Buyer:           item.Buyer,
		Seller:          item.Seller,
		Creator:         item.Creator,
		GasUsed:         item.GasUsed,
		GasPrice:        item.GasPrice,
		Status:          ledger.Status(item.Status),
		Confirmations:   item.Confirmations,
	}

	var err error
	if record.PlatformFee, err = parseDecimal("platformFee", item.PlatformFee); err != nil {
		return nil, err
	}
	if record.RoyaltyFee, err = parseDecimal("royaltyFee", item.RoyaltyFee); err != nil {
		return nil, err
	}
	if item.Price != "" {
		price, err := parseDecimal("price", item.Price)
		if err != nil {
			return nil, err
		}
		record.Price = &price
	}

	if record.CreatedAt, err = parseTime("createdAt", item.CreatedAt); err != nil {
		return nil, err
	}
	if item.ConfirmedAt != "" {
		confirmedAt, err := parseTime("confirmedAt", item.ConfirmedAt)
		if err != nil {
			return nil, err
		}
		record.ConfirmedAt = &confirmedAt
	}

	if item.Title != "" || item.Description != "" || item.Category != "" || item.AssetURL != "" {
		record.Metadata = &ledger.Metadata{
			Title:       item.Title,
			Description: item.Description,
			Category:    item.Category,
			AssetURL:    item.AssetURL,
		}
	}

	return record, nil
}

// unmarshalRecord decodes a raw DynamoDB item into a domain record.
func unmarshalRecord(raw map[string]types.AttributeValue) (*ledger.TransactionRecord, error) {
	var item recordItem
	if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return fromItem(&item)
}

func parseDecimal(field, value string) (decimal.Decimal, error) {
	if value == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q: %w", field, value, err)
	}
	return d, nil
}

func parseTime(field, value string) (time.Time, error) {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s %q: %w", field, value, err)
	}
	return t, nil
}
