package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind categorizes the on-chain marketplace action a record mirrors
type Kind string

const (
	// KindMint represents the creation of a new marketplace item
	KindMint Kind = "MINT"
	// KindPurchase represents a completed sale
	KindPurchase Kind = "PURCHASE"
	// KindTransfer represents a plain ownership transfer
	KindTransfer Kind = "TRANSFER"
	// KindListing represents an item being put up for sale
	KindListing Kind = "LISTING"
)

// Status represents the confirmation state of a transaction record
type Status string

const (
	// StatusPending means the transaction is observed but not yet final
	StatusPending Status = "PENDING"
	// StatusConfirmed means the transaction is buried under enough blocks
	StatusConfirmed Status = "CONFIRMED"
	// StatusFailed means the watcher reported the transaction reverted or dropped
	StatusFailed Status = "FAILED"
)

// DefaultCurrency is used when an event carries no currency of its own.
const DefaultCurrency = "ETH"

// Metadata carries descriptive payload attached to a record. It is opaque to
// the ledger: nothing here participates in validation or deduplication.
type Metadata struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category,omitempty"`
	AssetURL    string `json:"assetUrl,omitempty"`
}

// TransactionRecord is the ledger's sole entity: one durable row per observed
// chain transaction, keyed and deduplicated by TransactionHash.
type TransactionRecord struct {
	// TransactionHash is the chain transaction hash. Immutable, globally unique.
	TransactionHash string `json:"transactionHash"`

	// BlockNumber is the block the transaction was mined in. Immutable once set.
	BlockNumber int64 `json:"blockNumber"`

	// TokenID identifies the marketplace item
	TokenID int64 `json:"tokenId"`

	// ContractAddress is the marketplace contract. Immutable.
	ContractAddress string `json:"contractAddress"`

	// Kind categorizes the action. Immutable after creation.
	Kind Kind `json:"kind"`

	// Price is required for Purchase and Listing records, absent otherwise
	Price *decimal.Decimal `json:"price,omitempty"`

	// Currency the price is denominated in
	Currency string `json:"currency"`

	// Party addresses; which ones are required depends on Kind
	Buyer   string `json:"buyer,omitempty"`
	Seller  string `json:"seller,omitempty"`
	Creator string `json:"creator,omitempty"`

	// GasUsed is the gas consumed by the transaction, as a numeric string
	GasUsed string `json:"gasUsed"`

	// GasPrice is the gas price paid, as a numeric string
	GasPrice string `json:"gasPrice,omitempty"`

	// PlatformFee and RoyaltyFee default to zero
	PlatformFee decimal.Decimal `json:"platformFee"`
	RoyaltyFee  decimal.Decimal `json:"royaltyFee"`

	// Metadata is an optional descriptive payload
	Metadata *Metadata `json:"metadata,omitempty"`

	// Status advances Pending -> Confirmed or Pending -> Failed; both terminal
	Status Status `json:"status"`

	// Confirmations is monotonically non-decreasing while Status is Pending
	Confirmations uint64 `json:"confirmations"`

	// CreatedAt is set once, at first ingestion
	CreatedAt time.Time `json:"createdAt"`

	// ConfirmedAt is set exactly once, when Status flips to Confirmed
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
}

// Clone returns a deep copy of the record. Stores hand out clones so no caller
// ever holds a reference into persisted state.
func (r *TransactionRecord) Clone() *TransactionRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.Price != nil {
		p := *r.Price
		c.Price = &p
	}
	if r.Metadata != nil {
		m := *r.Metadata
		c.Metadata = &m
	}
	if r.ConfirmedAt != nil {
		t := *r.ConfirmedAt
		c.ConfirmedAt = &t
	}
	return &c
}

// Parties returns the non-empty party addresses attached to the record.
func (r *TransactionRecord) Parties() []string {
	parties := make([]string, 0, 3)
	for _, p := range []string{r.Buyer, r.Seller, r.Creator} {
		if p != "" {
			parties = append(parties, p)
		}
	}
	return parties
}

// InvolvesParty reports whether the address appears as buyer, seller or creator.
func (r *TransactionRecord) InvolvesParty(address string) bool {
	return address != "" && (r.Buyer == address || r.Seller == address || r.Creator == address)
}

// StructurallyEqual reports whether two records agree on the immutable fields
// that participate in duplicate detection. Differences in any other field are
// treated as re-observation of the same event, not a conflict.
func (r *TransactionRecord) StructurallyEqual(other *TransactionRecord) bool {
	return r.Kind == other.Kind &&
		r.TokenID == other.TokenID &&
		r.ContractAddress == other.ContractAddress
}
