package ledger

import (
	"fmt"
	"strconv"
)

// fieldRule describes which optional fields a kind makes mandatory
type fieldRule struct {
	requireBuyer   bool
	requireSeller  bool
	requireCreator bool
	requirePrice   bool
}

// rulesByKind is the validation rule table. Presence of a kind in this table
// is what makes it a known kind.
var rulesByKind = map[Kind]fieldRule{
	KindMint:     {requireCreator: true},
	KindPurchase: {requireBuyer: true, requireSeller: true, requirePrice: true},
	KindTransfer: {},
	KindListing:  {requireSeller: true, requirePrice: true},
}

// ValidateRecord checks the party-field and price requirements for the
// record's kind, plus the unconditional structural requirements. All
// violations are reported as ErrInvalidEvent; a record that fails here must
// never be persisted.
func ValidateRecord(r *TransactionRecord) error {
	if r == nil {
		return fmt.Errorf("%w: record is nil", ErrInvalidEvent)
	}
	if r.TransactionHash == "" {
		return fmt.Errorf("%w: missing transactionHash", ErrInvalidEvent)
	}
	if r.ContractAddress == "" {
		return fmt.Errorf("%w: missing contractAddress", ErrInvalidEvent)
	}

	rule, ok := rulesByKind[r.Kind]
	if !ok {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, r.Kind)
	}

	if rule.requireBuyer && r.Buyer == "" {
		return fmt.Errorf("%w: kind %s requires buyer", ErrInvalidEvent, r.Kind)
	}
	if rule.requireSeller && r.Seller == "" {
		return fmt.Errorf("%w: kind %s requires seller", ErrInvalidEvent, r.Kind)
	}
	if rule.requireCreator && r.Creator == "" {
		return fmt.Errorf("%w: kind %s requires creator", ErrInvalidEvent, r.Kind)
	}

	if rule.requirePrice {
		if r.Price == nil {
			return fmt.Errorf("%w: kind %s requires price", ErrInvalidEvent, r.Kind)
		}
		if r.Price.IsNegative() {
			return fmt.Errorf("%w: price must be non-negative, got %s", ErrInvalidEvent, r.Price)
		}
	}

	if err := validateNumericString("gasUsed", r.GasUsed, true); err != nil {
		return err
	}
	if err := validateNumericString("gasPrice", r.GasPrice, false); err != nil {
		return err
	}

	if r.PlatformFee.IsNegative() || r.RoyaltyFee.IsNegative() {
		return fmt.Errorf("%w: fees must be non-negative", ErrInvalidEvent)
	}

	return nil
}

func validateNumericString(field, value string, required bool) error {
	if value == "" {
		if required {
			return fmt.Errorf("%w: missing %s", ErrInvalidEvent, field)
		}
		return nil
	}
	if _, err := strconv.ParseUint(value, 10, 64); err != nil {
		return fmt.Errorf("%w: %s must be a numeric string, got %q", ErrInvalidEvent, field, value)
	}
	return nil
}
