package store

import "github.com/openmarket/nft-ledger/pkg/ledger"

// ThresholdFromConfig extracts the process-wide confirmation threshold from a
// factory config map, tolerating the numeric types JSON and env parsing
// produce. Falls back to the default when absent or non-positive.
func ThresholdFromConfig(config map[string]interface{}) uint64 {
	switch v := config["confirmationThreshold"].(type) {
	case int:
		if v > 0 {
			return uint64(v)
		}
	case int64:
		if v > 0 {
			return uint64(v)
		}
	case uint64:
		if v > 0 {
			return v
		}
	case float64:
		if v > 0 {
			return uint64(v)
		}
	}
	return ledger.DefaultConfirmationThreshold
}
