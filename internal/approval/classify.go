package approval

import "math/big"

// StaleAfterDays is the age beyond which an approval is stale. An approval
// exactly this old is not.
const StaleAfterDays = 90

// Grant is the live state of an approval as seen by the classifier.
type Grant struct {
	Kind      Kind
	Allowance *big.Int // ERC20 live allowance
	Approved  bool     // ERC721 live operator flag
}

// Classify returns the risk flags for a live grant of the given age. The
// result is never nil and lists flags in a fixed order.
func Classify(g Grant, ageDays int64) []RiskFlag {
	flags := make([]RiskFlag, 0, 2)
	if isUnlimited(g) {
		flags = append(flags, FlagUnlimited)
	}
	if ageDays > StaleAfterDays {
		flags = append(flags, FlagStale)
	}
	return flags
}

func isUnlimited(g Grant) bool {
	switch g.Kind {
	case KindERC721:
		return g.Approved
	case KindERC20:
		return g.Allowance != nil && g.Allowance.Cmp(unlimitedThreshold) >= 0
	}
	return false
}
