package enums

import "fmt"

// LedgerEntryType enumerates the monetary facts recorded against an escrow account.
type LedgerEntryType string

const (
	LedgerEntryHold     LedgerEntryType = "HOLD"
	LedgerEntryRelease  LedgerEntryType = "RELEASE"
	LedgerEntryRefund   LedgerEntryType = "REFUND"
	LedgerEntryFreeze   LedgerEntryType = "FREEZE"
	LedgerEntryUnfreeze LedgerEntryType = "UNFREEZE"
)

var validLedgerEntryTypes = []LedgerEntryType{
	LedgerEntryHold,
	LedgerEntryRelease,
	LedgerEntryRefund,
	LedgerEntryFreeze,
	LedgerEntryUnfreeze,
}

// String implements fmt.Stringer.
func (t LedgerEntryType) String() string {
	return string(t)
}

// IsValid reports whether the value is a known LedgerEntryType.
func (t LedgerEntryType) IsValid() bool {
	for _, candidate := range validLedgerEntryTypes {
		if candidate == t {
			return true
		}
	}
	return false
}

// IsMarker reports whether the entry toggles state without moving money.
func (t LedgerEntryType) IsMarker() bool {
	return t == LedgerEntryFreeze || t == LedgerEntryUnfreeze
}

// ParseLedgerEntryType converts raw input into a LedgerEntryType.
func ParseLedgerEntryType(value string) (LedgerEntryType, error) {
	for _, candidate := range validLedgerEntryTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid ledger entry type %q", value)
}
