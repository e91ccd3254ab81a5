package enums

import "fmt"

// EscrowState is the lifecycle state of an order's escrow account.
type EscrowState string

const (
	EscrowStateNone              EscrowState = "NONE"
	EscrowStateHeld              EscrowState = "HELD"
	EscrowStateFrozen            EscrowState = "FROZEN"
	EscrowStateReleased          EscrowState = "RELEASED"
	EscrowStateRefunded          EscrowState = "REFUNDED"
	EscrowStatePartiallyReleased EscrowState = "PARTIALLY_RELEASED"
)

var validEscrowStates = []EscrowState{
	EscrowStateNone,
	EscrowStateHeld,
	EscrowStateFrozen,
	EscrowStateReleased,
	EscrowStateRefunded,
	EscrowStatePartiallyReleased,
}

// String implements fmt.Stringer.
func (s EscrowState) String() string {
	return string(s)
}

// IsValid reports whether the value is a known EscrowState.
func (s EscrowState) IsValid() bool {
	for _, candidate := range validEscrowStates {
		if candidate == s {
			return true
		}
	}
	return false
}

// CanDisburse reports whether release or refund may draw from the account.
func (s EscrowState) CanDisburse() bool {
	switch s {
	case EscrowStateHeld, EscrowStateFrozen, EscrowStatePartiallyReleased:
		return true
	default:
		return false
	}
}

// ParseEscrowState converts raw input into an EscrowState.
func ParseEscrowState(value string) (EscrowState, error) {
	for _, candidate := range validEscrowStates {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid escrow state %q", value)
}
