package enums

// SettlementSkipReason records why a due timer was retired without releasing funds.
type SettlementSkipReason string

const (
	SettlementSkipEscrowFrozen  SettlementSkipReason = "escrow_frozen"
	SettlementSkipNothingLive   SettlementSkipReason = "nothing_live"
	SettlementSkipOrderNotReady SettlementSkipReason = "order_not_delivered"
	SettlementSkipDisputeRaised SettlementSkipReason = "dispute_raised"
	SettlementSkipCancelled     SettlementSkipReason = "cancelled"
)

var validSettlementSkipReasons = []SettlementSkipReason{
	SettlementSkipEscrowFrozen,
	SettlementSkipNothingLive,
	SettlementSkipOrderNotReady,
	SettlementSkipDisputeRaised,
	SettlementSkipCancelled,
}

func (r SettlementSkipReason) IsValid() bool {
	for _, candidate := range validSettlementSkipReasons {
		if candidate == r {
			return true
		}
	}
	return false
}
