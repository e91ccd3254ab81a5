package enums

import "fmt"

// DisputeStatus tracks mediation progress.
type DisputeStatus string

const (
	DisputeStatusOpen        DisputeStatus = "OPEN"
	DisputeStatusUnderReview DisputeStatus = "UNDER_REVIEW"
	DisputeStatusResolved    DisputeStatus = "RESOLVED"
)

var validDisputeStatuses = []DisputeStatus{
	DisputeStatusOpen,
	DisputeStatusUnderReview,
	DisputeStatusResolved,
}

func (s DisputeStatus) String() string {
	return string(s)
}

func (s DisputeStatus) IsValid() bool {
	for _, candidate := range validDisputeStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// AcceptsEvidence reports whether evidence may still be attached.
func (s DisputeStatus) AcceptsEvidence() bool {
	return s == DisputeStatusOpen || s == DisputeStatusUnderReview
}

func ParseDisputeStatus(value string) (DisputeStatus, error) {
	for _, candidate := range validDisputeStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid dispute status %q", value)
}

// DisputeResolution is the admin outcome applied to the frozen escrow.
type DisputeResolution string

const (
	DisputeResolutionRefundBuyer   DisputeResolution = "REFUND_BUYER"
	DisputeResolutionReleaseSeller DisputeResolution = "RELEASE_SELLER"
	DisputeResolutionSplit         DisputeResolution = "SPLIT"
)

var validDisputeResolutions = []DisputeResolution{
	DisputeResolutionRefundBuyer,
	DisputeResolutionReleaseSeller,
	DisputeResolutionSplit,
}

func (r DisputeResolution) String() string {
	return string(r)
}

func (r DisputeResolution) IsValid() bool {
	for _, candidate := range validDisputeResolutions {
		if candidate == r {
			return true
		}
	}
	return false
}

func ParseDisputeResolution(value string) (DisputeResolution, error) {
	for _, candidate := range validDisputeResolutions {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid dispute resolution %q", value)
}
