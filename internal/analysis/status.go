package analysis

// Status is the decision category derived from the corrosion percentage.
type Status string

const (
	StatusApproved   Status = "approved"
	StatusInspection Status = "inspection"
	StatusRejected   Status = "rejected"
)

// Thresholds are half-open: [0, InspectionThreshold) approved,
// [InspectionThreshold, RejectionThreshold) inspection, the rest rejected.
const (
	InspectionThreshold = 5.0
	RejectionThreshold  = 15.0
)

// DeriveStatus classifies a corrosion percentage. NaN falls through to rejected.
func DeriveStatus(percent float64) Status {
	switch {
	case percent < InspectionThreshold:
		return StatusApproved
	case percent < RejectionThreshold:
		return StatusInspection
	default:
		return StatusRejected
	}
}

// Valid reports whether s is one of the known categories.
func (s Status) Valid() bool {
	switch s {
	case StatusApproved, StatusInspection, StatusRejected:
		return true
	}
	return false
}
