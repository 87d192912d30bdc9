package dispute

import "time"

// Record mirrors the disputes table. A deal has at most one open dispute,
// which the deal's disputed status enforces.
type Record struct {
	ID          int64
	DealID      int64
	RaisedBy    int64
	Reason      string
	EvidenceRef *string
	CreatedAt   time.Time
}
