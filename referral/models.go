package referral

import "time"

// Referral links a referred party to whoever invited them. RewardClaimed
// only ever moves from false to true.
type Referral struct {
	ID            int64
	ReferrerID    int64
	ReferredID    int64
	RewardClaimed bool
	CreatedAt     time.Time
	ClaimedAt     *time.Time
}

// CodePrefix starts the deep-link payload of an invite, as in "/start ref_4242".
const CodePrefix = "ref_"
