package party

import (
	"strconv"
	"time"
)

// Party is a chat participant on either side of a deal. Handle is the
// chat platform's user id; ID is ours.
type Party struct {
	ID               int64
	Handle           int64
	Username         string
	Verified         bool
	FreeTradeCredits int
	PayoutAccount    *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// HasPayoutAccount reports whether transfers can be sent to this party.
func (p Party) HasPayoutAccount() bool {
	return p.PayoutAccount != nil && *p.PayoutAccount != ""
}

// DisplayName is the @username when known, otherwise the numeric handle.
func (p Party) DisplayName() string {
	if p.Username != "" {
		return "@" + p.Username
	}
	return "user " + strconv.FormatInt(p.Handle, 10)
}
