package deadline

import "time"

// Kind names the automatic transition a deadline triggers.
type Kind string

const (
	KindOfferExpiry     Kind = "offer_expiry"
	KindShipBy          Kind = "ship_by"
	KindDeliveryConfirm Kind = "delivery_confirm"
)

func (k Kind) Valid() bool {
	switch k {
	case KindOfferExpiry, KindShipBy, KindDeliveryConfirm:
		return true
	}
	return false
}

type State string

const (
	StatePending   State = "pending"
	StateFiring    State = "firing"
	StateFired     State = "fired"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

// Deadline is a persisted, single-shot timeout attached to a deal.
type Deadline struct {
	ID        string
	DealID    int64
	Kind      Kind
	FireAt    time.Time
	State     State
	Attempts  int
	LastError *string
	CreatedAt time.Time
}

// Live reports whether the deadline may still fire.
func (d Deadline) Live() bool {
	return d.State == StatePending || d.State == StateFiring
}
