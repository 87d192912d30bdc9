package deal

import (
	"time"

	"escrowbot/money"
)

type Type string

const (
	TypeTrade     Type = "trade"
	TypeMilestone Type = "milestone_project"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusFunded    Status = "funded"
	StatusDisputed  Status = "disputed"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition can leave the status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Phase tracks shipment progress of a trade. PhaseNone is stored as NULL.
type Phase string

const (
	PhaseNone      Phase = ""
	PhaseFunded    Phase = "funded"
	PhaseShipped   Phase = "shipped"
	PhaseCompleted Phase = "completed"
	PhaseRefunded  Phase = "refunded"
)

// Deal is one escrow engagement between an initiator (seller / project owner)
// and a counterparty (buyer / contractor).
type Deal struct {
	ID               int64
	InitiatorID      int64
	CounterpartyID   int64
	Title            string
	Currency         string
	TotalAmount      money.Amount
	Type             Type
	Status           Status
	Phase            Phase
	PaymentReference *string
	FeeAmount        money.Amount
	OfferSentAt      *time.Time
	FinalizedAt      *time.Time
	AdminNotes       string
	DeadlineID       *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Involves reports whether the party sits on either side of the deal.
func (d Deal) Involves(partyID int64) bool {
	return d.InitiatorID == partyID || d.CounterpartyID == partyID
}

// Other returns the opposite side of partyID.
func (d Deal) Other(partyID int64) int64 {
	if partyID == d.InitiatorID {
		return d.CounterpartyID
	}
	return d.InitiatorID
}

func (d Deal) HasPayment() bool {
	return d.PaymentReference != nil && *d.PaymentReference != ""
}

func (d Deal) Finalized() bool {
	return d.FinalizedAt != nil
}

// Milestone is one independently funded and released slice of a project.
type Milestone struct {
	ID                int64
	DealID            int64
	Name              string
	Amount            money.Amount
	PaymentReference  *string
	TransferReference *string
	Released          bool
	RefundedAt        *time.Time
	CreatedAt         time.Time
}

func (m Milestone) Funded() bool {
	return m.PaymentReference != nil && *m.PaymentReference != ""
}

// Transferred reports a release that paid the counterparty, as opposed to a refund.
func (m Milestone) Transferred() bool {
	return m.Released && m.RefundedAt == nil
}

// Sum totals milestone amounts.
func Sum(ms []Milestone) money.Amount {
	var total money.Amount
	for _, m := range ms {
		total += m.Amount
	}
	return total
}

// AllReleased is true for a non-empty list whose every milestone is released.
func AllReleased(ms []Milestone) bool {
	if len(ms) == 0 {
		return false
	}
	for _, m := range ms {
		if !m.Released {
			return false
		}
	}
	return true
}
