package main

import (
	"time"

	"escrowbot/deal"
	"escrowbot/engine"
	"escrowbot/party"
)

type dealResponse struct {
	ID               int64   `json:"id"`
	Type             string  `json:"type"`
	Title            string  `json:"title"`
	Status           string  `json:"status"`
	Phase            string  `json:"phase,omitempty"`
	Currency         string  `json:"currency"`
	Total            string  `json:"total"`
	Fee              string  `json:"fee"`
	PaymentReference *string `json:"paymentReference,omitempty"`
	AdminNotes       string  `json:"adminNotes,omitempty"`
	Finalized        bool    `json:"finalized"`
	CreatedAt        string  `json:"createdAt"`
	UpdatedAt        string  `json:"updatedAt"`
}

type milestoneResponse struct {
	ID        int64   `json:"id"`
	Name      string  `json:"name"`
	Amount    string  `json:"amount"`
	Funded    bool    `json:"funded"`
	Released  bool    `json:"released"`
	Refunded  bool    `json:"refunded"`
	Transfer  *string `json:"transferReference,omitempty"`
	CreatedAt string  `json:"createdAt"`
}

type partyResponse struct {
	Handle   int64  `json:"handle"`
	Name     string `json:"name"`
	Verified bool   `json:"verified"`
	Credits  int    `json:"freeTradeCredits"`
	Payouts  bool   `json:"payoutsEnabled"`
}

type deadlineResponse struct {
	Kind   string `json:"kind"`
	FireAt string `json:"fireAt"`
	State  string `json:"state"`
}

type disputeResponse struct {
	ID        int64  `json:"id"`
	Reason    string `json:"reason"`
	CreatedAt string `json:"createdAt"`
}

type projectionResponse struct {
	Deal         dealResponse        `json:"deal"`
	Initiator    partyResponse       `json:"initiator"`
	Counterparty partyResponse       `json:"counterparty"`
	Milestones   []milestoneResponse `json:"milestones,omitempty"`
	Deadline     *deadlineResponse   `json:"deadline,omitempty"`
	Disputes     []disputeResponse   `json:"disputes"`
}

func toDealResponse(d deal.Deal) dealResponse {
	return dealResponse{
		ID:               d.ID,
		Type:             string(d.Type),
		Title:            d.Title,
		Status:           string(d.Status),
		Phase:            string(d.Phase),
		Currency:         d.Currency,
		Total:            d.TotalAmount.String(),
		Fee:              d.FeeAmount.String(),
		PaymentReference: d.PaymentReference,
		AdminNotes:       d.AdminNotes,
		Finalized:        d.Finalized(),
		CreatedAt:        d.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:        d.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func toMilestoneResponse(m deal.Milestone) milestoneResponse {
	return milestoneResponse{
		ID:        m.ID,
		Name:      m.Name,
		Amount:    m.Amount.String(),
		Funded:    m.Funded(),
		Released:  m.Released,
		Refunded:  m.RefundedAt != nil,
		Transfer:  m.TransferReference,
		CreatedAt: m.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func toPartyResponse(p party.Party) partyResponse {
	return partyResponse{
		Handle:   p.Handle,
		Name:     p.DisplayName(),
		Verified: p.Verified,
		Credits:  p.FreeTradeCredits,
		Payouts:  p.HasPayoutAccount(),
	}
}

func toProjectionResponse(p engine.Projection) projectionResponse {
	out := projectionResponse{
		Deal:         toDealResponse(p.Deal),
		Initiator:    toPartyResponse(p.Initiator),
		Counterparty: toPartyResponse(p.Counterparty),
		Disputes:     make([]disputeResponse, 0, len(p.Disputes)),
	}
	for _, m := range p.Milestones {
		out.Milestones = append(out.Milestones, toMilestoneResponse(m))
	}
	if p.Deadline != nil {
		out.Deadline = &deadlineResponse{
			Kind:   string(p.Deadline.Kind),
			FireAt: p.Deadline.FireAt.UTC().Format(time.RFC3339),
			State:  string(p.Deadline.State),
		}
	}
	for _, rec := range p.Disputes {
		out.Disputes = append(out.Disputes, disputeResponse{
			ID:        rec.ID,
			Reason:    rec.Reason,
			CreatedAt: rec.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return out
}
