package engine

import (
	"fmt"
	"time"

	"escrowbot/deal"
	"escrowbot/money"
	"escrowbot/party"
)

func amountOf(d deal.Deal) string {
	return money.Format(d.TotalAmount, d.Currency)
}

// humanize renders whole-day durations as days and anything shorter than two days in hours.
func humanize(d time.Duration) string {
	if d >= 48*time.Hour && d%(24*time.Hour) == 0 {
		return fmt.Sprintf("%d days", int(d/(24*time.Hour)))
	}
	if d%time.Hour == 0 {
		h := int(d / time.Hour)
		if h == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", h)
	}
	return d.String()
}

func msgOfferSent(d deal.Deal, seller party.Party, expiry time.Duration) string {
	return fmt.Sprintf("📦 New trade offer #%d from %s\n\n%s\nAmount: %s\n\nPay within %s to accept.",
		d.ID, seller.DisplayName(), d.Title, amountOf(d), humanize(expiry))
}

func msgTradeFunded(d deal.Deal, shipBy time.Duration) string {
	return fmt.Sprintf("✅ Payment received for trade #%d (%s). The seller has %s to ship.", d.ID, amountOf(d), humanize(shipBy))
}

func msgShipped(d deal.Deal, confirmBy time.Duration) string {
	return fmt.Sprintf("🚚 Trade #%d was marked as shipped. Confirm delivery within %s once it arrives.", d.ID, humanize(confirmBy))
}

func msgTradeCompleted(d deal.Deal) string {
	return fmt.Sprintf("🎉 Trade #%d is complete. Funds were released to the seller.", d.ID)
}

func msgDeclined(d deal.Deal) string {
	return fmt.Sprintf("❌ Your offer #%d (%s) was declined by the buyer.", d.ID, d.Title)
}

func msgOfferExpired(d deal.Deal, expiry time.Duration) string {
	return fmt.Sprintf("⌛ Offer #%d (%s) expired after %s without payment.", d.ID, d.Title, humanize(expiry))
}

func msgAutoRefunded(d deal.Deal, shipBy time.Duration) string {
	return fmt.Sprintf("↩️ Trade #%d was not shipped within %s. The buyer has been refunded.", d.ID, humanize(shipBy))
}

func msgAutoReleased(d deal.Deal, confirmBy time.Duration) string {
	return fmt.Sprintf("✅ Delivery of trade #%d was not confirmed within %s. Funds were released to the seller.", d.ID, humanize(confirmBy))
}

func msgDisputeForAdmin(d deal.Deal, by party.Party, reason string) string {
	return fmt.Sprintf("⚠️ Dispute on deal #%d (%s, %s) raised by %s\nReason: %s", d.ID, d.Title, amountOf(d), by.DisplayName(), reason)
}

func msgDisputeForParties(d deal.Deal) string {
	return fmt.Sprintf("⚠️ Deal #%d is under dispute. An administrator will review it and contact you.", d.ID)
}

func msgResolved(d deal.Deal) string {
	return fmt.Sprintf("Deal #%d was reopened by an administrator.", d.ID)
}

func msgSplit(d deal.Deal, seller, buyer money.Amount) string {
	return fmt.Sprintf("Deal #%d was settled by an administrator: %s released, %s refunded.",
		d.ID, money.Format(seller, d.Currency), money.Format(buyer, d.Currency))
}

func msgAdminRefund(d deal.Deal, reason string) string {
	return fmt.Sprintf("Deal #%d was refunded by an administrator. Reason: %s", d.ID, reason)
}

func msgMilestoneFunded(d deal.Deal, m deal.Milestone) string {
	return fmt.Sprintf("💰 Milestone %q of project #%d is funded (%s).", m.Name, d.ID, money.Format(m.Amount, d.Currency))
}

func msgMilestoneReleased(d deal.Deal, m deal.Milestone) string {
	return fmt.Sprintf("Milestone %q of project #%d was released (%s).", m.Name, d.ID, money.Format(m.Amount, d.Currency))
}

func msgMilestoneRefunded(d deal.Deal, m deal.Milestone, reason string) string {
	return fmt.Sprintf("Milestone %q of project #%d was refunded by an administrator. Reason: %s", m.Name, d.ID, reason)
}

func msgProjectFinalized(d deal.Deal, owner party.Party, count int) string {
	return fmt.Sprintf("📋 %s set up project #%d (%s) with %d milestone(s), %s in total.", owner.DisplayName(), d.ID, d.Title, count, amountOf(d))
}

func msgProjectCompleted(d deal.Deal) string {
	return fmt.Sprintf("🎉 Project #%d is complete. Every milestone has been released.", d.ID)
}

func msgRatePrompt(d deal.Deal, other party.Party) string {
	return fmt.Sprintf("How was your experience with %s on deal #%d?", other.DisplayName(), d.ID)
}

func msgReferralReward(referred party.Party) string {
	return fmt.Sprintf("🎁 %s completed their first deal. You earned a free trade credit.", referred.DisplayName())
}

func msgVerified(verified bool) string {
	if verified {
		return "✅ Your account has been verified by an administrator."
	}
	return "Your account verification was removed by an administrator."
}

func noteExpired(expiry time.Duration) string {
	return fmt.Sprintf("Offer expired after %s without payment.", humanize(expiry))
}

func noteAutoRefund(shipBy time.Duration) string {
	return fmt.Sprintf("Automatically refunded buyer as seller did not ship within %s.", humanize(shipBy))
}

func noteAutoRelease(confirmBy time.Duration) string {
	return fmt.Sprintf("Automatically released funds to seller as buyer did not confirm delivery within %s.", humanize(confirmBy))
}

const noteDeclined = "Offer declined by buyer."

func noteSplit(d deal.Deal, seller, buyer money.Amount) string {
	return fmt.Sprintf("Admin split: %s to seller, %s refunded to buyer.",
		money.Format(seller, d.Currency), money.Format(buyer, d.Currency))
}
