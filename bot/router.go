// Package bot is the chat front end. Router turns commands and button
// presses into engine calls; Bot connects it to Telegram.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"escrowbot/deal"
	"escrowbot/dispute"
	"escrowbot/engine"
	"escrowbot/gateway"
	"escrowbot/money"
	"escrowbot/notify"
	"escrowbot/party"
	"escrowbot/referral"
	"escrowbot/review"
)

// Engine is what the chat front end drives.
type Engine interface {
	EnsureParty(ctx context.Context, handle int64, username string) (party.Party, error)
	RegisterReferral(ctx context.Context, handle int64, username, code string) (referral.Referral, error)
	ConnectPayoutAccount(ctx context.Context, actor engine.Actor) (string, error)
	Profile(ctx context.Context, handle int64) (engine.Profile, error)
	DealsFor(ctx context.Context, actor engine.Actor, limit int) ([]deal.Deal, error)
	Dashboard(ctx context.Context, actor engine.Actor, dealID int64) (engine.Projection, error)

	CreateTrade(ctx context.Context, actor engine.Actor, p engine.TradeParams) (deal.Deal, error)
	SendOffer(ctx context.Context, actor engine.Actor, dealID int64) (deal.Deal, error)
	PayTrade(ctx context.Context, actor engine.Actor, dealID int64) (gateway.Checkout, error)
	MarkShipped(ctx context.Context, actor engine.Actor, dealID int64) (deal.Deal, error)
	ConfirmDelivery(ctx context.Context, actor engine.Actor, dealID int64) (deal.Deal, error)
	Decline(ctx context.Context, actor engine.Actor, dealID int64) (deal.Deal, error)
	CancelDraft(ctx context.Context, actor engine.Actor, dealID int64) (deal.Deal, error)
	RaiseDispute(ctx context.Context, actor engine.Actor, dealID int64, reason string, evidence *string) (dispute.Record, error)
	SubmitReview(ctx context.Context, actor engine.Actor, dealID int64, rating int, comment string) (review.Review, error)

	CreateProject(ctx context.Context, actor engine.Actor, p engine.ProjectParams) (deal.Deal, error)
	Finalize(ctx context.Context, actor engine.Actor, dealID int64) (deal.Deal, error)
	DepositMilestone(ctx context.Context, actor engine.Actor, milestoneID int64) (gateway.Checkout, error)
	ReleaseMilestone(ctx context.Context, actor engine.Actor, milestoneID int64) (deal.Milestone, error)

	AdminActor(handle int64) (engine.Actor, error)
	Split(ctx context.Context, actor engine.Actor, dealID int64, sellerAmount money.Amount) (deal.Deal, error)
	RefundDeal(ctx context.Context, actor engine.Actor, dealID int64, reason string) (deal.Deal, error)
	Resolve(ctx context.Context, actor engine.Actor, dealID int64) (deal.Deal, error)
}

// Sender identifies the chat user behind an update.
type Sender struct {
	Handle   int64
	Username string
}

// Reply is what the bot answers with in the sender's chat.
type Reply struct {
	Text    string
	Actions []notify.Action
}

type Router struct {
	engine Engine
	logger *slog.Logger
}

func NewRouter(eng Engine, logger *slog.Logger) *Router {
	return &Router{engine: eng, logger: logger}
}

const helpText = `Commands:
/sell <buyer id> <amount> <description> opens a trade
/project <contractor id> <title> followed by one "name: amount" line per milestone
/connect sets up payouts
/deals lists your recent deals
/profile [id] shows a reputation
/dispute <deal id> <reason> freezes a funded deal`

// Command handles a slash command. text is the whole message.
func (r *Router) Command(ctx context.Context, from Sender, text string) Reply {
	head, rest, _ := strings.Cut(strings.TrimSpace(text), " ")
	// Group chats append @botname to commands.
	name, _, _ := strings.Cut(head, "@")
	rest = strings.TrimSpace(rest)

	if _, err := r.engine.EnsureParty(ctx, from.Handle, from.Username); err != nil {
		return r.fail(from, name, err)
	}
	actor := engine.PartyActor(from.Handle)

	switch name {
	case "/start":
		return r.start(ctx, from, rest)
	case "/help":
		return Reply{Text: helpText}
	case "/sell":
		return r.sell(ctx, actor, rest)
	case "/project":
		return r.project(ctx, actor, rest)
	case "/connect":
		link, err := r.engine.ConnectPayoutAccount(ctx, actor)
		if err != nil {
			return r.fail(from, name, err)
		}
		return Reply{
			Text:    "Finish setting up payouts to receive funds from your deals.",
			Actions: []notify.Action{{Label: "🏦 Set up payouts", URL: link}},
		}
	case "/deals":
		deals, err := r.engine.DealsFor(ctx, actor, 10)
		if err != nil {
			return r.fail(from, name, err)
		}
		return dealList(deals)
	case "/profile":
		handle := from.Handle
		if rest != "" {
			h, err := strconv.ParseInt(strings.TrimPrefix(rest, "@"), 10, 64)
			if err != nil {
				return Reply{Text: "Usage: /profile [user id]"}
			}
			handle = h
		}
		prof, err := r.engine.Profile(ctx, handle)
		if err != nil {
			return r.fail(from, name, err)
		}
		return profileReply(prof)
	case "/dispute":
		idText, reason, _ := strings.Cut(rest, " ")
		id, err := strconv.ParseInt(idText, 10, 64)
		if err != nil || strings.TrimSpace(reason) == "" {
			return Reply{Text: "Usage: /dispute <deal id> <what went wrong>"}
		}
		if _, err := r.engine.RaiseDispute(ctx, actor, id, strings.TrimSpace(reason), nil); err != nil {
			return r.fail(from, name, err)
		}
		return Reply{Text: fmt.Sprintf("Dispute opened on deal #%d. An administrator will review it.", id)}
	}
	return Reply{Text: helpText}
}

func (r *Router) start(ctx context.Context, from Sender, payload string) Reply {
	text := "Welcome! I hold payments in escrow until both sides are happy.\n\n" + helpText
	if strings.HasPrefix(payload, referral.CodePrefix) {
		if _, err := r.engine.RegisterReferral(ctx, from.Handle, from.Username, payload); err != nil {
			if !engine.IsRejection(err) {
				return r.fail(from, "/start", err)
			}
			r.logger.Info("referral not registered", "handle", from.Handle, "reason", engine.Reason(err))
		} else {
			text = "You joined through a referral. " + text
		}
	}
	return Reply{Text: text}
}

func (r *Router) sell(ctx context.Context, actor engine.Actor, args string) Reply {
	fields := strings.SplitN(args, " ", 3)
	if len(fields) < 3 {
		return Reply{Text: "Usage: /sell <buyer id> <amount> <description>"}
	}
	buyer, err := strconv.ParseInt(strings.TrimPrefix(fields[0], "@"), 10, 64)
	if err != nil {
		return Reply{Text: "The buyer must be given by their numeric id."}
	}
	amount, err := money.Parse(fields[1])
	if err != nil {
		return Reply{Text: "The amount must look like 100 or 100.00."}
	}
	d, err := r.engine.CreateTrade(ctx, actor, engine.TradeParams{
		CounterpartyHandle: buyer,
		Title:              fields[2],
		Amount:             amount,
	})
	if err != nil {
		return r.fail(Sender{Handle: actor.Handle}, "/sell", err)
	}
	return Reply{
		Text: fmt.Sprintf("Trade #%d drafted: %s for %s.", d.ID, d.Title, money.Format(d.TotalAmount, d.Currency)),
		Actions: []notify.Action{
			{Label: "📨 Send offer", Data: fmt.Sprintf("offer:%d", d.ID)},
			{Label: "🗑 Cancel", Data: fmt.Sprintf("cancel:%d", d.ID)},
		},
	}
}

func (r *Router) project(ctx context.Context, actor engine.Actor, args string) Reply {
	header, body, _ := strings.Cut(args, "\n")
	idText, title, _ := strings.Cut(strings.TrimSpace(header), " ")
	contractor, err := strconv.ParseInt(strings.TrimPrefix(idText, "@"), 10, 64)
	if err != nil || strings.TrimSpace(title) == "" {
		return Reply{Text: "Usage: /project <contractor id> <title>\nDesign: 100.00\nBuild: 250.00"}
	}
	milestones, err := engine.ParseMilestones(body)
	if err != nil {
		return r.fail(Sender{Handle: actor.Handle}, "/project", err)
	}
	d, err := r.engine.CreateProject(ctx, actor, engine.ProjectParams{
		CounterpartyHandle: contractor,
		Title:              title,
		Milestones:         milestones,
	})
	if err != nil {
		return r.fail(Sender{Handle: actor.Handle}, "/project", err)
	}
	return Reply{
		Text: fmt.Sprintf("Project #%d drafted with %d milestones, %s in total.", d.ID, len(milestones), money.Format(d.TotalAmount, d.Currency)),
		Actions: []notify.Action{
			{Label: "✅ Finalize", Data: fmt.Sprintf("finalize:%d", d.ID)},
		},
	}
}

// Callback handles an inline button press. The returned Reply may be empty
// when the engine's own notifications already cover the outcome.
func (r *Router) Callback(ctx context.Context, from Sender, data string) Reply {
	verb, arg, _ := strings.Cut(data, ":")
	actor := engine.PartyActor(from.Handle)

	if strings.HasPrefix(verb, "admin_") {
		admin, err := r.engine.AdminActor(from.Handle)
		if err != nil {
			return r.fail(from, verb, err)
		}
		return r.adminCallback(ctx, from, admin, verb, arg)
	}

	if verb == "rate_skip" {
		return Reply{Text: "No problem."}
	}
	if verb == "rate" {
		idText, ratingText, _ := strings.Cut(arg, ":")
		id, err1 := strconv.ParseInt(idText, 10, 64)
		rating, err2 := strconv.Atoi(ratingText)
		if err1 != nil || err2 != nil {
			return Reply{Text: "That button has expired."}
		}
		if _, err := r.engine.SubmitReview(ctx, actor, id, rating, ""); err != nil {
			return r.fail(from, verb, err)
		}
		return Reply{Text: "Thanks for the rating!"}
	}

	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return Reply{Text: "That button has expired."}
	}

	switch verb {
	case "offer":
		_, err = r.engine.SendOffer(ctx, actor, id)
		if err == nil {
			return Reply{Text: fmt.Sprintf("Offer #%d sent to the buyer.", id)}
		}
	case "cancel":
		_, err = r.engine.CancelDraft(ctx, actor, id)
		if err == nil {
			return Reply{Text: fmt.Sprintf("Trade #%d cancelled.", id)}
		}
	case "pay":
		var checkout gateway.Checkout
		checkout, err = r.engine.PayTrade(ctx, actor, id)
		if err == nil {
			return Reply{
				Text:    "Your payment is held in escrow until you confirm delivery.",
				Actions: []notify.Action{{Label: "💳 Pay now", URL: checkout.URL}},
			}
		}
	case "decline":
		_, err = r.engine.Decline(ctx, actor, id)
		if err == nil {
			return Reply{Text: "Offer declined."}
		}
	case "ship":
		_, err = r.engine.MarkShipped(ctx, actor, id)
	case "confirm":
		_, err = r.engine.ConfirmDelivery(ctx, actor, id)
	case "dispute":
		return Reply{Text: fmt.Sprintf("Tell us what went wrong with:\n/dispute %d <reason>", id)}
	case "finalize":
		_, err = r.engine.Finalize(ctx, actor, id)
		if err == nil {
			return Reply{Text: fmt.Sprintf("Project #%d finalized and sent to the contractor.", id)}
		}
	case "project":
		var proj engine.Projection
		proj, err = r.engine.Dashboard(ctx, actor, id)
		if err == nil {
			return projectReply(proj, from.Handle)
		}
	case "deposit":
		var checkout gateway.Checkout
		checkout, err = r.engine.DepositMilestone(ctx, actor, id)
		if err == nil {
			return Reply{
				Text:    "Fund the milestone; it stays in escrow until you release it.",
				Actions: []notify.Action{{Label: "💳 Pay now", URL: checkout.URL}},
			}
		}
	case "release":
		_, err = r.engine.ReleaseMilestone(ctx, actor, id)
	default:
		return Reply{Text: "That button has expired."}
	}
	if err != nil {
		return r.fail(from, verb, err)
	}
	return Reply{}
}

func (r *Router) adminCallback(ctx context.Context, from Sender, admin engine.Actor, verb, arg string) Reply {
	idText, rest, _ := strings.Cut(arg, ":")
	id, err := strconv.ParseInt(idText, 10, 64)
	if err != nil {
		return Reply{Text: "That button has expired."}
	}
	switch verb {
	case "admin_split":
		amount, perr := money.Parse(rest)
		if perr != nil {
			return Reply{Text: "That button has expired."}
		}
		_, err = r.engine.Split(ctx, admin, id, amount)
	case "admin_refund":
		_, err = r.engine.RefundDeal(ctx, admin, id, "")
	case "admin_resolve":
		_, err = r.engine.Resolve(ctx, admin, id)
	default:
		return Reply{Text: "That button has expired."}
	}
	if err != nil {
		return r.fail(from, verb, err)
	}
	return Reply{Text: fmt.Sprintf("Deal #%d updated.", id)}
}

// fail turns an engine error into a reply. Rejections are shown as is;
// anything else is logged and hidden.
func (r *Router) fail(from Sender, op string, err error) Reply {
	if engine.IsRejection(err) || errors.Is(err, engine.ErrGateway) {
		return Reply{Text: "⚠️ " + engine.Reason(err)}
	}
	r.logger.Error("chat request failed", "op", op, "handle", from.Handle, "error", err)
	return Reply{Text: "⚠️ Something went wrong, please try again later."}
}

func dealList(deals []deal.Deal) Reply {
	if len(deals) == 0 {
		return Reply{Text: "You have no deals yet. Start one with /sell or /project."}
	}
	var b strings.Builder
	b.WriteString("Your recent deals:\n")
	for _, d := range deals {
		fmt.Fprintf(&b, "#%d %s, %s, %s\n", d.ID, d.Title, money.Format(d.TotalAmount, d.Currency), d.Status)
	}
	return Reply{Text: strings.TrimRight(b.String(), "\n")}
}

func profileReply(p engine.Profile) Reply {
	var b strings.Builder
	b.WriteString(p.Party.DisplayName())
	if p.Party.Verified {
		b.WriteString(" ✅ verified")
	}
	fmt.Fprintf(&b, "\nCompleted deals: %d", p.CompletedDeals)
	if p.Reviews.Count > 0 {
		fmt.Fprintf(&b, "\nRating: %.1f from %d reviews", p.Reviews.Average, p.Reviews.Count)
	} else {
		b.WriteString("\nNo ratings yet")
	}
	if p.Party.FreeTradeCredits > 0 {
		fmt.Fprintf(&b, "\nFee-free trades: %d", p.Party.FreeTradeCredits)
	}
	for _, rev := range p.Reviews.Recent {
		fmt.Fprintf(&b, "\n%s %s", strings.Repeat("★", rev.Rating), rev.Comment)
	}
	return Reply{Text: b.String()}
}

func projectReply(p engine.Projection, viewer int64) Reply {
	var b strings.Builder
	fmt.Fprintf(&b, "Project #%d %s (%s)\n", p.Deal.ID, p.Deal.Title, p.Deal.Status)
	var actions []notify.Action
	owner := p.Initiator.Handle == viewer
	for _, m := range p.Milestones {
		state := "awaiting funds"
		switch {
		case m.RefundedAt != nil:
			state = "refunded"
		case m.Released:
			state = "released"
		case m.Funded():
			state = "funded"
		}
		fmt.Fprintf(&b, "\n%s: %s, %s", m.Name, money.Format(m.Amount, p.Deal.Currency), state)
		if !owner || p.Deal.Status.Terminal() || p.Deal.Status == deal.StatusDisputed || !p.Deal.Finalized() {
			continue
		}
		switch {
		case !m.Funded() && !m.Released:
			actions = append(actions, notify.Action{Label: "💳 Fund " + m.Name, Data: fmt.Sprintf("deposit:%d", m.ID)})
		case m.Funded() && !m.Released:
			actions = append(actions, notify.Action{Label: "✅ Release " + m.Name, Data: fmt.Sprintf("release:%d", m.ID)})
		}
	}
	return Reply{Text: b.String(), Actions: actions}
}
