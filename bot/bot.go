package bot

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"gopkg.in/tucnak/telebot.v2"

	"escrowbot/notify"
)

const updateTimeout = 30 * time.Second

// Bot feeds Telegram updates to a Router and sends the replies back through
// the same notifier the outbox uses.
type Bot struct {
	tb     *telebot.Bot
	out    notify.Notifier
	router *Router
	logger *slog.Logger
}

func New(tb *telebot.Bot, out notify.Notifier, eng Engine, logger *slog.Logger) *Bot {
	return &Bot{tb: tb, out: out, router: NewRouter(eng, logger), logger: logger}
}

// Run polls for updates until ctx is done.
func (b *Bot) Run(ctx context.Context) error {
	b.tb.Handle(telebot.OnText, func(m *telebot.Message) {
		if m.Sender == nil || !strings.HasPrefix(m.Text, "/") {
			return
		}
		ctx, cancel := context.WithTimeout(ctx, updateTimeout)
		defer cancel()
		from := Sender{Handle: m.Sender.ID, Username: m.Sender.Username}
		b.reply(ctx, m.Chat.ID, b.router.Command(ctx, from, m.Text))
	})

	b.tb.Handle(telebot.OnCallback, func(c *telebot.Callback) {
		if err := b.tb.Respond(c, &telebot.CallbackResponse{}); err != nil {
			b.logger.Warn("callback ack failed", "error", err)
		}
		if c.Sender == nil {
			return
		}
		ctx, cancel := context.WithTimeout(ctx, updateTimeout)
		defer cancel()
		from := Sender{Handle: c.Sender.ID, Username: c.Sender.Username}
		b.reply(ctx, c.Sender.ID, b.router.Callback(ctx, from, c.Data))
	})

	b.logger.Info("chat bot polling for updates")
	go b.tb.Start()
	<-ctx.Done()
	b.tb.Stop()
	return nil
}

func (b *Bot) reply(ctx context.Context, chatID int64, r Reply) {
	if r.Text == "" {
		return
	}
	if err := b.out.Send(ctx, notify.Message{ChatID: chatID, Text: r.Text, Actions: r.Actions}); err != nil {
		b.logger.Error("reply failed", "chat_id", chatID, "error", err)
	}
}
