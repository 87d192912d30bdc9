package notify

import (
	"context"
	"fmt"
	"time"

	"gopkg.in/tucnak/telebot.v2"
)

// Telegram sends messages through the bot API, rendering actions as an
// inline keyboard with one button per row.
type Telegram struct {
	bot *telebot.Bot
}

func NewTelegram(token string) (*Telegram, error) {
	bot, err := telebot.NewBot(telebot.Settings{
		Token:  token,
		Poller: &telebot.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("notify: create bot: %w", err)
	}
	return &Telegram{bot: bot}, nil
}

// Bot exposes the client so inbound updates can be served on the same token.
func (t *Telegram) Bot() *telebot.Bot {
	return t.bot
}

func (t *Telegram) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var opts []interface{}
	if markup := keyboard(msg.Actions); markup != nil {
		opts = append(opts, markup)
	}
	if _, err := t.bot.Send(telebot.ChatID(msg.ChatID), msg.Text, opts...); err != nil {
		return fmt.Errorf("notify: telegram send to %d: %w", msg.ChatID, err)
	}
	return nil
}

func keyboard(actions []Action) *telebot.ReplyMarkup {
	if len(actions) == 0 {
		return nil
	}
	rows := make([][]telebot.InlineButton, 0, len(actions))
	for _, a := range actions {
		btn := telebot.InlineButton{Text: a.Label}
		if a.URL != "" {
			btn.URL = a.URL
		} else {
			btn.Data = a.Data
		}
		rows = append(rows, []telebot.InlineButton{btn})
	}
	return &telebot.ReplyMarkup{InlineKeyboard: rows}
}
