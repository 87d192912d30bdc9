// Package notify delivers notification intents to parties.
package notify

import (
	"context"
	"log/slog"
)

// Action is an optional button attached to a message. Exactly one of Data
// (a callback payload) or URL is set.
type Action struct {
	Label string `json:"label"`
	Data  string `json:"data,omitempty"`
	URL   string `json:"url,omitempty"`
}

// Message is addressed to a party's chat handle.
type Message struct {
	ChatID  int64    `json:"chat_id"`
	Text    string   `json:"text"`
	Actions []Action `json:"actions,omitempty"`
}

// Notifier sends one message. Implementations must be safe for concurrent use.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// LogNotifier writes messages to the log instead of delivering them. It is
// the fallback when no chat transport is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Send(ctx context.Context, msg Message) error {
	n.Logger.InfoContext(ctx, "notification", "chat_id", msg.ChatID, "text", msg.Text, "actions", len(msg.Actions))
	return nil
}
