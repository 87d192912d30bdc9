package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const routingKey = "notification.requested"

// AMQP publishes messages to a durable topic exchange for a separate chat
// gateway to deliver.
type AMQP struct {
	url      string
	exchange string

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

func NewAMQP(rawURL, exchange string) (*AMQP, error) {
	clean, err := sanitizeAMQPURL(rawURL)
	if err != nil {
		return nil, err
	}
	if exchange == "" {
		exchange = "escrow.notifications"
	}
	return &AMQP{url: clean, exchange: exchange}, nil
}

func (a *AMQP) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("notify: marshal: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.ensureChannel(); err != nil {
		return err
	}
	err = a.channel.PublishWithContext(ctx, a.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		a.closeLocked()
		return fmt.Errorf("notify: publish: %w", err)
	}
	return nil
}

// Close releases the broker connection. Send reconnects on next use.
func (a *AMQP) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closeLocked()
}

func (a *AMQP) ensureChannel() error {
	if a.channel != nil && !a.channel.IsClosed() {
		return nil
	}
	a.closeLocked()

	conn, err := amqp.DialConfig(a.url, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return fmt.Errorf("notify: dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("notify: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(a.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("notify: declare exchange %s: %w", a.exchange, err)
	}
	a.conn, a.channel = conn, ch
	return nil
}

func (a *AMQP) closeLocked() {
	if a.channel != nil {
		_ = a.channel.Close()
		a.channel = nil
	}
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", fmt.Errorf("notify: parse broker url: %w", err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("notify: broker url must start with amqp:// or amqps://")
	}
	return clean, nil
}
