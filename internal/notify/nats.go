package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSBus publishes wake-up signals on <prefix>.<webhookID> and subscribes to <prefix>.>.
type NATSBus struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSBus connects to url with automatic reconnection.
// Extra nats.Option values (e.g. disconnect/reconnect handlers) can be appended.
func NewNATSBus(url, prefix string, opts ...nats.Option) (*NATSBus, error) {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	defaults := []nats.Option{
		nats.Name("fluxbase-engine"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &NATSBus{conn: nc, prefix: strings.TrimSuffix(prefix, ".")}, nil
}

func (b *NATSBus) subject(webhookID string) string {
	return b.prefix + "." + webhookID
}

func (b *NATSBus) Publish(_ context.Context, webhookID string) error {
	if err := b.conn.Publish(b.subject(webhookID), []byte(webhookID)); err != nil {
		return fmt.Errorf("publishing wake signal for %s: %w", webhookID, err)
	}
	return nil
}

func (b *NATSBus) Subscribe() (<-chan string, func(), error) {
	ch := make(chan string, 64)

	var (
		mu     sync.Mutex
		closed bool
		once   sync.Once
	)

	topic := b.prefix + ".>"
	sub, err := b.conn.Subscribe(topic, func(msg *nats.Msg) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		id := strings.TrimPrefix(msg.Subject, b.prefix+".")
		select {
		case ch <- id:
		default:
			// Full channel: the poll loop picks the webhook up later.
		}
	})
	if err != nil {
		close(ch)
		return nil, nil, fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	// Register the subscription on the server before returning.
	if err := b.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		close(ch)
		return nil, nil, fmt.Errorf("flushing subscription: %w", err)
	}

	cancel := func() {
		once.Do(func() {
			_ = sub.Unsubscribe()
			mu.Lock()
			closed = true
			close(ch)
			mu.Unlock()
		})
	}
	return ch, cancel, nil
}

// Close drains pending publishes and closes the connection.
func (b *NATSBus) Close() error {
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return err
	}
	return nil
}
