// Package messaging provides a NATS client wrapper used by the dev chat
// backend to fan chat events out across server instances. Every instance
// subscribes to the subjects of the conversations its local connections have
// joined; messages published by any instance reach all of them.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectChat is the subject prefix for per-conversation chat events:
// chat.<conversation_id>.
const SubjectChat = "chat"

// NATSClient wraps the NATS connection with helper methods for chat pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription // conversationID -> subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "marketchat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// PublishChat publishes data to the chat.<conversationID> subject.
func (c *NATSClient) PublishChat(conversationID string, data []byte) error {
	return c.conn.Publish(SubjectChat+"."+conversationID, data)
}

// SubscribeChat subscribes this instance to a conversation's events. Calling
// it for an already-subscribed conversation is a no-op, so one subscription
// serves all local members of the room.
func (c *NATSClient) SubscribeChat(conversationID string, handler func(data []byte)) error {
	c.mu.Lock()
	if _, ok := c.subs[conversationID]; ok {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	subject := SubjectChat + "." + conversationID
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[conversationID] = sub
	c.mu.Unlock()
	return nil
}

// UnsubscribeChat drops this instance's subscription for a conversation,
// called when its last local member leaves.
func (c *NATSClient) UnsubscribeChat(conversationID string) error {
	c.mu.Lock()
	sub, ok := c.subs[conversationID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for conversation %s", conversationID)
	}
	delete(c.subs, conversationID)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", conversationID, err)
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for conversationID, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", conversationID, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
