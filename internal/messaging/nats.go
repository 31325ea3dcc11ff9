// Package messaging provides a NATS client wrapper for fanning chat events
// out across gateway instances. Every gateway that holds a connection joined
// to a chat subscribes to that chat's subject; publishing once reaches every
// participant wherever they are connected.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectChat is the subject prefix for per-chat fanout: chat.<chat_id>.
const SubjectChat = "chat"

// Event kinds carried inside a ChatEvent.
const (
	KindMessage = "message"
	KindTyping  = "typing"
)

// ChatEvent is the payload published to chat.<chat_id> subjects. Data holds
// the already-encoded gateway event so receiving gateways write it to their
// local room members without re-marshaling. Message events are delivered to
// every member including the sender (the client's send pipeline depends on
// the echo); typing events skip the sender, identified by From.
type ChatEvent struct {
	Kind string          `json:"kind"`
	From string          `json:"from"`
	Data json.RawMessage `json:"data"`
}

// NATSClient wraps the NATS connection with helpers for chat subjects.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
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
		Name:          "brokerchat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
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

// PublishChatEvent publishes a chat event to the chat.<chatID> subject.
func (c *NATSClient) PublishChatEvent(chatID string, event ChatEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("nats marshal chat event: %w", err)
	}
	return c.conn.Publish(SubjectChat+"."+chatID, data)
}

// SubscribeToChat subscribes to the chat.<chatID> subject on behalf of one
// gateway connection. The subscription is keyed by (connID, chatID) so
// several local connections can follow the same chat, and one connection can
// follow several chats, without overwriting each other.
func (c *NATSClient) SubscribeToChat(chatID, connID string, handler func(ChatEvent)) error {
	subject := SubjectChat + "." + chatID
	key := subKey(connID, chatID)

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		var event ChatEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Printf("[nats] dropping malformed chat event on %s: %v", subject, err)
			return
		}
		handler(event)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	// Replace a stale subscription for the same key, if any.
	if old, ok := c.subs[key]; ok {
		_ = old.Unsubscribe()
	}
	c.subs[key] = sub
	c.mu.Unlock()
	return nil
}

// UnsubscribeFromChat drops one connection's subscription to one chat.
func (c *NATSClient) UnsubscribeFromChat(chatID, connID string) error {
	return c.unsubscribe(subKey(connID, chatID))
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", key, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

// unsubscribe removes and unsubscribes a tracked subscription.
func (c *NATSClient) unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for %s", key)
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}

func subKey(connID, chatID string) string {
	return connID + ":" + chatID
}
