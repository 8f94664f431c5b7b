package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NatsClient is the production Client implementation, backed by
// github.com/nats-io/nats.go with the same reconnect-handler shape the
// teacher stack wires into its own NATS subscriber.
type NatsClient struct {
	conn *nats.Conn
	log  zerolog.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription

	connMu      sync.Mutex
	onConnChange func(up bool)

	stats Stats
}

// Dial connects to a NATS server and returns a ready Client. url follows the
// standard nats:// scheme.
func Dial(url string, log zerolog.Logger) (*NatsClient, error) {
	c := &NatsClient{
		log:  log,
		subs: make(map[string]*nats.Subscription),
	}

	opts := []nats.Option{
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.log.Warn().Err(err).Msg("bus disconnected")
			}
			c.fireConnChange(false)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			atomic.AddUint64(&c.stats.Reconnects, 1)
			c.resubscribeAll()
			c.log.Info().Str("url", nc.ConnectedUrl()).Msg("bus reconnected")
			c.fireConnChange(true)
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			c.log.Warn().Msg("bus connection closed")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			c.log.Error().Err(err).Msg("bus async error")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("bus: connect: %w", err)
	}
	c.conn = conn
	return c, nil
}

func (c *NatsClient) fireConnChange(up bool) {
	c.connMu.Lock()
	fn := c.onConnChange
	c.connMu.Unlock()
	if fn != nil {
		fn(up)
	}
}

// OnConnectionChange registers a callback invoked whenever the underlying
// NATS connection transitions up or down. Per contract, on reconnect every
// prior subscription is re-established before fn(true) fires.
func (c *NatsClient) OnConnectionChange(fn func(up bool)) {
	c.connMu.Lock()
	c.onConnChange = fn
	c.connMu.Unlock()
}

// Publish sends msg on channel.
func (c *NatsClient) Publish(ctx context.Context, channel string, msg Message) error {
	body, err := msg.marshal()
	if err != nil {
		return fmt.Errorf("bus: marshal message: %w", err)
	}
	if err := c.conn.Publish(channel, body); err != nil {
		return fmt.Errorf("bus: publish: %w", err)
	}
	atomic.AddUint64(&c.stats.MessagesSent, 1)
	return nil
}

type natsSubscription struct {
	client  *NatsClient
	channel string
	sub     *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	s.client.mu.Lock()
	delete(s.client.subs, s.channel)
	s.client.mu.Unlock()
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) Channel() string { return s.channel }

// Subscribe registers handler on channel. A channel may only have one
// subscription at a time from this client; subscribing twice is an error —
// the caller (Document) is expected to track its own subscription handle.
func (c *NatsClient) Subscribe(channel string, handler Handler) (Subscription, error) {
	c.mu.Lock()
	if _, exists := c.subs[channel]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("bus: already subscribed to %q", channel)
	}
	c.mu.Unlock()

	sub, err := c.conn.Subscribe(channel, func(msg *nats.Msg) {
		m, err := unmarshalMessage(msg.Data)
		if err != nil {
			c.log.Warn().Err(err).Str("channel", channel).Msg("bus: dropping malformed message")
			return
		}
		atomic.AddUint64(&c.stats.MessagesReceived, 1)
		handler(m)
	})
	if err != nil {
		return nil, fmt.Errorf("bus: subscribe: %w", err)
	}

	c.mu.Lock()
	c.subs[channel] = sub
	c.mu.Unlock()

	return &natsSubscription{client: c, channel: channel, sub: sub}, nil
}

// resubscribeAll checks every tracked subscription after a reconnect.
// nats.go itself resubscribes transparently on reconnect for subscriptions
// made through the same *nats.Conn; this pass only logs any subscription
// that is no longer valid and does not re-issue it. It runs before
// OnConnectionChange(true) fires.
func (c *NatsClient) resubscribeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for channel, sub := range c.subs {
		if sub.IsValid() {
			continue
		}
		c.log.Warn().Str("channel", channel).Msg("bus: subscription invalid after reconnect, leaving for caller to re-establish")
	}
}

// HealthCheck reports whether the connection is currently usable.
func (c *NatsClient) HealthCheck(ctx context.Context) error {
	if c.conn == nil || !c.conn.IsConnected() {
		return fmt.Errorf("bus: not connected")
	}
	return nil
}

// NoteLoopSuppressed increments the suppressed-loop counter; called by
// Document when it drops a message whose InstanceTag matches its own.
func (c *NatsClient) NoteLoopSuppressed() {
	atomic.AddUint64(&c.stats.MessagesSuppressedLoop, 1)
}

// Stats returns a snapshot of the atomic counters.
func (c *NatsClient) Stats() Stats {
	return Stats{
		MessagesSent:           atomic.LoadUint64(&c.stats.MessagesSent),
		MessagesReceived:       atomic.LoadUint64(&c.stats.MessagesReceived),
		MessagesSuppressedLoop: atomic.LoadUint64(&c.stats.MessagesSuppressedLoop),
		Reconnects:             atomic.LoadUint64(&c.stats.Reconnects),
	}
}

// Close drains subscriptions and closes the underlying connection.
func (c *NatsClient) Close() error {
	c.mu.Lock()
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.subs = make(map[string]*nats.Subscription)
	c.mu.Unlock()
	c.conn.Close()
	return nil
}
