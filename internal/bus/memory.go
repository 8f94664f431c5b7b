package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// memoryBroker is a process-local fan-out point shared by every MemoryClient
// built from the same NewMemoryBroker call, letting tests exercise multiple
// "instances" of the bus without a real NATS server.
type memoryBroker struct {
	mu   sync.Mutex
	subs map[string][]func(Message)
}

// NewMemoryBroker creates a broker. Pair it with MemoryClient for in-process
// multi-instance tests (registry, document, ws handler suites).
func NewMemoryBroker() *memoryBroker {
	return &memoryBroker{subs: make(map[string][]func(Message))}
}

func (b *memoryBroker) publish(channel string, msg Message) {
	b.mu.Lock()
	handlers := append([]func(Message){}, b.subs[channel]...)
	b.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
}

func (b *memoryBroker) subscribe(channel string, h func(Message)) {
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], h)
	b.mu.Unlock()
}

// MemoryClient is an in-process Client implementation used by tests in place
// of NatsClient. It implements the same reconnect/dedup/counter contract,
// minus any real network behavior.
type MemoryClient struct {
	broker *memoryBroker

	mu       sync.Mutex
	channels map[string]bool

	connMu sync.Mutex
	onConnChange func(up bool)

	stats Stats
	up    int32
}

// NewMemoryClient builds a client attached to broker.
func NewMemoryClient(broker *memoryBroker) *MemoryClient {
	return &MemoryClient{broker: broker, channels: make(map[string]bool), up: 1}
}

func (c *MemoryClient) Publish(ctx context.Context, channel string, msg Message) error {
	if atomic.LoadInt32(&c.up) == 0 {
		return fmt.Errorf("bus: client disconnected")
	}
	atomic.AddUint64(&c.stats.MessagesSent, 1)
	c.broker.publish(channel, msg)
	return nil
}

type memorySubscription struct {
	client  *MemoryClient
	channel string
}

func (s *memorySubscription) Unsubscribe() error {
	s.client.mu.Lock()
	delete(s.client.channels, s.channel)
	s.client.mu.Unlock()
	return nil
}

func (s *memorySubscription) Channel() string { return s.channel }

func (c *MemoryClient) Subscribe(channel string, handler Handler) (Subscription, error) {
	c.mu.Lock()
	if c.channels[channel] {
		c.mu.Unlock()
		return nil, fmt.Errorf("bus: already subscribed to %q", channel)
	}
	c.channels[channel] = true
	c.mu.Unlock()

	c.broker.subscribe(channel, func(msg Message) {
		atomic.AddUint64(&c.stats.MessagesReceived, 1)
		handler(msg)
	})
	return &memorySubscription{client: c, channel: channel}, nil
}

func (c *MemoryClient) HealthCheck(ctx context.Context) error {
	if atomic.LoadInt32(&c.up) == 0 {
		return fmt.Errorf("bus: disconnected")
	}
	return nil
}

func (c *MemoryClient) OnConnectionChange(fn func(up bool)) {
	c.connMu.Lock()
	c.onConnChange = fn
	c.connMu.Unlock()
}

// SetUp simulates a connectivity transition, for tests of reconnect
// behavior.
func (c *MemoryClient) SetUp(up bool) {
	if up {
		atomic.StoreInt32(&c.up, 1)
	} else {
		atomic.StoreInt32(&c.up, 0)
	}
	if up {
		atomic.AddUint64(&c.stats.Reconnects, 1)
	}
	c.connMu.Lock()
	fn := c.onConnChange
	c.connMu.Unlock()
	if fn != nil {
		fn(up)
	}
}

func (c *MemoryClient) NoteLoopSuppressed() {
	atomic.AddUint64(&c.stats.MessagesSuppressedLoop, 1)
}

func (c *MemoryClient) Stats() Stats {
	return Stats{
		MessagesSent:           atomic.LoadUint64(&c.stats.MessagesSent),
		MessagesReceived:       atomic.LoadUint64(&c.stats.MessagesReceived),
		MessagesSuppressedLoop: atomic.LoadUint64(&c.stats.MessagesSuppressedLoop),
		Reconnects:             atomic.LoadUint64(&c.stats.Reconnects),
	}
}

func (c *MemoryClient) Close() error {
	c.mu.Lock()
	c.channels = make(map[string]bool)
	c.mu.Unlock()
	return nil
}
