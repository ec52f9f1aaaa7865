package transport

import (
	"log/slog"
	"sync"
	"time"
)

// Mux owns every live channel. It is the only component that creates or
// destroys connections; callers identify channels by id and never touch the
// socket directly.
type Mux struct {
	endpoint string
	dialer   Dialer
	retry    time.Duration

	mu       sync.Mutex
	channels map[string]*Channel
}

// Option configures a Mux.
type Option func(*Mux)

// WithDialer substitutes the connection dialer (used by tests).
func WithDialer(d Dialer) Option {
	return func(m *Mux) { m.dialer = d }
}

// WithRetryDelay overrides the fixed reconnect delay.
func WithRetryDelay(d time.Duration) Option {
	return func(m *Mux) { m.retry = d }
}

// NewMux creates a multiplexer for one realtime endpoint.
func NewMux(endpoint string, opts ...Option) *Mux {
	m := &Mux{
		endpoint: endpoint,
		dialer:   WebSocketDialer{},
		retry:    retryDelay,
		channels: make(map[string]*Channel),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open creates and connects a channel for the given id and topic family.
// Calling Open again for a live channel id is a no-op returning the existing
// channel, so a caller can never end up with duplicate subscriptions.
func (m *Mux) Open(id, topic, authToken string) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ch, ok := m.channels[id]; ok {
		return ch
	}

	ch := newChannel(id, topic, m.endpoint, authToken, m.dialer, m.retry)
	m.channels[id] = ch
	ch.start()

	slog.Debug("channel opened", "id", id, "topic", topic)
	return ch
}

// Channel returns the live channel with the given id, if any.
func (m *Mux) Channel(id string) (*Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[id]
	return ch, ok
}

// Subscribe registers a topic subscription on a channel. Returns nil if the
// channel does not exist; the returned subscription receives every inbound
// frame for the topic in arrival order.
func (m *Mux) Subscribe(id, topic string) *Subscription {
	ch, ok := m.Channel(id)
	if !ok {
		return nil
	}
	return ch.Subscribe(topic)
}

// Send transmits a payload to a destination over a channel. It is a silent
// no-op when the channel is absent or not open: a transient disconnect must
// never crash a caller.
func (m *Mux) Send(id, destination string, payload any) {
	ch, ok := m.Channel(id)
	if !ok {
		slog.Debug("send on unknown channel dropped", "id", id)
		return
	}
	ch.Send(destination, payload)
}

// Close tears down a channel. Idempotent; safe to call for unknown ids.
func (m *Mux) Close(id string) {
	m.mu.Lock()
	ch, ok := m.channels[id]
	delete(m.channels, id)
	m.mu.Unlock()

	if ok {
		ch.close()
		slog.Debug("channel closed", "id", id)
	}
}

// CloseAll tears down every channel. Used by the logout cascade.
func (m *Mux) CloseAll() {
	m.mu.Lock()
	channels := m.channels
	m.channels = make(map[string]*Channel)
	m.mu.Unlock()

	for id, ch := range channels {
		ch.close()
		slog.Debug("channel closed", "id", id)
	}
}
