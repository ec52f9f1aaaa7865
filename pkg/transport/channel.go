package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/babmoim/babmoim-go/pkg/model"
)

// subscriptionBuffer bounds each subscription's delivery queue. A consumer
// that stops reading loses frames rather than stalling the channel reader.
const subscriptionBuffer = 64

// Channel is one independently lifecycled connection to the realtime
// endpoint, scoped to a single topic family. At most one live connection
// exists per channel id; the mux enforces uniqueness.
type Channel struct {
	id        string
	topic     string
	endpoint  string
	authToken string
	dialer    Dialer
	retry     time.Duration

	mu    sync.RWMutex
	state model.ChannelState
	conn  Conn
	subs  map[string][]*Subscription

	wmu sync.Mutex // serializes writes on conn

	closed    chan struct{}
	closeOnce sync.Once
}

// Subscription receives frames for one topic in arrival order.
type Subscription struct {
	topic string
	c     chan Frame
	ch    *Channel
	done  bool // guarded by ch.mu; set by Cancel or channel shutdown
}

// C is the frame delivery channel. It is closed when the subscription is
// cancelled or the channel shuts down.
func (s *Subscription) C() <-chan Frame { return s.c }

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// Cancel removes the subscription and closes its delivery channel.
// Idempotent, and safe against a concurrent channel shutdown.
func (s *Subscription) Cancel() {
	s.ch.unsubscribe(s)
}

func newChannel(id, topic, endpoint, authToken string, dialer Dialer, retry time.Duration) *Channel {
	return &Channel{
		id:        id,
		topic:     topic,
		endpoint:  endpoint,
		authToken: authToken,
		dialer:    dialer,
		retry:     retry,
		state:     model.ChannelClosed,
		subs:      make(map[string][]*Subscription),
		closed:    make(chan struct{}),
	}
}

// ID returns the channel id.
func (c *Channel) ID() string { return c.id }

// State returns the observable lifecycle state.
func (c *Channel) State() model.ChannelState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Channel) setState(s model.ChannelState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Subscribe registers a topic subscription. Frames already in flight before
// the subscription existed are not replayed.
func (c *Channel) Subscribe(topic string) *Subscription {
	sub := &Subscription{
		topic: topic,
		c:     make(chan Frame, subscriptionBuffer),
		ch:    c,
	}

	c.mu.Lock()
	c.subs[topic] = append(c.subs[topic], sub)
	conn := c.conn
	open := c.state == model.ChannelOpen
	c.mu.Unlock()

	// Tell the server about the new topic if we are already connected;
	// otherwise the next (re)connect announces it.
	if open {
		c.write(conn, wireFrame{Type: frameSubscribe, Topic: topic})
	}
	return sub
}

// Send transmits a payload to a destination. Silently dropped when the
// channel is not open; marshal failures are logged, never returned.
func (c *Channel) Send(destination string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal outbound frame failed", "channel", c.id, "err", err)
		return
	}

	c.mu.RLock()
	conn := c.conn
	open := c.state == model.ChannelOpen
	c.mu.RUnlock()

	if !open || conn == nil {
		slog.Debug("send on closed channel dropped", "channel", c.id, "destination", destination)
		return
	}
	c.write(conn, wireFrame{Type: frameSend, Destination: destination, Body: body})
}

func (c *Channel) write(conn Conn, f wireFrame) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := conn.WriteJSON(f); err != nil {
		slog.Debug("channel write failed", "channel", c.id, "err", err)
	}
}

// start launches the connection loop.
func (c *Channel) start() {
	go c.run()
}

// run dials, reads until failure, and redials on a fixed delay until the
// channel is explicitly closed. Connect failures are never surfaced to
// callers; only Open/Closed state is observable.
func (c *Channel) run() {
	defer c.shutdown()

	for {
		select {
		case <-c.closed:
			return
		default:
		}

		c.setState(model.ChannelConnecting)

		header := http.Header{}
		if c.authToken != "" {
			header.Set("Authorization", "Bearer "+c.authToken)
		}
		conn, err := c.dialer.Dial(c.endpoint, header)
		if err != nil {
			slog.Debug("channel connect failed, retrying", "channel", c.id, "err", err)
			if !c.sleep() {
				return
			}
			continue
		}

		c.mu.Lock()
		// close() may have raced with the dial.
		select {
		case <-c.closed:
			c.mu.Unlock()
			_ = conn.Close()
			return
		default:
		}
		c.conn = conn
		c.state = model.ChannelOpen
		topics := make([]string, 0, len(c.subs)+1)
		topics = append(topics, c.topic)
		for topic := range c.subs {
			if topic != c.topic {
				topics = append(topics, topic)
			}
		}
		c.mu.Unlock()

		for _, topic := range topics {
			c.write(conn, wireFrame{Type: frameSubscribe, Topic: topic})
		}

		c.readLoop(conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()

		select {
		case <-c.closed:
			return
		default:
			slog.Debug("channel connection lost, retrying", "channel", c.id)
			if !c.sleep() {
				return
			}
		}
	}
}

func (c *Channel) readLoop(conn Conn) {
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		c.dispatch(f)
	}
}

// dispatch delivers a frame to every subscription for its topic, in arrival
// order. A full subscription buffer drops the frame for that subscriber only.
func (c *Channel) dispatch(f Frame) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, sub := range c.subs[f.Topic] {
		select {
		case sub.c <- f:
		default:
			slog.Warn("subscription buffer full, dropping frame", "channel", c.id, "topic", f.Topic)
		}
	}
}

// unsubscribe removes a subscription and closes its delivery channel. The
// close happens after the removal is visible under the lock; dispatch only
// sends to subscriptions still in the map.
func (c *Channel) unsubscribe(sub *Subscription) {
	c.mu.Lock()
	if sub.done {
		c.mu.Unlock()
		return
	}
	sub.done = true
	subs := c.subs[sub.topic]
	for i, s := range subs {
		if s == sub {
			c.subs[sub.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	close(sub.c)
}

// sleep waits out the retry delay. Returns false if the channel was closed
// while waiting.
func (c *Channel) sleep() bool {
	select {
	case <-c.closed:
		return false
	case <-time.After(c.retry):
		return true
	}
}

// close signals shutdown and unblocks any in-flight read.
func (c *Channel) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
}

// shutdown runs once when the connection loop exits: marks the channel
// closed and releases every subscriber. Subscriptions are claimed under the
// lock; their delivery channels are closed only after it is released, and a
// concurrent Cancel on a claimed subscription is a no-op.
func (c *Channel) shutdown() {
	c.mu.Lock()
	c.state = model.ChannelClosed
	var orphaned []*Subscription
	for topic, subs := range c.subs {
		for _, sub := range subs {
			if !sub.done {
				sub.done = true
				orphaned = append(orphaned, sub)
			}
		}
		delete(c.subs, topic)
	}
	c.mu.Unlock()

	for _, sub := range orphaned {
		close(sub.c)
	}
}
