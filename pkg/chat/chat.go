// Package chat manages one room session: history, live messages merged
// without duplication or loss, and the send/leave operations.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/babmoim/babmoim-go/pkg/api"
	"github.com/babmoim/babmoim-go/pkg/model"
	"github.com/babmoim/babmoim-go/pkg/session"
	"github.com/babmoim/babmoim-go/pkg/transport"
)

// RoomTopic returns the topic carrying a room's live messages.
func RoomTopic(roomID int64) string {
	return fmt.Sprintf("/room/%d/messages", roomID)
}

// roomDestination is where outbound messages are sent.
func roomDestination(roomID int64) string {
	return fmt.Sprintf("/room/%d/send", roomID)
}

// eventBuffer bounds the live-message feed handed to the screen.
const eventBuffer = 64

// Coordinator is one open chat room. Created when the screen opens,
// destroyed by Close when the room is left or the screen unmounts.
type Coordinator struct {
	api     *api.Client
	mux     *transport.Mux
	session *session.Manager

	roomID    int64
	channelID string

	mu            sync.Mutex
	messages      []model.ChatMessage
	pending       []model.ChatMessage // live messages received before history landed
	historyLoaded bool

	sub    *transport.Subscription
	events chan model.ChatMessage
	once   sync.Once
}

// Open opens the room: it subscribes to the room topic first, then fetches
// history, so a live message arriving during the fetch is never lost. The
// fetched history and any such live messages are merged with deduplication.
func Open(ctx context.Context, apiClient *api.Client, mux *transport.Mux, sess *session.Manager, roomID int64) (*Coordinator, error) {
	c := &Coordinator{
		api:       apiClient,
		mux:       mux,
		session:   sess,
		roomID:    roomID,
		channelID: fmt.Sprintf("chat-room-%d", roomID),
		events:    make(chan model.ChatMessage, eventBuffer),
	}

	topic := RoomTopic(roomID)
	ch := mux.Open(c.channelID, topic, sess.Token())
	c.sub = ch.Subscribe(topic)
	go c.liveLoop()

	history, err := apiClient.ChatHistory(ctx, roomID)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("chat: history: %w", err)
	}
	c.adoptHistory(history)

	slog.Debug("chat room opened", "room", roomID, "history", len(history))
	return c, nil
}

// adoptHistory installs the fetched history and replays live messages that
// arrived during the fetch, dropping the ones history already covers.
func (c *Coordinator) adoptHistory(history []model.ChatMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.messages = history
	for _, msg := range c.pending {
		c.appendLocked(msg)
	}
	c.pending = nil
	c.historyLoaded = true
}

func (c *Coordinator) liveLoop() {
	for frame := range c.sub.C() {
		var msg model.ChatMessage
		if err := json.Unmarshal(frame.Body, &msg); err != nil {
			slog.Warn("undecodable chat message dropped", "room", c.roomID, "err", err)
			continue
		}
		c.mu.Lock()
		if !c.historyLoaded {
			c.pending = append(c.pending, msg)
			c.mu.Unlock()
			continue
		}
		added := c.appendLocked(msg)
		c.mu.Unlock()

		if added {
			select {
			case c.events <- msg:
			default:
				slog.Warn("chat event buffer full, dropping event", "room", c.roomID)
			}
		}
	}
	c.once.Do(func() { close(c.events) })
}

// appendLocked appends a message unless it duplicates a recorded one.
// Duplicates only arise near the history/live boundary, so scanning back
// through the dedup window is enough.
func (c *Coordinator) appendLocked(msg model.ChatMessage) bool {
	for i := len(c.messages) - 1; i >= 0; i-- {
		prior := &c.messages[i]
		if msg.SentAt.Sub(prior.SentAt) > model.DedupWindow {
			break
		}
		if prior.Same(&msg) {
			return false
		}
	}
	c.messages = append(c.messages, msg)
	return true
}

// Messages returns the merged message list in order.
func (c *Coordinator) Messages() []model.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.ChatMessage, len(c.messages))
	copy(out, c.messages)
	return out
}

// Events is the live feed of merged messages. Closed when the room closes.
func (c *Coordinator) Events() <-chan model.ChatMessage {
	return c.events
}

// Send transmits a message to the room. A no-op when no authenticated user
// id is known; transport-level drops are silent as well.
func (c *Coordinator) Send(content string) {
	sess := c.session.Snapshot()
	if !sess.LoggedIn || sess.UserID == 0 {
		slog.Debug("chat send without session dropped", "room", c.roomID)
		return
	}

	msg := model.ChatMessage{
		RoomID:   c.roomID,
		SenderID: sess.UserID,
		Content:  content,
		SentAt:   time.Now().UTC(),
	}
	if err := msg.Validate(); err != nil {
		slog.Debug("invalid chat message dropped", "room", c.roomID, "err", err)
		return
	}
	c.mux.Send(c.channelID, roomDestination(c.roomID), msg)
}

// Leave calls the server leave endpoint. Failure propagates: leaving is a
// user-intentional, retryable action. On success the caller still owns
// closing the room and navigating away.
func (c *Coordinator) Leave(ctx context.Context) error {
	if err := c.api.LeaveRoom(ctx, c.roomID); err != nil {
		return fmt.Errorf("chat: leave room %d: %w", c.roomID, err)
	}
	return nil
}

// Close releases the room channel and the live feed. Idempotent.
func (c *Coordinator) Close() {
	if c.sub != nil {
		c.sub.Cancel()
	}
	c.mux.Close(c.channelID)
}
