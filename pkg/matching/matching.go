// Package matching runs the group-matching protocol for one attempt: a
// long-timeout match request racing against an asynchronous channel
// notification and a user cancel, resolved exactly once.
package matching

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/babmoim/babmoim-go/pkg/api"
	"github.com/babmoim/babmoim-go/pkg/model"
	"github.com/babmoim/babmoim-go/pkg/session"
	"github.com/babmoim/babmoim-go/pkg/transport"
)

var ErrNotAuthenticated = errors.New("matching: not authenticated")
var ErrAlreadyStarted = errors.New("matching: attempt already started")

// MatchTopic returns the per-user topic carrying match notifications.
func MatchTopic(userID int64) string {
	return fmt.Sprintf("/user/%d/match", userID)
}

// notification is the payload pushed on the matching topic.
type notification struct {
	Matched bool  `json:"matched"`
	RoomID  int64 `json:"room_id"`
}

// Coordinator owns exactly one match attempt. The owning screen creates one
// per attempt and tears it down on unmount; the coordinator's channel id is
// unique so it can never collide with another coordinator's subscription.
type Coordinator struct {
	api     *api.Client
	mux     *transport.Mux
	session *session.Manager

	mu              sync.Mutex
	started         bool
	request         model.MatchRequest
	channelID       string
	channelOpen     bool
	cancelRequested bool
	cancelSignalled bool
	cancelSent      bool // idempotence flag: the cancel HTTP call fires at most once
	cancelCh        chan struct{}
}

// New creates a coordinator for a single match attempt.
func New(apiClient *api.Client, mux *transport.Mux, sess *session.Manager) *Coordinator {
	return &Coordinator{
		api:      apiClient,
		mux:      mux,
		session:  sess,
		cancelCh: make(chan struct{}),
	}
}

// Request returns a copy of the attempt state.
func (c *Coordinator) Request() model.MatchRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.request
}

// Start runs the attempt to completion and returns the final request state.
// Blocking; callers run it on their own goroutine. The returned error, if
// any, is the user-actionable failure (match call error or cancel call
// error); the request status is authoritative either way.
func (c *Coordinator) Start(ctx context.Context, criteria model.MatchCriteria) (model.MatchRequest, error) {
	if err := criteria.Validate(); err != nil {
		return c.Request(), fmt.Errorf("matching: %w", err)
	}

	sess := c.session.Snapshot()
	if !sess.LoggedIn {
		return c.Request(), ErrNotAuthenticated
	}

	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return c.Request(), ErrAlreadyStarted
	}
	c.started = true
	c.request = model.MatchRequest{
		RequestID: uuid.NewString(),
		Criteria:  criteria,
		Status:    model.MatchPending,
	}
	c.channelID = "match-" + c.request.RequestID
	c.mu.Unlock()

	slog.Info("match requested", "request", c.request.RequestID, "category", criteria.Category, "size", criteria.TargetSize)

	// Phase 1: the blocking HTTP call. The backend may answer synchronously
	// with a match after minutes. A cancel arriving meanwhile does not
	// interrupt the call; only its consequences are gated afterwards.
	resp, httpErr := c.api.RequestMatch(ctx, criteria)

	if httpErr == nil && resp.Matched && resp.RoomID != nil {
		// Race A: the server answered with a match. A pending cancel lost.
		c.finish(model.MatchMatched, *resp.RoomID)
		return c.Request(), nil
	}

	if c.cancelPending() {
		// Race B: the user cancelled while the call was in flight and the
		// response did not report a match. The cancel call happens now,
		// late but exactly once.
		err := c.sendCancel(ctx)
		c.finish(model.MatchCancelled, 0)
		return c.Request(), err
	}

	if httpErr != nil {
		c.finish(model.MatchFailed, 0)
		return c.Request(), fmt.Errorf("matching: request: %w", httpErr)
	}

	// Fallback: no synchronous match and no cancel. Wait for the
	// asynchronous notification on a dedicated per-user channel.
	return c.awaitNotification(ctx, sess)
}

func (c *Coordinator) awaitNotification(ctx context.Context, sess model.Session) (model.MatchRequest, error) {
	topic := MatchTopic(sess.UserID)
	ch := c.mux.Open(c.channelID, topic, sess.Token)
	sub := ch.Subscribe(topic)

	c.mu.Lock()
	c.channelOpen = true
	c.mu.Unlock()

	defer c.closeChannel()

	// A cancel may have slipped in between the HTTP return and the channel
	// opening; honor it before waiting.
	if c.cancelPending() {
		err := c.sendCancel(ctx)
		c.finish(model.MatchCancelled, 0)
		return c.Request(), err
	}

	for {
		select {
		case frame, ok := <-sub.C():
			if !ok {
				// Channel torn down underneath us: by our own cancel path,
				// by logout, or by unmount.
				if c.cancelPending() {
					err := c.sendCancel(ctx)
					c.finish(model.MatchCancelled, 0)
					return c.Request(), err
				}
				c.finish(model.MatchFailed, 0)
				return c.Request(), nil
			}
			var note notification
			if err := json.Unmarshal(frame.Body, &note); err != nil {
				slog.Warn("undecodable match notification dropped", "err", err)
				continue
			}
			if !note.Matched {
				continue
			}
			c.finish(model.MatchMatched, note.RoomID)
			return c.Request(), nil

		case <-c.cancelCh:
			// Close first so no further notification is processed, then
			// issue the cancel call once.
			c.closeChannel()
			err := c.sendCancel(ctx)
			c.finish(model.MatchCancelled, 0)
			return c.Request(), err

		case <-ctx.Done():
			c.finish(model.MatchFailed, 0)
			return c.Request(), fmt.Errorf("matching: %w", ctx.Err())
		}
	}
}

// Cancel requests cancellation. Safe to call any number of times, from any
// goroutine, at any protocol point; the cancel HTTP call still happens at
// most once.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	if c.request.Status.Terminal() {
		c.mu.Unlock()
		return
	}
	c.cancelRequested = true
	signal := !c.cancelSignalled
	c.cancelSignalled = true
	c.mu.Unlock()

	if signal {
		close(c.cancelCh)
	}
}

// Close tears the coordinator down, releasing the matching channel even if
// no terminal state was reached. Idempotent.
func (c *Coordinator) Close() {
	c.closeChannel()
}

func (c *Coordinator) cancelPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelRequested
}

// sendCancel issues the cancel HTTP call at most once per attempt.
func (c *Coordinator) sendCancel(ctx context.Context) error {
	c.mu.Lock()
	if c.cancelSent {
		c.mu.Unlock()
		return nil
	}
	c.cancelSent = true
	c.mu.Unlock()

	if err := c.api.CancelMatch(ctx); err != nil {
		slog.Warn("match cancel call failed", "err", err)
		return fmt.Errorf("matching: cancel: %w", err)
	}
	return nil
}

// finish applies a terminal transition. Once terminal, later events are
// ignored: no status is ever re-mutated.
func (c *Coordinator) finish(status model.MatchStatus, roomID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.request.Status.Terminal() {
		return
	}
	c.request.Status = status
	c.request.RoomID = roomID
	slog.Info("match attempt finished", "request", c.request.RequestID, "status", status.String(), "room", roomID)
}

func (c *Coordinator) closeChannel() {
	c.mu.Lock()
	open := c.channelOpen
	c.channelOpen = false
	id := c.channelID
	c.mu.Unlock()

	if open {
		c.mux.Close(id)
	}
}
