package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/babmoim/babmoim-go/pkg/model"
	"github.com/babmoim/babmoim-go/pkg/transport"
)

// global event types pushed on the per-user channel.
const (
	eventAlarm        = "alarm"
	eventForcedLogout = "forced_logout"
)

// globalEvent is the payload of a frame on the global user topic.
type globalEvent struct {
	Type      string    `json:"type"`
	ID        string    `json:"id,omitempty"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// globalLoop consumes the global channel subscription until it is cancelled
// by logout or the channel shuts down.
func (m *Manager) globalLoop(sub *transport.Subscription) {
	for frame := range sub.C() {
		m.handleGlobalFrame(frame)
	}
}

// handleGlobalFrame processes one frame. A panic in an event handler must
// not silently stop all future messages on the channel.
func (m *Manager) handleGlobalFrame(frame transport.Frame) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("global event handler panicked", "panic", r)
		}
	}()

	var ev globalEvent
	if err := json.Unmarshal(frame.Body, &ev); err != nil {
		slog.Warn("undecodable global event dropped", "err", err)
		return
	}

	switch ev.Type {
	case eventAlarm:
		item := model.AlarmItem{
			ID:        ev.ID,
			Message:   ev.Message,
			CreatedAt: ev.CreatedAt,
		}
		m.alarms.Handle(item)
		if m.OnAlarm != nil {
			m.OnAlarm(item)
		}

	case eventForcedLogout:
		slog.Info("forced logout received", "message", ev.Message)
		go m.Logout(context.Background(), "logged out by server")

	default:
		slog.Debug("unknown global event ignored", "type", ev.Type)
	}
}
