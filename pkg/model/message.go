package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const MessageMaxBodyLength = 500

// DedupWindow is how close two timestamps may be for two otherwise identical
// messages to be treated as the same message. It covers a message appearing
// once in fetched history and again live on the room channel.
const DedupWindow = 2 * time.Second

var ErrMessageBodyTooLong = fmt.Errorf("message body exceeds %d characters", MessageMaxBodyLength)
var ErrMessageBodyEmpty = errors.New("message body cannot be empty")

// ChatMessage is one message in a room, either from history or live.
type ChatMessage struct {
	RoomID     int64     `json:"room_id"`
	SenderID   int64     `json:"sender_id"`
	SenderName string    `json:"sender_name,omitempty"`
	Content    string    `json:"content"`
	SentAt     time.Time `json:"sent_at"`
	IsSystem   bool      `json:"is_system"`
}

func (m *ChatMessage) Validate() error {
	if strings.TrimSpace(m.Content) == "" {
		return ErrMessageBodyEmpty
	} else if utf8.RuneCountInString(m.Content) > MessageMaxBodyLength {
		return ErrMessageBodyTooLong
	}

	return nil
}

// Same reports whether other is the same logical message: same room, sender,
// and content, sent within DedupWindow of each other.
func (m *ChatMessage) Same(other *ChatMessage) bool {
	if m.RoomID != other.RoomID || m.SenderID != other.SenderID || m.Content != other.Content {
		return false
	}
	d := m.SentAt.Sub(other.SentAt)
	if d < 0 {
		d = -d
	}
	return d <= DedupWindow
}
