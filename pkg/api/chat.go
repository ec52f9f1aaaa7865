package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/babmoim/babmoim-go/pkg/model"
)

// ChatHistory fetches a room's messages in order.
func (c *Client) ChatHistory(ctx context.Context, roomID int64) ([]model.ChatMessage, error) {
	var messages []model.ChatMessage
	path := fmt.Sprintf("/chat/rooms/%d/messages", roomID)
	if err := c.do(ctx, http.MethodGet, path, nil, &messages, doOptions{}); err != nil {
		return nil, err
	}
	return messages, nil
}

// LeaveRoom leaves a chat room. Failures propagate: leaving is a
// user-intentional, retryable action.
func (c *Client) LeaveRoom(ctx context.Context, roomID int64) error {
	path := fmt.Sprintf("/chat/rooms/%d/leave", roomID)
	return c.do(ctx, http.MethodPost, path, nil, nil, doOptions{})
}
