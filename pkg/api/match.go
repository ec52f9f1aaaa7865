package api

import (
	"context"
	"net/http"

	"github.com/babmoim/babmoim-go/pkg/model"
)

// MatchResponse is the synchronous answer to a match request. The backend
// may block for minutes before answering; matched=false with no room means
// the result, if any, arrives later on the per-user matching channel.
type MatchResponse struct {
	Matched bool   `json:"matched"`
	RoomID  *int64 `json:"room_id"`
}

// RequestMatch issues the blocking match request.
func (c *Client) RequestMatch(ctx context.Context, criteria model.MatchCriteria) (*MatchResponse, error) {
	var resp MatchResponse
	if err := c.do(ctx, http.MethodPost, "/match", criteria, &resp, doOptions{long: true}); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelMatch cancels the pending match request. Idempotent on the server: a
// duplicate or late cancel does not error.
func (c *Client) CancelMatch(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/match", nil, nil, doOptions{})
}
