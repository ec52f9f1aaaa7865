package api

import (
	"context"
	"net/http"
)

// LoginRequest carries user credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthResponse is returned by login and by the session probe.
type AuthResponse struct {
	Token   string `json:"token,omitempty"`
	UserID  int64  `json:"user_id"`
	IsAdmin bool   `json:"is_admin"`
}

// RefreshResponse carries the renewed token.
type RefreshResponse struct {
	Token string `json:"token"`
}

// Login exchanges credentials for a token and identity claims.
func (c *Client) Login(ctx context.Context, req LoginRequest) (*AuthResponse, error) {
	var resp AuthResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", req, &resp, doOptions{noRefresh: true}); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Probe is the lightweight authenticated call used to verify a restored
// session on app start.
func (c *Client) Probe(ctx context.Context) (*AuthResponse, error) {
	var resp AuthResponse
	if err := c.do(ctx, http.MethodGet, "/auth/me", nil, &resp, doOptions{noRefresh: true}); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Refresh renews the token. Exempt from the 401 interception so a failing
// refresh can never trigger another refresh.
func (c *Client) Refresh(ctx context.Context) (string, error) {
	var resp RefreshResponse
	if err := c.do(ctx, http.MethodPost, "/auth/refresh", nil, &resp, doOptions{noRefresh: true}); err != nil {
		return "", err
	}
	return resp.Token, nil
}

// Logout asks the server to invalidate the session. Best effort: callers
// treat a failure here as ignorable.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/auth/logout", nil, nil, doOptions{noRefresh: true})
}
