package client

import (
	"context"
	"fmt"
	"os"

	"github.com/babmoim/babmoim-go/pkg/alarm"
	"github.com/babmoim/babmoim-go/pkg/api"
	"github.com/babmoim/babmoim-go/pkg/chat"
	"github.com/babmoim/babmoim-go/pkg/matching"
	"github.com/babmoim/babmoim-go/pkg/session"
	"github.com/babmoim/babmoim-go/pkg/store"
	"github.com/babmoim/babmoim-go/pkg/transport"
)

// Core assembles the session core: credential cache, API client, transport
// multiplexer, alarm store, and session manager. The embedding app creates
// one Core at startup and threads it to screens; screens obtain their own
// coordinators per user action.
type Core struct {
	Settings *Settings
	Store    store.CredentialStore
	API      *api.Client
	Mux      *transport.Mux
	Alarms   *alarm.Store
	Session  *session.Manager
}

// NewCore builds a Core from settings.
func NewCore(settings *Settings) (*Core, error) {
	dataDir := settings.dataDir()
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("client: create data dir: %w", err)
	}

	creds, err := store.New(dataDir + "/credentials.db")
	if err != nil {
		return nil, fmt.Errorf("client: open credential store: %w", err)
	}

	apiClient := api.NewClient(settings.ServerURL)
	mux := transport.NewMux(settings.RealtimeURL)
	alarms := alarm.New(creds)
	sess := session.NewManager(apiClient, mux, creds, alarms)

	return &Core{
		Settings: settings,
		Store:    creds,
		API:      apiClient,
		Mux:      mux,
		Alarms:   alarms,
		Session:  sess,
	}, nil
}

// NewMatch creates a coordinator for one match attempt.
func (c *Core) NewMatch() *matching.Coordinator {
	return matching.New(c.API, c.Mux, c.Session)
}

// OpenRoom opens a chat room session.
func (c *Core) OpenRoom(ctx context.Context, roomID int64) (*chat.Coordinator, error) {
	return chat.Open(ctx, c.API, c.Mux, c.Session, roomID)
}

// Close shuts the core down, closing every channel and flushing the
// credential cache.
func (c *Core) Close() error {
	c.Mux.CloseAll()
	return c.Store.Close()
}
