// Command babmoim is a headless client for the Babmoim backend: it restores
// or creates a session and tails global events. Useful for poking at a
// server without the mobile app.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/babmoim/babmoim-go/pkg/client"
	"github.com/babmoim/babmoim-go/pkg/logging"
	"github.com/babmoim/babmoim-go/pkg/model"
	"github.com/babmoim/babmoim-go/pkg/session"
	"github.com/babmoim/babmoim-go/pkg/version"
)

func main() {
	email := flag.String("email", "", "login email (skips auto-login restore)")
	password := flag.String("password", "", "login password")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Full())
		return
	}

	settings := client.LoadSettings()

	// Default to settings; override with BABMOIM_LOG_LEVEL env var.
	level := settings.LogLevel
	if v := os.Getenv("BABMOIM_LOG_LEVEL"); v != "" {
		level = v
	}
	_ = logging.Setup(logging.Options{
		Level:  level,
		Format: settings.LogFormat,
		Output: os.Stdout,
	})

	core, err := client.NewCore(settings)
	if err != nil {
		slog.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer core.Close()

	core.Session.OnAlarm = func(item model.AlarmItem) {
		fmt.Printf("alarm: %s\n", item.Message)
	}
	core.Session.OnLoggedOut = func(reason string) {
		fmt.Printf("logged out: %s\n", reason)
	}

	ctx := context.Background()
	if *email != "" {
		if err := core.Session.Login(ctx, *email, *password); err != nil {
			slog.Error("login failed", "err", err)
			os.Exit(1)
		}
	} else {
		if err := core.Session.Bootstrap(ctx); err != nil {
			slog.Error("session restore failed", "err", err)
			os.Exit(1)
		}
		if core.Session.State() != session.StateAuthenticated {
			fmt.Println("no stored session; run with -email and -password")
			os.Exit(1)
		}
	}

	sess := core.Session.Snapshot()
	fmt.Printf("authenticated as user %d (admin=%v), unread alarms: %d\n",
		sess.UserID, sess.IsAdmin, core.Alarms.Unread())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	core.Session.Logout(ctx, "user quit")
}
