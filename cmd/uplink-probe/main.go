// Command uplink-probe wires the full resilience stack against a live
// backend and tails the realtime feed: a development tool for exercising the
// session, queue, and channel-manager layers outside the host application.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/a-essam23/go-uplink/internal/queue"
	"github.com/a-essam23/go-uplink/internal/realtime"
	"github.com/a-essam23/go-uplink/internal/session"
	"github.com/a-essam23/go-uplink/pkg/config"
	"github.com/a-essam23/go-uplink/pkg/logging"
	"github.com/a-essam23/go-uplink/pkg/netmon"
	"github.com/a-essam23/go-uplink/pkg/storage"
	"github.com/a-essam23/go-uplink/pkg/transport"
)

func main() {
	orgID := flag.String("org", "", "organization id for the realtime scope")
	userID := flag.String("user", "", "user id for the realtime scope")
	configName := flag.String("config", "config", "config file name (without extension)")
	flag.Parse()

	logger := logging.New(logging.LevelDebug)
	slog.SetDefault(logger)

	cfg, err := config.Load(logger, *configName)
	if err != nil {
		logger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	logger = logging.New(logging.ParseLevel(cfg.Logging.Level))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	store, err := storage.NewFileStore(logger, cfg.Storage.Dir)
	if err != nil {
		logger.Error("Failed to open storage", slog.Any("error", err))
		os.Exit(1)
	}
	monitor := netmon.NewManualMonitor(true)

	httpClient, err := transport.NewClient(logger, cfg.API.BaseURL, cfg.API.RequestTimeout)
	if err != nil {
		logger.Error("Failed to build transport", slog.Any("error", err))
		os.Exit(1)
	}
	client := transport.Chain(httpClient, transport.WithClientID(cfg.API.ClientID))

	sess, err := session.NewManager(logger, store, client, cfg.API.RefreshPath)
	if err != nil {
		logger.Error("Failed to restore session", slog.Any("error", err))
		os.Exit(1)
	}
	sess.OnSessionExpired(func() {
		logger.Warn("Session expired; re-authentication required")
		stop()
	})

	q, err := queue.New(logger, store, sess, monitor, cfg.Queue)
	if err != nil {
		logger.Error("Failed to load offline queue", slog.Any("error", err))
		os.Exit(1)
	}
	q.Start(ctx)
	defer q.Stop()
	logger.Info("Offline queue ready", slog.Int("pending", q.Len()))

	rt := realtime.NewManager(logger, cfg.Realtime, sess, monitor, cfg.API.BroadcastAuthPath)
	defer rt.Disconnect()

	rt.OnConnectionChange(func(connected bool) {
		logger.Info("Realtime connectivity changed", slog.Bool("connected", connected))
	})
	rt.OnDomainEvent(func(ev realtime.DomainEvent) {
		logger.Info("Domain event",
			slog.String("entity", ev.Entity),
			slog.String("action", string(ev.Action)),
			slog.String("id", ev.EntityID),
		)
	})
	rt.OnCalendarEvent(func(ev realtime.CalendarEvent) {
		logger.Info("Calendar event",
			slog.String("action", string(ev.Action)),
			slog.String("id", ev.EventID),
		)
	})
	rt.OnAgentEvent(func(ev realtime.AgentEvent) {
		logger.Info("Agent event",
			slog.String("kind", string(ev.Kind)),
			slog.String("sessionID", ev.SessionID),
		)
	})
	rt.OnNotification(func(n realtime.Notification) {
		logger.Info("Notification", slog.String("title", n.Title), slog.String("body", n.Body))
	})
	rt.OnPresence(func(ev realtime.PresenceEvent) {
		logger.Info("Presence change", slog.String("userID", ev.UserID), slog.Bool("joined", ev.Joined))
	})

	if *orgID != "" && *userID != "" {
		if err := rt.Connect(ctx, realtime.Scope{OrgID: *orgID, UserID: *userID}); err != nil {
			logger.Warn("Initial realtime connect failed; reconnect policy takes over", slog.Any("error", err))
		}
	} else {
		logger.Warn("No realtime scope given (-org/-user); running queue and session layers only")
	}

	<-ctx.Done()
	logger.Info("Shutting down")
}
