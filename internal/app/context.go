package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"missionproof/internal/aggregate"
	"missionproof/internal/config"
	"missionproof/internal/db"
	"missionproof/internal/engine"
	"missionproof/internal/migrate"
	"missionproof/internal/progress"
	"missionproof/internal/trigger"
)

// Subscription names double as cursor keys; renaming one replays the feed.
const (
	SubAggregate = "aggregate"
	SubProgress  = "progress"
	SubStream    = "stream"
)

type Options struct {
	Workspace string
	// Config overrides the workspace file. When both are absent the default
	// template is used.
	Config *config.Config
	// ActorID is recorded on the seeding events.
	ActorID string
	// ConnectNATS enables the stream subscription when nats.url is set.
	ConnectNATS bool
	NATSTimeout time.Duration
	Logger      *slog.Logger
}

// App holds the wired components of one workspace.
type App struct {
	DB       *sql.DB
	Config   *config.Config
	Engine   engine.Engine
	Triggers *trigger.Dispatcher
	NATS     *trigger.NATSClient
	Logger   *slog.Logger
}

// Open migrates the workspace database, seeds the mission catalog and role
// catalog from config and builds the trigger dispatcher.
func Open(ctx context.Context, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.LoadOptional(opts.Workspace)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if cfg == nil {
		logger.Warn("no config file found; using defaults", "path", config.Path(opts.Workspace))
		cfg = config.Default()
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	e := engine.New(conn, cfg)
	actor := opts.ActorID
	if actor == "" {
		actor = "system"
	}
	if err := e.SyncConfig(ctx, cfg, actor); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sync config: %w", err)
	}
	a := &App{DB: conn, Config: cfg, Engine: e, Logger: logger}
	var sink trigger.Handler
	if opts.ConnectNATS && cfg.NATS.URL != "" {
		timeout := opts.NATSTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client, err := trigger.ConnectJetStreamWithRetry(cfg.NATS.URL, cfg.NATS.SubjectPrefix, timeout)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		a.NATS = client
		sink = trigger.StreamSink{Publisher: trigger.JetStreamPublisher{JS: client.JS}, Prefix: cfg.NATS.SubjectPrefix}
		logger.Info("completion stream enabled", "url", cfg.NATS.URL, "prefix", cfg.NATS.SubjectPrefix)
	}
	a.Triggers = &trigger.Dispatcher{
		Repo:     e.Repo,
		Subs:     Subscriptions(e, logger, sink),
		Interval: cfg.TriggerInterval(),
		Batch:    cfg.Triggers.Batch,
		Logger:   logger,
	}
	return a, nil
}

// Subscriptions returns the trigger handlers that keep derived documents in
// step with the completion store. sink may be nil.
func Subscriptions(e engine.Engine, logger *slog.Logger, sink trigger.Handler) []trigger.Subscription {
	subs := []trigger.Subscription{
		{Name: SubAggregate, Handler: aggregate.Counter{Repo: e.Repo, Events: e.Events, Logger: logger.With("trigger", SubAggregate), Now: e.Now}},
		{Name: SubProgress, Handler: progress.Synchronizer{Repo: e.Repo, Events: e.Events, Logger: logger.With("trigger", SubProgress), Now: e.Now}},
	}
	if sink != nil {
		subs = append(subs, trigger.Subscription{Name: SubStream, Handler: sink})
	}
	return subs
}

func (a *App) Close() error {
	if a == nil {
		return nil
	}
	a.NATS.Close()
	return a.DB.Close()
}
