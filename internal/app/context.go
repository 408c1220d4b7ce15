package app

import (
	"database/sql"
	"log"
	"time"

	"pairline/internal/config"
	"pairline/internal/db"
	"pairline/internal/engine"
	"pairline/internal/migrate"
	"pairline/internal/notify"
)

// Env bundles the wired runtime for a workspace: open database, loaded
// config, webhook dispatcher, and the engine on top of them.
type Env struct {
	DB       *sql.DB
	Config   *config.Config
	Notifier *notify.Notifier
	Engine   engine.Engine
}

// Open prepares the workspace, runs migrations, loads pairline.yml (falling
// back to defaults if absent) and assembles the engine.
func Open(workspace string, logger *log.Logger) (*Env, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	notifier := notify.New(notify.Config{
		Timeout:     cfg.WebhookTimeout(),
		MaxAttempts: cfg.Webhooks.MaxAttempts,
		Backoff:     time.Duration(cfg.Webhooks.BackoffSeconds) * time.Second,
		QueueSize:   cfg.Webhooks.QueueSize,
		Workers:     cfg.Webhooks.Workers,
		Logger:      logger,
	})
	return &Env{
		DB:       conn,
		Config:   cfg,
		Notifier: notifier,
		Engine:   engine.New(conn, cfg, notifier),
	}, nil
}

// Close drains in-flight webhook deliveries and closes the database.
func (env *Env) Close() {
	if env.Notifier != nil {
		env.Notifier.Close()
	}
	if env.DB != nil {
		env.DB.Close()
	}
}
