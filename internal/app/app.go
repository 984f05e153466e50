package app

import (
	"database/sql"
	"fmt"
	"log"

	"readyline/internal/config"
	"readyline/internal/db"
	"readyline/internal/engine"
	"readyline/internal/migrate"
	"readyline/internal/queue"
)

// App bundles the shared process state: the relational store, the config,
// the queue connection manager, and the engine wired over both.
type App struct {
	DB       *sql.DB
	Config   *config.Config
	Engine   engine.Engine
	Queue    *queue.Manager
	Producer *queue.Producer
	Logger   *log.Logger
}

type Options struct {
	Workspace string
	Logger    *log.Logger
	// SkipQueue leaves the queue manager unconnected; query-only commands
	// work with the store alone.
	SkipQueue bool
}

// Bootstrap opens the store, applies migrations, loads config, and, for
// commands that produce or consume jobs, connects the process-wide queue
// manager.
func Bootstrap(opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	a := &App{DB: conn, Config: cfg, Logger: logger}
	if !opts.SkipQueue {
		mgr, err := queue.Connect(queue.Options{
			Endpoint:          cfg.Queue.Endpoint,
			ForceIPv4:         cfg.Queue.ForceIPv4,
			KeepAliveInterval: cfg.KeepAliveInterval(),
			AutoBatchWrites:   cfg.Queue.AutoBatchWrites,
			Logger:            logger,
		})
		if err != nil {
			conn.Close()
			return nil, err
		}
		a.Queue = mgr
		a.Producer = queue.NewProducer(mgr, queue.ProducerConfig{
			Queue:            cfg.Queue.Name,
			AttemptsAllowed:  cfg.Assessment.AttemptsAllowed,
			RemoveOnComplete: cfg.Assessment.RemoveOnComplete,
			DedupeInFlight:   cfg.Assessment.DedupeInFlight,
		})
	}

	var enq engine.Enqueuer
	if a.Producer != nil {
		enq = a.Producer
	}
	a.Engine = engine.New(conn, cfg, enq)
	a.Engine.Logger = logger
	return a, nil
}

// Close releases the queue connection and the store.
func (a *App) Close() error {
	if a.Queue != nil {
		if err := a.Queue.Close(); err != nil {
			a.Logger.Printf("close queue: %v", err)
		}
	}
	return a.DB.Close()
}
