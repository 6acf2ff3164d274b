// Package app assembles the runtime shared by the CLI and the HTTP server.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"freeflow/internal/config"
	"freeflow/internal/db"
	"freeflow/internal/engine"
	"freeflow/internal/migrate"
	"freeflow/internal/payout"
	"freeflow/internal/query"
	"freeflow/internal/relay"
)

// Runtime owns the database handle and the background payout workers.
type Runtime struct {
	DB         *sql.DB
	Config     *config.Config
	Engine     engine.Engine
	Query      query.Service
	Dispatcher *payout.Dispatcher
	Logger     *slog.Logger
}

// Open opens and migrates the workspace database and wires the engine to the
// configured payout rail. Workers do not run until Start.
func Open(workspace string, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := config.LoadOrDefault(workspace)
	if err != nil {
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
	return New(conn, cfg, logger)
}

// New wires a runtime around an already migrated database.
func New(conn *sql.DB, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	eng := engine.New(conn, cfg)
	eng.Logger = logger
	rt := &Runtime{
		DB:     conn,
		Config: eng.Config,
		Query:  query.Service{Repo: eng.Repo, DefaultCurrency: eng.Config.DefaultCurrency()},
		Logger: logger,
	}
	rail, err := NewRail(eng.Config.Payout)
	if err != nil {
		return nil, err
	}
	if rail != nil {
		apply := eng
		rt.Dispatcher = payout.NewDispatcher(rail, func(ctx context.Context, r payout.Result) error {
			_, err := apply.ApplyTransferResult(ctx, r)
			return err
		}, payout.Options{
			Workers:     eng.Config.Payout.Workers,
			MaxAttempts: eng.Config.Payout.MaxAttempts,
			Backoff:     eng.Config.Payout.RetryBackoff,
			Logger:      logger.With("component", "payout"),
		})
		eng.Payouts = rt.Dispatcher
	}
	rt.Engine = eng
	return rt, nil
}

// Start launches the payout workers.
func (rt *Runtime) Start(ctx context.Context) {
	if rt.Dispatcher != nil {
		rt.Dispatcher.Start(ctx)
	}
}

// Close drains the payout queue and closes the database.
func (rt *Runtime) Close() error {
	if rt.Dispatcher != nil {
		rt.Dispatcher.Stop()
	}
	return rt.DB.Close()
}

// NewRail returns nil when automatic transfers are disabled.
func NewRail(cfg config.PayoutConfig) (payout.Rail, error) {
	switch cfg.Rail {
	case "", "none":
		return nil, nil
	case "sandbox":
		return payout.SandboxRail{Delay: cfg.Sandbox.Delay, FailDestinations: cfg.Sandbox.FailDestinations}, nil
	case "http":
		return payout.NewHTTPRail(cfg.HTTP.URL, cfg.HTTP.Token, cfg.HTTP.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown payout rail %q", cfg.Rail)
	}
}

// NewPublisher returns nil when no relay sink is configured.
func NewPublisher(cfg config.RelayConfig, logger *slog.Logger) (relay.Publisher, error) {
	switch cfg.Sink {
	case "", "none":
		return nil, nil
	case "log":
		return relay.LogPublisher{Logger: logger}, nil
	case "kafka":
		return relay.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic), nil
	case "rabbitmq":
		return relay.NewRabbitMQPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Queue)
	case "webhook":
		return relay.NewWebhookPublisher(cfg.Webhook.URL, cfg.Webhook.Secret, cfg.Webhook.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown relay sink %q", cfg.Sink)
	}
}

// NewRelay builds the event relay for the configured sink, or returns nil when relaying is off.
func (rt *Runtime) NewRelay() (*relay.Relay, error) {
	pub, err := NewPublisher(rt.Config.Relay, rt.Logger)
	if err != nil || pub == nil {
		return nil, err
	}
	return &relay.Relay{
		Repo:      rt.Engine.Repo,
		Publisher: pub,
		Filter:    relay.NewFilter(rt.Config.Relay.Events),
		Batch:     rt.Config.Relay.Batch,
		Interval:  rt.Config.Relay.Interval,
		Logger:    rt.Logger.With("component", "relay"),
	}, nil
}

// NewLogger builds the process logger. format is text or json.
func NewLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}
