package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jobtrack/jobtrack/internal/client"
	"github.com/jobtrack/jobtrack/internal/config"
	"github.com/jobtrack/jobtrack/internal/job"
	"github.com/jobtrack/jobtrack/internal/registry"
	"github.com/jobtrack/jobtrack/internal/relay"
)

// app carries what every command needs once the environment is loaded.
type app struct {
	cfg *config.Config
	log *slog.Logger
	api *client.Client
}

func loadApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	log := cfg.Logger()
	slog.SetDefault(log)

	opts := []client.Option{
		client.WithToken(cfg.Token),
		client.WithTimeout(cfg.RequestTimeout),
		client.WithRateLimit(cfg.RateLimit),
		client.WithLogger(log),
	}
	if cfg.Breaker {
		opts = append(opts, client.WithBreaker())
	}
	return &app{cfg: cfg, log: log, api: client.New(cfg.APIURL, opts...)}, nil
}

// openRegistry returns a registry backed by the local tracking database,
// with the jobs saved by earlier runs restored.
func (a *app) openRegistry(ctx context.Context) (*registry.Registry, func(), error) {
	store, err := job.NewSQLiteStore(a.cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	reg := registry.New(a.api, registry.WithStore(store), registry.WithLogger(a.log))
	n, err := reg.Restore(ctx)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("restore: %w", err)
	}
	a.log.Debug("jobtrack: restored tracked jobs", "count", n)
	return reg, func() { store.Close() }, nil
}

// connect attaches reg to a live relay. The relay reconciles reg on every
// (re)connect.
func (a *app) connect(ctx context.Context, reg *registry.Registry) (func(), error) {
	rl := relay.New(a.cfg.RelayURL,
		relay.WithToken(a.cfg.Token),
		relay.WithReconnect(a.cfg.Reconnect),
		relay.WithLogger(a.log),
	)
	detach := reg.Attach(rl)
	if err := rl.Connect(ctx); err != nil {
		detach()
		return nil, err
	}
	return func() {
		rl.Disconnect()
		detach()
	}, nil
}
