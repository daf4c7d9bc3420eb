// Package app runs the background side of the messenger: the notification
// sweep and the account purge consumer.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"vibe/internal/util"
	"vibe/pkg/events"
	"vibe/pkg/purge"
	"vibe/pkg/queue"
	"vibe/pkg/storage"
	"vibe/pkg/store"
)

// JobSource delivers queued jobs to a handler until ctx ends.
type JobSource interface {
	Run(ctx context.Context, concurrency int, handler queue.Handler) error
}

// Config holds runtime configuration.
type Config struct {
	DatabaseURL string
	Store       store.Store
	Jobs        JobSource
	Concurrency int
	// Avatars and Broker are optional.
	Avatars       storage.AvatarStore
	Broker        events.Broker
	SweepInterval time.Duration
	SweepOnStart  bool
	Now           func() time.Time
}

// App owns the worker loops.
type App struct {
	store        store.Store
	jobs         JobSource
	concurrency  int
	purger       *purge.Purger
	interval     time.Duration
	sweepOnStart bool
	now          func() time.Time
}

func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, errors.New("database URL required")
		}
		var err error
		dataStore, err = store.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init store: %w", err)
		}
	}
	if cfg.Jobs == nil {
		return nil, errors.New("job source required")
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 24 * time.Hour
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &App{
		store:       dataStore,
		jobs:        cfg.Jobs,
		concurrency: cfg.Concurrency,
		purger: &purge.Purger{
			Store:   dataStore,
			Avatars: cfg.Avatars,
			Broker:  cfg.Broker,
			Now:     cfg.Now,
			NewID:   util.NewID,
		},
		interval:     cfg.SweepInterval,
		sweepOnStart: cfg.SweepOnStart,
		now:          cfg.Now,
	}, nil
}

// Run blocks until ctx is canceled or a loop fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.sweepLoop(ctx) })
	g.Go(func() error {
		err := a.jobs.Run(ctx, a.concurrency, a.HandleJob)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	return g.Wait()
}

func (a *App) sweepLoop(ctx context.Context) error {
	if a.sweepOnStart {
		a.sweepOnce(ctx)
	}
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.sweepOnce(ctx)
		}
	}
}

func (a *App) sweepOnce(ctx context.Context) {
	n, err := a.Sweep(ctx)
	if err != nil {
		slog.Error("notification sweep failed", "err", err)
		return
	}
	slog.Info("notification sweep", "removed", n)
}

// Sweep deletes notifications whose expiry has passed.
func (a *App) Sweep(ctx context.Context) (int64, error) {
	n, err := a.store.DeleteExpiredNotifications(ctx, a.now())
	if err != nil {
		return 0, fmt.Errorf("delete expired notifications: %w", err)
	}
	return n, nil
}

// HandleJob applies one queued job. Unknown kinds fail so they end up
// marked failed instead of silently acked.
func (a *App) HandleJob(ctx context.Context, job queue.Job) error {
	switch job.Kind {
	case purge.JobKind:
		var payload purge.Payload
		if err := job.Decode(&payload); err != nil {
			return err
		}
		res, err := a.purger.Purge(ctx, payload)
		if err != nil {
			return err
		}
		slog.Info("account purged", "job_id", job.ID, "user_id", payload.UserID,
			"peers", res.Peers, "chats", res.Chats, "objects", res.Objects)
		return nil
	default:
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}
}
