// Package janitor prunes old feed items on a cron schedule. Only items
// already delivered to every subscriber of their feed are removed, so
// pruning never drops a pending notification.
package janitor

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Store is the slice of the state store the janitor uses.
type Store interface {
	PruneItems(ctx context.Context, cutoff int64) (int64, error)
}

// Config controls the janitor.
type Config struct {
	// MaxAge is how old an item must be before it is eligible for
	// pruning.
	MaxAge time.Duration
	// Schedule is a standard 5-field cron spec.
	Schedule string
}

type Janitor struct {
	cfg   Config
	store Store
	log   zerolog.Logger

	now func() time.Time
}

func New(cfg Config, store Store, log zerolog.Logger) *Janitor {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 90 * 24 * time.Hour
	}
	return &Janitor{cfg: cfg, store: store, log: log, now: time.Now}
}

// Run schedules pruning and blocks until ctx is cancelled. An invalid
// cron spec is returned immediately.
func (j *Janitor) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(j.cfg.Schedule, func() { j.prune(ctx) }); err != nil {
		return err
	}
	c.Start()
	<-ctx.Done()
	stopCtx := c.Stop()
	// Let an in-flight prune finish.
	<-stopCtx.Done()
	return ctx.Err()
}

func (j *Janitor) prune(ctx context.Context) {
	cutoff := j.now().Add(-j.cfg.MaxAge).Unix()
	removed, err := j.store.PruneItems(ctx, cutoff)
	if err != nil {
		j.log.Error().Err(err).Msg("prune failed")
		return
	}
	if removed > 0 {
		j.log.Info().Int64("removed", removed).Msg("pruned old feed items")
	} else {
		j.log.Debug().Msg("nothing to prune")
	}
}
