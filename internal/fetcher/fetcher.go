// Package fetcher runs the periodic fetch loop: ask the store which
// feeds are due, pull each one through the feed client, persist new
// items and advance the fetch watermark.
package fetcher

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"feedbot/internal/domain"
	"feedbot/internal/storage"
)

// Client is the external feed-retrieval collaborator.
type Client interface {
	Fetch(ctx context.Context, slug string, notBefore int64) (int64, []domain.Item, error)
}

// Store is the slice of the state store the fetch loop uses.
type Store interface {
	FeedsDueForFetch(ctx context.Context, interval, now int64) ([]storage.DueFeed, error)
	StoreItem(ctx context.Context, item domain.Item) error
	MarkFetchAttempt(ctx context.Context, slug string, observed int64) error
}

// Config controls the fetch loop.
type Config struct {
	// Interval is the tick cadence.
	Interval time.Duration
	// RefreshAfter is how stale a feed's last attempt must be before
	// it is due again.
	RefreshAfter time.Duration
	// FailurePause is the bounded pause after a failed fetch before
	// moving on to the next feed.
	FailurePause time.Duration
}

type Fetcher struct {
	cfg    Config
	store  Store
	client Client
	log    zerolog.Logger

	now func() time.Time
}

func New(cfg Config, store Store, client Client, log zerolog.Logger) *Fetcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.RefreshAfter <= 0 {
		cfg.RefreshAfter = 10 * time.Second
	}
	if cfg.FailurePause <= 0 {
		cfg.FailurePause = 10 * time.Second
	}
	return &Fetcher{cfg: cfg, store: store, client: client, log: log, now: time.Now}
}

// Run blocks until ctx is cancelled, processing due feeds once per
// tick. A store error querying due feeds is returned and kills the
// loop; per-feed failures are logged and skipped.
func (f *Fetcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := f.tick(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (f *Fetcher) tick(ctx context.Context) error {
	now := f.now().Unix()
	due, err := f.store.FeedsDueForFetch(ctx, int64(f.cfg.RefreshAfter/time.Second), now)
	if err != nil {
		return err
	}
	for _, d := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.processFeed(ctx, d)
	}
	return nil
}

func (f *Fetcher) processFeed(ctx context.Context, d storage.DueFeed) {
	log := f.log.With().Str("feed", d.Slug).Logger()
	log.Info().
		Int64("last_modified", d.LastModified).
		Int64("last_tried", d.LastTriedToFetch).
		Msg("feed due for fetch")

	observed, items, err := f.client.Fetch(ctx, d.Slug, d.LastModified)
	if err != nil {
		log.Warn().Err(err).Msg("fetch failed")
		if markErr := f.store.MarkFetchAttempt(ctx, d.Slug, 0); markErr != nil {
			log.Error().Err(markErr).Msg("mark fetch attempt failed")
		}
		// A missing source is not transient, no point pausing before
		// the next feed.
		if !errors.Is(err, domain.ErrSourceNotFound) {
			f.pause(ctx)
		}
		return
	}

	for _, item := range items {
		log.Info().Str("title", item.Title).Str("link", item.Link).Msg("new item")
		if err := f.store.StoreItem(ctx, item); err != nil {
			if storage.IsConstraint(err) {
				// Another cycle beat us to this pubdate.
				log.Debug().Int64("pubdate", item.PubDate).Msg("item already stored")
				continue
			}
			log.Error().Err(err).Int64("pubdate", item.PubDate).Msg("store item failed")
		}
	}

	if err := f.store.MarkFetchAttempt(ctx, d.Slug, observed); err != nil {
		log.Error().Err(err).Msg("mark fetch attempt failed")
	}
}

func (f *Fetcher) pause(ctx context.Context) {
	t := time.NewTimer(f.cfg.FailurePause)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
