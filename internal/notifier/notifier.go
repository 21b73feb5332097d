// Package notifier runs the periodic dispatch loop: ask the store for
// undelivered (subscriber, item) pairs, push each one through the
// delivery channel and advance the delivery watermark.
//
// Delivery is at-least-once with duplicate suppression on the happy
// path only: the watermark advances whether or not delivery succeeded,
// because an unbounded backlog from repeated failures is worse than an
// occasional lost notification.
package notifier

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"feedbot/internal/domain"
)

// Channel is the external delivery collaborator, side effect only.
type Channel interface {
	Notify(ctx context.Context, n domain.Notification) error
}

// Store is the slice of the state store the dispatch loop uses.
type Store interface {
	UndeliveredNotifications(ctx context.Context, limit int) ([]domain.Notification, error)
	MarkNotified(ctx context.Context, chatID int64, slug string, pubdate int64) error
}

// Config controls the dispatch loop.
type Config struct {
	// Interval is the tick cadence.
	Interval time.Duration
	// BatchLimit caps how many notifications one tick processes;
	// backlogs drain across ticks in feed-then-pubdate order.
	BatchLimit int
	// RatePerSec throttles outbound sends.
	RatePerSec int
}

type Notifier struct {
	cfg     Config
	store   Store
	channel Channel
	limiter *rate.Limiter
	log     zerolog.Logger
}

func New(cfg Config, store Store, channel Channel, log zerolog.Logger) *Notifier {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 10
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	return &Notifier{
		cfg:     cfg,
		store:   store,
		channel: channel,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		log:     log,
	}
}

// Run blocks until ctx is cancelled, dispatching one batch per tick. A
// store error querying the batch is returned and kills the loop;
// per-notification failures are logged and skipped.
func (n *Notifier) Run(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := n.tick(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (n *Notifier) tick(ctx context.Context) error {
	pending, err := n.store.UndeliveredNotifications(ctx, n.cfg.BatchLimit)
	if err != nil {
		return err
	}
	for _, p := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n.dispatch(ctx, p)
	}
	return nil
}

// dispatch sends one notification and then advances the watermark no
// matter how the send went.
func (n *Notifier) dispatch(ctx context.Context, p domain.Notification) {
	log := n.log.With().
		Int64("chat_id", p.ChatID).
		Str("feed", p.Feed).
		Int64("pubdate", p.PubDate).
		Logger()
	log.Info().Str("title", p.Title).Str("link", p.Link).Msg("delivering notification")

	if err := n.limiter.Wait(ctx); err == nil {
		if err := n.channel.Notify(ctx, p); err != nil {
			log.Warn().Err(err).Msg("delivery failed")
		} else {
			log.Debug().Msg("delivered")
		}
	}

	if err := n.store.MarkNotified(ctx, p.ChatID, p.Feed, p.PubDate); err != nil {
		if errors.Is(err, domain.ErrNotExist) {
			// Expected when the watermark already advanced past this
			// item (reordered or duplicate dispatch).
			log.Debug().Msg("watermark already advanced")
			return
		}
		log.Error().Err(err).Msg("mark notified failed")
	}
}
