// Package app wires the feedbot components together and owns their
// lifecycle: the state store, the Telegram frontend, the fetch loop,
// the dispatch loop and the optional retention janitor, all supervised
// so a dying loop takes the process down with it.
package app

import (
	"context"
	"fmt"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"

	"feedbot/internal/bot"
	"feedbot/internal/config"
	"feedbot/internal/feed"
	"feedbot/internal/fetcher"
	"feedbot/internal/janitor"
	"feedbot/internal/notifier"
	"feedbot/internal/runtime/supervisor"
	"feedbot/internal/storage"
)

type App struct {
	cfgPath string
	cfg     *config.Config
	log     zerolog.Logger

	store    *storage.Store
	client   *feed.Client
	bot      *bot.Bot
	fetcher  *fetcher.Fetcher
	notifier *notifier.Notifier
	janitor  *janitor.Janitor
}

// New builds every component from the loaded configuration. Nothing
// starts running until Run.
func New(cfgPath string, cfg *config.Config, log zerolog.Logger) (*App, error) {
	a := &App{cfgPath: cfgPath, cfg: cfg, log: log}

	busyTimeout, err := config.ParseDurationField("database.busy_timeout", cfg.Database.BusyTimeout)
	if err != nil {
		return nil, err
	}
	a.store, err = storage.Open(storage.Config{
		Path:        cfg.Database.Path,
		BusyTimeout: busyTimeout,
	}, log.With().Str("component", "storage").Logger())
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	sourceTimeout, err := config.ParseDurationField("source.timeout", cfg.Source.Timeout)
	if err != nil {
		return nil, err
	}
	a.client = feed.NewClient(feed.Config{
		BaseURL: cfg.Source.BaseURL,
		Timeout: sourceTimeout,
	}, log.With().Str("component", "feed").Logger())

	pollTimeout, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	if err != nil {
		return nil, err
	}
	a.bot, err = bot.New(bot.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, a.store, a.client, log.With().Str("component", "bot").Logger())
	if err != nil {
		_ = a.store.Close()
		return nil, fmt.Errorf("telegram: %w", err)
	}

	fetchInterval, err := config.ParseDurationField("fetcher.interval", cfg.Fetcher.Interval)
	if err != nil {
		return nil, err
	}
	refreshAfter, err := config.ParseDurationField("fetcher.refresh_after", cfg.Fetcher.RefreshAfter)
	if err != nil {
		return nil, err
	}
	failurePause, err := config.ParseDurationField("fetcher.failure_pause", cfg.Fetcher.FailurePause)
	if err != nil {
		return nil, err
	}
	a.fetcher = fetcher.New(fetcher.Config{
		Interval:     fetchInterval,
		RefreshAfter: refreshAfter,
		FailurePause: failurePause,
	}, a.store, a.client, log.With().Str("component", "fetcher").Logger())

	notifyInterval, err := config.ParseDurationField("notifier.interval", cfg.Notifier.Interval)
	if err != nil {
		return nil, err
	}
	a.notifier = notifier.New(notifier.Config{
		Interval:   notifyInterval,
		BatchLimit: cfg.Notifier.BatchLimit,
		RatePerSec: cfg.Notifier.RatePerSec,
	}, a.store, a.bot, log.With().Str("component", "notifier").Logger())

	if cfg.Retention.Enabled {
		maxAge, err := config.ParseDurationField("retention.max_age", cfg.Retention.MaxAge)
		if err != nil {
			return nil, err
		}
		a.janitor = janitor.New(janitor.Config{
			MaxAge:   maxAge,
			Schedule: cfg.Retention.Schedule,
		}, a.store, log.With().Str("component", "janitor").Logger())
	}

	return a, nil
}

// Run starts every component and blocks until ctx is cancelled or one
// of them dies. The returned error is nil on a clean shutdown.
func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()

	sup := supervisor.New(ctx, a.log)
	sup.Go("fetcher", a.fetcher.Run)
	sup.Go("notifier", a.notifier.Run)
	sup.Go("telegram", a.bot.Run)
	if a.janitor != nil {
		sup.Go("janitor", a.janitor.Run)
	}
	sup.Go("config-watch", a.watchConfig)
	if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		sup.Go("watchdog", watchdog(interval))
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info().Msg("feedbot running")

	err := sup.Wait()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	return err
}

// watchConfig applies restart-free config changes while running. Losing
// the watch is not worth killing the process over.
func (a *App) watchConfig(ctx context.Context) error {
	err := config.Watch(ctx, a.cfgPath, a.log, func(cfg *config.Config) {
		applyLogLevel(cfg.Logging.Level, a.log)
	})
	if err != nil && ctx.Err() == nil {
		a.log.Warn().Err(err).Msg("config watch stopped, live reload disabled")
		<-ctx.Done()
	}
	return ctx.Err()
}

func applyLogLevel(level string, log zerolog.Logger) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		log.Warn().Str("level", level).Msg("ignoring invalid log level")
		return
	}
	zerolog.SetGlobalLevel(lvl)
	log.Info().Str("level", lvl.String()).Msg("log level updated")
}
