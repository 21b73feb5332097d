// Package bot is the Telegram frontend: it parses user commands into
// state store operations and renders text replies. It also implements
// the delivery channel the dispatch loop pushes notifications through.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	tele "gopkg.in/telebot.v4"

	"feedbot/internal/domain"
)

const helpText = "I can notify you on feed changes. " +
	"The following commands are supported:\n\n" +
	" /start - this message\n" +
	" /subscribe <slug> - start receiving notifications on a feed\n" +
	" /list_subscriptions - show what you are subscribed to\n" +
	" /unsubscribe <slug> - remove subscription for a feed\n" +
	" /unsubscribe_all - remove all subscriptions"

// Store is the slice of the state store the frontend drives.
type Store interface {
	FeedExists(ctx context.Context, slug string) (bool, error)
	CreateFeed(ctx context.Context, slug string) error
	Subscribe(ctx context.Context, chatID int64, slug string) error
	ListSubscriptions(ctx context.Context, chatID int64) ([]string, error)
	Unsubscribe(ctx context.Context, chatID int64, slug string) error
	UnsubscribeAll(ctx context.Context, chatID int64) error
}

// Prober checks that a feed exists at the source before it is tracked.
type Prober interface {
	Fetch(ctx context.Context, slug string, notBefore int64) (int64, []domain.Item, error)
}

// Config controls the Telegram connection.
type Config struct {
	Token       string
	PollTimeout time.Duration
}

type Bot struct {
	tele   *tele.Bot
	store  Store
	prober Prober
	log    zerolog.Logger

	// ctx bounds store calls made from telebot handlers; set by Run.
	ctx context.Context
}

func New(cfg Config, store Store, prober Prober, log zerolog.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	tb, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}

	b := &Bot{tele: tb, store: store, prober: prober, log: log, ctx: context.Background()}

	tb.Handle("/start", b.handleStart)
	tb.Handle("/subscribe", b.handleSubscribe)
	tb.Handle("/unsubscribe", b.handleUnsubscribe)
	tb.Handle("/unsubscribe_all", b.handleUnsubscribeAll)
	tb.Handle("/list_subscriptions", b.handleListSubscriptions)
	tb.Handle(tele.OnText, b.handleUnknown)

	return b, nil
}

// Run starts long polling and blocks until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	b.ctx = ctx
	go func() {
		<-ctx.Done()
		b.tele.Stop()
	}()
	b.log.Info().Msg("polling started")
	b.tele.Start()
	b.log.Info().Msg("polling stopped")
	return ctx.Err()
}

// Notify delivers one notification to a chat. Side effect only; the
// dispatch loop does not consume a return payload.
func (b *Bot) Notify(_ context.Context, n domain.Notification) error {
	chat := &tele.Chat{ID: n.ChatID}
	_, err := b.tele.Send(chat, renderNotification(n), &tele.SendOptions{DisableWebPagePreview: true})
	return err
}

func renderNotification(n domain.Notification) string {
	return fmt.Sprintf("%s\n\n%s\n\n%s", n.Title, n.Text, n.Link)
}

func (b *Bot) handleStart(c tele.Context) error {
	b.log.Info().Int64("chat_id", c.Chat().ID).Msg("got /start")
	return c.Send(helpText)
}

func (b *Bot) handleSubscribe(c tele.Context) error {
	slug := strings.TrimSpace(c.Message().Payload)
	chatID := c.Chat().ID
	b.log.Info().Int64("chat_id", chatID).Str("slug", slug).Msg("got /subscribe")

	if slug == "" || strings.ContainsAny(slug, " \t") {
		return c.Send("syntax: /subscribe <slug>")
	}
	if !domain.ValidSlug(slug) {
		return c.Send("broken slug")
	}

	known, err := b.store.FeedExists(b.ctx, slug)
	if err != nil {
		return c.Send("something went wrong, try again later")
	}
	if !known {
		if _, _, err := b.prober.Fetch(b.ctx, slug, 0); err != nil {
			if errors.Is(err, domain.ErrSourceNotFound) {
				return c.Send("failed to fetch feed, does it exist?")
			}
			b.log.Warn().Err(err).Str("slug", slug).Msg("probe fetch failed")
			return c.Send(fmt.Sprintf("failed to fetch feed: %v", err))
		}
		if err := b.store.CreateFeed(b.ctx, slug); err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
			return c.Send("something went wrong, try again later")
		}
	}

	switch err := b.store.Subscribe(b.ctx, chatID, slug); {
	case errors.Is(err, domain.ErrAlreadyExists):
		return c.Send(fmt.Sprintf("you are already subscribed to %s", slug))
	case err != nil:
		return c.Send("something went wrong, try again later")
	}
	return c.Send(fmt.Sprintf("congratulations! you subscribed to %s", slug))
}

func (b *Bot) handleUnsubscribe(c tele.Context) error {
	slug := strings.TrimSpace(c.Message().Payload)
	chatID := c.Chat().ID
	b.log.Info().Int64("chat_id", chatID).Str("slug", slug).Msg("got /unsubscribe")

	if slug == "" || strings.ContainsAny(slug, " \t") {
		return c.Send("syntax: /unsubscribe <slug>")
	}
	if !domain.ValidSlug(slug) {
		return c.Send("broken slug")
	}

	if err := b.store.Unsubscribe(b.ctx, chatID, slug); err != nil {
		if errors.Is(err, domain.ErrNotExist) {
			return c.Send(fmt.Sprintf("you were not subscribed to %s", slug))
		}
		return c.Send("something went wrong, try again later")
	}
	return c.Send(fmt.Sprintf("you were unsubscribed from %s", slug))
}

func (b *Bot) handleUnsubscribeAll(c tele.Context) error {
	chatID := c.Chat().ID
	b.log.Info().Int64("chat_id", chatID).Msg("got /unsubscribe_all")

	if err := b.store.UnsubscribeAll(b.ctx, chatID); err != nil {
		if errors.Is(err, domain.ErrNotExist) {
			return c.Send("you were not subscribed to anything")
		}
		return c.Send("something went wrong, try again later")
	}
	return c.Send("you were unsubscribed from everything")
}

func (b *Bot) handleListSubscriptions(c tele.Context) error {
	chatID := c.Chat().ID
	b.log.Info().Int64("chat_id", chatID).Msg("got /list_subscriptions")

	slugs, err := b.store.ListSubscriptions(b.ctx, chatID)
	if err != nil {
		return c.Send("something went wrong, try again later")
	}
	if len(slugs) == 0 {
		return c.Send("you're not subscribed to any feeds")
	}
	var sb strings.Builder
	sb.WriteString("you are subscribed to these feeds:\n")
	for _, slug := range slugs {
		sb.WriteString(" * ")
		sb.WriteString(slug)
		sb.WriteString("\n")
	}
	return c.Send(strings.TrimRight(sb.String(), "\n"))
}

func (b *Bot) handleUnknown(c tele.Context) error {
	b.log.Info().Int64("chat_id", c.Chat().ID).Msg("got unknown command/message")
	return c.Send("command is not supported. try /start")
}
