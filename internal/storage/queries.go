package storage

import (
	"context"
	"database/sql"
	"fmt"

	"feedbot/internal/domain"
)

// DueFeed is one feed selected for refresh by FeedsDueForFetch.
type DueFeed struct {
	Slug             string
	LastModified     int64
	LastTriedToFetch int64
}

// FeedExists reports whether a feed row exists for slug.
func (s *Store) FeedExists(ctx context.Context, slug string) (bool, error) {
	var exists bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM feed WHERE slug = ?`, slug).Scan(&one)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	return exists, err
}

// CreateFeed inserts a new feed row with both watermarks unset. Returns
// domain.ErrAlreadyExists if the feed is already tracked.
func (s *Store) CreateFeed(ctx context.Context, slug string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := rowExists(ctx, tx, `SELECT 1 FROM feed WHERE slug = ?`, slug); err == nil {
			return fmt.Errorf("feed %q: %w", slug, domain.ErrAlreadyExists)
		} else if err != sql.ErrNoRows {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO feed (slug, last_modified, last_tried_to_fetch) VALUES (?, NULL, NULL)`,
			slug)
		return err
	})
}

// DeleteFeed removes a feed and, by cascade, all of its items. The
// delete is rejected with a constraint error while subscriptions to the
// feed exist. Returns domain.ErrNotExist if the feed is unknown.
func (s *Store) DeleteFeed(ctx context.Context, slug string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM feed WHERE slug = ?`, slug)
		if err != nil {
			return fmt.Errorf("delete feed %q: %w", slug, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("feed %q: %w", slug, domain.ErrNotExist)
		}
		return nil
	})
}

// StoreItem appends one item to a feed. Returns domain.ErrNotExist if
// the feed is unknown. A duplicate (feed, pubdate) insert fails the
// primary key constraint; callers detect that with IsConstraint and
// treat it as non-fatal.
func (s *Store) StoreItem(ctx context.Context, item domain.Item) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := rowExists(ctx, tx, `SELECT 1 FROM feed WHERE slug = ?`, item.Feed); err == sql.ErrNoRows {
			return fmt.Errorf("feed %q: %w", item.Feed, domain.ErrNotExist)
		} else if err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO feed_item (feed, title, link, text, pubdate) VALUES (?, ?, ?, ?, ?)`,
			item.Feed, item.Title, item.Link, item.Text, item.PubDate)
		if err != nil {
			return fmt.Errorf("store item %q/%d: %w", item.Feed, item.PubDate, err)
		}
		return nil
	})
}

// MarkFetchAttempt records a fetch attempt for a feed. When observed is
// non-zero both last_modified and last_tried_to_fetch advance; when
// zero (the fetch failed) only last_tried_to_fetch moves, so the next
// attempt re-requests from the same baseline. Returns domain.ErrNotExist
// if the feed row is missing.
func (s *Store) MarkFetchAttempt(ctx context.Context, slug string, observed int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now().Unix()
		var (
			res sql.Result
			err error
		)
		if observed == 0 {
			res, err = tx.ExecContext(ctx,
				`UPDATE feed SET last_tried_to_fetch = ? WHERE slug = ?`, now, slug)
		} else {
			res, err = tx.ExecContext(ctx,
				`UPDATE feed SET last_modified = ?, last_tried_to_fetch = ? WHERE slug = ?`,
				observed, now, slug)
		}
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("feed %q: %w", slug, domain.ErrNotExist)
		}
		return nil
	})
}

// Subscribe registers chatID for notifications on a feed. The delivery
// watermark starts at the current time, so the subscriber does not
// receive a backlog of pre-existing items. Returns
// domain.ErrAlreadyExists for a duplicate pair and domain.ErrNotExist
// when the feed is unknown.
func (s *Store) Subscribe(ctx context.Context, chatID int64, slug string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		err := rowExists(ctx, tx,
			`SELECT 1 FROM subscription WHERE chat_id = ? AND feed = ?`, chatID, slug)
		if err == nil {
			return fmt.Errorf("subscription %d/%q: %w", chatID, slug, domain.ErrAlreadyExists)
		} else if err != sql.ErrNoRows {
			return err
		}
		if err := rowExists(ctx, tx, `SELECT 1 FROM feed WHERE slug = ?`, slug); err == sql.ErrNoRows {
			return fmt.Errorf("feed %q: %w", slug, domain.ErrNotExist)
		} else if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO subscription (chat_id, feed, last_notified) VALUES (?, ?, ?)`,
			chatID, slug, s.now().Unix())
		return err
	})
}

// ListSubscriptions returns the slugs chatID is subscribed to, sorted
// lexicographically.
func (s *Store) ListSubscriptions(ctx context.Context, chatID int64) ([]string, error) {
	var slugs []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT feed FROM subscription WHERE chat_id = ? ORDER BY feed`, chatID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var slug string
			if err := rows.Scan(&slug); err != nil {
				return err
			}
			slugs = append(slugs, slug)
		}
		return rows.Err()
	})
	return slugs, err
}

// Unsubscribe removes a single subscription. Returns domain.ErrNotExist
// if the pair is not subscribed.
func (s *Store) Unsubscribe(ctx context.Context, chatID int64, slug string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM subscription WHERE chat_id = ? AND feed = ?`, chatID, slug)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("subscription %d/%q: %w", chatID, slug, domain.ErrNotExist)
		}
		return nil
	})
}

// UnsubscribeAll removes every subscription of chatID. Returns
// domain.ErrNotExist if there were none.
func (s *Store) UnsubscribeAll(ctx context.Context, chatID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM subscription WHERE chat_id = ?`, chatID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("chat %d: %w", chatID, domain.ErrNotExist)
		}
		return nil
	})
}

// FeedsDueForFetch selects feeds whose last attempt is unset or older
// than interval seconds at the given time.
func (s *Store) FeedsDueForFetch(ctx context.Context, interval, now int64) ([]DueFeed, error) {
	var due []DueFeed
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT slug, last_modified, last_tried_to_fetch FROM feed
			 WHERE last_tried_to_fetch IS NULL OR last_tried_to_fetch + ? < ?`,
			interval, now)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				d          DueFeed
				mod, tried sql.NullInt64
			)
			if err := rows.Scan(&d.Slug, &mod, &tried); err != nil {
				return err
			}
			d.LastModified = scanNullInt64(mod)
			d.LastTriedToFetch = scanNullInt64(tried)
			due = append(due, d)
		}
		return rows.Err()
	})
	return due, err
}

// UndeliveredNotifications joins subscriptions to items newer than each
// subscription's delivery watermark, ordered by feed then pubdate
// ascending and capped at limit rows. The cap bounds one dispatch
// cycle's work; a backlog drains across cycles.
func (s *Store) UndeliveredNotifications(ctx context.Context, limit int) ([]domain.Notification, error) {
	var pending []domain.Notification
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT su.chat_id, fi.feed, fi.title, fi.link, fi.text, fi.pubdate
			 FROM subscription AS su
			 JOIN feed_item AS fi ON (fi.feed = su.feed)
			 WHERE su.last_notified < fi.pubdate
			 ORDER BY fi.feed, fi.pubdate
			 LIMIT ?`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var n domain.Notification
			if err := rows.Scan(&n.ChatID, &n.Feed, &n.Title, &n.Link, &n.Text, &n.PubDate); err != nil {
				return err
			}
			pending = append(pending, n)
		}
		return rows.Err()
	})
	return pending, err
}

// MarkNotified advances the delivery watermark of (chatID, slug) to
// pubdate, but only if the current watermark is strictly behind it. A
// zero-row update (watermark already at or past pubdate, or row
// missing) returns domain.ErrNotExist; callers treat that as a soft
// outcome, the watermark never regresses.
func (s *Store) MarkNotified(ctx context.Context, chatID int64, slug string, pubdate int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE subscription SET last_notified = ?
			 WHERE feed = ? AND chat_id = ? AND last_notified < ?`,
			pubdate, slug, chatID, pubdate)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("subscription %d/%q at %d: %w", chatID, slug, pubdate, domain.ErrNotExist)
		}
		return nil
	})
}

// PruneItems deletes items older than cutoff that every subscriber of
// the feed has already been notified about. Items still pending
// delivery are never pruned, so at-least-once is preserved. Returns the
// number of rows removed.
func (s *Store) PruneItems(ctx context.Context, cutoff int64) (int64, error) {
	var removed int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM feed_item
			 WHERE pubdate < ?
			   AND NOT EXISTS (
			     SELECT 1 FROM subscription su
			     WHERE su.feed = feed_item.feed AND su.last_notified < feed_item.pubdate
			   )`, cutoff)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	return removed, err
}

func rowExists(ctx context.Context, tx *sql.Tx, query string, args ...any) error {
	var one int
	return tx.QueryRowContext(ctx, query, args...).Scan(&one)
}
