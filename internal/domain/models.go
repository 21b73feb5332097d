package domain

import "regexp"

// Timestamps throughout are unix seconds. Zero means "unset" and maps
// to NULL in storage.

// Feed is a tracked external content source, identified by its slug.
type Feed struct {
	Slug string
	// LastModified is the newest source state successfully observed
	// (the fetch watermark).
	LastModified int64
	// LastTriedToFetch is the time of the most recent fetch attempt,
	// successful or not.
	LastTriedToFetch int64
}

// Item is a single published entry of a feed. Items are append-only and
// identified by (feed, pubdate); pubdate is assumed unique per feed and
// monotonically increasing with publication order.
type Item struct {
	Feed    string
	Title   string
	Link    string
	Text    string
	PubDate int64
}

// Notification is one undelivered (subscriber, item) pair as returned by
// the store's delivery query.
type Notification struct {
	ChatID  int64
	Feed    string
	Title   string
	Link    string
	Text    string
	PubDate int64
}

var slugRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,50}$`)

// ValidSlug reports whether s is acceptable as a feed slug: letters,
// digits, hyphen, underscore, at most 50 characters.
func ValidSlug(s string) bool { return slugRe.MatchString(s) }
