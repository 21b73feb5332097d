package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"feedbot/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{
		Path:        filepath.Join(t.TempDir(), "feedbot.db"),
		BusyTimeout: 5 * time.Second,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// setNow pins the store clock to a fixed unix second.
func setNow(s *Store, unix int64) {
	s.now = func() time.Time { return time.Unix(unix, 0) }
}

func mustCreateFeed(t *testing.T, s *Store, slug string) {
	t.Helper()
	if err := s.CreateFeed(context.Background(), slug); err != nil {
		t.Fatalf("CreateFeed(%q): %v", slug, err)
	}
}

func mustStoreItem(t *testing.T, s *Store, slug string, pubdate int64) {
	t.Helper()
	err := s.StoreItem(context.Background(), domain.Item{
		Feed: slug, Title: "t", Link: "l", Text: "x", PubDate: pubdate,
	})
	if err != nil {
		t.Fatalf("StoreItem(%q, %d): %v", slug, pubdate, err)
	}
}

func TestCreateFeed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	exists, err := s.FeedExists(ctx, "acme-show")
	if err != nil || exists {
		t.Fatalf("FeedExists before create = (%v, %v), want (false, nil)", exists, err)
	}

	mustCreateFeed(t, s, "acme-show")

	exists, err = s.FeedExists(ctx, "acme-show")
	if err != nil || !exists {
		t.Fatalf("FeedExists after create = (%v, %v), want (true, nil)", exists, err)
	}

	if err := s.CreateFeed(ctx, "acme-show"); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("second CreateFeed = %v, want ErrAlreadyExists", err)
	}
}

func TestStoreItem(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.StoreItem(ctx, domain.Item{Feed: "ghost", PubDate: 1})
	if !errors.Is(err, domain.ErrNotExist) {
		t.Fatalf("StoreItem for unknown feed = %v, want ErrNotExist", err)
	}

	mustCreateFeed(t, s, "acme-show")
	mustStoreItem(t, s, "acme-show", 100)

	// Which overlapping fetch cycle wins a duplicate pubdate is a
	// don't-care; the second insert must surface as a constraint
	// failure the caller can skip.
	err = s.StoreItem(ctx, domain.Item{Feed: "acme-show", PubDate: 100})
	if err == nil || !IsConstraint(err) {
		t.Fatalf("duplicate StoreItem = %v, want constraint error", err)
	}
}

func TestMarkFetchAttempt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateFeed(t, s, "acme-show")

	setNow(s, 1000)
	if err := s.MarkFetchAttempt(ctx, "acme-show", 900); err != nil {
		t.Fatalf("MarkFetchAttempt(observed): %v", err)
	}
	due, err := s.FeedsDueForFetch(ctx, 10, 2000)
	if err != nil || len(due) != 1 {
		t.Fatalf("FeedsDueForFetch = (%v, %v), want one row", due, err)
	}
	if due[0].LastModified != 900 || due[0].LastTriedToFetch != 1000 {
		t.Fatalf("after successful attempt: %+v, want last_modified=900 last_tried=1000", due[0])
	}

	// A failed attempt moves only last_tried_to_fetch.
	setNow(s, 1500)
	if err := s.MarkFetchAttempt(ctx, "acme-show", 0); err != nil {
		t.Fatalf("MarkFetchAttempt(none): %v", err)
	}
	due, err = s.FeedsDueForFetch(ctx, 10, 2000)
	if err != nil || len(due) != 1 {
		t.Fatalf("FeedsDueForFetch = (%v, %v), want one row", due, err)
	}
	if due[0].LastModified != 900 {
		t.Fatalf("failed attempt changed last_modified to %d", due[0].LastModified)
	}
	if due[0].LastTriedToFetch != 1500 {
		t.Fatalf("failed attempt did not move last_tried_to_fetch: %d", due[0].LastTriedToFetch)
	}

	if err := s.MarkFetchAttempt(ctx, "ghost", 0); !errors.Is(err, domain.ErrNotExist) {
		t.Fatalf("MarkFetchAttempt for unknown feed = %v, want ErrNotExist", err)
	}
}

func TestFeedsDueForFetch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	const T = int64(10000)

	mustCreateFeed(t, s, "fresh")
	mustCreateFeed(t, s, "stale")
	mustCreateFeed(t, s, "never-tried")

	setNow(s, T-5)
	if err := s.MarkFetchAttempt(ctx, "fresh", 0); err != nil {
		t.Fatal(err)
	}
	setNow(s, T-11)
	if err := s.MarkFetchAttempt(ctx, "stale", 0); err != nil {
		t.Fatal(err)
	}

	due, err := s.FeedsDueForFetch(ctx, 10, T)
	if err != nil {
		t.Fatalf("FeedsDueForFetch: %v", err)
	}
	got := map[string]bool{}
	for _, d := range due {
		got[d.Slug] = true
	}
	if got["fresh"] {
		t.Fatalf("feed tried %ds ago must not be due", 5)
	}
	if !got["stale"] || !got["never-tried"] {
		t.Fatalf("expected stale and never-tried to be due, got %v", got)
	}
}

func TestSubscribe(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Subscribe(ctx, 42, "ghost"); !errors.Is(err, domain.ErrNotExist) {
		t.Fatalf("Subscribe to unknown feed = %v, want ErrNotExist", err)
	}

	mustCreateFeed(t, s, "acme-show")
	if err := s.Subscribe(ctx, 42, "acme-show"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := s.Subscribe(ctx, 42, "acme-show"); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("second Subscribe = %v, want ErrAlreadyExists", err)
	}
}

func TestListSubscriptionsSorted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, slug := range []string{"zeta", "alpha", "mid"} {
		mustCreateFeed(t, s, slug)
		if err := s.Subscribe(ctx, 42, slug); err != nil {
			t.Fatal(err)
		}
	}
	// Another chat's rows must not leak in.
	if err := s.Subscribe(ctx, 7, "alpha"); err != nil {
		t.Fatal(err)
	}

	slugs, err := s.ListSubscriptions(ctx, 42)
	if err != nil {
		t.Fatalf("ListSubscriptions: %v", err)
	}
	want := []string{"alpha", "mid", "zeta"}
	if len(slugs) != len(want) {
		t.Fatalf("got %v, want %v", slugs, want)
	}
	for i := range want {
		if slugs[i] != want[i] {
			t.Fatalf("got %v, want %v", slugs, want)
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateFeed(t, s, "acme-show")

	if err := s.Unsubscribe(ctx, 42, "acme-show"); !errors.Is(err, domain.ErrNotExist) {
		t.Fatalf("Unsubscribe without subscription = %v, want ErrNotExist", err)
	}
	if err := s.UnsubscribeAll(ctx, 42); !errors.Is(err, domain.ErrNotExist) {
		t.Fatalf("UnsubscribeAll without subscriptions = %v, want ErrNotExist", err)
	}

	if err := s.Subscribe(ctx, 42, "acme-show"); err != nil {
		t.Fatal(err)
	}
	if err := s.Unsubscribe(ctx, 42, "acme-show"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}

	mustCreateFeed(t, s, "other")
	for _, slug := range []string{"acme-show", "other"} {
		if err := s.Subscribe(ctx, 42, slug); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.UnsubscribeAll(ctx, 42); err != nil {
		t.Fatalf("UnsubscribeAll: %v", err)
	}
	slugs, err := s.ListSubscriptions(ctx, 42)
	if err != nil || len(slugs) != 0 {
		t.Fatalf("subscriptions after UnsubscribeAll = (%v, %v), want none", slugs, err)
	}
}

func TestMarkNotifiedMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateFeed(t, s, "acme-show")
	setNow(s, 50)
	if err := s.Subscribe(ctx, 42, "acme-show"); err != nil {
		t.Fatal(err)
	}
	mustStoreItem(t, s, "acme-show", 100)
	mustStoreItem(t, s, "acme-show", 200)

	if err := s.MarkNotified(ctx, 42, "acme-show", 200); err != nil {
		t.Fatalf("MarkNotified(200): %v", err)
	}
	// Advancing backwards must not rewind the watermark.
	if err := s.MarkNotified(ctx, 42, "acme-show", 100); !errors.Is(err, domain.ErrNotExist) {
		t.Fatalf("MarkNotified(100) after 200 = %v, want ErrNotExist", err)
	}
	// Same pubdate twice: second call is a no-op refused softly.
	if err := s.MarkNotified(ctx, 42, "acme-show", 200); !errors.Is(err, domain.ErrNotExist) {
		t.Fatalf("repeat MarkNotified(200) = %v, want ErrNotExist", err)
	}

	pending, err := s.UndeliveredNotifications(ctx, 10)
	if err != nil {
		t.Fatalf("UndeliveredNotifications: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("watermark regressed: %+v", pending)
	}
}

func TestUndeliveredNotifications(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreateFeed(t, s, "a-feed")
	mustCreateFeed(t, s, "b-feed")
	setNow(s, 50)
	for _, slug := range []string{"a-feed", "b-feed"} {
		if err := s.Subscribe(ctx, 42, slug); err != nil {
			t.Fatal(err)
		}
	}
	mustStoreItem(t, s, "b-feed", 300)
	mustStoreItem(t, s, "a-feed", 200)
	mustStoreItem(t, s, "a-feed", 100)
	// Already behind the watermark, must never be returned.
	mustStoreItem(t, s, "a-feed", 40)

	pending, err := s.UndeliveredNotifications(ctx, 10)
	if err != nil {
		t.Fatalf("UndeliveredNotifications: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("got %d pending, want 3: %+v", len(pending), pending)
	}
	// Ordered by feed then pubdate ascending.
	wantOrder := []int64{100, 200, 300}
	for i, p := range pending {
		if p.PubDate != wantOrder[i] {
			t.Fatalf("pending[%d].PubDate = %d, want %d", i, p.PubDate, wantOrder[i])
		}
	}

	// The cap bounds one cycle's work.
	pending, err = s.UndeliveredNotifications(ctx, 2)
	if err != nil || len(pending) != 2 {
		t.Fatalf("limited query = (%d, %v), want 2 rows", len(pending), err)
	}
}

func TestDeliveryScenario(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreateFeed(t, s, "acme-show")
	setNow(s, 50)
	if err := s.Subscribe(ctx, 42, "acme-show"); err != nil {
		t.Fatal(err)
	}
	mustStoreItem(t, s, "acme-show", 100)

	pending, err := s.UndeliveredNotifications(ctx, 10)
	if err != nil || len(pending) != 1 {
		t.Fatalf("first cycle = (%+v, %v), want one pending", pending, err)
	}
	if err := s.MarkNotified(ctx, pending[0].ChatID, pending[0].Feed, pending[0].PubDate); err != nil {
		t.Fatalf("MarkNotified: %v", err)
	}

	pending, err = s.UndeliveredNotifications(ctx, 10)
	if err != nil || len(pending) != 0 {
		t.Fatalf("second cycle = (%+v, %v), want empty", pending, err)
	}
}

func TestDeleteFeed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.DeleteFeed(ctx, "ghost"); !errors.Is(err, domain.ErrNotExist) {
		t.Fatalf("DeleteFeed unknown = %v, want ErrNotExist", err)
	}

	mustCreateFeed(t, s, "acme-show")
	mustStoreItem(t, s, "acme-show", 100)
	setNow(s, 50)
	if err := s.Subscribe(ctx, 42, "acme-show"); err != nil {
		t.Fatal(err)
	}

	// Restricted while subscriptions exist.
	if err := s.DeleteFeed(ctx, "acme-show"); err == nil || !IsConstraint(err) {
		t.Fatalf("DeleteFeed with subscriptions = %v, want constraint error", err)
	}

	if err := s.Unsubscribe(ctx, 42, "acme-show"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteFeed(ctx, "acme-show"); err != nil {
		t.Fatalf("DeleteFeed: %v", err)
	}
	// Items went with the feed.
	err := s.StoreItem(ctx, domain.Item{Feed: "acme-show", PubDate: 100})
	if !errors.Is(err, domain.ErrNotExist) {
		t.Fatalf("StoreItem after delete = %v, want ErrNotExist (cascade removed items)", err)
	}
}

func TestPruneItems(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreateFeed(t, s, "acme-show")
	setNow(s, 50)
	if err := s.Subscribe(ctx, 42, "acme-show"); err != nil {
		t.Fatal(err)
	}
	mustStoreItem(t, s, "acme-show", 100) // old, undelivered
	mustStoreItem(t, s, "acme-show", 200) // old, delivered
	mustStoreItem(t, s, "acme-show", 900) // recent

	if err := s.MarkNotified(ctx, 42, "acme-show", 200); err != nil {
		t.Fatal(err)
	}
	// 100 is behind the watermark now too, so only pubdate cutoff
	// decides between 200 and 900.
	removed, err := s.PruneItems(ctx, 500)
	if err != nil {
		t.Fatalf("PruneItems: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}

	// An undelivered old item survives pruning.
	mustCreateFeed(t, s, "other")
	setNow(s, 10)
	if err := s.Subscribe(ctx, 7, "other"); err != nil {
		t.Fatal(err)
	}
	mustStoreItem(t, s, "other", 100)
	removed, err = s.PruneItems(ctx, 500)
	if err != nil || removed != 0 {
		t.Fatalf("PruneItems over undelivered = (%d, %v), want (0, nil)", removed, err)
	}
	pending, err := s.UndeliveredNotifications(ctx, 10)
	if err != nil || len(pending) != 1 {
		t.Fatalf("undelivered item lost to pruning: (%+v, %v)", pending, err)
	}
}
