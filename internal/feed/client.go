// Package feed retrieves and parses external content feeds. It
// translates HTTP status into domain outcomes: 304 is a success with no
// new items, 404 is domain.ErrSourceNotFound, anything else non-2xx is
// a transport failure.
package feed

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
	"github.com/rs/zerolog"

	"feedbot/internal/domain"
)

// Config controls the feed client.
type Config struct {
	// BaseURL is the source root, no trailing slash. Feeds live at
	// BaseURL + "/comments/feeds/<slug>".
	BaseURL string
	Timeout time.Duration
}

// Client fetches one feed at a time over HTTP with conditional
// requests.
type Client struct {
	baseURL string
	http    *http.Client
	parser  *gofeed.Parser
	log     zerolog.Logger
}

func NewClient(cfg Config, log zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		parser:  gofeed.NewParser(),
		log:     log,
	}
}

// Fetch requests the feed for slug, sending If-Modified-Since when
// notBefore is set. It returns the newly observed source state and the
// items strictly newer than notBefore, ordered oldest first. On a
// not-modified response it returns (notBefore, nil, nil).
func (c *Client) Fetch(ctx context.Context, slug string, notBefore int64) (int64, []domain.Item, error) {
	u := c.baseURL + "/comments/feeds/" + url.PathEscape(slug)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, nil, err
	}
	if notBefore > 0 {
		req.Header.Set("If-Modified-Since", time.Unix(notBefore, 0).UTC().Format(http.TimeFormat))
	}
	c.log.Debug().Str("url", u).Int64("not_before", notBefore).Msg("fetching")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("fetch %q: %w", slug, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return notBefore, nil, nil
	case resp.StatusCode == http.StatusNotFound:
		return 0, nil, fmt.Errorf("fetch %q: %w", slug, domain.ErrSourceNotFound)
	case resp.StatusCode != http.StatusOK:
		return 0, nil, fmt.Errorf("fetch %q: unexpected status %s", slug, resp.Status)
	}

	parsed, err := c.parser.Parse(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("parse %q: %w", slug, err)
	}

	items := make([]domain.Item, 0, len(parsed.Items))
	newest := int64(0)
	for _, it := range parsed.Items {
		if it.PublishedParsed == nil {
			continue
		}
		pubdate := it.PublishedParsed.Unix()
		if pubdate > newest {
			newest = pubdate
		}
		if notBefore > 0 && pubdate <= notBefore {
			continue
		}
		items = append(items, domain.Item{
			Feed:    slug,
			Title:   it.Title,
			Link:    it.Link,
			Text:    plainText(it.Description),
			PubDate: pubdate,
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].PubDate < items[j].PubDate })

	// The observed state is the channel's build date when the source
	// reports one, otherwise the newest item seen.
	observed := newest
	if parsed.UpdatedParsed != nil {
		observed = parsed.UpdatedParsed.Unix()
	}
	if observed == 0 {
		observed = notBefore
	}
	return observed, items, nil
}

// plainText strips any HTML markup from a description, leaving trimmed
// text.
func plainText(s string) string {
	if !strings.Contains(s, "<") {
		return strings.TrimSpace(s)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(doc.Text())
}
