// Package feeds implements the polling side of feed connections: scheduled
// fetches, new-entry detection against the store, and publication of entry
// and failure events on the bus.
package feeds

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hookline/hookline/internal/bus"
	"github.com/hookline/hookline/internal/observability"
	"github.com/hookline/hookline/internal/storage"
	"github.com/hookline/hookline/pkg/models"
)

// maxFeedBody bounds how much of a response the reader will read. A feed
// larger than this is suspicious and gets truncated rather than parsed.
const maxFeedBody = 4 << 20

// seenGUIDLimit caps the per-feed seen list persisted in the store.
const seenGUIDLimit = 1000

// Sources supplies the current set of feed URLs to poll. The router
// implements it from the live feed connections.
type Sources interface {
	FeedURLs() []string
}

// Reader polls every configured feed on a fixed interval and publishes
// feed.entry / feed.failure events. At most one fetch per feed is in flight
// at any time; a feed slower than the interval skips ticks instead of
// stacking requests.
type Reader struct {
	sources  Sources
	bus      bus.Bus
	store    storage.Provider
	logger   *observability.Logger
	metrics  *observability.Metrics
	client   *http.Client
	interval time.Duration
	timeout  time.Duration

	cron *cron.Cron

	mu       sync.Mutex
	inflight map[string]bool
}

func NewReader(sources Sources, b bus.Bus, store storage.Provider, logger *observability.Logger, metrics *observability.Metrics, interval, timeout time.Duration) *Reader {
	return &Reader{
		sources:  sources,
		bus:      b,
		store:    store,
		logger:   logger.WithFields("component", "feeds"),
		metrics:  metrics,
		client:   &http.Client{Timeout: timeout},
		interval: interval,
		timeout:  timeout,
		inflight: make(map[string]bool),
	}
}

// Start schedules polling. The first poll runs immediately so freshly
// provisioned feeds are primed without waiting a full interval.
func (r *Reader) Start(ctx context.Context) error {
	r.cron = cron.New()
	if _, err := r.cron.AddFunc(fmt.Sprintf("@every %s", r.interval), func() {
		r.PollAll(ctx)
	}); err != nil {
		return fmt.Errorf("feeds: schedule poll: %w", err)
	}
	r.cron.Start()
	go r.PollAll(ctx)
	return nil
}

// Stop halts the schedule and waits for running jobs.
func (r *Reader) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

// PollAll fetches every source feed, each in its own goroutine, skipping
// feeds with a fetch still in flight.
func (r *Reader) PollAll(ctx context.Context) {
	for _, url := range r.sources.FeedURLs() {
		r.mu.Lock()
		if r.inflight[url] {
			r.mu.Unlock()
			continue
		}
		r.inflight[url] = true
		r.mu.Unlock()

		go func(url string) {
			defer func() {
				r.mu.Lock()
				delete(r.inflight, url)
				r.mu.Unlock()
			}()
			r.poll(ctx, url)
		}(url)
	}
}

func (r *Reader) poll(ctx context.Context, url string) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	feed, err := r.fetch(ctx, url)
	if err != nil {
		r.logger.Warn(ctx, "feed fetch failed", "url", url, "error", err)
		r.publish(ctx, models.TopicFeedFailure, url, &models.FeedFailure{FeedURL: url, Message: err.Error()})
		return
	}

	entries, primed, err := r.detectNew(ctx, url, feed)
	if err != nil {
		r.metrics.StoreErrors.WithLabelValues("feed_guids").Inc()
		r.logger.Error(ctx, "feed state update failed", "url", url, "error", err)
		return
	}
	if primed {
		r.logger.Info(ctx, "primed new feed", "url", url, "entries", len(feed.Entries))
		return
	}
	for _, entry := range entries {
		r.metrics.EventsReceived.WithLabelValues("feed").Inc()
		r.publish(ctx, models.TopicFeedEntry, url, &models.FeedEntry{
			FeedURL:   url,
			FeedTitle: feed.Title,
			GUID:      entry.GUID,
			Title:     entry.Title,
			Link:      entry.Link,
		})
	}
}

func (r *Reader) fetch(ctx context.Context, url string) (*Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml")
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBody))
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// detectNew diffs the feed against the persisted seen set. The first poll of
// a feed primes the set and reports nothing as new.
func (r *Reader) detectNew(ctx context.Context, url string, feed *Feed) ([]Entry, bool, error) {
	key := "feed.seen." + hashKey(url)
	raw, found, err := r.store.ReadValue(ctx, key)
	if err != nil {
		return nil, false, err
	}

	seen := make(map[string]struct{})
	var order []string
	if found {
		var stored []string
		if err := json.Unmarshal([]byte(raw), &stored); err == nil {
			for _, guid := range stored {
				seen[guid] = struct{}{}
			}
			order = stored
		}
	}

	var fresh []Entry
	for _, entry := range feed.Entries {
		if entry.GUID == "" {
			continue
		}
		if _, ok := seen[entry.GUID]; ok {
			continue
		}
		seen[entry.GUID] = struct{}{}
		order = append(order, entry.GUID)
		fresh = append(fresh, entry)
	}
	if len(fresh) == 0 {
		return nil, false, nil
	}

	if len(order) > seenGUIDLimit {
		order = order[len(order)-seenGUIDLimit:]
	}
	encoded, err := json.Marshal(order)
	if err != nil {
		return nil, false, err
	}
	if err := r.store.StoreValue(ctx, key, string(encoded)); err != nil {
		return nil, false, err
	}
	return fresh, !found, nil
}

func (r *Reader) publish(ctx context.Context, topic, url string, payload any) {
	ev := &models.Event{
		ResourceKey: url,
		Kind:        topic,
		CreatedAt:   time.Now(),
		Payload:     payload,
	}
	if err := r.bus.Publish(ctx, topic, ev); err != nil {
		r.logger.Error(ctx, "failed to publish feed event", "topic", topic, "url", url, "error", err)
	}
}

func hashKey(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:8])
}

// ValidateURL probes a candidate feed URL before it is accepted by the
// provisioning path: the document must be fetchable within the timeout and
// either carry an XML content type or parse as a feed.
func (r *Reader) ValidateURL(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return err
	}
	if resp, err := r.client.Do(req); err == nil {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK && isXMLContentType(resp.Header.Get("Content-Type")) {
			return nil
		}
	}

	// HEAD is optional for feed servers; fall through to a bounded GET.
	if _, err := r.fetch(ctx, url); err != nil {
		return err
	}
	return nil
}

func isXMLContentType(value string) bool {
	mediaType, _, err := mime.ParseMediaType(value)
	if err != nil {
		return false
	}
	switch mediaType {
	case "application/rss+xml", "application/atom+xml", "application/xml", "text/xml":
		return true
	}
	return strings.HasSuffix(mediaType, "+xml")
}
