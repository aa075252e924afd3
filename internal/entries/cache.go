package entries

import (
	"context"
	"log/slog"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/ryan-winkler/voicediary/internal/notify"
)

// Lister fetches the rendered entry list.
type Lister interface {
	List(ctx context.Context) (string, error)
}

const markupKey = "markup"

// Cache keeps the last entry list markup for a short while so UIs polling
// the control API do not hammer the diary server.
type Cache struct {
	lister Lister
	store  *cache.Cache
	sink   notify.Sink
	logger *slog.Logger
}

// NewCache caches markup for ttl. A nil sink publishes nothing.
func NewCache(lister Lister, ttl time.Duration, sink notify.Sink, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if sink == nil {
		sink = notify.Discard
	}
	return &Cache{
		lister: lister,
		store:  cache.New(ttl, 2*ttl),
		sink:   sink,
		logger: logger,
	}
}

// Markup returns cached markup, fetching it on a miss.
func (c *Cache) Markup(ctx context.Context) (string, error) {
	if v, ok := c.store.Get(markupKey); ok {
		return v.(string), nil
	}
	markup, err := c.lister.List(ctx)
	if err != nil {
		return "", err
	}
	c.store.SetDefault(markupKey, markup)
	return markup, nil
}

// Refresh refetches the list and tells UIs to re-render it.
func (c *Cache) Refresh(ctx context.Context) error {
	markup, err := c.lister.List(ctx)
	if err != nil {
		c.logger.Warn("entries refresh failed", "error", err)
		return err
	}
	c.store.SetDefault(markupKey, markup)
	c.sink.Publish(notify.EntriesChanged())
	return nil
}

// Invalidate drops the cached list.
func (c *Cache) Invalidate() {
	c.store.Delete(markupKey)
}
