package contextcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/harun/wavefront/pkg/workitem"
)

// ErrClosed is returned by a closed cache.
var ErrClosed = errors.New("context cache closed")

// Config configures a Cache
type Config struct {
	TTL   time.Duration // entry lifetime, 0 = 30 minutes
	Store workitem.Store

	// WatchPath invalidates item snapshots when the file changes. Empty disables watching.
	WatchPath string

	Clock  clockwork.Clock
	Logger zerolog.Logger
}

// Stats is a snapshot of cache counters
type Stats struct {
	Entries   int    `json:"entries"`
	Items     int    `json:"items"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Reloads   uint64 `json:"reloads"`
	Evictions uint64 `json:"evictions"`
	Watching  bool   `json:"watching"`
}

type entry struct {
	value   interface{}
	expires time.Time
}

// Cache shares work item snapshots and task results between the agents of
// one run. It is constructed explicitly and passed to its consumers.
type Cache struct {
	cfg    Config
	clock  clockwork.Clock
	logger zerolog.Logger

	mu      sync.RWMutex
	entries map[string]entry
	items   map[int]entry
	results map[int]entry
	stats   Stats
	closed  bool

	sweeper *cron.Cron
	watcher *fileWatcher
}

// New creates an empty cache. Call Init to load items and start background work.
func New(cfg Config) (*Cache, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("context cache: store is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Cache{
		cfg:     cfg,
		clock:   clock,
		logger:  cfg.Logger.With().Str("component", "contextcache").Logger(),
		entries: make(map[string]entry),
		items:   make(map[int]entry),
		results: make(map[int]entry),
	}, nil
}

// Init loads the document, schedules the expiry sweep and starts the file watcher
func (c *Cache) Init(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	if err := c.reload(ctx); err != nil {
		return err
	}

	every := c.cfg.TTL / 2
	if every < time.Second {
		every = time.Second
	}
	sweeper := cron.New()
	if _, err := sweeper.AddFunc(fmt.Sprintf("@every %s", every), func() { c.Sweep() }); err != nil {
		return fmt.Errorf("failed to schedule cache sweep: %w", err)
	}

	var watcher *fileWatcher
	if c.cfg.WatchPath != "" {
		w, err := newFileWatcher(c.cfg.WatchPath, c.onFileChanged, c.logger)
		if err != nil {
			return err
		}
		watcher = w
	}

	c.mu.Lock()
	c.sweeper = sweeper
	c.watcher = watcher
	c.stats.Watching = watcher != nil
	c.mu.Unlock()

	sweeper.Start()

	c.logger.Info().
		Dur("ttl", c.cfg.TTL).
		Str("watch", c.cfg.WatchPath).
		Msg("Context cache initialized")
	return nil
}

func (c *Cache) reload(ctx context.Context) error {
	doc, err := c.cfg.Store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load work items: %w", err)
	}

	expires := c.clock.Now().Add(c.cfg.TTL)
	items := make(map[int]entry, len(doc.Items))
	for _, item := range doc.Items {
		snapshot := item.Clone()
		items[item.ID] = entry{value: &snapshot, expires: expires}
	}

	c.mu.Lock()
	c.items = items
	c.stats.Reloads++
	c.mu.Unlock()
	return nil
}

// Get returns a live entry stored with Put
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || !c.clock.Now().Before(e.expires) {
		if ok {
			delete(c.entries, key)
			c.stats.Evictions++
		}
		c.stats.Misses++
		return nil, false
	}
	c.stats.Hits++
	return e.value, true
}

// Put stores value under key for one TTL
func (c *Cache) Put(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{value: value, expires: c.clock.Now().Add(c.cfg.TTL)}
}

// Item returns a copy of the work item snapshot, reloading the document when
// the snapshot is missing or expired.
func (c *Cache) Item(ctx context.Context, id int) (*workitem.WorkItem, error) {
	if item, ok := c.cachedItem(id); ok {
		return item, nil
	}

	if err := c.reload(ctx); err != nil {
		return nil, err
	}
	if item, ok := c.cachedItem(id); ok {
		return item, nil
	}
	return nil, fmt.Errorf("%w: %d", workitem.ErrNotFound, id)
}

func (c *Cache) cachedItem(id int) (*workitem.WorkItem, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[id]
	if !ok || !c.clock.Now().Before(e.expires) {
		c.stats.Misses++
		return nil, false
	}
	c.stats.Hits++
	item := e.value.(*workitem.WorkItem).Clone()
	return &item, true
}

// PutResult records the outcome of item id for its dependents
func (c *Cache) PutResult(id int, result interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[id] = entry{value: result, expires: c.clock.Now().Add(c.cfg.TTL)}
}

// DependencyResults returns the live results recorded for the dependencies of item
func (c *Cache) DependencyResults(item *workitem.WorkItem) map[int]interface{} {
	out := make(map[int]interface{})
	if item == nil {
		return out
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.clock.Now()
	for _, dep := range item.Dependencies {
		if e, ok := c.results[dep]; ok && now.Before(e.expires) {
			out[dep] = e.value
		}
	}
	return out
}

// Invalidate drops key, or the snapshot and result of an item when key is "item:<id>"
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var id int
	if _, err := fmt.Sscanf(key, "item:%d", &id); err == nil {
		delete(c.items, id)
		delete(c.results, id)
		return
	}
	delete(c.entries, key)
}

// InvalidateItems drops every work item snapshot
func (c *Cache) InvalidateItems() {
	c.mu.Lock()
	c.items = make(map[int]entry)
	c.mu.Unlock()
}

// Sweep evicts expired entries and returns how many were removed
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	removed := 0
	for key, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, key)
			removed++
		}
	}
	for id, e := range c.items {
		if !now.Before(e.expires) {
			delete(c.items, id)
			removed++
		}
	}
	for id, e := range c.results {
		if !now.Before(e.expires) {
			delete(c.results, id)
			removed++
		}
	}
	c.stats.Evictions += uint64(removed)

	if removed > 0 {
		c.logger.Debug().Int("removed", removed).Msg("Expired cache entries swept")
	}
	return removed
}

// Clear drops everything
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
	c.items = make(map[int]entry)
	c.results = make(map[int]entry)
}

// Stats returns a snapshot of counters
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stats := c.stats
	stats.Entries = len(c.entries) + len(c.results)
	stats.Items = len(c.items)
	return stats
}

// Close stops the sweep and the watcher and clears the cache
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sweeper := c.sweeper
	watcher := c.watcher
	c.sweeper = nil
	c.watcher = nil
	c.stats.Watching = false
	c.mu.Unlock()

	if sweeper != nil {
		<-sweeper.Stop().Done()
	}

	var err error
	if watcher != nil {
		err = watcher.Close()
	}
	c.Clear()
	return err
}

func (c *Cache) onFileChanged() {
	c.InvalidateItems()
	c.logger.Info().Str("path", c.cfg.WatchPath).Msg("Work item file changed, snapshots invalidated")
}
