package channel

import (
	"container/list"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type dedupEntry struct {
	seenAt  time.Time
	element *list.Element
}

// dedupCache remembers message ids for a fixed window from when they were
// first seen. Repeats inside the window do not extend it. Entries are kept in
// first-seen order so expiry and capacity eviction both pop from the front.
type dedupCache struct {
	mu      sync.Mutex
	seen    map[string]*dedupEntry
	order   *list.List
	window  time.Duration
	maxSize int
	clock   clockwork.Clock
}

func newDedupCache(window time.Duration, maxSize int, clock clockwork.Clock) *dedupCache {
	if window <= 0 {
		window = 5 * time.Minute
	}
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &dedupCache{
		seen:    make(map[string]*dedupEntry),
		order:   list.New(),
		window:  window,
		maxSize: maxSize,
		clock:   clock,
	}
}

// CheckAndMark reports whether id was already seen inside the window and
// marks it as seen either way.
func (d *dedupCache) CheckAndMark(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	d.expireLocked(now)

	if _, ok := d.seen[id]; ok {
		return true
	}

	if len(d.seen) >= d.maxSize {
		d.removeLocked(d.order.Front())
	}
	d.seen[id] = &dedupEntry{seenAt: now, element: d.order.PushBack(id)}
	return false
}

func (d *dedupCache) expireLocked(now time.Time) {
	for front := d.order.Front(); front != nil; front = d.order.Front() {
		id, _ := front.Value.(string)
		if now.Sub(d.seen[id].seenAt) < d.window {
			return
		}
		d.removeLocked(front)
	}
}

func (d *dedupCache) removeLocked(elem *list.Element) {
	if elem == nil {
		return
	}
	id, _ := elem.Value.(string)
	d.order.Remove(elem)
	delete(d.seen, id)
}

// Size returns the number of remembered ids
func (d *dedupCache) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
