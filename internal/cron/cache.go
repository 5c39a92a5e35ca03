package cron

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/reportcron/internal/domain"
)

type cacheEntry struct {
	nextFire time.Time
	version  int64
}

// NextFireCache memoizes next-fire instants per schedule. An entry lives
// until its next-fire instant (TTL = nextFire - now) and is ignored as soon
// as the schedule's version moves past the version it was computed under.
type NextFireCache struct {
	eval  *Evaluator
	clock func() time.Time

	mu      sync.Mutex
	entries map[uuid.UUID]cacheEntry
}

func NewNextFireCache(eval *Evaluator) *NextFireCache {
	return &NextFireCache{
		eval:    eval,
		clock:   time.Now,
		entries: make(map[uuid.UUID]cacheEntry),
	}
}

// WithClock sets the time source. Intended for tests.
func (c *NextFireCache) WithClock(clock func() time.Time) *NextFireCache {
	c.clock = clock
	return c
}

// Get returns the next fire instant for s and the version it belongs to.
// On a miss it prefers the persisted next-fire when that was computed
// against s.Version, and otherwise evaluates the rule relative to now.
func (c *NextFireCache) Get(s domain.Schedule) (time.Time, int64, error) {
	now := c.clock()

	c.mu.Lock()
	e, ok := c.entries[s.ID]
	c.mu.Unlock()
	if ok && e.version == s.Version && now.Before(e.nextFire) {
		return e.nextFire, e.version, nil
	}

	next, persisted := s.CachedNextFire()
	if !persisted {
		var err error
		next, err = c.eval.NextFireAfter(s.CronExpression, s.Location(), now)
		if err != nil {
			c.Invalidate(s.ID)
			return time.Time{}, s.Version, err
		}
	}

	c.Put(s.ID, next, s.Version)
	return next, s.Version, nil
}

// Put records nextFire for a schedule. Entries already due are not kept.
func (c *NextFireCache) Put(id uuid.UUID, nextFire time.Time, version int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !nextFire.After(c.clock()) {
		delete(c.entries, id)
		return
	}
	c.entries[id] = cacheEntry{nextFire: nextFire, version: version}
}

func (c *NextFireCache) Invalidate(id uuid.UUID) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}

func (c *NextFireCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
