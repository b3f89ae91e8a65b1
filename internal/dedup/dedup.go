// Package dedup remembers which transaction ids have already been applied to
// the aggregates, so that a redelivered event does not count twice.
package dedup

import (
	"container/list"
	"sync"
	"time"
)

// LRU is a bounded in-memory set of applied ids. The oldest ids are
// forgotten first once capacity is reached; ids older than ttl are treated
// as unseen.
type LRU struct {
	capacity int
	ttl      time.Duration
	now      func() time.Time

	mu    sync.Mutex
	order *list.List // front = most recent
	items map[string]*list.Element
}

// Entry is one remembered id, as persisted in snapshots.
type Entry struct {
	ID       string    `json:"id"`
	MarkedAt time.Time `json:"marked_at"`
}

// NewLRU creates an LRU holding at most capacity ids. ttl <= 0 keeps ids
// until they are pushed out by capacity.
func NewLRU(capacity int, ttl time.Duration) *LRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &LRU{
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
		order:    list.New(),
		items:    make(map[string]*list.Element, capacity),
	}
}

// Seen reports whether id was marked and has not expired.
func (c *LRU) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[id]
	if !ok {
		return false
	}
	if c.expired(el.Value.(*Entry)) {
		c.order.Remove(el)
		delete(c.items, id)
		return false
	}
	return true
}

// Mark records id as applied now.
func (c *LRU) Mark(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mark(id, c.now())
}

func (c *LRU) mark(id string, at time.Time) {
	if el, ok := c.items[id]; ok {
		el.Value.(*Entry).MarkedAt = at
		c.order.MoveToFront(el)
		return
	}
	c.items[id] = c.order.PushFront(&Entry{ID: id, MarkedAt: at})
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*Entry).ID)
	}
}

func (c *LRU) expired(e *Entry) bool {
	return c.ttl > 0 && c.now().Sub(e.MarkedAt) > c.ttl
}

// Len returns the number of remembered ids.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Entries returns the live ids, oldest first.
func (c *LRU) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, 0, c.order.Len())
	for el := c.order.Back(); el != nil; el = el.Prev() {
		if e := el.Value.(*Entry); !c.expired(e) {
			out = append(out, *e)
		}
	}
	return out
}

// Restore marks entries in order, keeping their original mark times.
func (c *LRU) Restore(entries []Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entries {
		if !c.expired(&e) {
			c.mark(e.ID, e.MarkedAt)
		}
	}
}
