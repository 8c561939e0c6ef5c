package offcache

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// tieredRegistry fronts a durable Registry with a bounded in-memory LRU.
// Writes go through to the backend first; the RAM tier only holds entries
// the backend accepted.
type tieredRegistry struct {
	backend  Registry
	ram      *ramCache // nil disables the RAM tier
	maxEntry int64     // 0 is unbounded
}

func newTieredRegistry(backend Registry, ramMax, maxEntry int64) *tieredRegistry {
	t := &tieredRegistry{backend: backend, maxEntry: maxEntry}
	if ramMax > 0 {
		t.ram = newRAMCache(ramMax)
	}
	return t
}

func (t *tieredRegistry) Open(ctx context.Context, name string) (Store, error) {
	s, err := t.backend.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &tieredStore{reg: t, backend: s}, nil
}

func (t *tieredRegistry) Names(ctx context.Context) ([]string, error) {
	return t.backend.Names(ctx)
}

func (t *tieredRegistry) Delete(ctx context.Context, name string) (bool, error) {
	if t.ram != nil {
		defer t.ram.DeletePrefix(name + keySep)
	}
	return t.backend.Delete(ctx, name)
}

func (t *tieredRegistry) Close() error { return t.backend.Close() }

type tieredStore struct {
	reg     *tieredRegistry
	backend Store
}

func (s *tieredStore) Name() string { return s.backend.Name() }

func (s *tieredStore) ramKey(key string) string { return s.backend.Name() + keySep + key }

func (s *tieredStore) Get(ctx context.Context, key string) (Entry, error) {
	if s.reg.ram != nil {
		if ent, ok := s.reg.ram.Get(s.ramKey(key)); ok {
			return ent.Clone(), nil
		}
	}
	ent, err := s.backend.Get(ctx, key)
	if err != nil {
		return Entry{}, err
	}
	if s.reg.ram != nil {
		s.reg.ram.Put(s.ramKey(key), ent.Clone())
	}
	return ent, nil
}

func (s *tieredStore) Put(ctx context.Context, key string, ent Entry) error {
	if limit := s.reg.maxEntry; limit > 0 && int64(len(ent.Body)) > limit {
		return fmt.Errorf("%s: %d bytes: %w", key, len(ent.Body), ErrEntryTooLarge)
	}
	if err := s.backend.Put(ctx, key, ent); err != nil {
		return err
	}
	if s.reg.ram != nil {
		s.reg.ram.Put(s.ramKey(key), ent.Clone())
	}
	return nil
}

func (s *tieredStore) Keys(ctx context.Context) ([]string, error) {
	return s.backend.Keys(ctx)
}

// ---- ram cache ----

type ramItem struct {
	key  string
	ent  Entry
	size int64
	prev *ramItem
	next *ramItem
}

type ramCache struct {
	maxBytes int64

	mu    sync.Mutex
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64
}

func newRAMCache(maxBytes int64) *ramCache {
	return &ramCache{maxBytes: maxBytes, items: map[string]*ramItem{}}
}

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *ramCache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return Entry{}, false
	}
	c.moveToFront(it)
	return it.ent, true
}

func (c *ramCache) DeletePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, it := range c.items {
		if strings.HasPrefix(k, prefix) {
			c.removeLocked(it)
		}
	}
}

// Put stores ent, evicting least recently used items to make room. Entries
// larger than the whole cache are not kept.
func (c *ramCache) Put(key string, ent Entry) {
	sz := entrySize(ent)
	if sz > c.maxBytes {
		c.mu.Lock()
		if it, ok := c.items[key]; ok {
			c.removeLocked(it)
		}
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.items[key]; ok {
		c.total -= it.size
		it.ent = ent
		it.size = sz
		c.total += sz
		c.moveToFront(it)
	} else {
		it := &ramItem{key: key, ent: ent, size: sz}
		c.items[key] = it
		c.addToFront(it)
		c.total += sz
	}

	for c.total > c.maxBytes && c.tail != nil && c.tail.key != key {
		c.removeLocked(c.tail)
	}
}

func entrySize(ent Entry) int64 {
	n := int64(len(ent.Body) + len(ent.StatusText))
	for k, vs := range ent.Header {
		for _, v := range vs {
			n += int64(len(k) + len(v))
		}
	}
	return n
}

func (c *ramCache) removeLocked(it *ramItem) {
	c.unlink(it)
	delete(c.items, it.key)
	c.total -= it.size
}

func (c *ramCache) addToFront(it *ramItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *ramCache) unlink(it *ramItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *ramCache) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.unlink(it)
	c.addToFront(it)
}
