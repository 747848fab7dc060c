package objectstore

import (
	"container/list"
	"os"
	"sync"
)

// fdCache is a bounded LRU of open *os.File handles keyed by path, so
// repeated touches to the same hot object don't pay an open(2) each time.
// Eviction closes the handle; callers must not hold a reference across an
// eviction, which is why every accessor calls Open(path, flag) afresh
// rather than keeping a pinned handle.
type fdCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[string]*list.Element
}

type fdEntry struct {
	path string
	f    *os.File
}

func newFDCache(capacity int) *fdCache {
	return &fdCache{
		capacity: capacity,
		ll:       list.New(),
		items:    map[string]*list.Element{},
	}
}

// Open returns an *os.File for path, opening it with flag/perm on a cache
// miss and evicting the least-recently-used handle if the cache is full.
func (c *fdCache) Open(path string, flag int, perm os.FileMode) (*os.File, error) {
	c.mu.Lock()
	if el, ok := c.items[path]; ok {
		c.ll.MoveToFront(el)
		f := el.Value.(*fdEntry).f
		c.mu.Unlock()
		return f, nil
	}
	c.mu.Unlock()

	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[path]; ok {
		// Lost a race with another opener; keep the one already cached
		// and close the redundant handle we just opened.
		f.Close()
		c.ll.MoveToFront(el)
		return el.Value.(*fdEntry).f, nil
	}
	el := c.ll.PushFront(&fdEntry{path: path, f: f})
	c.items[path] = el
	if c.capacity > 0 && c.ll.Len() > c.capacity {
		c.evictOldest()
	}
	return f, nil
}

func (c *fdCache) evictOldest() {
	el := c.ll.Back()
	if el == nil {
		return
	}
	c.ll.Remove(el)
	entry := el.Value.(*fdEntry)
	delete(c.items, entry.path)
	entry.f.Close()
}

// Invalidate closes and drops the cached handle for path, used after a
// remove or rename so a stale fd is never handed back out.
func (c *fdCache) Invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[path]
	if !ok {
		return
	}
	c.ll.Remove(el)
	delete(c.items, path)
	el.Value.(*fdEntry).f.Close()
}

// Close closes every cached handle.
func (c *fdCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.ll.Front(); el != nil; el = el.Next() {
		el.Value.(*fdEntry).f.Close()
	}
	c.ll.Init()
	c.items = map[string]*list.Element{}
	return nil
}
