package pager

import (
	"container/list"

	"github.com/galdrdb/galdrdb/internal/common"
)

// lruCache is a bounded page cache. Lookups happen under a read-ish path
// (the Pager itself serializes callers with its own lock in higher
// layers; the cache's own mutex only protects the list/map pair), and
// insert/move-to-front happens on every hit and every fill, matching the
// "lookup under upgradeable-read, insert/move-to-head under write"
// discipline from spec §4.1. Eviction always picks the back of the list
// (least recently used) and drops it without writing anything -- the
// Pager writes through on every Write, so a cached page is never the only
// copy.
type lruCache struct {
	capacity int
	ll       *list.List
	index    map[common.PageID]*list.Element
}

type cacheEntry struct {
	pageID common.PageID
	data   []byte
}

func newLRUCache(capacity int) *lruCache {
	return &lruCache{
		capacity: capacity,
		ll:       list.New(),
		index:    make(map[common.PageID]*list.Element),
	}
}

func (c *lruCache) get(id common.PageID) ([]byte, bool) {
	elem, ok := c.index[id]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(elem)
	return elem.Value.(*cacheEntry).data, true
}

// put inserts or refreshes the cached copy of id, evicting the
// least-recently-used entry first if the cache is at capacity. onEvict is
// invoked with the evicted page's id and data before it is dropped.
func (c *lruCache) put(id common.PageID, data []byte, onEvict func(common.PageID, []byte)) {
	if elem, ok := c.index[id]; ok {
		elem.Value.(*cacheEntry).data = data
		c.ll.MoveToFront(elem)
		return
	}
	if c.ll.Len() >= c.capacity {
		c.evictOldest(onEvict)
	}
	elem := c.ll.PushFront(&cacheEntry{pageID: id, data: data})
	c.index[id] = elem
}

func (c *lruCache) evictOldest(onEvict func(common.PageID, []byte)) {
	back := c.ll.Back()
	if back == nil {
		return
	}
	entry := back.Value.(*cacheEntry)
	if onEvict != nil {
		onEvict(entry.pageID, entry.data)
	}
	delete(c.index, entry.pageID)
	c.ll.Remove(back)
}

// invalidate drops id from the cache without writing it anywhere; used
// when a page is freed by GC/vacuum and must not be served stale.
func (c *lruCache) invalidate(id common.PageID) {
	if elem, ok := c.index[id]; ok {
		c.ll.Remove(elem)
		delete(c.index, id)
	}
}

func (c *lruCache) len() int { return c.ll.Len() }
