package dispatch

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/brightloop/agentcore/internal/loopdetect"
)

// ResultCache is a bounded LRU cache of tool results keyed on
// (tool_name, canonical_args_hash), grounded on the original
// agents/tools/tool_caching.py ToolCache: capacity eviction plus a
// per-entry TTL. Disabled by default; enabled per-tool via
// Dispatcher.EnableCache.
type ResultCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	order    *list.List // front = most recently used
}

type cacheEntry struct {
	key       string
	result    string
	expiresAt time.Time // zero means no expiry
}

// NewResultCache constructs a ResultCache holding at most capacity entries.
func NewResultCache(capacity int) *ResultCache {
	if capacity <= 0 {
		capacity = 1000
	}
	return &ResultCache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

func cacheKey(toolName string, args map[string]any) string {
	return toolName + ":" + loopdetect.HashArgs(args)
}

func (c *ResultCache) get(toolName string, args map[string]any) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(toolName, args)
	elem, ok := c.entries[key]
	if !ok {
		return "", false
	}
	entry := elem.Value.(*cacheEntry)
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		c.order.Remove(elem)
		delete(c.entries, key)
		return "", false
	}
	c.order.MoveToFront(elem)
	return entry.result, true
}

func (c *ResultCache) set(toolName string, args map[string]any, result string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(toolName, args)
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	if elem, ok := c.entries[key]; ok {
		elem.Value.(*cacheEntry).result = result
		elem.Value.(*cacheEntry).expiresAt = expiresAt
		c.order.MoveToFront(elem)
		return
	}

	elem := c.order.PushFront(&cacheEntry{key: key, result: result, expiresAt: expiresAt})
	c.entries[key] = elem

	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*cacheEntry).key)
		}
	}
}

// cachingExecutor wraps an Executor so successful results are served from
// cache on a repeat call with identical arguments, and populated after a
// successful (non-error) execution. Cached observations never include
// timeout or "Error:"-prefixed text, since those are never stored.
type cachingExecutor struct {
	inner    Executor
	cache    *ResultCache
	toolName string
	ttl      time.Duration
}

func (e *cachingExecutor) Execute(ctx context.Context, args map[string]any, timeout time.Duration) (string, error) {
	if cached, ok := e.cache.get(e.toolName, args); ok {
		return cached, nil
	}

	observation, err := e.inner.Execute(ctx, args, timeout)
	if err == nil && observation != TimeoutMessage && !isErrorText(observation) {
		e.cache.set(e.toolName, args, observation, e.ttl)
	}
	return observation, err
}

func isErrorText(observation string) bool {
	return len(observation) >= 6 && observation[:6] == "Error:"
}
