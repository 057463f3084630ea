package llm

import (
	"container/list"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"ankie/internal/domain"
	"ankie/internal/infra/config"
	"ankie/internal/infra/metrics"
)

// ResponseCache memoizes complete chat responses keyed by the literal
// request. It is shared by every handle of a factory. Entries expire after
// the TTL and the least recently used entry is evicted when the cache is
// full. Stored and returned responses are deep copies, so a caller may
// modify what it gets. Staleness only costs latency; Clear may be called
// at any time.
type ResponseCache struct {
	ttl        time.Duration
	maxEntries int
	metrics    *metrics.Metrics
	now        func() time.Time

	mu      sync.Mutex
	entries map[uint64]*list.Element
	order   *list.List // most recently used at back
}

type cacheEntry struct {
	key     uint64
	resp    domain.ChatResponse
	expires time.Time
}

// NewResponseCache returns nil when caching is disabled; a nil cache is a
// valid no-op.
func NewResponseCache(cfg config.ResponseCacheConfig, m *metrics.Metrics) *ResponseCache {
	if !cfg.Enabled {
		return nil
	}
	return &ResponseCache{
		ttl:        orDefault(cfg.TTL, 5*time.Minute),
		maxEntries: orDefault(cfg.MaxEntries, 1024),
		metrics:    m,
		now:        time.Now,
		entries:    make(map[uint64]*list.Element),
		order:      list.New(),
	}
}

// cacheKey hashes everything that influences generation.
func cacheKey(req domain.ChatRequest) (uint64, bool) {
	d := xxhash.New()
	_, _ = d.WriteString(req.Model)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(strconv.FormatFloat(req.Temperature, 'g', -1, 64))
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(strconv.Itoa(req.MaxTokens))
	enc := json.NewEncoder(d)
	for _, m := range req.Messages {
		// Timestamps do not affect generation.
		m.Timestamp = time.Time{}
		if err := enc.Encode(m); err != nil {
			return 0, false
		}
	}
	if err := enc.Encode(req.Tools); err != nil {
		return 0, false
	}
	return d.Sum64(), true
}

// Get returns a copy of a cached, unexpired response.
func (c *ResponseCache) Get(req domain.ChatRequest) (*domain.ChatResponse, bool) {
	if c == nil {
		return nil, false
	}
	key, ok := cacheKey(req)
	if !ok {
		return nil, false
	}
	c.mu.Lock()
	var resp domain.ChatResponse
	elem, found := c.entries[key]
	if found {
		e := elem.Value.(*cacheEntry)
		if c.now().After(e.expires) {
			c.remove(elem)
			found = false
		} else {
			c.order.MoveToBack(elem)
			resp = cloneResponse(e.resp)
		}
	}
	c.mu.Unlock()

	if !found {
		c.metrics.ResponseCacheMiss()
		return nil, false
	}
	c.metrics.ResponseCacheHit()
	return &resp, true
}

// Put stores a copy of resp for req.
func (c *ResponseCache) Put(req domain.ChatRequest, resp *domain.ChatResponse) {
	if c == nil || resp == nil {
		return
	}
	key, ok := cacheKey(req)
	if !ok {
		return
	}
	e := &cacheEntry{key: key, resp: cloneResponse(*resp), expires: c.now().Add(c.ttl)}

	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, exists := c.entries[key]; exists {
		elem.Value = e
		c.order.MoveToBack(elem)
		return
	}
	for c.order.Len() >= c.maxEntries {
		c.remove(c.order.Front())
	}
	c.entries[key] = c.order.PushBack(e)
}

// remove drops elem. Caller must hold c.mu.
func (c *ResponseCache) remove(elem *list.Element) {
	c.order.Remove(elem)
	delete(c.entries, elem.Value.(*cacheEntry).key)
}

func cloneResponse(r domain.ChatResponse) domain.ChatResponse {
	r.Message = r.Message.Clone()
	return r
}

// Clear drops every entry.
func (c *ResponseCache) Clear() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.entries = make(map[uint64]*list.Element)
	c.order.Init()
	c.mu.Unlock()
}

// Len returns the number of stored entries.
func (c *ResponseCache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
