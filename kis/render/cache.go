package render

import (
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize is the number of encoded cards kept.
const DefaultCacheSize = 500

const dataURIPrefix = "data:image/svg+xml;charset=utf-8,"

// Cache memoizes data-URI encoding of cards by fingerprint with
// least-recently-used eviction.
type Cache struct {
	mu       sync.Mutex
	capacity int
	lru      *lru.Cache[string, string]
	hits     uint64
	misses   uint64
}

// NewCache returns a cache holding at most capacity entries.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCacheSize
	}
	// New only fails for a non-positive size.
	l, _ := lru.New[string, string](capacity)
	return &Cache{capacity: capacity, lru: l}
}

// Encode returns the data URI for svg. A fingerprint seen before returns
// the stored payload without re-encoding; the fingerprint must therefore
// identify the card content exactly.
func (c *Cache) Encode(svg, fingerprint string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if payload, ok := c.lru.Get(fingerprint); ok {
		c.hits++
		return payload
	}
	c.misses++

	payload := EncodeDataURI(svg)
	c.lru.Add(fingerprint, payload)
	return payload
}

// Contains reports whether fingerprint is cached, without touching recency.
func (c *Cache) Contains(fingerprint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Contains(fingerprint)
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// CacheStats is reported on the ops dashboard.
type CacheStats struct {
	Entries  int    `json:"entries"`
	Capacity int    `json:"capacity"`
	Hits     uint64 `json:"hits"`
	Misses   uint64 `json:"misses"`
}

func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Entries: c.lru.Len(), Capacity: c.capacity, Hits: c.hits, Misses: c.misses}
}

// EncodeDataURI wraps svg in a data URI, percent-encoding every byte
// outside A-Z a-z 0-9 and -_.!~*'().
func EncodeDataURI(svg string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(dataURIPrefix) + len(svg)*2)
	b.WriteString(dataURIPrefix)
	for i := 0; i < len(svg); i++ {
		ch := svg[i]
		if unreserved(ch) {
			b.WriteByte(ch)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[ch>>4])
		b.WriteByte(hex[ch&0x0f])
	}
	return b.String()
}

func unreserved(ch byte) bool {
	switch {
	case 'a' <= ch && ch <= 'z', 'A' <= ch && ch <= 'Z', '0' <= ch && ch <= '9':
		return true
	}
	return strings.IndexByte("-_.!~*'()", ch) >= 0
}
