package search

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache holds recent search responses to reduce API calls. It is safe for
// concurrent use and may be shared by every provider. A nil *Cache caches
// nothing.
type Cache struct {
	lru *expirable.LRU[string, *Response]
}

// NewCache creates a cache of at most size responses, each kept for ttl.
// A non-positive size returns nil.
func NewCache(size int, ttl time.Duration) *Cache {
	if size <= 0 {
		return nil
	}
	return &Cache{lru: expirable.NewLRU[string, *Response](size, nil, ttl)}
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}

func (c *Cache) get(provider, query string, n int) (*Response, bool) {
	if c == nil {
		return nil, false
	}
	return c.lru.Get(cacheKey(provider, query, n))
}

func (c *Cache) add(provider, query string, n int, resp *Response) {
	if c == nil {
		return
	}
	c.lru.Add(cacheKey(provider, query, n), resp)
}

func cacheKey(provider, query string, n int) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(query), " "))
	hash := sha256.Sum256([]byte(provider + "\x00" + strconv.Itoa(n) + "\x00" + normalized))
	return hex.EncodeToString(hash[:16])
}
