package domain

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// StatusCache remembers recently observed actor statuses so listings do not
// call every actor on each request.
type StatusCache struct {
	lru *expirable.LRU[string, any]
}

// NewStatusCache returns nil, a disabled cache, when size is not positive.
func NewStatusCache(size int, ttl time.Duration) *StatusCache {
	if size <= 0 {
		return nil
	}
	return &StatusCache{lru: expirable.NewLRU[string, any](size, nil, ttl)}
}

func cacheKey(actorType, id string) string {
	return actorType + "/" + id
}

func (c *StatusCache) get(actorType, id string) (any, bool) {
	if c == nil {
		return nil, false
	}
	return c.lru.Get(cacheKey(actorType, id))
}

func (c *StatusCache) add(actorType, id string, status any) {
	if c == nil {
		return
	}
	c.lru.Add(cacheKey(actorType, id), status)
}

func (c *StatusCache) forget(actorType, id string) {
	if c == nil {
		return
	}
	c.lru.Remove(cacheKey(actorType, id))
}
