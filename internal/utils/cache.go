package utils

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Clock 返回当前时间，测试中可替换
type Clock func() time.Time

// cacheItem 包装缓存数据和过期时间
type cacheItem[V any] struct {
	Data      V
	ExpiresAt time.Time
}

// TTLCache 带过期时间的 LRU 缓存，过期判断使用注入的时钟，没有后台清理协程
type TTLCache[V any] struct {
	lruCache *lru.Cache[string, cacheItem[V]]
	ttl      time.Duration
	now      Clock
}

// NewTTLCache 创建缓存，size 为 LRU 容量
func NewTTLCache[V any](size int, ttl time.Duration, now Clock) (*TTLCache[V], error) {
	l, err := lru.New[string, cacheItem[V]](size)
	if err != nil {
		return nil, fmt.Errorf("create lru cache: %w", err)
	}
	if now == nil {
		now = time.Now
	}
	return &TTLCache[V]{lruCache: l, ttl: ttl, now: now}, nil
}

// Set 设置缓存
func (c *TTLCache[V]) Set(key string, data V) {
	c.lruCache.Add(key, cacheItem[V]{
		Data:      data,
		ExpiresAt: c.now().Add(c.ttl),
	})
}

// Get 获取缓存，不存在或已过期返回 false
func (c *TTLCache[V]) Get(key string) (V, bool) {
	var zero V
	val, ok := c.lruCache.Get(key)
	if !ok {
		return zero, false
	}

	if !c.now().Before(val.ExpiresAt) {
		c.lruCache.Remove(key)
		return zero, false
	}

	return val.Data, true
}

// Delete 删除指定缓存
func (c *TTLCache[V]) Delete(key string) {
	c.lruCache.Remove(key)
}

// Len 当前条目数（含尚未被访问淘汰的过期条目）
func (c *TTLCache[V]) Len() int {
	return c.lruCache.Len()
}
