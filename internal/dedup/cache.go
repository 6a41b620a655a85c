// Package dedup 按时间窗口对规范化 URL 去重，保证窗口内同一 URL 只交付一次下载
package dedup

import (
	"sync"
	"time"
)

// DefaultWindow 默认去重窗口
const DefaultWindow = 5 * time.Second

// Cache 规范化 URL 到最近一次批准时间的映射
type Cache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	window  time.Duration
}

// New 创建去重缓存
func New(window time.Duration) *Cache {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Cache{entries: make(map[string]time.Time), window: window}
}

// ShouldSuppress 窗口内已批准过则返回 true；顺带淘汰已过期的条目
func (c *Cache) ShouldSuppress(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suppressedLocked(key, now)
}

func (c *Cache) suppressedLocked(key string, now time.Time) bool {
	at, ok := c.entries[key]
	if !ok {
		return false
	}
	if now.Sub(at) <= c.window {
		return true
	}
	delete(c.entries, key)
	return false
}

// MarkApproved 记录批准时间，覆盖已有条目
func (c *Cache) MarkApproved(key string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = now
}

// TryAcquire 原子地检查并登记，返回 true 表示调用方获得本窗口内唯一的交付权
func (c *Cache) TryAcquire(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.suppressedLocked(key, now) {
		return false
	}
	c.entries[key] = now
	return true
}

// Sweep 清理超出窗口的条目
func (c *Cache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, at := range c.entries {
		if now.Sub(at) > c.window {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Clear 清空全部条目
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

// Len 条目数量
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
