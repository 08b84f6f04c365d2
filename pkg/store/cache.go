package store

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// 两级缓存：热的进程内 LRU + 可插拔的共享层 (redis)。
// 键永远是 hash part：名字只是元数据，同一 hash part 不会对应两份内容。

// cacheEntry 带时间戳的缓存项。info == nil 表示确定性的"不存在" (负缓存)。
type cacheEntry struct {
	info *ValidPathInfo
	at   time.Time
}

// PathInfoCache 是热缓存：容量固定的 LRU，正负结果各自的 TTL。
type PathInfoCache struct {
	mu     sync.Mutex
	lru    *lru.Cache[string, cacheEntry]
	posTTL time.Duration
	negTTL time.Duration
}

// NewPathInfoCache 按容量和 TTL 构造。容量 <= 0 时退回默认值。
func NewPathInfoCache(capacity int, posTTL, negTTL time.Duration) *PathInfoCache {
	if capacity <= 0 {
		capacity = 65536
	}
	l, _ := lru.New[string, cacheEntry](capacity)
	return &PathInfoCache{lru: l, posTTL: posTTL, negTTL: negTTL}
}

// isKnownNow 判断一条缓存项现在还算不算数。
// 正负结果的 TTL 是分开配置的：负缓存要短得多，路径随时可能被别人注册。
func (c *PathInfoCache) isKnownNow(e cacheEntry) bool {
	ttl := c.posTTL
	if e.info == nil {
		ttl = c.negTTL
	}
	return time.Now().Before(e.at.Add(ttl))
}

// Get 查 hash part。
// known=false 表示缓存没有可用信息；known=true 时 info==nil 表示负缓存命中。
func (c *PathInfoCache) Get(hashPart string) (info *ValidPathInfo, known bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Get(hashPart)
	if !ok || !c.isKnownNow(e) {
		return nil, false
	}
	return e.info, true
}

// Upsert 写入正或负结果。info == nil 即负缓存。
// 负缓存升格为存在必须经过显式的 store 操作重新 Upsert。
func (c *PathInfoCache) Upsert(hashPart string, info *ValidPathInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(hashPart, cacheEntry{info: info, at: time.Now()})
}

// Len 当前缓存条数，统计用。
func (c *PathInfoCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// CacheOutcome 是共享缓存层的三态查询结果。
type CacheOutcome int

const (
	// CacheUnknown 共享层没有信息
	CacheUnknown CacheOutcome = iota
	// CacheValid 有效，info 可用
	CacheValid
	// CacheInvalid 确定不存在
	CacheInvalid
)

// SharedInfoCache 是持久共享缓存层的契约 (redis 实现见 store/cache 子包)。
// 按 (store URI, hash part) 寻址，因为同一 hash part 在不同远端的有效性无关。
type SharedInfoCache interface {
	Lookup(ctx context.Context, storeURI, hashPart string) (*ValidPathInfo, CacheOutcome, error)
	Upsert(ctx context.Context, storeURI, hashPart string, info *ValidPathInfo) error
}
