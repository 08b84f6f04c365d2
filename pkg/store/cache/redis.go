// Package cache 提供 redis 实现的共享路径信息缓存层。
// 它是进程内 LRU 之下、后端之上的中间层；多个进程共享同一份正负结果。
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"buildvault/pkg/cas"
	"buildvault/pkg/hashing"
	"buildvault/pkg/store"
	"buildvault/pkg/storepath"
)

// Config redis 缓存层配置。
type Config struct {
	RedisURL    string // 标准连接字符串: redis://<user>:<password>@<host>:<port>/<db>
	StoreDir    storepath.Dir
	PositiveTTL time.Duration
	NegativeTTL time.Duration
}

// RedisCache 实现 store.SharedInfoCache。
// 架构决策：缓存故障降级：redis 挂了就当没有这一层，绝不拖垮查询。
type RedisCache struct {
	client *redis.Client
	dir    storepath.Dir
	posTTL time.Duration
	negTTL time.Duration
}

// New 建连并 fail-fast 检查。
func New(cfg Config) (*RedisCache, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisCache{client: client, dir: cfg.StoreDir, posTTL: cfg.PositiveTTL, negTTL: cfg.NegativeTTL}, nil
}

func cacheKey(storeURI, hashPart string) string {
	return "bv:info:" + storeURI + ":" + hashPart
}

// negMarker 负缓存的哨兵值。
const negMarker = "0"

// infoWire 是 ValidPathInfo 的 JSON 投影。
// 路径存完整形式并带上 store 目录，解码端不需要额外上下文。
type infoWire struct {
	Dir        string   `json:"dir"`
	Path       string   `json:"path"`
	Deriver    string   `json:"deriver,omitempty"`
	NarHash    string   `json:"narHash"`
	NarSize    uint64   `json:"narSize"`
	References []string `json:"references,omitempty"`
	SelfRef    bool     `json:"hasSelfReference,omitempty"`
	RegTime    int64    `json:"registrationTime,omitempty"`
	Ultimate   bool     `json:"ultimate,omitempty"`
	Sigs       []string `json:"sigs,omitempty"`
	CA         string   `json:"ca,omitempty"`
}

func encodeInfo(dir storepath.Dir, info *store.ValidPathInfo) ([]byte, error) {
	w := infoWire{
		Dir:        string(dir),
		Path:       dir.Path(info.Path),
		NarHash:    info.NarHash.String(),
		NarSize:    info.NarSize,
		References: dir.PathSet(info.References),
		SelfRef:    info.HasSelfReference,
		RegTime:    info.RegistrationTime,
		Ultimate:   info.Ultimate,
		Sigs:       info.Sigs,
		CA:         cas.Render(info.CA),
	}
	if !info.Deriver.IsZero() {
		w.Deriver = dir.Path(info.Deriver)
	}
	return json.Marshal(w)
}

func decodeInfo(data []byte) (*store.ValidPathInfo, error) {
	var w infoWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	dir := storepath.Dir(w.Dir)
	p, err := dir.Parse(w.Path)
	if err != nil {
		return nil, err
	}
	info := &store.ValidPathInfo{
		Path:             p,
		NarSize:          w.NarSize,
		HasSelfReference: w.SelfRef,
		RegistrationTime: w.RegTime,
		Ultimate:         w.Ultimate,
		Sigs:             w.Sigs,
	}
	if info.NarHash, err = hashing.ParseAny(w.NarHash, hashing.SHA256); err != nil {
		return nil, err
	}
	if w.Deriver != "" {
		if info.Deriver, err = dir.Parse(w.Deriver); err != nil {
			return nil, err
		}
	}
	for _, r := range w.References {
		ref, err := dir.Parse(r)
		if err != nil {
			return nil, err
		}
		info.References = append(info.References, ref)
	}
	info.References = storepath.SortSet(info.References)
	if w.CA != "" {
		if info.CA, err = cas.Parse(w.CA); err != nil {
			return nil, err
		}
	}
	return info, nil
}

// Lookup 三态查询。redis 出错时降级为 CacheUnknown。
func (c *RedisCache) Lookup(ctx context.Context, storeURI, hashPart string) (*store.ValidPathInfo, store.CacheOutcome, error) {
	val, err := c.client.Get(ctx, cacheKey(storeURI, hashPart)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, store.CacheUnknown, nil
	}
	if err != nil {
		logrus.Warnf("redis cache lookup failed: %v", err)
		return nil, store.CacheUnknown, nil
	}
	if val == negMarker {
		return nil, store.CacheInvalid, nil
	}
	info, err := decodeInfo([]byte(val))
	if err != nil {
		// 坏条目当作未知，让后端纠正它
		logrus.Warnf("corrupt redis cache entry for %s: %v", hashPart, err)
		return nil, store.CacheUnknown, nil
	}
	return info, store.CacheValid, nil
}

// Upsert 写入正负结果。info == nil 即负缓存，TTL 短得多。
func (c *RedisCache) Upsert(ctx context.Context, storeURI, hashPart string, info *store.ValidPathInfo) error {
	key := cacheKey(storeURI, hashPart)
	if info == nil {
		return c.client.Set(ctx, key, negMarker, c.negTTL).Err()
	}
	data, err := encodeInfo(c.dir, info)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, c.posTTL).Err()
}
