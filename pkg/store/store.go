package store

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"buildvault/pkg/cas"
	"buildvault/pkg/derivation"
	"buildvault/pkg/errdefs"
	"buildvault/pkg/interrupt"
	"buildvault/pkg/storepath"
)

// Store 是后端契约。能力集是统一的；做不到的操作返回 errdefs.Unsupported，
// 调用方必须准备好处理这个类别。
//
// 派生操作 (IsValidPath / QueryPathInfo 的缓存流水线、QueryValidPaths 的
// 默认扇出) 由 Base 提供，后端只需要实现原始操作并按需覆盖。
type Store interface {
	// Dir 返回 store 目录。路径的打印/解析/合成都相对它。
	Dir() storepath.Dir
	// URI 返回打开这个 store 用的 URI，共享缓存按它分区。
	URI() string
	// Priority 数值越小越优先，substituter 排序用。
	Priority() int

	// IsValidPath 走缓存流水线判断路径是否有效。
	IsValidPath(ctx context.Context, key PathOrCA) (bool, error)
	// QueryPathInfo 走缓存流水线取回路径信息，无效路径返回 ErrInvalidPath。
	QueryPathInfo(ctx context.Context, key PathOrCA) (*ValidPathInfo, error)
	// QueryPathInfoUncached 绕过缓存直接问后端。
	// 路径不存在返回 ErrInvalidPath；这是唯一会被负缓存的错误。
	QueryPathInfoUncached(ctx context.Context, p storepath.StorePath) (*ValidPathInfo, error)
	// QueryValidPaths 并行筛出有效子集。ErrInvalidPath 被吞掉；
	// 其他错误在所有 worker 结束后重新抛出。
	QueryValidPaths(ctx context.Context, paths []storepath.StorePath, substitute bool) ([]storepath.StorePath, error)

	// AddToStore 写入一条路径：规范序列化字节流 + 元数据。
	AddToStore(ctx context.Context, info *ValidPathInfo, nar io.Reader, repair, checkSigs bool) error
	// NarFromPath 把路径的规范序列化流写进 sink。
	NarFromPath(ctx context.Context, p storepath.StorePath, sink io.Writer) error

	// BuildDerivation 构建一份配方 (多数后端 Unsupported)。
	BuildDerivation(ctx context.Context, drvPath storepath.StorePath, drv *derivation.Derivation) error
	// EnsurePath 检查路径在本 store 有效；现有后端只做有效性检查，不做替换取回。
	EnsurePath(ctx context.Context, p storepath.StorePath) error
	// QueryPathFromHashPart 按注册表主键反查完整路径。
	QueryPathFromHashPart(ctx context.Context, hashPart string) (storepath.StorePath, error)

	// Connect 建立/验证到后端的连接。
	Connect(ctx context.Context) error
	// Protocol 返回协商出的协议版本，本地后端返回 0。
	Protocol() int

	// Stats 返回本实例的计数器。
	Stats() *Stats
}

// PathOrCA 是查询键：store 路径，或先"烘焙"成路径的内容地址描述符。
// 两者恰好一个在场。
type PathOrCA struct {
	Path storepath.StorePath
	CA   *cas.WithReferences
}

// PathKey 构造路径键。
func PathKey(p storepath.StorePath) PathOrCA {
	return PathOrCA{Path: p}
}

// CAKey 构造内容地址键。
func CAKey(ca cas.WithReferences) PathOrCA {
	return PathOrCA{CA: &ca}
}

// Stats 每个 store 实例一份的计数器，全部原子递增。
type Stats struct {
	NarInfoRead        atomic.Uint64
	NarInfoReadAverted atomic.Uint64
	NarInfoMissing     atomic.Uint64
	NarInfoWrite       atomic.Uint64
}

// Config 汇集 store 层的可调参数，来自 viper (见 pkg/config)。
type Config struct {
	StoreDir    storepath.Dir
	StateDir    string // 本地注册表数据库所在目录
	CacheSize   int
	PositiveTTL time.Duration
	NegativeTTL time.Duration

	// DatabaseDriver 选注册表后端："sqlite" (默认) 或 "postgres"
	DatabaseDriver string
	// DatabaseDSN postgres 连接串；sqlite 忽略它，库文件放 StateDir
	DatabaseDSN string

	MaxWorkers     int  // 扇出查询和闭包拷贝的并发上限
	KeepGoing      bool // 单路径拷贝失败后是否继续
	MaxConnections int  // SSH 后端的连接池容量
	RequireSigs    bool

	TrustedKeys    []string // "name:base64" 公钥
	SecretKeyFiles []string
	Substituters   []string

	SharedCache SharedInfoCache // 可选的共享缓存层
}

// Workers 返回扇出并发度，未配置时按 substituter 数量放大。
func (c *Config) Workers() int {
	if c.MaxWorkers > 0 {
		return c.MaxWorkers
	}
	n := 4 * (len(c.Substituters) + 1)
	if n < 8 {
		n = 8
	}
	return n
}

// Base 给后端提供缓存流水线和默认实现。
// 后端结构体内嵌 *Base 并在 NewBase 里把自己作为 impl 传进来 (回指模式，
// 让派生操作调用到后端覆盖过的原始操作)。
type Base struct {
	dir      storepath.Dir
	uri      string
	priority int
	cfg      *Config

	cache  *PathInfoCache
	shared SharedInfoCache
	stats  Stats

	impl Store
}

// NewBase 构造后端公共部分。impl 是外层后端自身。
func NewBase(dir storepath.Dir, uri string, priority int, cfg *Config, impl Store) *Base {
	return &Base{
		dir:      dir,
		uri:      uri,
		priority: priority,
		cfg:      cfg,
		cache:    NewPathInfoCache(cfg.CacheSize, cfg.PositiveTTL, cfg.NegativeTTL),
		shared:   cfg.SharedCache,
		impl:     impl,
	}
}

func (b *Base) Dir() storepath.Dir { return b.dir }
func (b *Base) URI() string        { return b.uri }
func (b *Base) Priority() int      { return b.priority }
func (b *Base) Stats() *Stats      { return &b.stats }
func (b *Base) Protocol() int      { return 0 }

// Config 给子包后端访问公共配置。
func (b *Base) Config() *Config { return b.cfg }

// Connect 默认无连接可建。
func (b *Base) Connect(ctx context.Context) error { return nil }

// BakeCAIfNeeded 把查询键统一成路径：内容地址键经路径代数现场烘焙。
func (b *Base) BakeCAIfNeeded(key PathOrCA) (storepath.StorePath, error) {
	if key.CA != nil {
		return cas.MakePathFromCA(b.dir, *key.CA)
	}
	if key.Path.IsZero() {
		return storepath.StorePath{}, errdefs.Format("empty store query key")
	}
	return key.Path, nil
}

// IsValidPath 缓存流水线：热 LRU → 共享层 → 后端。
func (b *Base) IsValidPath(ctx context.Context, key PathOrCA) (bool, error) {
	info, err := b.impl.QueryPathInfo(ctx, key)
	if errdefs.IsInvalidPath(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info != nil, nil
}

// QueryPathInfo 缓存流水线的完整形态。
// 后端答非所问 (返回了别的 hash part) 按无效处理。
func (b *Base) QueryPathInfo(ctx context.Context, key PathOrCA) (*ValidPathInfo, error) {
	if err := interrupt.Check(); err != nil {
		return nil, err
	}
	p, err := b.BakeCAIfNeeded(key)
	if err != nil {
		return nil, err
	}
	hashPart := p.HashPart()

	// 1. 热缓存
	if info, known := b.cache.Get(hashPart); known {
		b.stats.NarInfoReadAverted.Add(1)
		if info == nil {
			return nil, errdefs.InvalidPath(b.dir.Path(p))
		}
		return info, nil
	}

	// 2. 共享层，命中的话回填热缓存
	if b.shared != nil {
		info, outcome, err := b.shared.Lookup(ctx, b.uri, hashPart)
		if err == nil && outcome != CacheUnknown {
			b.stats.NarInfoReadAverted.Add(1)
			b.cache.Upsert(hashPart, info)
			if outcome == CacheInvalid || info == nil || info.Path != p {
				return nil, errdefs.InvalidPath(b.dir.Path(p))
			}
			return info, nil
		}
	}

	// 3. 后端
	b.stats.NarInfoRead.Add(1)
	info, err := b.impl.QueryPathInfoUncached(ctx, p)
	if err != nil && !errdefs.IsInvalidPath(err) {
		return nil, err
	}
	if errdefs.IsInvalidPath(err) {
		info = nil
	}

	// 写穿两级缓存 (负结果也写，这就是负缓存)
	b.cache.Upsert(hashPart, info)
	if b.shared != nil {
		_ = b.shared.Upsert(ctx, b.uri, hashPart, info)
	}

	if info == nil || info.Path != p {
		b.stats.NarInfoMissing.Add(1)
		return nil, errdefs.InvalidPath(b.dir.Path(p))
	}
	return info, nil
}

// PrimeCache 把一条确定有效的记录写穿两级缓存。
// 这是负缓存升格为存在的唯一通道：只有显式的 store 写操作会调用它。
func (b *Base) PrimeCache(ctx context.Context, info *ValidPathInfo) {
	b.cache.Upsert(info.Path.HashPart(), info)
	if b.shared != nil {
		_ = b.shared.Upsert(ctx, b.uri, info.Path.HashPart(), info)
	}
}

// QueryValidPaths 有界并行扇出。
// 单个 ErrInvalidPath 被吞掉；任何其他错误被暂存，等全部 worker 收工后
// 重新抛出：绝不让一半查询还在飞就返回。
func (b *Base) QueryValidPaths(ctx context.Context, paths []storepath.StorePath, substitute bool) ([]storepath.StorePath, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	sem := semaphore.NewWeighted(int64(b.cfg.Workers()))
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		valid   []storepath.StorePath
		stashed error
	)
	for _, p := range paths {
		if err := interrupt.Check(); err != nil {
			mu.Lock()
			if stashed == nil {
				stashed = err
			}
			mu.Unlock()
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			if stashed == nil {
				stashed = err
			}
			mu.Unlock()
			break
		}
		wg.Add(1)
		go func(p storepath.StorePath) {
			defer wg.Done()
			defer sem.Release(1)
			_, err := b.impl.QueryPathInfo(ctx, PathKey(p))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				valid = append(valid, p)
			case errdefs.IsInvalidPath(err):
				// 无效就是无效，不是错误
			case stashed == nil:
				stashed = err
			}
		}(p)
	}
	wg.Wait()
	if stashed != nil {
		return nil, stashed
	}
	return storepath.SortSet(valid), nil
}

// EnsurePath 默认实现：有效即可，否则 Unsupported。
func (b *Base) EnsurePath(ctx context.Context, p storepath.StorePath) error {
	ok, err := b.impl.IsValidPath(ctx, PathKey(p))
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	return errdefs.Unsupported("ensurePath")
}

// 默认 Unsupported 的操作，后端按能力覆盖。

func (b *Base) BuildDerivation(ctx context.Context, drvPath storepath.StorePath, drv *derivation.Derivation) error {
	return errdefs.Unsupported("buildDerivation")
}

func (b *Base) QueryPathFromHashPart(ctx context.Context, hashPart string) (storepath.StorePath, error) {
	return storepath.StorePath{}, errdefs.Unsupported("queryPathFromHashPart")
}
