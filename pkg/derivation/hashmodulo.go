package derivation

import (
	"context"
	"sync"

	"buildvault/pkg/errdefs"
	"buildvault/pkg/hashing"
	"buildvault/pkg/storepath"
)

// HashModulo 是 hashDerivationModulo 的结果：
// Regular 得到单个哈希，CAFixed 得到输出 id → 哈希的映射。
type HashModulo struct {
	Single    hashing.Hash
	PerOutput map[string]hashing.Hash
}

// IsSingle 报告结果是不是单哈希形式。
func (h HashModulo) IsSingle() bool {
	return h.PerOutput == nil
}

// Reader 按 store 路径取回并解析一份 derivation。
// 注册表实现它；测试里用内存假实现。
type Reader interface {
	ReadDerivation(ctx context.Context, p storepath.StorePath) (*Derivation, error)
}

// Resolver 承载 hash-modulo 计算和它的 memoization 表。
// 表是 store 级的可变状态，用互斥锁保护；同一个 .drv 路径在 Resolver
// 生命周期内只读取和计算一次。
type Resolver struct {
	dir    storepath.Dir
	reader Reader

	mu   sync.Mutex
	memo map[storepath.StorePath]HashModulo
}

func NewResolver(dir storepath.Dir, reader Reader) *Resolver {
	return &Resolver{
		dir:    dir,
		reader: reader,
		memo:   make(map[storepath.StorePath]HashModulo),
	}
}

// HashModulo 给 derivation 赋予规范身份。
//
// 对 CAFixed：每个输出的哈希不是内容哈希本身，而是内容哈希连同常量数据
// 再哈希一次，保证它是输出内容的纯函数。
//
// 对 Regular：把每个输入 derivation 的路径替换为对它的递归调用结果。
// 输入自己也是 Regular 时直接用其哈希替换路径；输入是固定输出时，把每个
// 输出哈希假装成一个只产出 "out" 的微型 derivation：这样固定输出的
// 来源被刻意隐藏，构建缓存不会因为无关的配方差异而失效。
//
// CAFloating 一律报错 (两条旧代码路径行为不一致，这里统一为报错)。
func (r *Resolver) HashModulo(ctx context.Context, drv *Derivation, maskOutputs bool) (HashModulo, error) {
	kind, err := drv.Kind()
	if err != nil {
		return HashModulo{}, err
	}

	switch kind {
	case CAFixed:
		perOutput := make(map[string]hashing.Hash, len(drv.Outputs))
		for _, id := range drv.OutputIDs() {
			o := drv.Outputs[id]
			outPath, err := drv.OutputPath(r.dir, id)
			if err != nil {
				return HashModulo{}, err
			}
			perOutput[id] = hashing.SumString(hashing.SHA256,
				"fixed:out:"+o.HashAlgo+":"+o.Hash+":"+r.dir.Path(outPath))
		}
		return HashModulo{PerOutput: perOutput}, nil

	case CAFloating:
		return HashModulo{}, errdefs.Format("floating content-addressed derivations have no modulo hash")
	}

	// Regular：构造替身输入映射
	inputs2 := make(map[string][]string, len(drv.InputDrvs))
	for _, drvPath := range drv.InputDrvPaths() {
		res, err := r.pathModulo(ctx, drvPath)
		if err != nil {
			return HashModulo{}, err
		}
		if res.IsSingle() {
			inputs2[res.Single.Base16()] = drv.InputDrvs[drvPath]
			continue
		}
		for _, oid := range drv.InputDrvs[drvPath] {
			h, ok := res.PerOutput[oid]
			if !ok {
				return HashModulo{}, errdefs.Format("input derivation '%s' has no output '%s'", drvPath.String(), oid)
			}
			inputs2[h.Base16()] = []string{"out"}
		}
	}

	return HashModulo{
		Single: hashing.SumString(hashing.SHA256, drv.Unparse(r.dir, maskOutputs, inputs2)),
	}, nil
}

// pathModulo 按路径查 memo 表，缺失时读取并计算。
// 和 HashModulo 互递归。
func (r *Resolver) pathModulo(ctx context.Context, drvPath storepath.StorePath) (HashModulo, error) {
	r.mu.Lock()
	cached, ok := r.memo[drvPath]
	r.mu.Unlock()
	if ok {
		return cached, nil
	}

	drv, err := r.reader.ReadDerivation(ctx, drvPath)
	if err != nil {
		return HashModulo{}, err
	}
	res, err := r.HashModulo(ctx, drv, false)
	if err != nil {
		return HashModulo{}, err
	}

	r.mu.Lock()
	r.memo[drvPath] = res
	r.mu.Unlock()
	return res, nil
}
