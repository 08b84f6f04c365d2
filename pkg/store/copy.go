package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"buildvault/pkg/cas"
	"buildvault/pkg/errdefs"
	"buildvault/pkg/hashing"
	"buildvault/pkg/interrupt"
	"buildvault/pkg/storepath"
)

// CopyOptions 控制闭包拷贝的行为。
type CopyOptions struct {
	Repair     bool
	CheckSigs  bool
	Substitute bool
	KeepGoing  bool // 单路径失败后继续拷贝其余路径
	MaxWorkers int
}

// CopyCounters 拷贝进度，全部原子更新，随时可读。
type CopyCounters struct {
	Done    atomic.Uint64
	Running atomic.Uint64
	Failed  atomic.Uint64
	Total   uint64
}

func (c *CopyCounters) log() {
	logrus.WithFields(logrus.Fields{
		"done":    c.Done.Load(),
		"running": c.Running.Load(),
		"failed":  c.Failed.Load(),
		"total":   c.Total,
	}).Debug("copy progress")
}

// ComputeClosure 计算根集的自反传递引用集 (闭包)。
func ComputeClosure(ctx context.Context, s Store, roots []storepath.StorePath) ([]storepath.StorePath, error) {
	seen := make(map[storepath.StorePath]struct{})
	queue := append([]storepath.StorePath(nil), roots...)
	var closure []storepath.StorePath
	for len(queue) > 0 {
		if err := interrupt.Check(); err != nil {
			return nil, err
		}
		p := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		closure = append(closure, p)

		info, err := s.QueryPathInfo(ctx, PathKey(p))
		if err != nil {
			return nil, err
		}
		queue = append(queue, info.References...)
	}
	return storepath.SortSet(closure), nil
}

// rebaseForDst 在源信息内容寻址且无引用时，按目的 store 的目录重算路径。
// 目录不同的两个 store 对同一内容地址给出不同路径。
func rebaseForDst(dst Store, info *ValidPathInfo) storepath.StorePath {
	if info.CA == nil || len(info.References) > 0 || info.HasSelfReference {
		return info.Path
	}
	full := info.FullContentAddress()
	if full == nil {
		return info.Path
	}
	p, err := cas.MakePathFromCA(dst.Dir(), *full)
	if err != nil {
		return info.Path
	}
	if p != info.Path {
		logrus.Debugf("replaced path '%s' with '%s' for store '%s'", info.Path, p, dst.URI())
	}
	return p
}

// CopyStorePath 拷贝单条路径 (不管依赖)。
// 字节序必须原样保持：流水线只搬运，不重排。
func CopyStorePath(ctx context.Context, src, dst Store, p storepath.StorePath, opts CopyOptions) error {
	if err := interrupt.Check(); err != nil {
		return err
	}
	info, err := src.QueryPathInfo(ctx, PathKey(p))
	if err != nil {
		return err
	}

	dstPath := rebaseForDst(dst, info)
	if dstPath != info.Path {
		rebased := *info
		rebased.Path = dstPath
		info = &rebased
	}

	// 源头给不出 narHash 时先把整个流读进内存再算哈希。有自引用的内容寻址路径要用
	// "modulo 自引用" 哈希，否则哈希会随路径自身变化而漂移。
	if info.NarHash.IsZero() {
		var buf bytes.Buffer
		if err := src.NarFromPath(ctx, p, &buf); err != nil {
			return err
		}
		fixed := *info
		if info.CA != nil && info.HasSelfReference {
			fixed.NarHash = hashModulo(buf.Bytes(), info.Path.HashPart())
		} else {
			fixed.NarHash = hashing.Sum(hashing.SHA256, buf.Bytes())
		}
		if fixed.NarSize == 0 {
			fixed.NarSize = uint64(buf.Len())
		}
		fixed.Ultimate = false
		return dst.AddToStore(ctx, &fixed, &buf, opts.Repair, opts.CheckSigs)
	}

	if info.Ultimate {
		demoted := *info
		demoted.Ultimate = false
		info = &demoted
	}

	// 生产者/消费者各占管道一端：任一侧出错都会把错误递到对侧。
	pr, pw := io.Pipe()
	go func() {
		err := src.NarFromPath(ctx, p, pw)
		if err != nil {
			err = fmt.Errorf("%w: serialization of '%s' from '%s': %v",
				errdefs.ErrEndOfFile, src.Dir().Path(p), src.URI(), err)
		}
		pw.CloseWithError(err)
	}()
	defer pr.Close()

	return dst.AddToStore(ctx, info, pr, opts.Repair, opts.CheckSigs)
}

// CopyPaths 把根集从 src 搬到 dst，按依赖顺序、有界并行。
// 返回 srcPath → dstPath 的映射 (内容寻址路径换目录后可能改名)。
func CopyPaths(ctx context.Context, src, dst Store, roots []storepath.StorePath, opts CopyOptions) (map[storepath.StorePath]storepath.StorePath, error) {
	pathsMap := make(map[storepath.StorePath]storepath.StorePath, len(roots))
	for _, p := range roots {
		pathsMap[p] = p
	}

	valid, err := dst.QueryValidPaths(ctx, roots, opts.Substitute)
	if err != nil {
		return nil, err
	}
	present := make(map[storepath.StorePath]struct{}, len(valid))
	for _, p := range valid {
		present[p] = struct{}{}
	}

	var missing []storepath.StorePath
	for _, p := range roots {
		if _, ok := present[p]; !ok {
			missing = append(missing, p)
		}
	}
	missing = storepath.SortSet(missing)
	if len(missing) == 0 {
		return pathsMap, nil
	}
	logrus.Infof("copying %d paths from '%s' to '%s'", len(missing), src.URI(), dst.URI())

	// 第一阶段：取回缺失路径的信息，记录重定位映射和依赖边。
	type node struct {
		deps map[storepath.StorePath]struct{} // 仍在缺失集里的引用
	}
	nodes := make(map[storepath.StorePath]*node, len(missing))
	missingSet := make(map[storepath.StorePath]struct{}, len(missing))
	for _, p := range missing {
		missingSet[p] = struct{}{}
	}
	for _, p := range missing {
		info, err := src.QueryPathInfo(ctx, PathKey(p))
		if err != nil {
			return nil, err
		}
		pathsMap[p] = rebaseForDst(dst, info)
		n := &node{deps: make(map[storepath.StorePath]struct{})}
		for _, ref := range info.References {
			if _, ok := missingSet[ref]; ok && ref != p {
				n.deps[ref] = struct{}{}
			}
		}
		nodes[p] = n
	}

	// 第二阶段：拓扑调度。一个节点在它的全部引用拷完后才有资格开跑。
	//
	// 调度是单协程的：只有控制循环会在 semaphore 上等待，worker 只干活、
	// 把完成结果发回通道、释放令牌。worker 绝不反过来调调度器，
	// 也就不存在"持着锁等令牌、持着令牌等锁"的环。
	counters := &CopyCounters{Total: uint64(len(missing))}
	sem := semaphore.NewWeighted(int64(opts.workers()))

	type outcome struct {
		path storepath.StorePath
		err  error
	}
	// 缓冲到缺失总数：worker 发送永不阻塞，令牌一定能按时回流
	results := make(chan outcome, len(missing))

	rdeps := make(map[storepath.StorePath][]storepath.StorePath)
	var ready []storepath.StorePath
	for p, n := range nodes {
		if len(n.deps) == 0 {
			ready = append(ready, p)
		}
		for dep := range n.deps {
			rdeps[dep] = append(rdeps[dep], p)
		}
	}

	runOne := func(p storepath.StorePath) {
		defer sem.Release(1)
		counters.Running.Add(1)
		counters.log()
		err := func() error {
			if err := interrupt.Check(); err != nil {
				return err
			}
			dstPath := pathsMap[p]
			ok, err := dst.IsValidPath(ctx, PathKey(dstPath))
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
			return CopyStorePath(ctx, src, dst, p, opts)
		}()
		counters.Running.Add(^uint64(0))
		results <- outcome{path: p, err: err}
	}

	var (
		stashed  error
		aborted  bool
		inFlight int
		pending  = len(nodes)
	)
	for pending > 0 {
		// 先把当前能跑的全部派出去；Acquire 只在这里阻塞，
		// 此时没有任何锁被持有，worker 总能收工归还令牌
		for !aborted && len(ready) > 0 {
			p := ready[len(ready)-1]
			ready = ready[:len(ready)-1]
			if err := sem.Acquire(ctx, 1); err != nil {
				if stashed == nil {
					stashed = err
				}
				aborted = true
				break
			}
			inFlight++
			go runOne(p)
		}

		if inFlight == 0 {
			if !aborted && stashed == nil && counters.Failed.Load() == 0 {
				// 没有失败、没有在飞，ready 却是空的而节点还剩：
				// 缺失集内部成环，属于坏数据
				stashed = errdefs.Format("cyclic references among %d paths to copy", pending)
			}
			// keepGoing 下失败节点的依赖方会搁浅在这里，按约定只记不抛
			break
		}

		// 收一个完成结果，解锁它的依赖方
		r := <-results
		inFlight--
		pending--
		if r.err != nil {
			counters.Failed.Add(1)
			logrus.Errorf("could not copy %s: %v", r.path.String(), r.err)
			if !opts.KeepGoing {
				// 首个失败中止调度；已经在飞的 worker 跑完才返回
				if stashed == nil {
					stashed = r.err
				}
				aborted = true
			}
			counters.log()
			continue
		}
		counters.Done.Add(1)
		counters.log()

		for _, parent := range rdeps[r.path] {
			delete(nodes[parent].deps, r.path)
			if len(nodes[parent].deps) == 0 {
				ready = append(ready, parent)
			}
		}
	}

	// 中止后把在飞的 worker 收干净再返回
	for inFlight > 0 {
		r := <-results
		inFlight--
		if r.err != nil {
			counters.Failed.Add(1)
			logrus.Errorf("could not copy %s: %v", r.path.String(), r.err)
		} else {
			counters.Done.Add(1)
		}
	}

	if stashed != nil {
		return nil, stashed
	}
	return pathsMap, nil
}

func (o CopyOptions) workers() int {
	if o.MaxWorkers > 0 {
		return o.MaxWorkers
	}
	return 8
}

// CopyClosure 先算闭包再整体拷贝。
func CopyClosure(ctx context.Context, src, dst Store, roots []storepath.StorePath, opts CopyOptions) (map[storepath.StorePath]storepath.StorePath, error) {
	closure, err := ComputeClosure(ctx, src, roots)
	if err != nil {
		return nil, err
	}
	return CopyPaths(ctx, src, dst, closure, opts)
}

// hashModulo 对把自身 hash part 的每次出现抹掉后的字节流做哈希，
// 再把出现位置和总长折进去。自引用路径换目录重命名后内容哈希依旧可比。
func hashModulo(data []byte, modulus string) hashing.Hash {
	h := hashing.NewHasher(hashing.SHA256)
	var matches []int
	rest := data
	off := 0
	for {
		i := bytes.Index(rest, []byte(modulus))
		if i < 0 {
			break
		}
		h.Write(rest[:i])
		matches = append(matches, off+i)
		rest = rest[i+len(modulus):]
		off += i + len(modulus)
	}
	h.Write(rest)
	for _, m := range matches {
		h.WriteString("|" + strconv.Itoa(m))
	}
	h.WriteString("|" + strconv.Itoa(len(data)))
	return h.Sum()
}
