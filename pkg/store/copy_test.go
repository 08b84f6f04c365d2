package store

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildvault/pkg/errdefs"
	"buildvault/pkg/storepath"
)

// -----------------------------------------------------------------------------
// 1. 闭包计算
// -----------------------------------------------------------------------------

func TestComputeClosure(t *testing.T) {
	s := newMemStore(t, "mem://src", memDir)
	ctx := context.Background()

	leaf := s.seed(t, "leaf", []byte("leaf"))
	mid := s.seed(t, "mid", []byte("mid"), leaf)
	root := s.seed(t, "root", []byte("root"), mid)

	closure, err := ComputeClosure(ctx, s, []storepath.StorePath{root})
	require.NoError(t, err)
	assert.Equal(t, storepath.SortSet([]storepath.StorePath{leaf, mid, root}), closure)

	// 闭包是自反的：叶子自己的闭包就是它自己
	closure, err = ComputeClosure(ctx, s, []storepath.StorePath{leaf})
	require.NoError(t, err)
	assert.Equal(t, []storepath.StorePath{leaf}, closure)
}

// -----------------------------------------------------------------------------
// 2. 闭包拷贝
// -----------------------------------------------------------------------------

func TestCopyPaths_DependencyOrderAndFidelity(t *testing.T) {
	src := newMemStore(t, "mem://src", memDir)
	dst := newMemStore(t, "mem://dst", memDir)
	ctx := context.Background()

	leaf := src.seed(t, "leaf", []byte("leaf-bytes"))
	mid := src.seed(t, "mid", []byte("mid-bytes"), leaf)
	root := src.seed(t, "root", []byte("root-bytes"), mid, leaf)
	roots := []storepath.StorePath{leaf, mid, root}

	mapping, err := CopyPaths(ctx, src, dst, roots, CopyOptions{MaxWorkers: 2})
	require.NoError(t, err)

	// 目的端全部有效
	valid, err := dst.QueryValidPaths(ctx, roots, false)
	require.NoError(t, err)
	assert.Equal(t, storepath.SortSet(append([]storepath.StorePath(nil), roots...)), valid)

	// narHash 逐条一致
	for _, p := range roots {
		dstPath := mapping[p]
		srcInfo, err := src.QueryPathInfo(ctx, PathKey(p))
		require.NoError(t, err)
		dstInfo, err := dst.QueryPathInfo(ctx, PathKey(dstPath))
		require.NoError(t, err)
		assert.True(t, srcInfo.NarHash.Equal(dstInfo.NarHash), "path %s", p)
	}

	// 字节序原样保持
	var buf bytes.Buffer
	require.NoError(t, dst.NarFromPath(ctx, mapping[root], &buf))
	assert.Equal(t, []byte("root-bytes"), buf.Bytes())
}

func TestCopyPaths_WideFanoutExceedsWorkerCap(t *testing.T) {
	// 同时就绪的兄弟节点远多于 worker 上限：调度器必须分批派发而不是卡死
	src := newMemStore(t, "mem://src", memDir)
	dst := newMemStore(t, "mem://dst", memDir)
	ctx := context.Background()

	var leaves []storepath.StorePath
	for i := 0; i < 12; i++ {
		leaves = append(leaves, src.seed(t, fmt.Sprintf("leaf-%d", i), []byte(fmt.Sprintf("leaf-bytes-%d", i))))
	}
	root := src.seed(t, "root", []byte("root-bytes"), leaves...)
	roots := append(append([]storepath.StorePath(nil), leaves...), root)

	mapping, err := CopyPaths(ctx, src, dst, roots, CopyOptions{MaxWorkers: 2})
	require.NoError(t, err)
	require.Len(t, mapping, len(roots))

	valid, err := dst.QueryValidPaths(ctx, roots, false)
	require.NoError(t, err)
	assert.Equal(t, storepath.SortSet(append([]storepath.StorePath(nil), roots...)), valid)
}

func TestCopyPaths_FirstFailureAborts(t *testing.T) {
	src := newMemStore(t, "mem://src", memDir)
	dst := newMemStore(t, "mem://dst", memDir)
	ctx := context.Background()

	bad := src.seed(t, "bad", []byte("bad"))
	root := src.seed(t, "root", []byte("root"), bad)
	// 元数据完好，但序列化流在拷贝阶段断掉
	src.failNar[bad] = errdefs.Format("source stream exploded")

	_, err := CopyPaths(ctx, src, dst, []storepath.StorePath{bad, root}, CopyOptions{MaxWorkers: 2})
	// keepGoing 关着：首个失败让整个操作失败；依赖它的 root 不再派发
	require.Error(t, err)

	ok, err := dst.IsValidPath(ctx, PathKey(root))
	require.NoError(t, err)
	assert.False(t, ok, "依赖失败节点的路径绝不能出现在目的端")
}

func TestCopyPaths_AlreadyPresentIsNoop(t *testing.T) {
	src := newMemStore(t, "mem://src", memDir)
	dst := newMemStore(t, "mem://dst", memDir)
	ctx := context.Background()

	p := src.seed(t, "pkg", []byte("pkg"))
	dst.seed(t, "pkg", []byte("pkg"))

	before := dst.infos[p]
	mapping, err := CopyPaths(ctx, src, dst, []storepath.StorePath{p}, CopyOptions{})
	require.NoError(t, err)
	assert.Equal(t, p, mapping[p])
	// 已在场时不产生写入：目的端记录仍是原来那一条
	assert.Same(t, before, dst.infos[p])

	var buf bytes.Buffer
	require.NoError(t, dst.NarFromPath(ctx, p, &buf))
	assert.Equal(t, []byte("pkg"), buf.Bytes())
}

func TestCopyPaths_RebasesCAPathsAcrossStoreDirs(t *testing.T) {
	src := newMemStore(t, "mem://src", memDir)
	dst := newMemStore(t, "mem://dst", storepath.Dir("/other/store"))
	ctx := context.Background()

	p := src.seed(t, "rebased", []byte("rebased-bytes"))

	mapping, err := CopyPaths(ctx, src, dst, []storepath.StorePath{p}, CopyOptions{})
	require.NoError(t, err)

	dstPath := mapping[p]
	assert.NotEqual(t, p, dstPath, "不同 store 目录下内容寻址路径必须重算")
	assert.Equal(t, p.Name(), dstPath.Name())

	dstInfo, err := dst.QueryPathInfo(ctx, PathKey(dstPath))
	require.NoError(t, err)
	srcInfo, err := src.QueryPathInfo(ctx, PathKey(p))
	require.NoError(t, err)
	assert.True(t, srcInfo.NarHash.Equal(dstInfo.NarHash))
	assert.True(t, dstInfo.IsContentAddressed(dst.Dir()), "重算后的路径必须仍然自验证")
}

func TestCopyClosure_PullsDependencies(t *testing.T) {
	src := newMemStore(t, "mem://src", memDir)
	dst := newMemStore(t, "mem://dst", memDir)
	ctx := context.Background()

	leaf := src.seed(t, "leaf", []byte("l"))
	root := src.seed(t, "root", []byte("r"), leaf)

	// 只给根，闭包拷贝要把叶子一起带过去
	_, err := CopyClosure(ctx, src, dst, []storepath.StorePath{root}, CopyOptions{})
	require.NoError(t, err)

	ok, err := dst.IsValidPath(ctx, PathKey(leaf))
	require.NoError(t, err)
	assert.True(t, ok)
}

// -----------------------------------------------------------------------------
// 3. modulo 自引用哈希
// -----------------------------------------------------------------------------

func TestHashModulo_SelfOccurrencesDoNotMatter(t *testing.T) {
	hp1 := "0000000000000000000000000000000a"
	hp2 := "0000000000000000000000000000000b"

	// 同一份内容，只是自身 hash part 不同 → modulo 哈希一致
	data1 := []byte("prefix-" + hp1 + "-suffix-" + hp1)
	data2 := []byte("prefix-" + hp2 + "-suffix-" + hp2)
	h1 := hashModulo(data1, hp1)
	h2 := hashModulo(data2, hp2)
	assert.True(t, h1.Equal(h2))

	// 出现位置不同 → 哈希不同
	data3 := []byte("prefix--" + hp2 + "suffix-" + hp2)
	h3 := hashModulo(data3, hp2)
	assert.False(t, h1.Equal(h3))

	// 没有出现时退化为普通哈希加长度后缀的形状，仍然确定
	h4 := hashModulo([]byte("plain"), hp1)
	h5 := hashModulo([]byte("plain"), hp1)
	assert.True(t, h4.Equal(h5))
}
