package store

import (
	"bytes"
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildvault/pkg/cas"
	"buildvault/pkg/errdefs"
	"buildvault/pkg/hashing"
	"buildvault/pkg/storepath"
)

// -----------------------------------------------------------------------------
// 内存后端：测试缓存流水线和拷贝编排用
// -----------------------------------------------------------------------------

type memStore struct {
	*Base
	mu      sync.Mutex
	objects map[storepath.StorePath][]byte
	infos   map[storepath.StorePath]*ValidPathInfo

	uncachedCalls atomic.Int64
	failPaths     map[storepath.StorePath]error // 注入查询故障
	failNar       map[storepath.StorePath]error // 注入序列化流故障
}

func newMemStore(t *testing.T, uri string, dir storepath.Dir) *memStore {
	t.Helper()
	cfg := &Config{
		StoreDir:    dir,
		CacheSize:   128,
		PositiveTTL: time.Hour,
		NegativeTTL: time.Hour,
		MaxWorkers:  4,
	}
	s := &memStore{
		objects:   make(map[storepath.StorePath][]byte),
		infos:     make(map[storepath.StorePath]*ValidPathInfo),
		failPaths: make(map[storepath.StorePath]error),
		failNar:   make(map[storepath.StorePath]error),
	}
	s.Base = NewBase(dir, uri, 0, cfg, s)
	return s
}

func (s *memStore) QueryPathInfoUncached(_ context.Context, p storepath.StorePath) (*ValidPathInfo, error) {
	s.uncachedCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.failPaths[p]; ok {
		return nil, err
	}
	info, ok := s.infos[p]
	if !ok {
		return nil, errdefs.InvalidPath(s.Dir().Path(p))
	}
	return info, nil
}

func (s *memStore) AddToStore(ctx context.Context, info *ValidPathInfo, nar io.Reader, repair, checkSigs bool) error {
	data, err := io.ReadAll(nar)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.objects[info.Path] = data
	s.infos[info.Path] = info
	s.mu.Unlock()
	s.PrimeCache(ctx, info)
	return nil
}

func (s *memStore) NarFromPath(_ context.Context, p storepath.StorePath, sink io.Writer) error {
	s.mu.Lock()
	if err, failed := s.failNar[p]; failed {
		s.mu.Unlock()
		return err
	}
	data, ok := s.objects[p]
	s.mu.Unlock()
	if !ok {
		return errdefs.InvalidPath(s.Dir().Path(p))
	}
	_, err := sink.Write(data)
	return err
}

// seed 直接塞一条内容寻址路径进后端 (不经过缓存)。
func (s *memStore) seed(t *testing.T, name string, content []byte, refs ...storepath.StorePath) storepath.StorePath {
	t.Helper()
	h := hashing.Sum(hashing.SHA256, content)
	method := cas.Recursive
	var p storepath.StorePath
	var err error
	if len(refs) == 0 {
		p, err = cas.MakeFixedOutputPath(s.Dir(), name, cas.FixedOutputInfo{Method: method, Hash: h})
	} else {
		p, err = cas.MakeFixedOutputPath(s.Dir(), name, cas.FixedOutputInfo{
			Method: method, Hash: h, References: cas.NewPathReferences(refs...),
		})
	}
	require.NoError(t, err)

	info := &ValidPathInfo{
		Path:       p,
		NarHash:    hashing.Sum(hashing.SHA256, content),
		NarSize:    uint64(len(content)),
		References: storepath.SortSet(append([]storepath.StorePath(nil), refs...)),
		CA:         cas.Fixed{Method: method, Hash: h},
	}
	s.mu.Lock()
	s.objects[p] = content
	s.infos[p] = info
	s.mu.Unlock()
	return p
}

const memDir = storepath.Dir("/nix/store")

// -----------------------------------------------------------------------------
// 1. 缓存流水线
// -----------------------------------------------------------------------------

func TestQueryPathInfo_CachesPositive(t *testing.T) {
	s := newMemStore(t, "mem://a", memDir)
	ctx := context.Background()
	p := s.seed(t, "pkg", []byte("content"))

	info1, err := s.QueryPathInfo(ctx, PathKey(p))
	require.NoError(t, err)
	info2, err := s.QueryPathInfo(ctx, PathKey(p))
	require.NoError(t, err)

	assert.Equal(t, info1, info2)
	assert.Equal(t, int64(1), s.uncachedCalls.Load(), "第二次必须由热缓存应答")
	assert.Equal(t, uint64(1), s.Stats().NarInfoReadAverted.Load())
}

func TestQueryPathInfo_NegativeCacheAndPromotion(t *testing.T) {
	s := newMemStore(t, "mem://a", memDir)
	ctx := context.Background()

	// 不存在的路径：两次查询只打一次后端 (负缓存)
	h := hashing.Sum(hashing.SHA256, []byte("ghost"))
	p, err := cas.MakeFixedOutputPath(memDir, "ghost", cas.FixedOutputInfo{Method: cas.Recursive, Hash: h})
	require.NoError(t, err)

	_, err = s.QueryPathInfo(ctx, PathKey(p))
	assert.ErrorIs(t, err, errdefs.ErrInvalidPath)
	_, err = s.QueryPathInfo(ctx, PathKey(p))
	assert.ErrorIs(t, err, errdefs.ErrInvalidPath)
	assert.Equal(t, int64(1), s.uncachedCalls.Load())

	// 显式写入才能把"不存在"升格为存在
	info := &ValidPathInfo{
		Path:    p,
		NarHash: hashing.Sum(hashing.SHA256, []byte("ghost")),
		NarSize: 5,
		CA:      cas.Fixed{Method: cas.Recursive, Hash: h},
	}
	require.NoError(t, s.AddToStore(ctx, info, bytes.NewReader([]byte("ghost")), false, false))

	got, err := s.QueryPathInfo(ctx, PathKey(p))
	require.NoError(t, err)
	assert.Equal(t, p, got.Path)
}

func TestQueryPathInfo_CAKeyIsBaked(t *testing.T) {
	s := newMemStore(t, "mem://a", memDir)
	ctx := context.Background()
	content := []byte("baked")
	p := s.seed(t, "baked", content)

	h := hashing.Sum(hashing.SHA256, content)
	info, err := s.QueryPathInfo(ctx, CAKey(cas.WithReferences{
		Name: "baked",
		Info: cas.FixedOutputInfo{Method: cas.Recursive, Hash: h},
	}))
	require.NoError(t, err)
	assert.Equal(t, p, info.Path, "内容地址键先烘焙成路径再查询")
}

func TestIsValidPath(t *testing.T) {
	s := newMemStore(t, "mem://a", memDir)
	ctx := context.Background()
	p := s.seed(t, "pkg", []byte("x"))

	ok, err := s.IsValidPath(ctx, PathKey(p))
	require.NoError(t, err)
	assert.True(t, ok)

	h := hashing.Sum(hashing.SHA256, []byte("missing"))
	ghost, err := cas.MakeFixedOutputPath(memDir, "missing", cas.FixedOutputInfo{Method: cas.Recursive, Hash: h})
	require.NoError(t, err)
	ok, err = s.IsValidPath(ctx, PathKey(ghost))
	require.NoError(t, err)
	assert.False(t, ok, "InvalidPath 不向上传播，只翻译成 false")
}

// -----------------------------------------------------------------------------
// 2. 并行有效性查询
// -----------------------------------------------------------------------------

func TestQueryValidPaths_SwallowsInvalidOnly(t *testing.T) {
	s := newMemStore(t, "mem://a", memDir)
	ctx := context.Background()

	a := s.seed(t, "a", []byte("a"))
	b := s.seed(t, "b", []byte("b"))
	h := hashing.Sum(hashing.SHA256, []byte("ghost"))
	ghost, err := cas.MakeFixedOutputPath(memDir, "ghost", cas.FixedOutputInfo{Method: cas.Recursive, Hash: h})
	require.NoError(t, err)

	valid, err := s.QueryValidPaths(ctx, []storepath.StorePath{a, ghost, b}, false)
	require.NoError(t, err)
	assert.Equal(t, storepath.SortSet([]storepath.StorePath{a, b}), valid)
}

func TestQueryValidPaths_ReRaisesOtherErrors(t *testing.T) {
	s := newMemStore(t, "mem://a", memDir)
	ctx := context.Background()

	a := s.seed(t, "a", []byte("a"))
	bad := s.seed(t, "bad", []byte("bad"))
	s.failPaths[bad] = errdefs.Format("backend exploded")

	_, err := s.QueryValidPaths(ctx, []storepath.StorePath{a, bad}, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrFormat)
}

// -----------------------------------------------------------------------------
// 3. LRU TTL
// -----------------------------------------------------------------------------

func TestPathInfoCache_TTLExpiry(t *testing.T) {
	c := NewPathInfoCache(16, 50*time.Millisecond, 10*time.Millisecond)

	c.Upsert("hp1", &ValidPathInfo{})
	c.Upsert("hp2", nil)

	_, known := c.Get("hp1")
	assert.True(t, known)
	_, known = c.Get("hp2")
	assert.True(t, known)

	time.Sleep(20 * time.Millisecond)
	// 负缓存先过期
	_, known = c.Get("hp2")
	assert.False(t, known, "过期条目绝不返回")
	_, known = c.Get("hp1")
	assert.True(t, known)

	time.Sleep(40 * time.Millisecond)
	_, known = c.Get("hp1")
	assert.False(t, known)
}

// -----------------------------------------------------------------------------
// 4. 指纹与签名
// -----------------------------------------------------------------------------

func TestFingerprint_Shape(t *testing.T) {
	s := newMemStore(t, "mem://a", memDir)
	refA := s.seed(t, "x", []byte("x"))
	refB := s.seed(t, "y", []byte("y"))
	p := s.seed(t, "foo", []byte("foo"), refA, refB)

	info := s.infos[p]
	fp, err := info.Fingerprint(memDir)
	require.NoError(t, err)

	expected := "1;" + memDir.Path(p) + ";" +
		info.NarHash.Base32WithAlgo() + ";3;" +
		memDir.PathSet([]storepath.StorePath{refA, refB})[0] + "," +
		memDir.PathSet([]storepath.StorePath{refA, refB})[1]
	assert.Equal(t, expected, fp)
}

func TestFingerprint_RequiresHashAndSize(t *testing.T) {
	info := &ValidPathInfo{}
	_, err := info.Fingerprint(memDir)
	assert.Error(t, err)
}
