package ingest

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildvault/pkg/cas"
	"buildvault/pkg/errdefs"
	"buildvault/pkg/hashing"
	"buildvault/pkg/storepath"
)

const testDir = storepath.Dir("/nix/store")

// buildTree 造一棵固定形状的测试树
func buildTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.txt"), []byte("bbb"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("aaa"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "run.sh"), []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.Symlink("a.txt", filepath.Join(root, "link")))
	return root
}

// -----------------------------------------------------------------------------
// 1. 规范序列化：确定性
// -----------------------------------------------------------------------------

func TestCanonicalSerializer_Deterministic(t *testing.T) {
	root := buildTree(t)

	var buf1, buf2 bytes.Buffer
	require.NoError(t, CanonicalSerializer{}.Dump(&buf1, root, nil))
	require.NoError(t, CanonicalSerializer{}.Dump(&buf2, root, nil))
	assert.Equal(t, buf1.Bytes(), buf2.Bytes(), "同一棵树必须产出同一字节流")

	// 内容变了字节流就得变
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("AAA"), 0o644))
	var buf3 bytes.Buffer
	require.NoError(t, CanonicalSerializer{}.Dump(&buf3, root, nil))
	assert.NotEqual(t, buf1.Bytes(), buf3.Bytes())
}

func TestCanonicalSerializer_FilterExcludes(t *testing.T) {
	root := buildTree(t)

	var all, filtered bytes.Buffer
	require.NoError(t, CanonicalSerializer{}.Dump(&all, root, nil))
	require.NoError(t, CanonicalSerializer{}.Dump(&filtered, root, NewGitignoreFilter([]string{"sub"})))
	assert.NotEqual(t, all.Bytes(), filtered.Bytes(), "过滤器必须影响序列化流")
}

// -----------------------------------------------------------------------------
// 2. 摄取方式
// -----------------------------------------------------------------------------

func TestHashPath_Flat(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "tarball.tgz")
	content := []byte("tarball-bytes")
	require.NoError(t, os.WriteFile(file, content, 0o644))

	h, err := HashPath(file, cas.Flat, hashing.SHA256, nil)
	require.NoError(t, err)
	assert.True(t, hashing.Sum(hashing.SHA256, content).Equal(h), "flat 就是内容的裸哈希")
}

func TestHashPath_RecursiveMatchesDump(t *testing.T) {
	root := buildTree(t)
	h, err := HashPath(root, cas.Recursive, hashing.SHA256, nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, CanonicalSerializer{}.Dump(&buf, root, nil))
	assert.True(t, hashing.Sum(hashing.SHA256, buf.Bytes()).Equal(h))
}

func TestHashPath_GitBlob(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "hello.txt")
	// git 的经典测试向量: blob "hello\n" → ce0136...
	require.NoError(t, os.WriteFile(file, []byte("hello\n"), 0o644))

	h, err := HashPath(file, cas.Git, hashing.SHA1, nil)
	require.NoError(t, err)
	assert.Equal(t, "ce013625030ba8dba906f756967f9e9ca394464a", h.Base16())
}

func TestHashPath_GitTreeOrdering(t *testing.T) {
	// git 把目录名当带尾随 '/' 排序；"sub" 目录要排在 "sub.txt" 之后
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub.txt"), []byte("f"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "x"), []byte("x"), 0o644))

	h1, err := HashPath(root, cas.Git, hashing.SHA1, nil)
	require.NoError(t, err)
	h2, err := HashPath(root, cas.Git, hashing.SHA1, nil)
	require.NoError(t, err)
	assert.True(t, h1.Equal(h2))

	// 手工拼出期望的 tree 对象："sub.txt" 在前，"sub" 目录在后
	var subBody bytes.Buffer
	subBody.WriteString("100644 x\x00")
	subBody.Write(gitBlobHash([]byte("x")).Digest)
	subHash := hashing.Sum(hashing.SHA1, append([]byte(fmt.Sprintf("tree %d\x00", subBody.Len())), subBody.Bytes()...))

	var rootBody bytes.Buffer
	rootBody.WriteString("100644 sub.txt\x00")
	rootBody.Write(gitBlobHash([]byte("f")).Digest)
	rootBody.WriteString("40000 sub\x00")
	rootBody.Write(subHash.Digest)
	want := hashing.Sum(hashing.SHA1, append([]byte(fmt.Sprintf("tree %d\x00", rootBody.Len())), rootBody.Bytes()...))
	assert.True(t, want.Equal(h1), "\"sub\" 目录必须排在 \"sub.txt\" 之后")
}

// -----------------------------------------------------------------------------
// 3. 路径计算与 store 根检查
// -----------------------------------------------------------------------------

func TestComputeStorePathForPath_PureFunction(t *testing.T) {
	root := buildTree(t)

	p1, h1, err := ComputeStorePathForPath(testDir, "tree", root, cas.Recursive, hashing.SHA256, nil)
	require.NoError(t, err)
	p2, h2, err := ComputeStorePathForPath(testDir, "tree", root, cas.Recursive, hashing.SHA256, nil)
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
	assert.True(t, h1.Equal(h2))

	// 名字参与指纹：换名字路径必变
	p3, _, err := ComputeStorePathForPath(testDir, "other-name", root, cas.Recursive, hashing.SHA256, nil)
	require.NoError(t, err)
	assert.NotEqual(t, p1, p3)
}

func TestResolveStorePath_SymlinkEscapeIsNotInStore(t *testing.T) {
	// 指向 store 外的符号链接是独立的 NotInStore 错误
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "f"), []byte("x"), 0o644))
	link := filepath.Join(t.TempDir(), "escape")
	require.NoError(t, os.Symlink(filepath.Join(outside, "f"), link))

	_, err := ResolveStorePath(storepath.Dir("/definitely/not/here"), link)
	assert.ErrorIs(t, err, errdefs.ErrNotInStore)
}
