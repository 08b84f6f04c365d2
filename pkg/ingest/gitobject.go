package ingest

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"buildvault/pkg/hashing"
)

// git 摄取：按 git 对象模型算 SHA-1。
// blob: "blob <size>\0" + 内容；tree: 按 git 的规则排序的
// "<mode> <name>\0" + 原始 20 字节哈希 序列，再套 "tree <size>\0" 头。

func gitBlobHash(data []byte) hashing.Hash {
	h := hashing.NewHasher(hashing.SHA1)
	fmt.Fprintf(h, "blob %d\x00", len(data))
	h.Write(data)
	return h.Sum()
}

type gitEntry struct {
	mode string
	name string
	hash hashing.Hash
	dir  bool
}

// gitHashPath 递归计算 git 对象哈希。
func gitHashPath(fsPath string, filter Filter) (hashing.Hash, error) {
	return gitHash(fsPath, "", filter)
}

func gitHash(fsPath, rel string, filter Filter) (hashing.Hash, error) {
	fi, err := os.Lstat(fsPath)
	if err != nil {
		return hashing.Hash{}, err
	}
	switch {
	case fi.Mode().IsRegular():
		data, err := os.ReadFile(fsPath)
		if err != nil {
			return hashing.Hash{}, err
		}
		return gitBlobHash(data), nil

	case fi.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(fsPath)
		if err != nil {
			return hashing.Hash{}, err
		}
		return gitBlobHash([]byte(target)), nil

	case fi.IsDir():
		dirents, err := os.ReadDir(fsPath)
		if err != nil {
			return hashing.Hash{}, err
		}
		var entries []gitEntry
		for _, de := range dirents {
			name := de.Name()
			childRel := name
			if rel != "" {
				childRel = rel + "/" + name
			}
			if filter != nil && filter.MatchesPath(childRel) {
				continue
			}
			childPath := filepath.Join(fsPath, name)
			cfi, err := os.Lstat(childPath)
			if err != nil {
				return hashing.Hash{}, err
			}
			h, err := gitHash(childPath, childRel, filter)
			if err != nil {
				return hashing.Hash{}, err
			}
			e := gitEntry{name: name, hash: h}
			switch {
			case cfi.IsDir():
				e.mode, e.dir = "40000", true
			case cfi.Mode()&os.ModeSymlink != 0:
				e.mode = "120000"
			case cfi.Mode()&0o111 != 0:
				e.mode = "100755"
			default:
				e.mode = "100644"
			}
			entries = append(entries, e)
		}

		// git 的排序把目录名当作带尾随 '/' 比较
		sort.Slice(entries, func(i, j int) bool {
			return gitSortKey(entries[i]) < gitSortKey(entries[j])
		})

		var body bytes.Buffer
		for _, e := range entries {
			body.WriteString(e.mode)
			body.WriteByte(' ')
			body.WriteString(e.name)
			body.WriteByte(0)
			body.Write(e.hash.Digest)
		}
		h := hashing.NewHasher(hashing.SHA1)
		fmt.Fprintf(h, "tree %d\x00", body.Len())
		h.Write(body.Bytes())
		return h.Sum(), nil
	}
	return hashing.Hash{}, fmt.Errorf("file '%s' has an unsupported type", fsPath)
}

func gitSortKey(e gitEntry) string {
	if e.dir {
		return e.name + "/"
	}
	return e.name
}
