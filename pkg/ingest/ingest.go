// Package ingest 把文件系统树折叠成内容地址并摄入 store。
// 序列化格式是确定性的规范 dump：同一棵树永远产出同一字节流。
package ingest

import (
	"context"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"

	"buildvault/pkg/cas"
	"buildvault/pkg/errdefs"
	"buildvault/pkg/hashing"
	"buildvault/pkg/store"
	"buildvault/pkg/storepath"
)

// Filter 决定一个相对路径要不要进序列化流。nil 等于全收。
type Filter interface {
	MatchesPath(path string) bool // true = 排除
}

// NewGitignoreFilter 按 gitignore 语法的行构造过滤器。
func NewGitignoreFilter(lines []string) Filter {
	return ignore.CompileIgnoreLines(lines...)
}

// LoadIgnoreFile 从 .bvignore 之类的文件读排除规则，文件缺席返回 nil。
func LoadIgnoreFile(path string) (Filter, error) {
	f, err := ignore.CompileIgnoreFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Serializer 把文件系统树变成规范字节流。NAR 等外部格式经这个接口接入。
type Serializer interface {
	Dump(w io.Writer, fsPath string, filter Filter) error
}

// CanonicalSerializer 是内建实现：
// 目录项排序、类型标签、长度前缀，全部确定性。
type CanonicalSerializer struct{}

func writeToken(w io.Writer, data []byte) error {
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func writeString(w io.Writer, s string) error {
	return writeToken(w, []byte(s))
}

// Dump 序列化整棵树。
func (CanonicalSerializer) Dump(w io.Writer, fsPath string, filter Filter) error {
	return dump(w, fsPath, "", filter)
}

func dump(w io.Writer, fsPath, rel string, filter Filter) error {
	fi, err := os.Lstat(fsPath)
	if err != nil {
		return err
	}
	switch {
	case fi.Mode().IsRegular():
		if err := writeString(w, "regular"); err != nil {
			return err
		}
		exec := "no"
		if fi.Mode()&0o111 != 0 {
			exec = "yes"
		}
		if err := writeString(w, exec); err != nil {
			return err
		}
		data, err := os.ReadFile(fsPath)
		if err != nil {
			return err
		}
		return writeToken(w, data)

	case fi.Mode()&os.ModeSymlink != 0:
		if err := writeString(w, "symlink"); err != nil {
			return err
		}
		target, err := os.Readlink(fsPath)
		if err != nil {
			return err
		}
		return writeString(w, target)

	case fi.IsDir():
		if err := writeString(w, "directory"); err != nil {
			return err
		}
		entries, err := os.ReadDir(fsPath)
		if err != nil {
			return err
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		sort.Strings(names)
		for _, name := range names {
			childRel := name
			if rel != "" {
				childRel = rel + "/" + name
			}
			if filter != nil && filter.MatchesPath(childRel) {
				continue
			}
			if err := writeString(w, "entry"); err != nil {
				return err
			}
			if err := writeString(w, name); err != nil {
				return err
			}
			if err := dump(w, filepath.Join(fsPath, name), childRel, filter); err != nil {
				return err
			}
		}
		return writeString(w, "end")
	}
	return errdefs.Format("file '%s' has an unsupported type", fsPath)
}

// HashPath 按摄取方式把 fsPath 折叠成单个摘要。
func HashPath(fsPath string, method cas.Method, algo hashing.Algorithm, filter Filter) (hashing.Hash, error) {
	switch method {
	case cas.Flat:
		data, err := os.ReadFile(fsPath)
		if err != nil {
			return hashing.Hash{}, err
		}
		return hashing.Sum(algo, data), nil

	case cas.Recursive:
		h := hashing.NewHasher(algo)
		if err := (CanonicalSerializer{}).Dump(h, fsPath, filter); err != nil {
			return hashing.Hash{}, err
		}
		return h.Sum(), nil

	case cas.Git:
		return gitHashPath(fsPath, filter)
	}
	return hashing.Hash{}, errdefs.Format("unknown ingestion method")
}

// ComputeStorePathForPath 只算路径不落盘 (只读预演)。
func ComputeStorePathForPath(dir storepath.Dir, name, fsPath string, method cas.Method, algo hashing.Algorithm, filter Filter) (storepath.StorePath, hashing.Hash, error) {
	h, err := HashPath(fsPath, method, algo, filter)
	if err != nil {
		return storepath.StorePath{}, hashing.Hash{}, err
	}
	p, err := cas.MakeFixedOutputPath(dir, name, cas.FixedOutputInfo{Method: method, Hash: h})
	if err != nil {
		return storepath.StorePath{}, hashing.Hash{}, err
	}
	return p, h, nil
}

// AddPathToStore 摄入一棵树：算内容地址、合成路径、注册。
// 返回注册后的记录。
func AddPathToStore(ctx context.Context, s store.Store, name, fsPath string, method cas.Method, algo hashing.Algorithm, filter Filter) (*store.ValidPathInfo, error) {
	h, err := HashPath(fsPath, method, algo, filter)
	if err != nil {
		return nil, err
	}
	p, err := cas.MakeFixedOutputPath(s.Dir(), name, cas.FixedOutputInfo{Method: method, Hash: h})
	if err != nil {
		return nil, err
	}

	// 规范序列化流及其哈希 (注册表要 narHash，不管摄取方式是什么)
	var dumpBuf strings.Builder
	narHasher := hashing.NewHasher(hashing.SHA256)
	if err := (CanonicalSerializer{}).Dump(io.MultiWriter(&dumpBuf, narHasher), fsPath, filter); err != nil {
		return nil, err
	}

	info := &store.ValidPathInfo{
		Path:     p,
		NarHash:  narHasher.Sum(),
		NarSize:  uint64(dumpBuf.Len()),
		Ultimate: true,
		CA:       cas.Fixed{Method: method, Hash: h},
	}
	if err := s.AddToStore(ctx, info, strings.NewReader(dumpBuf.String()), false, false); err != nil {
		return nil, err
	}
	return info, nil
}

// AddTextToStore 摄入一段文本 (derivation 写入走这里)。
func AddTextToStore(ctx context.Context, s store.Store, name string, content []byte, refs []storepath.StorePath) (*store.ValidPathInfo, error) {
	h := hashing.Sum(hashing.SHA256, content)
	p, err := cas.MakeTextPath(s.Dir(), name, cas.TextInfo{Hash: h, References: refs})
	if err != nil {
		return nil, err
	}
	info := &store.ValidPathInfo{
		Path:       p,
		NarHash:    hashing.Sum(hashing.SHA256, content),
		NarSize:    uint64(len(content)),
		References: storepath.SortSet(append([]storepath.StorePath(nil), refs...)),
		Ultimate:   true,
		CA:         cas.Text{Hash: h},
	}
	if err := s.AddToStore(ctx, info, strings.NewReader(string(content)), false, false); err != nil {
		return nil, err
	}
	return info, nil
}

// ResolveStorePath 把文件系统路径解析回 store 路径。
// 符号链接逃出 store 根目录是 NotInStore，独立的错误类别。
func ResolveStorePath(dir storepath.Dir, fsPath string) (storepath.StorePath, error) {
	resolved, err := filepath.EvalSymlinks(fsPath)
	if err != nil {
		return storepath.StorePath{}, err
	}
	if !strings.HasPrefix(resolved, string(dir)+"/") {
		return storepath.StorePath{}, errdefs.NotInStore(fsPath)
	}
	// 只取 store 目录下第一层
	base := resolved[len(dir)+1:]
	if i := strings.IndexByte(base, '/'); i >= 0 {
		base = base[:i]
	}
	return storepath.ParseBase(base)
}
