// Package storepath 定义 store 路径这个值对象及其解析/打印。
// 一个 store 路径 = 20 字节摘要的 32 字符 base32 + 人类可读的名字。
// hash part 单独就是注册表的唯一键；名字只是给人看的元数据。
package storepath

import (
	"sort"
	"strings"

	"buildvault/pkg/errdefs"
	"buildvault/pkg/hashing"
)

const (
	// HashPartLen 是 hash part 的字符数 (20 字节 base32)
	HashPartLen = 32
	// RawDigestLen 是折叠后摘要的字节数
	RawDigestLen = 20
	// MaxPathLen 是加上 store 目录前缀后的路径总长上限 (字节)
	MaxPathLen = 211
	// DrvExtension 是 derivation 文件的扩展名
	DrvExtension = ".drv"
)

// StorePath 是不可变值对象。两个路径相等当且仅当两个分量逐字节相等。
type StorePath struct {
	hashPart string
	name     string
}

// New 校验分量并构造 StorePath。
func New(hashPart, name string) (StorePath, error) {
	if len(hashPart) != HashPartLen || !hashing.IsBase32(hashPart) {
		return StorePath{}, errdefs.Format("invalid store path hash part '%s'", hashPart)
	}
	if err := validateName(name); err != nil {
		return StorePath{}, err
	}
	return StorePath{hashPart: hashPart, name: name}, nil
}

// FromDigest 从 20 字节摘要构造。
func FromDigest(digest []byte, name string) (StorePath, error) {
	if len(digest) != RawDigestLen {
		return StorePath{}, errdefs.Format("store path digest must be %d bytes, got %d", RawDigestLen, len(digest))
	}
	return New(hashing.EncodeBase32(digest), name)
}

// validateName 检查名字落在允许字符集内。
// 允许集: [A-Za-z0-9+\-_?=.]，非空。
func validateName(name string) error {
	if name == "" {
		return errdefs.Format("store path name is empty")
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '+', c == '-', c == '_', c == '?', c == '=', c == '.':
		default:
			return errdefs.Format("store path name '%s' contains illegal character '%c'", name, c)
		}
	}
	return nil
}

// HashPart 返回 32 字符的 base32 hash part (注册表主键)。
func (p StorePath) HashPart() string { return p.hashPart }

// Name 返回人类可读的名字。
func (p StorePath) Name() string { return p.name }

// IsZero 报告这是不是零值。
func (p StorePath) IsZero() bool { return p.hashPart == "" }

// IsDerivation 按扩展名判断是否指向一个 derivation 文件。
func (p StorePath) IsDerivation() bool {
	return strings.HasSuffix(p.name, DrvExtension)
}

// String 返回不带目录前缀的基本形式 "<hashPart>-<name>"。
// 同一 store 目录下按它排序等价于按完整路径排序。
func (p StorePath) String() string {
	return p.hashPart + "-" + p.name
}

// Less 给排序用。
func (p StorePath) Less(other StorePath) bool {
	return p.String() < other.String()
}

// Dir 是 store 目录 (例如 "/bv/store")。路径的打印和解析都挂在它上面，
// 因为同一个 StorePath 在不同目录下渲染出不同的完整路径。
type Dir string

// Path 把 StorePath 渲染为完整文件系统路径。
func (d Dir) Path(p StorePath) string {
	return string(d) + "/" + p.String()
}

// PathSet 批量渲染并按字典序排序，类型串和指纹都要用。
func (d Dir) PathSet(paths []StorePath) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, d.Path(p))
	}
	sort.Strings(out)
	return out
}

// Parse 是 Path 的逆：剥掉目录前缀，按第一个 '-' 切开。
// 只校验形状，不校验路径是否真的注册过。
func (d Dir) Parse(s string) (StorePath, error) {
	prefix := string(d) + "/"
	if !strings.HasPrefix(s, prefix) {
		return StorePath{}, errdefs.Format("path '%s' is not in store directory '%s'", s, d)
	}
	return ParseBase(s[len(prefix):])
}

// ParseBase 解析不带目录前缀的 "<hashPart>-<name>" 形式。
func ParseBase(base string) (StorePath, error) {
	if len(base) < HashPartLen+1 || base[HashPartLen] != '-' {
		return StorePath{}, errdefs.Format("store path base name '%s' is malformed", base)
	}
	return New(base[:HashPartLen], base[HashPartLen+1:])
}

// CheckLen 校验完整路径长度上限。路径合成时调用。
func (d Dir) CheckLen(p StorePath) error {
	if full := d.Path(p); len(full) > MaxPathLen {
		return errdefs.Format("store path '%s' exceeds %d bytes", full, MaxPathLen)
	}
	return nil
}

// SortSet 就地排序并去重一组路径。
func SortSet(paths []StorePath) []StorePath {
	sort.Slice(paths, func(i, j int) bool { return paths[i].Less(paths[j]) })
	out := paths[:0]
	var prev StorePath
	for i, p := range paths {
		if i == 0 || p != prev {
			out = append(out, p)
		}
		prev = p
	}
	return out
}
