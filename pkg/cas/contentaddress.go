// Package cas 实现内容寻址的变体系统和路径代数。
//
// ContentAddress 是一个封闭的和类型 (sum type)：text-hash、fixed-output
// (带摄取方式) 和 peer-network 三种变体。历史上积累出的几种前缀约定都在
// 这里，必须逐位复现，否则已有路径全部失效。
package cas

import (
	"strings"

	"buildvault/pkg/errdefs"
	"buildvault/pkg/hashing"
)

// Method 表示原始字节如何折叠成单个摘要。
type Method uint8

const (
	// Flat 直接对文件内容哈希
	Flat Method = iota
	// Recursive 对规范树序列化哈希
	Recursive
	// Git 按 git tree object 算法哈希 (SHA-1)
	Git
)

// Prefix 返回摄取方式在文本形式里的前缀。
func (m Method) Prefix() string {
	switch m {
	case Flat:
		return ""
	case Recursive:
		return "r:"
	case Git:
		return "git:"
	}
	panic("unreachable ingestion method")
}

func (m Method) String() string {
	switch m {
	case Flat:
		return "flat"
	case Recursive:
		return "recursive"
	case Git:
		return "git"
	}
	panic("unreachable ingestion method")
}

// ParseMethod 解析 "flat" / "recursive" / "git"。CLI 参数用。
func ParseMethod(s string) (Method, error) {
	switch s {
	case "flat":
		return Flat, nil
	case "recursive":
		return Recursive, nil
	case "git":
		return Git, nil
	}
	return 0, errdefs.Format("unknown ingestion method '%s'", s)
}

// ContentAddress 是迷你内容地址 (注册表 ca 列持久化的就是它)。
// 封闭集合：只有下面三个变体，消费方用类型开关穷尽匹配。
type ContentAddress interface {
	isContentAddress()
	// Render 生成稳定文本形式，见 Parse。
	Render() string
}

// Text 文本注册的内容地址。哈希必须是 SHA256。
type Text struct {
	Hash hashing.Hash
}

// Fixed 固定输出的内容地址：摄取方式 + 任意算法的哈希。
type Fixed struct {
	Method Method
	Hash   hashing.Hash
}

// Peer 对等网络里按内容寻址的对象。哈希必须是 SHA256。
type Peer struct {
	Hash hashing.Hash
}

func (Text) isContentAddress()  {}
func (Fixed) isContentAddress() {}
func (Peer) isContentAddress()  {}

func (c Text) Render() string {
	return "text:" + c.Hash.String()
}

func (c Fixed) Render() string {
	return "fixed:" + c.Method.Prefix() + c.Hash.String()
}

func (c Peer) Render() string {
	return "ipfs:" + CIDString(c.Hash)
}

// Render 渲染可选内容地址；nil 渲染为空串。
func Render(ca ContentAddress) string {
	if ca == nil {
		return ""
	}
	return ca.Render()
}

// Parse 严格按前缀解析内容地址文本形式。
// 未知前缀是独立的格式错误；空串解析为 nil (缺席)。
func Parse(raw string) (ContentAddress, error) {
	if raw == "" {
		return nil, nil
	}
	prefix, rest, ok := strings.Cut(raw, ":")
	if !ok {
		return nil, errdefs.Format("content address '%s' lacks a prefix", raw)
	}
	switch prefix {
	case "text":
		h, err := hashing.ParseAny(rest, "")
		if err != nil {
			return nil, err
		}
		if h.Algo != hashing.SHA256 {
			return nil, errdefs.Format("text content address hash should have type sha256, got '%s'", h.Algo)
		}
		return Text{Hash: h}, nil

	case "fixed":
		method := Flat
		if r, found := strings.CutPrefix(rest, "r:"); found {
			method, rest = Recursive, r
		} else if g, found := strings.CutPrefix(rest, "git:"); found {
			method, rest = Git, g
		}
		h, err := hashing.ParseAny(rest, "")
		if err != nil {
			return nil, err
		}
		return Fixed{Method: method, Hash: h}, nil

	case "ipfs":
		h, err := ParseCIDString(rest)
		if err != nil {
			return nil, err
		}
		return Peer{Hash: h}, nil
	}
	return nil, errdefs.Format("content address prefix '%s' not recognized", prefix)
}
