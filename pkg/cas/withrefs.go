package cas

import (
	"buildvault/pkg/errdefs"
	"buildvault/pkg/hashing"
	"buildvault/pkg/storepath"
)

// PeerRef 是对等网络里的一条引用：(名字, peer 哈希)。
type PeerRef struct {
	Name string
	Hash hashing.Hash
}

// String 给排序和去重用。名字在前，保证引用数组按名字有序。
func (r PeerRef) String() string {
	return r.Name + ":" + r.Hash.Base16()
}

// Info 是"带引用"的内容地址信息，注册时用的富变体。封闭集合。
type Info interface {
	isCAInfo()
}

// TextInfo 文本注册信息。不变量：禁止自引用，所以这里只有普通集合。
type TextInfo struct {
	Hash       hashing.Hash
	References []storepath.StorePath
}

// FixedOutputInfo 固定输出注册信息。
type FixedOutputInfo struct {
	Method     Method
	Hash       hashing.Hash
	References PathReferences[storepath.StorePath]
}

// PeerInfo 对等网络注册信息。引用是 PeerRef 而不是 StorePath，
// 因为同一对象在不同 store 目录下渲染出不同路径。
type PeerInfo struct {
	Hash       hashing.Hash
	References PathReferences[PeerRef]
}

// PeerRawHash 已经算好的 peer 哈希，不再携带引用。
type PeerRawHash struct {
	Hash hashing.Hash
}

func (TextInfo) isCAInfo()        {}
func (FixedOutputInfo) isCAInfo() {}
func (PeerInfo) isCAInfo()        {}
func (PeerRawHash) isCAInfo()     {}

// WithReferences 是完整内容地址：名字 + 带引用的信息变体。
// 它携带了重建路径需要的一切，是注册和跨 store 重定位的输入。
type WithReferences struct {
	Name string
	Info Info
}

// Mini 把富变体降级为注册表持久化用的迷你变体。
func (ca WithReferences) Mini() (ContentAddress, error) {
	switch info := ca.Info.(type) {
	case TextInfo:
		return Text{Hash: info.Hash}, nil
	case FixedOutputInfo:
		return Fixed{Method: info.Method, Hash: info.Hash}, nil
	case PeerInfo:
		h, err := ComputePeerHash(ca.Name, info)
		if err != nil {
			return nil, err
		}
		return Peer{Hash: h}, nil
	case PeerRawHash:
		return Peer{Hash: info.Hash}, nil
	}
	return nil, errdefs.Format("unknown content address variant")
}
