package cas

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
	mh "github.com/multiformats/go-multihash"

	"buildvault/pkg/errdefs"
	"buildvault/pkg/hashing"
)

// 对等网络的可验证性完全建立在这一个不动点上：
// 带引用的 peer 对象经规范 CBOR 序列化后做 SHA-256，得到的就是 Peer 哈希。
// 所以编码选项必须钉死，任何一项变化都会改变所有 peer 路径。
var peerEncOptions = cbor.EncOptions{
	// Map Key 强制规范排序，保证相同对象生成唯一字节流
	Sort: cbor.SortCanonical,

	// 禁止不定长编码：数组和 Map 必须在头部声明长度
	IndefLength: cbor.IndefLengthForbidden,

	// 浮点和时间在这条路径上不出现，但显式钉死是好习惯
	ShortestFloat: cbor.ShortestFloatNone,
	Time:          cbor.TimeUnix,
	TimeTag:       cbor.EncTagNone,
}

var peerEncMode, _ = peerEncOptions.EncMode()

var peerDecOptions = cbor.DecOptions{
	// 防 DoS：限制容器元素数量和嵌套深度
	MaxArrayElements: 10000,
	MaxMapPairs:      10000,
	MaxNestedLevels:  100,

	IndefLength: cbor.IndefLengthForbidden,
	DupMapKey:   cbor.DupMapKeyEnforcedAPF,
}

var peerDecMode, _ = peerDecOptions.DecMode()

const (
	// cborTagCID 是 IPLD 规定的 CID 标签号
	cborTagCID = 42
	// cidMultibasePrefix 是二进制 CID 的 identity multibase 前缀
	cidMultibasePrefix = 0x00
)

// newCID 把 SHA-256 哈希包装成 dag-cbor CIDv1。
func newCID(h hashing.Hash) (cid.Cid, error) {
	if h.Algo != hashing.SHA256 {
		return cid.Undef, errdefs.Format("peer content address hash should have type sha256, got '%s'", h.Algo)
	}
	encoded, err := mh.Encode(h.Digest, mh.SHA2_256)
	if err != nil {
		return cid.Undef, errdefs.Format("cannot encode multihash: %v", err)
	}
	return cid.NewCidV1(cid.DagCBOR, mh.Multihash(encoded)), nil
}

// CIDString 渲染 "f01711220" + hex 形式 (base16 multibase)。
func CIDString(h hashing.Hash) string {
	c, err := newCID(h)
	if err != nil {
		// 构造方保证了只有 SHA256 哈希会进来
		panic(err)
	}
	s, err := c.StringOfBase(multibase.Base16)
	if err != nil {
		panic(err)
	}
	return s
}

// ParseCIDString 解析 CID 文本并取出 SHA-256 摘要。
// 版本 / codec / 哈希函数任何一项不符都是格式错误。
func ParseCIDString(s string) (hashing.Hash, error) {
	c, err := cid.Decode(s)
	if err != nil {
		return hashing.Hash{}, errdefs.Format("malformed CID '%s': %v", s, err)
	}
	return hashFromCID(c)
}

func hashFromCID(c cid.Cid) (hashing.Hash, error) {
	p := c.Prefix()
	if p.Version != 1 || p.Codec != cid.DagCBOR || p.MhType != mh.SHA2_256 {
		return hashing.Hash{}, errdefs.Format("CID '%s' is not dag-cbor/sha2-256", c.String())
	}
	decoded, err := mh.Decode(c.Hash())
	if err != nil {
		return hashing.Hash{}, errdefs.Format("malformed multihash in CID: %v", err)
	}
	return hashing.New(hashing.SHA256, decoded.Digest)
}

// packCID 生成 CBOR 里的二进制 CID：
// (multibase=0x00, version=0x01, codec=0x71, hash-fn=0x12, length=0x20, digest)
// 整体再打上 CBOR tag 42。
func packCID(h hashing.Hash) (cbor.Tag, error) {
	c, err := newCID(h)
	if err != nil {
		return cbor.Tag{}, err
	}
	raw := c.Bytes()
	packed := make([]byte, 0, len(raw)+1)
	packed = append(packed, cidMultibasePrefix)
	packed = append(packed, raw...)
	return cbor.Tag{Number: cborTagCID, Content: packed}, nil
}

// unpackCID 是 packCID 的逆。
func unpackCID(tag cbor.Tag) (hashing.Hash, error) {
	if tag.Number != cborTagCID {
		return hashing.Hash{}, errdefs.Format("expected CBOR tag %d for CID, got %d", cborTagCID, tag.Number)
	}
	packed, ok := tag.Content.([]byte)
	if !ok {
		return hashing.Hash{}, errdefs.Format("CID tag content is not a byte string")
	}
	if len(packed) == 0 || packed[0] != cidMultibasePrefix {
		return hashing.Hash{}, errdefs.Format("binary CID is missing 0x00 multibase prefix")
	}
	c, err := cid.Cast(packed[1:])
	if err != nil {
		return hashing.Hash{}, errdefs.Format("malformed binary CID: %v", err)
	}
	return hashFromCID(c)
}

// peer 对象的 CBOR 投影。字段名就是线上的 map key，改名即破坏所有哈希。
type peerRefWire struct {
	CID  cbor.Tag `cbor:"cid"`
	Name string   `cbor:"name"`
}

type peerRefsWire struct {
	HasSelfReference bool          `cbor:"hasSelfReference"`
	References       []peerRefWire `cbor:"references"`
}

type peerObjectWire struct {
	CID        cbor.Tag     `cbor:"cid"`
	Name       string       `cbor:"name"`
	References peerRefsWire `cbor:"references"`
}

// EncodePeerObject 生成 (name, info) 的规范 CBOR 字节流。
func EncodePeerObject(name string, info PeerInfo) ([]byte, error) {
	rootCID, err := packCID(info.Hash)
	if err != nil {
		return nil, err
	}
	wire := peerObjectWire{
		CID:  rootCID,
		Name: name,
		References: peerRefsWire{
			HasSelfReference: info.References.HasSelfReference,
			References:       make([]peerRefWire, 0, len(info.References.References)),
		},
	}
	for _, ref := range info.References.References {
		refCID, err := packCID(ref.Hash)
		if err != nil {
			return nil, err
		}
		wire.References.References = append(wire.References.References, peerRefWire{
			CID:  refCID,
			Name: ref.Name,
		})
	}
	data, err := peerEncMode.Marshal(wire)
	if err != nil {
		return nil, errdefs.Format("cannot marshal peer object: %v", err)
	}
	return data, nil
}

// DecodePeerObject 是 EncodePeerObject 的逆。
func DecodePeerObject(data []byte) (string, PeerInfo, error) {
	var wire peerObjectWire
	if err := peerDecMode.Unmarshal(data, &wire); err != nil {
		return "", PeerInfo{}, errdefs.Format("cannot unmarshal peer object: %v", err)
	}
	rootHash, err := unpackCID(wire.CID)
	if err != nil {
		return "", PeerInfo{}, err
	}
	info := PeerInfo{Hash: rootHash}
	refs := make([]PeerRef, 0, len(wire.References.References))
	for _, r := range wire.References.References {
		h, err := unpackCID(r.CID)
		if err != nil {
			return "", PeerInfo{}, err
		}
		refs = append(refs, PeerRef{Name: r.Name, Hash: h})
	}
	info.References = NewPathReferences(refs...)
	info.References.HasSelfReference = wire.References.HasSelfReference
	return wire.Name, info, nil
}

// ComputePeerHash 对规范 CBOR 做 SHA-256。
// 这是让 peer 路径可验证的唯一不动点。
func ComputePeerHash(name string, info PeerInfo) (hashing.Hash, error) {
	data, err := EncodePeerObject(name, info)
	if err != nil {
		return hashing.Hash{}, err
	}
	return hashing.Sum(hashing.SHA256, data), nil
}
