// Package peer 实现内容寻址对等网络后端 (ipfs:// 与 ipns://)。
//
// 远端是一张索引：store 路径基名 → 登记条目 (nar 块的 CID + 元数据)。
// ipfs://CID 指向一张不可变索引，只读；ipns://key 经解析得到当前索引,
// 写入后重新发布。取回的对象重算哈希自验证 (带自引用标志的 nar 条目除外)。
package peer

import (
	"context"
	"io"
	"strings"

	"github.com/fxamacker/cbor/v2"
	shell "github.com/ipfs/go-ipfs-api"

	"buildvault/pkg/cas"
	"buildvault/pkg/derivation"
	"buildvault/pkg/errdefs"
	"buildvault/pkg/hashing"
	"buildvault/pkg/interrupt"
	"buildvault/pkg/store"
	"buildvault/pkg/storepath"
)

var indexEncMode, _ = cbor.EncOptions{
	Sort:        cbor.SortCanonical,
	IndefLength: cbor.IndefLengthForbidden,
}.EncMode()

var indexDecMode, _ = cbor.DecOptions{
	MaxArrayElements: 100000,
	MaxMapPairs:      100000,
	MaxNestedLevels:  32,
	IndefLength:      cbor.IndefLengthForbidden,
	DupMapKey:        cbor.DupMapKeyEnforcedAPF,
}.DecMode()

// indexEntry 索引里的一条登记。路径存基名，目录由本地配置决定。
type indexEntry struct {
	NarCID     string   `cbor:"narCid"`
	NarHash    string   `cbor:"narHash"`
	NarSize    uint64   `cbor:"narSize"`
	References []string `cbor:"references,omitempty"`
	SelfRef    bool     `cbor:"hasSelfReference,omitempty"`
	CA         string   `cbor:"ca,omitempty"`
	Sigs       []string `cbor:"sigs,omitempty"`
}

type index struct {
	Entries map[string]indexEntry `cbor:"entries"`
}

// Store 对等网络后端。
type Store struct {
	*store.Base
	sh       *shell.Shell
	ipnsKey  string // 空 = ipfs:// 只读模式
	rootCID  string
	idx      index
	writable bool
}

func init() {
	store.Register("peer", func(scheme, rest string) bool {
		return scheme == "ipfs" || scheme == "ipns"
	}, factory)
}

func factory(uri, scheme, rest string, params *store.Params, cfg *store.Config) (store.Store, error) {
	api := params.Get("api", "localhost:5001")
	priority := 40
	s := &Store{
		sh:       shell.NewShell(api),
		writable: scheme == "ipns",
	}
	if scheme == "ipns" {
		s.ipnsKey = rest
	} else {
		s.rootCID = rest
	}
	s.Base = store.NewBase(cfg.StoreDir, uri, priority, cfg, s)
	return s, nil
}

// Connect 解析索引根并加载索引。
func (s *Store) Connect(ctx context.Context) error {
	if err := interrupt.Check(); err != nil {
		return err
	}
	root := s.rootCID
	if s.ipnsKey != "" {
		resolved, err := s.sh.Resolve(s.ipnsKey)
		if err != nil {
			return errdefs.Format("cannot resolve ipns name '%s': %v", s.ipnsKey, err)
		}
		root = strings.TrimPrefix(resolved, "/ipfs/")
	}
	if root == "" {
		// 空索引：全新的可写 store
		s.idx.Entries = make(map[string]indexEntry)
		return nil
	}
	data, err := s.sh.BlockGet(root)
	if err != nil {
		return errdefs.Format("cannot fetch index '%s': %v", root, err)
	}
	var idx index
	if err := indexDecMode.Unmarshal(data, &idx); err != nil {
		return errdefs.Format("corrupt peer index '%s': %v", root, err)
	}
	if idx.Entries == nil {
		idx.Entries = make(map[string]indexEntry)
	}
	s.rootCID = root
	s.idx = idx
	return nil
}

func (s *Store) ensureIndex(ctx context.Context) error {
	if s.idx.Entries == nil {
		return s.Connect(ctx)
	}
	return nil
}

func (s *Store) QueryPathInfoUncached(ctx context.Context, p storepath.StorePath) (*store.ValidPathInfo, error) {
	if err := s.ensureIndex(ctx); err != nil {
		return nil, err
	}
	e, ok := s.idx.Entries[p.String()]
	if !ok {
		return nil, errdefs.InvalidPath(s.Dir().Path(p))
	}
	info := &store.ValidPathInfo{
		Path:             p,
		NarSize:          e.NarSize,
		HasSelfReference: e.SelfRef,
		Sigs:             e.Sigs,
	}
	h, err := hashing.ParseAny(e.NarHash, hashing.SHA256)
	if err != nil {
		return nil, err
	}
	info.NarHash = h
	for _, r := range e.References {
		ref, err := storepath.ParseBase(r)
		if err != nil {
			return nil, err
		}
		info.References = append(info.References, ref)
	}
	info.References = storepath.SortSet(info.References)
	if e.CA != "" {
		if info.CA, err = cas.Parse(e.CA); err != nil {
			return nil, err
		}
	}
	return info, nil
}

// NarFromPath 取回 nar 块并自验证：重算的哈希必须等于登记的 narHash；
// 带自引用标志的条目不做这项比对。
func (s *Store) NarFromPath(ctx context.Context, p storepath.StorePath, sink io.Writer) error {
	if err := s.ensureIndex(ctx); err != nil {
		return err
	}
	e, ok := s.idx.Entries[p.String()]
	if !ok {
		return errdefs.InvalidPath(s.Dir().Path(p))
	}
	data, err := s.sh.BlockGet(e.NarCID)
	if err != nil {
		return errdefs.Format("cannot fetch block '%s': %v", e.NarCID, err)
	}
	got := hashing.Sum(hashing.SHA256, data)
	want, err := hashing.ParseAny(e.NarHash, hashing.SHA256)
	if err != nil {
		return err
	}
	if !got.Equal(want) && !e.SelfRef {
		return errdefs.HashMismatch(s.Dir().Path(p), want.String(), got.String())
	}
	_, err = sink.Write(data)
	return err
}

// AddToStore 写入 nar 块和索引条目，然后重新发布索引。
// ipfs:// 的索引不可变，只有 ipns:// 可写。
func (s *Store) AddToStore(ctx context.Context, info *store.ValidPathInfo, nar io.Reader, repair, checkSigs bool) error {
	if !s.writable {
		return errdefs.Unsupported("addToStore")
	}
	if err := s.ensureIndex(ctx); err != nil {
		return err
	}
	if _, ok := s.idx.Entries[info.Path.String()]; ok && !repair {
		return nil
	}
	data, err := io.ReadAll(nar)
	if err != nil {
		return err
	}
	if !info.NarHash.IsZero() && !(info.CA != nil && info.HasSelfReference) {
		got := hashing.Sum(hashing.SHA256, data)
		if !got.Equal(info.NarHash) {
			return errdefs.HashMismatch(s.Dir().Path(info.Path), info.NarHash.String(), got.String())
		}
	}

	narCID, err := s.sh.BlockPut(data, "raw", "sha2-256", 32)
	if err != nil {
		return errdefs.Format("block put failed: %v", err)
	}

	e := indexEntry{
		NarCID:  narCID,
		NarHash: info.NarHash.String(),
		NarSize: info.NarSize,
		SelfRef: info.HasSelfReference,
		CA:      cas.Render(info.CA),
		Sigs:    info.Sigs,
	}
	for _, r := range info.References {
		e.References = append(e.References, r.String())
	}
	s.idx.Entries[info.Path.String()] = e
	return s.publish(ctx)
}

// publish 序列化索引为规范 CBOR、写块、更新 ipns 指针。
func (s *Store) publish(ctx context.Context) error {
	data, err := indexEncMode.Marshal(s.idx)
	if err != nil {
		return err
	}
	cid, err := s.sh.BlockPut(data, "dag-cbor", "sha2-256", 32)
	if err != nil {
		return errdefs.Format("index put failed: %v", err)
	}
	s.rootCID = cid
	if s.ipnsKey != "" {
		if err := s.sh.Publish(s.ipnsKey, "/ipfs/"+cid); err != nil {
			return errdefs.Format("ipns publish failed: %v", err)
		}
	}
	return nil
}

// FetchPeerObject 按 peer 哈希取回规范 CBOR 对象并自验证。
func (s *Store) FetchPeerObject(ctx context.Context, h hashing.Hash) (string, cas.PeerInfo, error) {
	if err := interrupt.Check(); err != nil {
		return "", cas.PeerInfo{}, err
	}
	data, err := s.sh.BlockGet(cas.CIDString(h))
	if err != nil {
		return "", cas.PeerInfo{}, errdefs.Format("cannot fetch peer object: %v", err)
	}
	if !hashing.Sum(hashing.SHA256, data).Equal(h) {
		return "", cas.PeerInfo{}, errdefs.HashMismatch(cas.CIDString(h), h.String(),
			hashing.Sum(hashing.SHA256, data).String())
	}
	return cas.DecodePeerObject(data)
}

func (s *Store) BuildDerivation(ctx context.Context, drvPath storepath.StorePath, drv *derivation.Derivation) error {
	return errdefs.Unsupported("buildDerivation")
}
