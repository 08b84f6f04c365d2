// Package store 定义后端契约、有效路径注册表的查询流水线和闭包拷贝编排。
package store

import (
	"strconv"
	"strings"

	"buildvault/pkg/cas"
	"buildvault/pkg/errdefs"
	"buildvault/pkg/hashing"
	"buildvault/pkg/signature"
	"buildvault/pkg/storepath"
)

// ValidPathInfo 是一条注册表记录。注册之后不可变。
//
// 自引用用显式标志表示而不是把 self 放进集合：路径身份依赖哈希，
// 哈希又依赖集合里有没有 self。References 永远不含 Path 自己。
type ValidPathInfo struct {
	Path             storepath.StorePath
	Deriver          storepath.StorePath // 零值 = 缺席
	NarHash          hashing.Hash        // SHA256，规范序列化的哈希
	NarSize          uint64
	References       []storepath.StorePath
	HasSelfReference bool
	RegistrationTime int64
	Ultimate         bool // 本机构建产物，天然可信
	Sigs             []string
	CA               cas.ContentAddress // nil = 缺席
}

// refs 把平铺字段视作 PathReferences。
func (info *ValidPathInfo) refs() cas.PathReferences[storepath.StorePath] {
	return cas.PathReferences[storepath.StorePath]{
		References:       info.References,
		HasSelfReference: info.HasSelfReference,
	}
}

// ReferencesPossiblyToSelf 展平成含 self 的集合 (兼容消费方用)。
func (info *ValidPathInfo) ReferencesPossiblyToSelf() []storepath.StorePath {
	return info.refs().ReferencesPossiblyToSelf(info.Path)
}

// InsertReferencePossiblyToSelf 插入一条可能指向自身的引用。
func (info *ValidPathInfo) InsertReferencePossiblyToSelf(ref storepath.StorePath) {
	pr := info.refs()
	pr.InsertReferencePossiblyToSelf(info.Path, ref)
	info.References = pr.References
	info.HasSelfReference = pr.HasSelfReference
}

// SetReferencesPossiblyToSelf 用平铺集合整体替换。
func (info *ValidPathInfo) SetReferencesPossiblyToSelf(refs []storepath.StorePath) {
	pr := info.refs()
	pr.SetReferencesPossiblyToSelf(info.Path, refs)
	info.References = pr.References
	info.HasSelfReference = pr.HasSelfReference
}

// Fingerprint 生成被签名的规范字符串：
// "1;<path>;sha256:<base32(narHash)>;<narSize>;<逗号连接的引用完整路径>"
// 引用含 self、按字典序。
func (info *ValidPathInfo) Fingerprint(dir storepath.Dir) (string, error) {
	if info.NarSize == 0 || info.NarHash.IsZero() {
		return "", errdefs.Format("cannot calculate fingerprint of path '%s' because its size/hash is not known",
			dir.Path(info.Path))
	}
	return "1;" + dir.Path(info.Path) + ";" +
		info.NarHash.Base32WithAlgo() + ";" +
		strconv.FormatUint(info.NarSize, 10) + ";" +
		strings.Join(dir.PathSet(info.ReferencesPossiblyToSelf()), ","), nil
}

// Sign 追加一条 "keyName:base64(sig)" 签名。
func (info *ValidPathInfo) Sign(dir storepath.Dir, key signature.SecretKey) error {
	fp, err := info.Fingerprint(dir)
	if err != nil {
		return err
	}
	sig := key.SignDetached(fp)
	for _, s := range info.Sigs {
		if s == sig {
			return nil
		}
	}
	info.Sigs = append(info.Sigs, sig)
	return nil
}

// FullContentAddress 把记录升格为完整内容地址 (带引用)，
// CA 缺席时返回 nil。peer 哈希拿不回引用的名字，降格为 PeerRawHash。
func (info *ValidPathInfo) FullContentAddress() *cas.WithReferences {
	if info.CA == nil {
		return nil
	}
	full := &cas.WithReferences{Name: info.Path.Name()}
	switch ca := info.CA.(type) {
	case cas.Text:
		// 文本路径禁止自引用；带着 self 标志的 Text CA 本身就是坏数据
		full.Info = cas.TextInfo{Hash: ca.Hash, References: info.References}
	case cas.Fixed:
		full.Info = cas.FixedOutputInfo{
			Method:     ca.Method,
			Hash:       ca.Hash,
			References: cas.NewPathReferencesWithSelf(info.References, info.HasSelfReference),
		}
	case cas.Peer:
		full.Info = cas.PeerRawHash{Hash: ca.Hash}
	}
	return full
}

// IsContentAddressed 验证 CA 断言：按内容地址重算的路径必须就是本路径。
// 通过的路径是自验证的，不需要任何签名。
func (info *ValidPathInfo) IsContentAddressed(dir storepath.Dir) bool {
	full := info.FullContentAddress()
	if full == nil {
		return false
	}
	p, err := cas.MakePathFromCA(dir, *full)
	if err != nil {
		return false
	}
	return p == info.Path
}

// CheckSignatures 返回可信签名的条数。
// 内容寻址且验证通过的路径视作有无穷多条可信签名。
func (info *ValidPathInfo) CheckSignatures(dir storepath.Dir, trusted []signature.PublicKey) (int, error) {
	if info.IsContentAddressed(dir) {
		return int(^uint(0) >> 1), nil
	}
	fp, err := info.Fingerprint(dir)
	if err != nil {
		return 0, err
	}
	good := 0
	for _, sig := range info.Sigs {
		if signature.VerifyDetached(fp, sig, trusted) {
			good++
		}
	}
	return good, nil
}
