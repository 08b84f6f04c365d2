package cas

import (
	"buildvault/pkg/errdefs"
	"buildvault/pkg/hashing"
	"buildvault/pkg/storepath"
)

// 路径代数：从结构化输入确定性地合成 store 路径。
//
// 指纹串的形状是 "<type>:sha256:<hex>:<storeDir>:<name>"。
// storeDir 和 name 都参与哈希，所以换目录或改名都会改变 hash part，
// 不会出现两个不同名字共享同一 hash part 的情况。

// MakeStorePath 是所有路径合成的汇聚点。
// type 串的几种约定见 MakeTextPath / MakeFixedOutputPath / MakeOutputPath。
func MakeStorePath(dir storepath.Dir, typ string, h hashing.Hash, name string) (storepath.StorePath, error) {
	if h.Algo != hashing.SHA256 {
		return storepath.StorePath{}, errdefs.Format("store path fingerprint hash should have type sha256, got '%s'", h.Algo)
	}
	return fingerprintPath(dir, typ+":"+h.String(), name)
}

// fingerprintPath 完成指纹 → SHA-256 → 20 字节折叠 → base32 的固定流水线。
// prefix 已经含 type 和哈希的渲染 (peer 路径的 CID 形式也走这里)。
func fingerprintPath(dir storepath.Dir, prefix, name string) (storepath.StorePath, error) {
	s := prefix + ":" + string(dir) + ":" + name
	digest := hashing.SumString(hashing.SHA256, s).CompressTo(storepath.RawDigestLen)
	p, err := storepath.FromDigest(digest, name)
	if err != nil {
		return storepath.StorePath{}, err
	}
	if err := dir.CheckLen(p); err != nil {
		return storepath.StorePath{}, err
	}
	return p, nil
}

// MakeOutputPath 合成 derivation 输出的路径。
// 输出 id 不是 "out" 时名字要缀上 "-<id>"。
func MakeOutputPath(dir storepath.Dir, id string, h hashing.Hash, name string) (storepath.StorePath, error) {
	if id != "out" {
		name = name + "-" + id
	}
	return MakeStorePath(dir, "output:"+id, h, name)
}

// makeType 把引用塞进 type 串。引用不能放进指纹尾部，否则和 name 产生歧义。
// 引用按完整路径字典序排列，自引用以 ":self" 结尾标注。
func makeType(dir storepath.Dir, typ string, refs PathReferences[storepath.StorePath]) string {
	for _, r := range dir.PathSet(refs.References) {
		typ += ":" + r
	}
	if refs.HasSelfReference {
		typ += ":self"
	}
	return typ
}

// MakeTextPath 合成文本注册的路径。文本路径禁止自引用。
func MakeTextPath(dir storepath.Dir, name string, info TextInfo) (storepath.StorePath, error) {
	if info.Hash.Algo != hashing.SHA256 {
		return storepath.StorePath{}, errdefs.Format("text path hash should have type sha256, got '%s'", info.Hash.Algo)
	}
	refs := NewPathReferences(info.References...)
	return MakeStorePath(dir, makeType(dir, "text", refs), info.Hash, name)
}

// MakeFixedOutputPath 合成固定输出的路径。
//
// 历史遗留的分裂：recursive + sha256 走 "source:<refs>" 约定；
// 其余组合没有引用可言，内容哈希先折进 "fixed:out:..." 再走 "output:out"。
func MakeFixedOutputPath(dir storepath.Dir, name string, info FixedOutputInfo) (storepath.StorePath, error) {
	if info.Method == Git && info.Hash.Algo != hashing.SHA1 {
		return storepath.StorePath{}, errdefs.Format("git file ingestion must use sha1 hash")
	}

	if info.Hash.Algo == hashing.SHA256 && info.Method == Recursive {
		return MakeStorePath(dir, makeType(dir, "source", info.References), info.Hash, name)
	}

	if !info.References.Empty() {
		return storepath.StorePath{}, errdefs.Format("fixed-output path with method '%s' cannot carry references", info.Method)
	}
	inner := hashing.SumString(hashing.SHA256,
		"fixed:out:"+info.Method.Prefix()+info.Hash.String()+":")
	return MakeStorePath(dir, "output:out", inner, name)
}

// MakePeerPath 合成 peer 网络路径。指纹里用 CID 渲染替代裸哈希。
func MakePeerPath(dir storepath.Dir, name string, h hashing.Hash) (storepath.StorePath, error) {
	if h.Algo != hashing.SHA256 {
		return storepath.StorePath{}, errdefs.Format("peer path hash should have type sha256, got '%s'", h.Algo)
	}
	return fingerprintPath(dir, "ipfs:"+CIDString(h), name)
}

// MakePathFromCA 把完整内容地址"烘焙"成路径。
// 纯函数：相等的内容地址永远产出相等的路径。
func MakePathFromCA(dir storepath.Dir, ca WithReferences) (storepath.StorePath, error) {
	switch info := ca.Info.(type) {
	case TextInfo:
		return MakeTextPath(dir, ca.Name, info)
	case FixedOutputInfo:
		return MakeFixedOutputPath(dir, ca.Name, info)
	case PeerInfo:
		h, err := ComputePeerHash(ca.Name, info)
		if err != nil {
			return storepath.StorePath{}, err
		}
		return MakePeerPath(dir, ca.Name, h)
	case PeerRawHash:
		return MakePeerPath(dir, ca.Name, info.Hash)
	}
	return storepath.StorePath{}, errdefs.Format("unknown content address variant")
}

// ComputeStorePathForText 是注册前的只读预演：不落盘，只算路径。
func ComputeStorePathForText(dir storepath.Dir, name string, content []byte, refs []storepath.StorePath) (storepath.StorePath, error) {
	return MakeTextPath(dir, name, TextInfo{
		Hash:       hashing.Sum(hashing.SHA256, content),
		References: refs,
	})
}
