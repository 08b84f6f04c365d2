// Package derivation 实现构建配方 (derivation) 的模型、稳定文本形式
// 和隐藏来源的 hash-modulo 算法。
package derivation

import (
	"sort"
	"strings"

	"buildvault/pkg/cas"
	"buildvault/pkg/errdefs"
	"buildvault/pkg/hashing"
	"buildvault/pkg/storepath"
)

// Output 是一个符号化输出。
// Path 为零值表示缺席 (浮动内容寻址输出在构建前没有路径)。
// HashAlgo 形如 "sha256" / "r:sha256" / "git:sha1"；Hash 是期望内容哈希的
// 十六进制，只有派生时固定输出 (CAFixed) 非空。
type Output struct {
	Path     storepath.StorePath
	HashAlgo string
	Hash     string
}

// ParseIngestion 把 HashAlgo 拆成 (摄取方式, 算法)。
func (o Output) ParseIngestion() (cas.Method, hashing.Algorithm, error) {
	algo := o.HashAlgo
	method := cas.Flat
	if rest, ok := strings.CutPrefix(algo, "r:"); ok {
		method, algo = cas.Recursive, rest
	} else if rest, ok := strings.CutPrefix(algo, "git:"); ok {
		method, algo = cas.Git, rest
	}
	a, err := hashing.ParseAlgorithm(algo)
	if err != nil {
		return 0, "", err
	}
	return method, a, nil
}

// Kind 是 derivation 的种类，由输出的形状唯一决定。
type Kind uint8

const (
	// Regular 所有输出 hash 为空且 path 在场
	Regular Kind = iota
	// CAFixed 恰好一个名为 "out" 的输出，hash 非空且 path 缺席
	CAFixed
	// CAFloating 所有输出 hashAlgo 非空但 hash 为空且 path 缺席
	CAFloating
)

// Derivation 是一份完整的构建配方。
// Name 不进文本形式，它来自 .drv 文件自身的 store 路径。
type Derivation struct {
	Name      string
	Outputs   map[string]Output
	InputDrvs map[storepath.StorePath][]string
	InputSrcs []storepath.StorePath
	Platform  string
	Builder   string
	Args      []string
	Env       map[string]string
}

// Kind 计算种类并强制所有混用不变量。
func (d *Derivation) Kind() (Kind, error) {
	if len(d.Outputs) == 0 {
		return 0, errdefs.Format("derivation has no outputs")
	}
	if len(d.Outputs) == 1 {
		if o, ok := d.Outputs["out"]; ok && o.Hash != "" {
			if !o.Path.IsZero() {
				return 0, errdefs.Format("fixed output must not have a prescribed path")
			}
			return CAFixed, nil
		}
	}

	// 取排序后的第一个输出定基准，Map 迭代顺序不可依赖
	ids := d.OutputIDs()
	algo := d.Outputs[ids[0]].HashAlgo
	kind := Regular
	if algo != "" {
		kind = CAFloating
	}
	for _, id := range ids {
		o := d.Outputs[id]
		if o.Hash != "" {
			return 0, errdefs.Format("non-fixed-output derivation has fixed output '%s'", id)
		}
		if o.HashAlgo != algo {
			return 0, errdefs.Format("invalid mix of content-addressed and regular outputs")
		}
		// 常规输出必须有路径，浮动输出必须没有
		if (algo == "") == o.Path.IsZero() {
			return 0, errdefs.Format("output '%s' path must be present iff the derivation is regular", id)
		}
	}
	return kind, nil
}

// OutputIDs 返回按 id 升序的输出名。
func (d *Derivation) OutputIDs() []string {
	ids := make([]string, 0, len(d.Outputs))
	for id := range d.Outputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// OutputPath 返回输出的路径；派生时固定输出的路径在缺席时按代数现算。
func (d *Derivation) OutputPath(dir storepath.Dir, id string) (storepath.StorePath, error) {
	o, ok := d.Outputs[id]
	if !ok {
		return storepath.StorePath{}, errdefs.Format("derivation has no output '%s'", id)
	}
	if !o.Path.IsZero() {
		return o.Path, nil
	}
	if o.Hash == "" {
		return storepath.StorePath{}, errdefs.Format("output '%s' has no path yet", id)
	}
	method, algo, err := o.ParseIngestion()
	if err != nil {
		return storepath.StorePath{}, err
	}
	h, err := hashing.ParseAny(o.Hash, algo)
	if err != nil {
		return storepath.StorePath{}, err
	}
	name := d.Name
	if id != "out" {
		name = name + "-" + id
	}
	return cas.MakeFixedOutputPath(dir, name, cas.FixedOutputInfo{Method: method, Hash: h})
}

// InputDrvPaths 返回按路径排序的输入 derivation。
func (d *Derivation) InputDrvPaths() []storepath.StorePath {
	paths := make([]storepath.StorePath, 0, len(d.InputDrvs))
	for p := range d.InputDrvs {
		paths = append(paths, p)
	}
	return storepath.SortSet(paths)
}

// References 返回写入 store 时这份配方自身的引用：
// 输入源加输入 derivation。输出不算引用。
func (d *Derivation) References() []storepath.StorePath {
	refs := make([]storepath.StorePath, 0, len(d.InputSrcs)+len(d.InputDrvs))
	refs = append(refs, d.InputSrcs...)
	for p := range d.InputDrvs {
		refs = append(refs, p)
	}
	return storepath.SortSet(refs)
}

// NameFromPath 从 .drv 的 store 路径还原配方名。
func NameFromPath(p storepath.StorePath) (string, error) {
	name, ok := strings.CutSuffix(p.Name(), storepath.DrvExtension)
	if !ok {
		return "", errdefs.Format("path '%s' is not a derivation", p.String())
	}
	return name, nil
}

// HashPlaceholder 返回输出名的占位符：构建器环境里用它指代
// 尚未确定的浮动输出路径，构建完成后整体替换。
func HashPlaceholder(outputName string) string {
	h := hashing.SumString(hashing.SHA256, "bv-output:"+outputName)
	return "/" + h.Base32()
}
