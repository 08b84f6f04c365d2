package store

import (
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"buildvault/pkg/errdefs"
)

// 后端按 URI 谓词注册，Open 按注册顺序第一个命中者分发。
// 后端包在自己的 init 里调用 Register；应用装配层 (pkg/app) 以空白导入
// 把它们拉进来。

// Params 是 URI 查询串参数。后端读走的键记为已消费，
// 剩下的键保留并触发一次性的警告：打错参数名不该无声丢失。
type Params struct {
	m    map[string]string
	used map[string]struct{}
}

func newParams(m map[string]string) *Params {
	return &Params{m: m, used: make(map[string]struct{})}
}

// Get 取一个参数并标记消费，缺席时返回 def。
func (p *Params) Get(key, def string) string {
	p.used[key] = struct{}{}
	if v, ok := p.m[key]; ok {
		return v
	}
	return def
}

// Has 报告参数是否在场 (同样标记消费)。
func (p *Params) Has(key string) bool {
	p.used[key] = struct{}{}
	_, ok := p.m[key]
	return ok
}

// unknown 返回没被任何后端读过的键。
func (p *Params) unknown() []string {
	var out []string
	for k := range p.m {
		if _, ok := p.used[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Matcher 判断一个 (scheme, rest) 是否归本后端管。
// scheme 为空表示 URI 里没有 "://" (裸名字或文件系统路径)。
type Matcher func(scheme, rest string) bool

// Factory 按 URI 和参数构造后端。
type Factory func(uri, scheme, rest string, params *Params, cfg *Config) (Store, error)

type registration struct {
	name    string
	match   Matcher
	factory Factory
}

var (
	registryMu sync.Mutex
	registry   []registration
)

// Register 登记一个后端。在后端包的 init 里调用。
func Register(name string, match Matcher, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = append(registry, registration{name: name, match: match, factory: factory})
}

// splitURIAndParams 把 "scheme://host?k=v" 拆成基础 URI 和参数表。
func splitURIAndParams(uri string) (string, map[string]string, error) {
	base, query, found := strings.Cut(uri, "?")
	params := make(map[string]string)
	if found {
		values, err := url.ParseQuery(query)
		if err != nil {
			return "", nil, errdefs.Format("malformed store URI query '%s'", query)
		}
		for k, vs := range values {
			if len(vs) > 0 {
				params[k] = vs[0]
			}
		}
	}
	return base, params, nil
}

var warnedParams sync.Map

// Open 打开一个 store。接受的 URI 形状见各后端的 Matcher。
func Open(uri string, cfg *Config) (Store, error) {
	base, rawParams, err := splitURIAndParams(uri)
	if err != nil {
		return nil, err
	}
	scheme, rest, found := strings.Cut(base, "://")
	if !found {
		scheme, rest = "", base
	}

	params := newParams(rawParams)

	registryMu.Lock()
	regs := append([]registration(nil), registry...)
	registryMu.Unlock()

	for _, reg := range regs {
		if !reg.match(scheme, rest) {
			continue
		}
		s, err := reg.factory(uri, scheme, rest, params, cfg)
		if err != nil {
			return nil, err
		}
		// 未知参数保留在 URI 里，但每个键只警告一次
		for _, k := range params.unknown() {
			if _, loaded := warnedParams.LoadOrStore(k, struct{}{}); !loaded {
				logrus.Warnf("unknown store parameter '%s' in '%s'", k, uri)
			}
		}
		return s, nil
	}
	return nil, errdefs.Format("don't know how to open store '%s'", uri)
}

// Substituters 打开配置里的替换源，按优先级排序，打不开的跳过并警告。
func Substituters(cfg *Config) []Store {
	var stores []Store
	done := make(map[string]struct{})
	for _, uri := range cfg.Substituters {
		if _, ok := done[uri]; ok {
			continue
		}
		done[uri] = struct{}{}
		s, err := Open(uri, cfg)
		if err != nil {
			logrus.Warnf("cannot open substituter '%s': %v", uri, err)
			continue
		}
		stores = append(stores, s)
	}
	sort.SliceStable(stores, func(i, j int) bool { return stores[i].Priority() < stores[j].Priority() })
	return stores
}
