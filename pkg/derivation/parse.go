package derivation

import (
	"strings"

	"buildvault/pkg/errdefs"
	"buildvault/pkg/storepath"
)

// 严格的递归下降解析器，Unparse 的逆。
// 任何偏差都是致命的格式错误，不做容错恢复。

type parser struct {
	s   string
	pos int
}

func (p *parser) expect(lit string) error {
	if !strings.HasPrefix(p.s[p.pos:], lit) {
		return errdefs.Format("expected '%s' at offset %d in derivation", lit, p.pos)
	}
	p.pos += len(lit)
	return nil
}

func (p *parser) peek() (byte, bool) {
	if p.pos >= len(p.s) {
		return 0, false
	}
	return p.s[p.pos], true
}

// parseString 读取一个带转义的字符串字面量。
func (p *parser) parseString() (string, error) {
	if err := p.expect(`"`); err != nil {
		return "", err
	}
	var sb strings.Builder
	for {
		c, ok := p.peek()
		if !ok {
			return "", errdefs.Format("unterminated string in derivation")
		}
		p.pos++
		if c == '"' {
			return sb.String(), nil
		}
		if c == '\\' {
			e, ok := p.peek()
			if !ok {
				return "", errdefs.Format("unterminated escape in derivation")
			}
			p.pos++
			switch e {
			case 'n':
				sb.WriteByte('\n')
			case 'r':
				sb.WriteByte('\r')
			case 't':
				sb.WriteByte('\t')
			default:
				sb.WriteByte(e)
			}
			continue
		}
		sb.WriteByte(c)
	}
}

// parsePath 读取一个字符串并按 store 路径解析。空路径表示缺席。
func (p *parser) parsePath(dir storepath.Dir) (storepath.StorePath, error) {
	s, err := p.parseString()
	if err != nil {
		return storepath.StorePath{}, err
	}
	if s == "" {
		return storepath.StorePath{}, nil
	}
	sp, err := dir.Parse(s)
	if err != nil {
		return storepath.StorePath{}, errdefs.Format("bad path '%s' in derivation", s)
	}
	return sp, nil
}

// endOfList 消费 ',' 返回 false，消费 ']' 返回 true。
func (p *parser) endOfList() bool {
	c, ok := p.peek()
	if ok && c == ',' {
		p.pos++
		return false
	}
	if ok && c == ']' {
		p.pos++
		return true
	}
	return false
}

func (p *parser) parseStrings() ([]string, error) {
	var out []string
	for !p.endOfList() {
		s, err := p.parseString()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Parse 解析 .drv 文件的完整内容。name 来自文件自身的 store 路径。
func Parse(dir storepath.Dir, name, text string) (*Derivation, error) {
	p := &parser{s: text}
	drv := &Derivation{
		Name:      name,
		Outputs:   make(map[string]Output),
		InputDrvs: make(map[storepath.StorePath][]string),
		Env:       make(map[string]string),
	}

	if err := p.expect("Derive(["); err != nil {
		return nil, err
	}

	// 输出列表
	for !p.endOfList() {
		if err := p.expect("("); err != nil {
			return nil, err
		}
		id, err := p.parseString()
		if err != nil {
			return nil, err
		}
		if err := p.expect(","); err != nil {
			return nil, err
		}
		path, err := p.parsePath(dir)
		if err != nil {
			return nil, err
		}
		if err := p.expect(","); err != nil {
			return nil, err
		}
		hashAlgo, err := p.parseString()
		if err != nil {
			return nil, err
		}
		if err := p.expect(","); err != nil {
			return nil, err
		}
		hash, err := p.parseString()
		if err != nil {
			return nil, err
		}
		if err := p.expect(")"); err != nil {
			return nil, err
		}
		drv.Outputs[id] = Output{Path: path, HashAlgo: hashAlgo, Hash: hash}
	}

	// 输入 derivation 列表
	if err := p.expect(",["); err != nil {
		return nil, err
	}
	for !p.endOfList() {
		if err := p.expect("("); err != nil {
			return nil, err
		}
		drvPath, err := p.parsePath(dir)
		if err != nil {
			return nil, err
		}
		if drvPath.IsZero() {
			return nil, errdefs.Format("empty input derivation path")
		}
		if err := p.expect(",["); err != nil {
			return nil, err
		}
		outputs, err := p.parseStrings()
		if err != nil {
			return nil, err
		}
		if err := p.expect(")"); err != nil {
			return nil, err
		}
		drv.InputDrvs[drvPath] = outputs
	}

	// 输入源
	if err := p.expect(",["); err != nil {
		return nil, err
	}
	for !p.endOfList() {
		src, err := p.parsePath(dir)
		if err != nil {
			return nil, err
		}
		if src.IsZero() {
			return nil, errdefs.Format("empty input source path")
		}
		drv.InputSrcs = append(drv.InputSrcs, src)
	}
	drv.InputSrcs = storepath.SortSet(drv.InputSrcs)

	var err error
	if err = p.expect(","); err != nil {
		return nil, err
	}
	if drv.Platform, err = p.parseString(); err != nil {
		return nil, err
	}
	if err = p.expect(","); err != nil {
		return nil, err
	}
	if drv.Builder, err = p.parseString(); err != nil {
		return nil, err
	}

	// 构建器参数
	if err = p.expect(",["); err != nil {
		return nil, err
	}
	if drv.Args, err = p.parseStrings(); err != nil {
		return nil, err
	}

	// 环境变量
	if err = p.expect(",["); err != nil {
		return nil, err
	}
	for !p.endOfList() {
		if err := p.expect("("); err != nil {
			return nil, err
		}
		k, err := p.parseString()
		if err != nil {
			return nil, err
		}
		if err := p.expect(","); err != nil {
			return nil, err
		}
		v, err := p.parseString()
		if err != nil {
			return nil, err
		}
		if err := p.expect(")"); err != nil {
			return nil, err
		}
		drv.Env[k] = v
	}

	if err := p.expect(")"); err != nil {
		return nil, err
	}
	return drv, nil
}
