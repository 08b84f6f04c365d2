package derivation

import (
	"sort"
	"strings"

	"buildvault/pkg/storepath"
)

// 稳定文本形式："Derive([outputs],[inputDrvs],[inputSrcs],platform,builder,[args],[env])"
// 元素顺序全部规范化：输出按 id 升序、env 按键升序、inputDrvs 按 (替换后的)
// 键升序、inputSrcs 字典序。字符串转义 \n \r \t \\ \"；路径不转义但仍带引号。

// printString 带转义地写出一个字符串字面量。
func printString(sb *strings.Builder, s string) {
	sb.WriteByte('"')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '"', '\\':
			sb.WriteByte('\\')
			sb.WriteByte(c)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case '\t':
			sb.WriteString(`\t`)
		default:
			sb.WriteByte(c)
		}
	}
	sb.WriteByte('"')
}

// printUnquotedString 写出不转义的引号字面量 (路径和输出 id 用)。
func printUnquotedString(sb *strings.Builder, s string) {
	sb.WriteByte('"')
	sb.WriteString(s)
	sb.WriteByte('"')
}

func printUnquotedStrings(sb *strings.Builder, elems []string) {
	sb.WriteByte('[')
	for i, e := range elems {
		if i > 0 {
			sb.WriteByte(',')
		}
		printUnquotedString(sb, e)
	}
	sb.WriteByte(']')
}

func printStrings(sb *strings.Builder, elems []string) {
	sb.WriteByte('[')
	for i, e := range elems {
		if i > 0 {
			sb.WriteByte(',')
		}
		printString(sb, e)
	}
	sb.WriteByte(']')
}

// Unparse 生成稳定文本形式。
// maskOutputs 把输出路径和同名 env 值抹成空串，让哈希对输出路径不敏感。
// actualInputs 非 nil 时替换 inputDrvs 段 (hash-modulo 的替身映射)。
func (d *Derivation) Unparse(dir storepath.Dir, maskOutputs bool, actualInputs map[string][]string) string {
	var sb strings.Builder
	sb.Grow(4096)
	sb.WriteString("Derive([")

	for i, id := range d.OutputIDs() {
		if i > 0 {
			sb.WriteByte(',')
		}
		o := d.Outputs[id]
		sb.WriteByte('(')
		printUnquotedString(&sb, id)
		sb.WriteByte(',')
		if maskOutputs || o.Path.IsZero() {
			printUnquotedString(&sb, "")
		} else {
			printUnquotedString(&sb, dir.Path(o.Path))
		}
		sb.WriteByte(',')
		printUnquotedString(&sb, o.HashAlgo)
		sb.WriteByte(',')
		printUnquotedString(&sb, o.Hash)
		sb.WriteByte(')')
	}

	sb.WriteString("],[")
	if actualInputs != nil {
		keys := make([]string, 0, len(actualInputs))
		for k := range actualInputs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteByte('(')
			printUnquotedString(&sb, k)
			sb.WriteByte(',')
			printUnquotedStrings(&sb, sortedCopy(actualInputs[k]))
			sb.WriteByte(')')
		}
	} else {
		for i, p := range d.InputDrvPaths() {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteByte('(')
			printUnquotedString(&sb, dir.Path(p))
			sb.WriteByte(',')
			printUnquotedStrings(&sb, sortedCopy(d.InputDrvs[p]))
			sb.WriteByte(')')
		}
	}

	sb.WriteString("],")
	printUnquotedStrings(&sb, dir.PathSet(d.InputSrcs))

	sb.WriteByte(',')
	printUnquotedString(&sb, d.Platform)
	sb.WriteByte(',')
	printString(&sb, d.Builder)
	sb.WriteByte(',')
	printStrings(&sb, d.Args)

	sb.WriteString(",[")
	keys := make([]string, 0, len(d.Env))
	for k := range d.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteByte('(')
		printString(&sb, k)
		sb.WriteByte(',')
		if _, isOutput := d.Outputs[k]; maskOutputs && isOutput {
			printString(&sb, "")
		} else {
			printString(&sb, d.Env[k])
		}
		sb.WriteByte(')')
	}
	sb.WriteString("])")

	return sb.String()
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}
