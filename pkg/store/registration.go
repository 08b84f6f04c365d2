package store

import (
	"bufio"
	"context"
	"io"
	"strconv"

	"buildvault/pkg/errdefs"
	"buildvault/pkg/hashing"
	"buildvault/pkg/storepath"
)

// 有效性登记的行式交换格式。导入/导出和对等 serve 协议共用：
//
//   <path>
//   [<narHash base16>
//    <narSize>]
//   <deriver 或空行>
//   <引用条数>
//   <引用路径>...
//
// 哈希段只在 withHash 模式下出现。

// EncodeValidityRegistration 把一组路径的登记信息写成文本。
// 闭包完整性由调用方负责。
func EncodeValidityRegistration(ctx context.Context, s Store, paths []storepath.StorePath, showDerivers, withHash bool, sink io.Writer) error {
	w := bufio.NewWriter(sink)
	dir := s.Dir()
	for _, p := range paths {
		info, err := s.QueryPathInfo(ctx, PathKey(p))
		if err != nil {
			return err
		}
		w.WriteString(dir.Path(p) + "\n")
		if withHash {
			w.WriteString(info.NarHash.Base16() + "\n")
			w.WriteString(strconv.FormatUint(info.NarSize, 10) + "\n")
		}
		if showDerivers && !info.Deriver.IsZero() {
			w.WriteString(dir.Path(info.Deriver))
		}
		w.WriteString("\n")
		refs := info.ReferencesPossiblyToSelf()
		w.WriteString(strconv.Itoa(len(refs)) + "\n")
		for _, r := range dir.PathSet(refs) {
			w.WriteString(r + "\n")
		}
	}
	return w.Flush()
}

// DecodeValidityRegistration 读回一条登记。
// 流耗尽时返回 (nil, nil)。
func DecodeValidityRegistration(dir storepath.Dir, r *bufio.Reader, withHash bool) (*ValidPathInfo, error) {
	line, err := r.ReadString('\n')
	if err == io.EOF && line == "" {
		return nil, nil
	}
	if err != nil {
		return nil, errdefs.ErrEndOfFile
	}
	p, err := dir.Parse(trimNewline(line))
	if err != nil {
		return nil, err
	}
	info := &ValidPathInfo{Path: p}

	readLine := func() (string, error) {
		l, err := r.ReadString('\n')
		if err != nil {
			return "", errdefs.ErrEndOfFile
		}
		return trimNewline(l), nil
	}

	if withHash {
		hs, err := readLine()
		if err != nil {
			return nil, err
		}
		h, err := hashing.ParseAny(hs, hashing.SHA256)
		if err != nil {
			return nil, err
		}
		info.NarHash = h
		ns, err := readLine()
		if err != nil {
			return nil, err
		}
		size, err := strconv.ParseUint(ns, 10, 64)
		if err != nil {
			return nil, errdefs.Format("number expected in registration, got '%s'", ns)
		}
		info.NarSize = size
	}

	deriver, err := readLine()
	if err != nil {
		return nil, err
	}
	if deriver != "" {
		d, err := dir.Parse(deriver)
		if err != nil {
			return nil, err
		}
		info.Deriver = d
	}

	ns, err := readLine()
	if err != nil {
		return nil, err
	}
	n, err := strconv.Atoi(ns)
	if err != nil || n < 0 {
		return nil, errdefs.Format("number expected in registration, got '%s'", ns)
	}
	for i := 0; i < n; i++ {
		rs, err := readLine()
		if err != nil {
			return nil, err
		}
		ref, err := dir.Parse(rs)
		if err != nil {
			return nil, err
		}
		info.InsertReferencePossiblyToSelf(ref)
	}
	return info, nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
