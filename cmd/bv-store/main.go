// bv-store 是对等端的 serve 进程：SSH 后端在远端拉起它，
// 走 stdin/stdout 上的行式协议提供只读访问。
package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"buildvault/pkg/app"
	"buildvault/pkg/config"
	"buildvault/pkg/errdefs"
	"buildvault/pkg/interrupt"
	"buildvault/pkg/store"
	"buildvault/pkg/storepath"
)

const serveProtocolVersion = 1

func main() {
	interrupt.Install()
	// serve 进程的日志绝不能混进协议流
	logrus.SetOutput(os.Stderr)

	if len(os.Args) < 2 || os.Args[1] != "--serve" {
		fmt.Fprintln(os.Stderr, "usage: bv-store --serve")
		os.Exit(2)
	}
	if err := config.Load(""); err != nil {
		logrus.Fatalf("config error: %v", err)
	}
	bv, err := app.New("")
	if err != nil {
		logrus.Fatalf("failed to open store: %v", err)
	}
	if err := serve(bv.Store, os.Stdin, os.Stdout); err != nil {
		logrus.Fatalf("serve failed: %v", err)
	}
}

func serve(s store.Store, in *os.File, out *os.File) error {
	r := bufio.NewReader(in)
	w := bufio.NewWriter(out)
	ctx := context.Background()
	dir := s.Dir()

	// 版本握手
	greeting, err := r.ReadString('\n')
	if err != nil {
		return errdefs.ErrEndOfFile
	}
	fields := strings.Fields(greeting)
	if len(fields) != 2 || fields[0] != "BV_SERVE" {
		return errdefs.ErrProtocolMismatch
	}
	fmt.Fprintf(w, "BV_SERVE %d\n", serveProtocolVersion)
	if err := w.Flush(); err != nil {
		return err
	}

	for {
		if err := interrupt.Check(); err != nil {
			return err
		}
		line, err := r.ReadString('\n')
		if err != nil {
			return nil // 对端挂断，正常退出
		}
		cmd := strings.Fields(line)
		if len(cmd) == 0 {
			continue
		}
		switch cmd[0] {
		case "info":
			if len(cmd) != 2 {
				return errdefs.Format("malformed info command")
			}
			err = serveInfo(ctx, s, dir, cmd[1], w)
		case "have":
			if len(cmd) != 2 {
				return errdefs.Format("malformed have command")
			}
			err = serveHave(ctx, s, dir, cmd[1], r, w)
		case "nar":
			if len(cmd) != 2 {
				return errdefs.Format("malformed nar command")
			}
			err = serveNar(ctx, s, dir, cmd[1], w)
		default:
			return errdefs.Format("unknown serve command '%s'", cmd[0])
		}
		if err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
}

func serveInfo(ctx context.Context, s store.Store, dir storepath.Dir, arg string, w *bufio.Writer) error {
	p, err := dir.Parse(arg)
	if err != nil {
		fmt.Fprintln(w, "0")
		return nil
	}
	info, err := s.QueryPathInfo(ctx, store.PathKey(p))
	if errdefs.IsInvalidPath(err) {
		fmt.Fprintln(w, "0")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "1")
	return store.EncodeValidityRegistration(ctx, s, []storepath.StorePath{info.Path}, true, true, w)
}

func serveHave(ctx context.Context, s store.Store, dir storepath.Dir, countArg string, r *bufio.Reader, w *bufio.Writer) error {
	n, err := strconv.Atoi(countArg)
	if err != nil || n < 0 {
		return errdefs.Format("bad have count '%s'", countArg)
	}
	var paths []storepath.StorePath
	for i := 0; i < n; i++ {
		line, err := r.ReadString('\n')
		if err != nil {
			return errdefs.ErrEndOfFile
		}
		p, err := dir.Parse(strings.TrimSpace(line))
		if err != nil {
			continue // 不是本目录的路径：直接当作没有
		}
		paths = append(paths, p)
	}
	valid, err := s.QueryValidPaths(ctx, paths, false)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%d\n", len(valid))
	for _, p := range valid {
		fmt.Fprintln(w, dir.Path(p))
	}
	return nil
}

func serveNar(ctx context.Context, s store.Store, dir storepath.Dir, arg string, w *bufio.Writer) error {
	p, err := dir.Parse(arg)
	if err != nil {
		fmt.Fprintln(w, "0")
		return nil
	}
	var buf bytes.Buffer
	if err := s.NarFromPath(ctx, p, &buf); err != nil {
		if errdefs.IsInvalidPath(err) {
			fmt.Fprintln(w, "0")
			return nil
		}
		return err
	}
	fmt.Fprintf(w, "%d\n", buf.Len())
	_, err = w.Write(buf.Bytes())
	return err
}
