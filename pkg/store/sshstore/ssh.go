// Package sshstore 实现 SSH 可达对等端后端。
// 每条连接是一个远端 "bv-store --serve" 进程，走行式协议；
// 连接由固定容量的池管理。传输细节 (多路复用等) 交给系统 ssh。
package sshstore

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"buildvault/pkg/derivation"
	"buildvault/pkg/errdefs"
	"buildvault/pkg/interrupt"
	"buildvault/pkg/store"
	"buildvault/pkg/storepath"
)

// serveProtocolVersion 本地能说的协议版本。
const serveProtocolVersion = 1

// Store SSH 后端。远端只读：AddToStore 等写操作 Unsupported。
type Store struct {
	*store.Base
	host string
	pool *pool
}

func init() {
	store.Register("ssh", func(scheme, rest string) bool {
		return scheme == "ssh"
	}, factory)
}

func factory(uri, scheme, rest string, params *store.Params, cfg *store.Config) (store.Store, error) {
	if rest == "" {
		return nil, errdefs.Format("ssh store URI '%s' lacks a host", uri)
	}
	maxConn := cfg.MaxConnections
	if v := params.Get("max-connections", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, errdefs.Format("bad max-connections '%s'", v)
		}
		maxConn = n
	}
	priority := 50
	if v := params.Get("priority", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, errdefs.Format("bad priority '%s'", v)
		}
		priority = n
	}
	remoteCmd := params.Get("remote-program", "bv-store")

	s := &Store{host: rest}
	s.Base = store.NewBase(cfg.StoreDir, uri, priority, cfg, s)
	s.pool = newPool(maxConn, func(ctx context.Context) (*connection, error) {
		return s.dial(ctx, remoteCmd)
	})
	return s, nil
}

// dial 拉起一条 ssh 连接并完成版本握手。
func (s *Store) dial(ctx context.Context, remoteCmd string) (*connection, error) {
	cmd := exec.CommandContext(ctx, "ssh", s.host, remoteCmd, "--serve")
	in, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("cannot start ssh to '%s': %w", s.host, err)
	}
	c := &connection{cmd: cmd, in: in, out: bufio.NewReader(out)}

	if _, err := fmt.Fprintf(in, "BV_SERVE %d\n", serveProtocolVersion); err != nil {
		c.close()
		return nil, err
	}
	greeting, err := c.out.ReadString('\n')
	if err != nil {
		c.close()
		return nil, fmt.Errorf("%w: no greeting from '%s'", errdefs.ErrEndOfFile, s.host)
	}
	fields := strings.Fields(greeting)
	if len(fields) != 2 || fields[0] != "BV_SERVE" {
		c.close()
		return nil, fmt.Errorf("%w: unexpected greeting '%s'", errdefs.ErrProtocolMismatch, strings.TrimSpace(greeting))
	}
	ver, err := strconv.Atoi(fields[1])
	if err != nil || ver != serveProtocolVersion {
		c.close()
		return nil, fmt.Errorf("%w: remote '%s' speaks version %s", errdefs.ErrProtocolMismatch, s.host, fields[1])
	}
	c.protocol = ver
	return c, nil
}

// withConn 借一条连接跑 fn，出错标 bad。
func (s *Store) withConn(ctx context.Context, fn func(c *connection) error) error {
	if err := interrupt.Check(); err != nil {
		return err
	}
	c, err := s.pool.acquire(ctx)
	if err != nil {
		return err
	}
	defer s.pool.release(c)
	if err := fn(c); err != nil {
		if !errdefs.IsInvalidPath(err) {
			c.bad = true
		}
		return err
	}
	return nil
}

func (s *Store) Connect(ctx context.Context) error {
	return s.withConn(ctx, func(*connection) error { return nil })
}

func (s *Store) Protocol() int { return serveProtocolVersion }

func (s *Store) QueryPathInfoUncached(ctx context.Context, p storepath.StorePath) (*store.ValidPathInfo, error) {
	var info *store.ValidPathInfo
	err := s.withConn(ctx, func(c *connection) error {
		if _, err := fmt.Fprintf(c.in, "info %s\n", s.Dir().Path(p)); err != nil {
			return err
		}
		status, err := c.out.ReadString('\n')
		if err != nil {
			return errdefs.ErrEndOfFile
		}
		if strings.TrimSpace(status) == "0" {
			return errdefs.InvalidPath(s.Dir().Path(p))
		}
		decoded, err := store.DecodeValidityRegistration(s.Dir(), c.out, true)
		if err != nil {
			return err
		}
		if decoded == nil {
			return errdefs.ErrEndOfFile
		}
		info = decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// QueryValidPaths 覆盖默认扇出：一次往返批量问远端。
func (s *Store) QueryValidPaths(ctx context.Context, paths []storepath.StorePath, substitute bool) ([]storepath.StorePath, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	var valid []storepath.StorePath
	err := s.withConn(ctx, func(c *connection) error {
		if _, err := fmt.Fprintf(c.in, "have %d\n", len(paths)); err != nil {
			return err
		}
		for _, p := range paths {
			if _, err := fmt.Fprintln(c.in, s.Dir().Path(p)); err != nil {
				return err
			}
		}
		countLine, err := c.out.ReadString('\n')
		if err != nil {
			return errdefs.ErrEndOfFile
		}
		n, err := strconv.Atoi(strings.TrimSpace(countLine))
		if err != nil || n < 0 || n > len(paths) {
			return errdefs.Format("bad have-count '%s'", strings.TrimSpace(countLine))
		}
		for i := 0; i < n; i++ {
			line, err := c.out.ReadString('\n')
			if err != nil {
				return errdefs.ErrEndOfFile
			}
			p, err := s.Dir().Parse(strings.TrimSpace(line))
			if err != nil {
				return err
			}
			valid = append(valid, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return storepath.SortSet(valid), nil
}

func (s *Store) NarFromPath(ctx context.Context, p storepath.StorePath, sink io.Writer) error {
	return s.withConn(ctx, func(c *connection) error {
		if _, err := fmt.Fprintf(c.in, "nar %s\n", s.Dir().Path(p)); err != nil {
			return err
		}
		sizeLine, err := c.out.ReadString('\n')
		if err != nil {
			return errdefs.ErrEndOfFile
		}
		trimmed := strings.TrimSpace(sizeLine)
		if trimmed == "0" {
			return errdefs.InvalidPath(s.Dir().Path(p))
		}
		size, err := strconv.ParseUint(trimmed, 10, 64)
		if err != nil {
			return errdefs.Format("bad nar size '%s'", trimmed)
		}
		n, err := io.CopyN(sink, c.out, int64(size))
		if err != nil || uint64(n) != size {
			return fmt.Errorf("%w: nar for '%s' from '%s' is incomplete",
				errdefs.ErrEndOfFile, s.Dir().Path(p), s.host)
		}
		return nil
	})
}

// 远端只读。

func (s *Store) AddToStore(ctx context.Context, info *store.ValidPathInfo, nar io.Reader, repair, checkSigs bool) error {
	return errdefs.Unsupported("addToStore")
}

func (s *Store) BuildDerivation(ctx context.Context, drvPath storepath.StorePath, drv *derivation.Derivation) error {
	return errdefs.Unsupported("buildDerivation")
}
