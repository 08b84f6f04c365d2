package sshstore

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"sync"
)

// connection 一条到远端 serve 进程的活连接。
// 任何 I/O 错误都把它标记为 bad；bad 连接归还时直接丢弃，绝不复用。
type connection struct {
	cmd      *exec.Cmd
	in       io.WriteCloser
	out      *bufio.Reader
	protocol int
	bad      bool
}

func (c *connection) close() {
	_ = c.in.Close()
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	_ = c.cmd.Wait()
}

// pool 容量固定的连接池。
type pool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	idle   []*connection
	live   int
	cap    int
	dialFn func(ctx context.Context) (*connection, error)
}

func newPool(capacity int, dial func(ctx context.Context) (*connection, error)) *pool {
	if capacity < 1 {
		capacity = 1
	}
	p := &pool{cap: capacity, dialFn: dial}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// acquire 取一条连接：优先复用空闲的，容量没满就新建，否则等待。
func (p *pool) acquire(ctx context.Context) (*connection, error) {
	p.mu.Lock()
	for {
		if n := len(p.idle); n > 0 {
			c := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.mu.Unlock()
			return c, nil
		}
		if p.live < p.cap {
			p.live++
			p.mu.Unlock()
			c, err := p.dialFn(ctx)
			if err != nil {
				p.mu.Lock()
				p.live--
				p.cond.Signal()
				p.mu.Unlock()
				return nil, err
			}
			return c, nil
		}
		p.cond.Wait()
	}
}

// release 归还连接。bad 的直接关掉腾出名额。
func (p *pool) release(c *connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c.bad {
		c.close()
		p.live--
	} else {
		p.idle = append(p.idle, c)
	}
	p.cond.Signal()
}
