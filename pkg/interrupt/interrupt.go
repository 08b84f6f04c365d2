// Package interrupt 实现协作式取消：一个进程级中断标志，
// 所有实质性操作边界都要轮询它。
package interrupt

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"buildvault/pkg/errdefs"
)

var flag atomic.Bool

// Set 置位中断标志。信号处理器和测试调用。
func Set() {
	flag.Store(true)
}

// Reset 清除标志 (REPL 式调用方在两次操作之间复位用)。
func Reset() {
	flag.Store(false)
}

// Check 在标志置位时返回 ErrInterrupted。
// 约定：每次网络/文件系统往返前后各查一次，拷贝循环里按块查。
func Check() error {
	if flag.Load() {
		return errdefs.ErrInterrupted
	}
	return nil
}

// Install 把 SIGINT / SIGTERM 接到中断标志上。
// 第二次信号直接退出，给卡死的 I/O 留一条生路。
func Install() {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ch
		Set()
		<-ch
		os.Exit(130)
	}()
}
