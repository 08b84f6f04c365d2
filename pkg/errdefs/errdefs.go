// Package errdefs 定义全仓库共享的错误判别式 (Error Discriminants)
// 每一种错误都是调用方可以用 errors.Is 精确识别的独立类别。
// 各子系统 (解析器 / 注册表 / 后端) 只允许返回这里定义的类别或普通错误，
// 不允许自造哨兵，否则上层的重试 / 降级逻辑无法路由。
package errdefs

import (
	"errors"
	"fmt"
)

// 哨兵错误 (Sentinels)
// 用 errors.Is(err, ErrXxx) 判别类别；带上下文的实例通过下面的构造函数创建。
var (
	// ErrInvalidPath 路径不存在或被负缓存命中。
	// 约定：QueryValidPaths 内部吞掉它，绝不向上传播。
	ErrInvalidPath = errors.New("path is not valid")

	// ErrFormat 文本解析失败 (derivation / content address / CID)
	// 对所在的解析过程永远是致命的。
	ErrFormat = errors.New("format error")

	// ErrHashMismatch 取回字节的重算哈希与期望不符。
	// 有备用 substituter 时触发换源重试，否则原样上抛。
	ErrHashMismatch = errors.New("hash mismatch")

	// ErrSignature 没有可信签名，且路径不是自验证的内容寻址路径。
	ErrSignature = errors.New("no valid signature")

	// ErrNotInStore 文件系统路径经符号链接逃出了 store 根目录。
	ErrNotInStore = errors.New("path is not in the store")

	// ErrUnsupported 后端不支持请求的操作。
	ErrUnsupported = errors.New("operation not supported by this store")

	// ErrProtocolMismatch 远端说的协议版本本地无法处理。
	ErrProtocolMismatch = errors.New("protocol version mismatch")

	// ErrEndOfFile 传输流提前终止。
	ErrEndOfFile = errors.New("unexpected end of stream")

	// ErrInterrupted 协作式取消：中断标志被置位。
	ErrInterrupted = errors.New("interrupted")
)

// InvalidPath 构造带路径上下文的 ErrInvalidPath。
func InvalidPath(path string) error {
	return fmt.Errorf("path '%s' %w", path, ErrInvalidPath)
}

// Format 构造带格式化消息的 ErrFormat。
func Format(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrFormat, fmt.Sprintf(format, args...))
}

// HashMismatch 构造带期望值/实际值的 ErrHashMismatch。
func HashMismatch(what, expected, actual string) error {
	return fmt.Errorf("%w for '%s': expected %s, got %s", ErrHashMismatch, what, expected, actual)
}

// Unsupported 构造带操作名的 ErrUnsupported。
// 每个后端都要如实声明自己做不到什么，调用方必须准备好处理这一类别。
func Unsupported(op string) error {
	return fmt.Errorf("%w: %s", ErrUnsupported, op)
}

// NotInStore 构造带路径上下文的 ErrNotInStore。
func NotInStore(path string) error {
	return fmt.Errorf("%w: '%s'", ErrNotInStore, path)
}

// IsInvalidPath 判别 ErrInvalidPath 类别。
func IsInvalidPath(err error) bool {
	return errors.Is(err, ErrInvalidPath)
}

// IsUnsupported 判别 ErrUnsupported 类别。
func IsUnsupported(err error) bool {
	return errors.Is(err, ErrUnsupported)
}
