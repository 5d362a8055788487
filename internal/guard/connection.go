package guard

import (
	"context"
	"errors"
	"fmt"
)

// ErrConnectionFailed 无法建立到设备的连接
var ErrConnectionFailed = errors.New("无法连接设备")

// Opener 可按需打开和关闭的连接
type Opener interface {
	IsOpen() bool
	Open(ctx context.Context) error
	Close() error
}

// Connect 在连接打开期间执行 fn。已打开的连接保持打开，否则由本次调用打开并在返回前关闭
func Connect(ctx context.Context, conn Opener, fn func(ctx context.Context) error) (err error) {
	if conn.IsOpen() {
		return fn(ctx)
	}
	if err := conn.Open(ctx); err != nil {
		return fmt.Errorf("%w: %w", err, ErrConnectionFailed)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(ctx)
}
