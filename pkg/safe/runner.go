package safe

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"

	"twsrx.com/pkg/logger"
)

// Go 安全启动协程
func Go(fn func()) {
	GoWith(context.Background(), fn, nil)
}

// GoWith 安全启动协程；panic 时记日志并回调 onPanic（可为 nil）。
// 读循环用它把 panic 转成会话级故障。
func GoWith(ctx context.Context, fn func(), onPanic func(r any)) {
	if ctx == nil {
		ctx = context.Background()
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error(ctx, "goroutine panic recovered",
					zap.Any("panic", r),
					zap.String("stack", string(debug.Stack())),
				)
				if onPanic != nil {
					onPanic(r)
				}
			}
		}()

		fn()
	}()
}

// PanicError 把 recover 得到的值包装成 error
func PanicError(r any) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", r)
}
