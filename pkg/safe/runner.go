package safe

import (
	"context"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"predictex.com/pkg/logger"
)

// Go 安全启动协程
func Go(fn func()) {
	GoCtx(context.Background(), func(context.Context) { fn() })
}

// GoCtx 安全启动携带 context 的协程，日志保留请求链路信息
func GoCtx(ctx context.Context, fn func(ctx context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}

	go func() {
		defer recoverLog(ctx)
		fn(ctx)
	}()
}

// Loop 周期执行 fn 直到 ctx 取消；单次 panic 不会打断循环
func Loop(ctx context.Context, every time.Duration, fn func(ctx context.Context)) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			func() {
				defer recoverLog(ctx)
				fn(ctx)
			}()
		}
	}
}

func recoverLog(ctx context.Context) {
	if r := recover(); r != nil {
		logger.Error(ctx, "goroutine panic recovered",
			zap.Any("panic", r),
			zap.String("stack", string(debug.Stack())),
		)
	}
}
