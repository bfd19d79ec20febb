package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"runtime"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"predictex.com/pkg/logger"
	"predictex.com/pkg/safe"
)

// Worker 后台任务（oracle 轮询、结算 sweeper、风控 cron），ctx 取消时返回
type Worker struct {
	Name string
	Run  func(ctx context.Context) error
}

// Options 由具体服务注入 HTTP handler、后台任务和关闭钩子
type Options struct {
	ServiceName string
	HTTPAddr    string
	Handler     http.Handler

	Workers []Worker

	// 按注册顺序的逆序执行
	OnShutdown []func(ctx context.Context) error

	PprofAddr       string
	ShutdownTimeout time.Duration
}

// Run 启动 HTTP 服务和后台任务，ctx 取消后优雅退出
func Run(ctx context.Context, opt Options) error {
	if opt.ServiceName == "" || opt.HTTPAddr == "" || opt.Handler == nil {
		return errors.New("bootstrap: missing required options")
	}
	if opt.ShutdownTimeout <= 0 {
		opt.ShutdownTimeout = 10 * time.Second
	}

	srv := &http.Server{
		Addr:              opt.HTTPAddr,
		Handler:           opt.Handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if opt.PprofAddr != "" {
		startPprof(opt.PprofAddr)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range opt.Workers {
		w := w
		g.Go(func() error {
			logger.Info(gctx, "worker started", zap.String("worker", w.Name))
			if err := w.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("worker %s: %w", w.Name, err)
			}
			logger.Info(gctx, "worker stopped", zap.String("worker", w.Name))
			return nil
		})
	}

	g.Go(func() error {
		logger.Info(gctx, "http listening", zap.String("service", opt.ServiceName), zap.String("addr", opt.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info(context.Background(), "shutdown signal received")
		c, cancel := context.WithTimeout(context.Background(), opt.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(c)
	})

	err := g.Wait()

	c, cancel := context.WithTimeout(context.Background(), opt.ShutdownTimeout)
	defer cancel()
	for i := len(opt.OnShutdown) - 1; i >= 0; i-- {
		if e := opt.OnShutdown[i](c); e != nil {
			logger.Warn(c, "shutdown hook error", zap.Error(e))
		}
	}
	logger.Info(c, "service stopped", zap.String("service", opt.ServiceName))
	return err
}

func startPprof(addr string) {
	runtime.SetMutexProfileFraction(10)
	runtime.SetBlockProfileRate(10000)

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 3 * time.Second,
	}

	safe.Go(func() {
		logger.Info(context.Background(), "pprof listening", zap.String("addr", srv.Addr))
		if e := srv.ListenAndServe(); e != nil && e != http.ErrServerClosed {
			logger.Warn(context.Background(), "pprof listen error", zap.Error(e))
		}
	})
}
