package round

import (
	"context"
	"time"

	"go.uber.org/zap"
	"predictex.com/pkg/logger"
	"predictex.com/pkg/safe"
)

const sweeperLockKey = "predictex:lock:round-sweeper"

// Leader 多实例时只有持锁节点扫描；xredis.RedisLockMaster 实现
type Leader interface {
	TryAcquireMaster(ctx context.Context, key string, ttl time.Duration) bool
}

// Sweeper 周期扫描到期的局并结算
type Sweeper struct {
	engine   *Engine
	leader   Leader
	interval time.Duration
	batch    int
}

// NewSweeper leader 为 nil 时每个实例都扫，MarkSettled 的条件更新保证不会重复结算
func NewSweeper(engine *Engine, leader Leader, interval time.Duration, batch int) *Sweeper {
	if interval <= 0 {
		interval = time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{engine: engine, leader: leader, interval: interval, batch: batch}
}

func (s *Sweeper) Run(ctx context.Context) error {
	logger.Info(ctx, "round sweeper started", zap.Duration("interval", s.interval))
	safe.Loop(ctx, s.interval, func(ctx context.Context) {
		s.Sweep(ctx)
	})
	return nil
}

// Sweep 单次扫描，返回成功结算的数量
func (s *Sweeper) Sweep(ctx context.Context) int {
	if s.leader != nil && !s.leader.TryAcquireMaster(ctx, sweeperLockKey, 3*s.interval) {
		return 0
	}
	due, err := s.engine.store.Due(ctx, s.engine.now(), s.batch)
	if err != nil {
		logger.Error(ctx, "load due bets failed", zap.Error(err))
		return 0
	}
	n := 0
	for _, b := range due {
		if ctx.Err() != nil {
			break
		}
		bet, err := s.engine.Settle(ctx, b.ID)
		if err != nil {
			// 已记录，下一轮重试
			continue
		}
		if bet.State == StateSettled {
			n++
		}
	}
	return n
}
