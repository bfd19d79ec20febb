package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"predictex.com/pkg/logger"
	"predictex.com/pkg/metrics"
)

const (
	scanLockKey = "predictex:lock:risk-scan"
	scanTimeout = 5 * time.Minute
)

type Leader interface {
	TryAcquireMaster(ctx context.Context, key string, ttl time.Duration) bool
}

// Scheduler 按 cron 表达式定时扫描连胜
type Scheduler struct {
	monitor   *Monitor
	leader    Leader
	spec      string
	threshold int
	cron      *cron.Cron
}

// NewScheduler spec 为空时每 5 分钟一次
func NewScheduler(m *Monitor, leader Leader, spec string, threshold int) *Scheduler {
	if spec == "" {
		spec = "@every 5m"
	}
	return &Scheduler{
		monitor:   m,
		leader:    leader,
		spec:      spec,
		threshold: threshold,
		cron:      cron.New(),
	}
}

func (s *Scheduler) Run(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.spec, func() {
		sctx, cancel := context.WithTimeout(ctx, scanTimeout)
		defer cancel()
		s.Scan(sctx)
	})
	if err != nil {
		return fmt.Errorf("add risk scan job: %w", err)
	}
	s.cron.Start()
	logger.Info(ctx, "risk scheduler started", zap.String("spec", s.spec), zap.Int("threshold", s.threshold))

	<-ctx.Done()
	<-s.cron.Stop().Done()
	logger.Info(context.Background(), "risk scheduler stopped")
	return nil
}

// Scan 单次扫描，非 leader 节点直接跳过
func (s *Scheduler) Scan(ctx context.Context) []Streak {
	if s.leader != nil && !s.leader.TryAcquireMaster(ctx, scanLockKey, scanTimeout) {
		return nil
	}
	flagged, err := s.monitor.Flagged(ctx, s.threshold)
	if err != nil {
		logger.Error(ctx, "risk scan failed", zap.Error(err))
		return nil
	}
	metrics.RiskFlaggedWallets.Set(float64(len(flagged)))
	for _, f := range flagged {
		logger.Warn(ctx, "win streak above threshold",
			zap.String("address", f.Address),
			zap.Int("longest", f.Longest),
			zap.Int("threshold", s.threshold))
	}
	return flagged
}
