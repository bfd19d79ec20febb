package oracle

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"predictex.com/pkg/logger"
	"predictex.com/pkg/metrics"
)

type entry struct {
	quote Quote
	stale bool
}

// Feed 单协程轮询 + 最后已知值缓存。
// 轮询失败不会让 Snapshot 报错，只把缓存标记为 stale；只有从未拿到过价格才返回 ErrUnavailable。
type Feed struct {
	provider Provider
	assets   []string
	interval time.Duration

	mu    sync.RWMutex
	cache map[string]*entry
}

func NewFeed(provider Provider, assets []string, interval time.Duration) *Feed {
	if interval <= 0 {
		interval = time.Second
	}
	norm := make([]string, 0, len(assets))
	seen := make(map[string]struct{}, len(assets))
	for _, a := range assets {
		a = NormalizeAsset(a)
		if _, ok := seen[a]; ok || a == "" {
			continue
		}
		seen[a] = struct{}{}
		norm = append(norm, a)
	}
	sort.Strings(norm)
	return &Feed{
		provider: provider,
		assets:   norm,
		interval: interval,
		cache:    make(map[string]*entry, len(norm)),
	}
}

// Assets 跟踪的资产
func (f *Feed) Assets() []string { return append([]string(nil), f.assets...) }

// Tracks 是否跟踪该资产
func (f *Feed) Tracks(asset string) bool {
	asset = NormalizeAsset(asset)
	for _, a := range f.assets {
		if a == asset {
			return true
		}
	}
	return false
}

// Run 立即拉一次，然后每个 interval 拉一次，直到 ctx 取消。
// 不会中途取消进行中的请求，单次请求由 provider 自身的超时约束。
func (f *Feed) Run(ctx context.Context) error {
	_ = f.Refresh(ctx)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_ = f.Refresh(context.WithoutCancel(ctx))
		}
	}
}

// Refresh 一次批量拉取并更新缓存
func (f *Feed) Refresh(ctx context.Context) error {
	quotes, err := f.provider.Fetch(ctx, f.assets)

	f.mu.Lock()
	defer f.mu.Unlock()

	if err != nil {
		for a, e := range f.cache {
			e.stale = true
			metrics.OracleStale.WithLabelValues(a).Set(1)
		}
		logger.Warn(ctx, "oracle refresh failed, serving cached prices", zap.Error(err))
		return err
	}

	for _, a := range f.assets {
		q, ok := quotes[a]
		if !ok || !q.Price.IsPositive() {
			if e := f.cache[a]; e != nil {
				e.stale = true
				metrics.OracleStale.WithLabelValues(a).Set(1)
			}
			continue
		}
		f.cache[a] = &entry{quote: q}
		metrics.OracleStale.WithLabelValues(a).Set(0)
	}
	return nil
}

// Snapshot 返回缓存的最新价格
func (f *Feed) Snapshot(asset string) (Snapshot, error) {
	asset = NormalizeAsset(asset)

	f.mu.RLock()
	var e entry
	cached, ok := f.cache[asset]
	if ok {
		e = *cached
	}
	f.mu.RUnlock()
	if !ok {
		return Snapshot{}, ErrUnavailable
	}

	s := Snapshot{
		Asset:      asset,
		Price:      e.quote.Price,
		Confidence: e.quote.Confidence,
		Timestamp:  e.quote.PublishTime,
		Stale:      e.stale,
	}
	if e.stale {
		s.Confidence = decimal.Zero
	}
	return s, nil
}
