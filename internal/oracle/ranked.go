package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"predictex.com/pkg/logger"
	"predictex.com/pkg/metrics"
	"predictex.com/pkg/ratelimit"
)

// Ranked 按配置顺序依次尝试 provider，第一个成功的胜出。
// 每个 provider 单独限时，并有各自的熔断器，连续失败的源会被跳过直到半开探测成功。
type Ranked struct {
	providers []Provider
	breakers  *ratelimit.Manager
	timeout   time.Duration
}

func NewRanked(timeout time.Duration, breakers *ratelimit.Manager, providers ...Provider) *Ranked {
	if timeout <= 0 {
		timeout = 800 * time.Millisecond
	}
	if breakers == nil {
		breakers = ratelimit.NewManager(ratelimit.Rule{}, nil)
	}
	return &Ranked{providers: providers, breakers: breakers, timeout: timeout}
}

func (r *Ranked) Name() string { return "ranked" }

func (r *Ranked) Fetch(ctx context.Context, assets []string) (map[string]Quote, error) {
	if len(r.providers) == 0 {
		return nil, errors.New("oracle: no providers configured")
	}

	var errs []error
	for _, p := range r.providers {
		quotes, err := r.fetchOne(ctx, p, assets)
		if err == nil {
			return quotes, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Debug(ctx, "oracle provider failed, trying next", zap.String("provider", p.Name()), zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}
	return nil, errors.Join(errs...)
}

func (r *Ranked) fetchOne(ctx context.Context, p Provider, assets []string) (map[string]Quote, error) {
	var quotes map[string]Quote
	start := time.Now()

	err := r.breakers.Do("oracle:"+p.Name(), func() error {
		c, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		q, err := p.Fetch(c, assets)
		if err != nil {
			return err
		}
		if len(q) == 0 {
			return errors.New("empty quote set")
		}
		quotes = q
		return nil
	})

	metrics.OracleFetchDuration.WithLabelValues(p.Name()).Observe(time.Since(start).Seconds())
	switch {
	case err == nil:
		metrics.OracleFetchTotal.WithLabelValues(p.Name(), "ok").Inc()
	case ratelimit.IsOpen(err):
		metrics.OracleFetchTotal.WithLabelValues(p.Name(), "breaker_open").Inc()
	default:
		metrics.OracleFetchTotal.WithLabelValues(p.Name(), "error").Inc()
	}
	return quotes, err
}
