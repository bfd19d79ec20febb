package bootstrap

import (
	"context"
	"fmt"
	"strings"

	sentinels "github.com/alibaba/sentinel-golang/api"
	"github.com/alibaba/sentinel-golang/core/circuitbreaker"
	"github.com/alibaba/sentinel-golang/core/flow"

	"predictex.com/pkg/logger"
)

// SentinelCfg 流控/熔断规则，资源名与 middleware.Sentinel 一致："METHOD:route"
type SentinelCfg struct {
	Enabled bool          `mapstructure:"enabled"`
	Flow    FlowSection   `mapstructure:"flow"`
	Breaker BreakerConfig `mapstructure:"breaker"`
}

type FlowSection struct {
	Enabled bool       `mapstructure:"enabled"`
	Rules   []FlowRule `mapstructure:"rules"`
}

type FlowRule struct {
	Resource         string  `mapstructure:"resource"`
	Threshold        float64 `mapstructure:"threshold"`
	StatIntervalMs   uint32  `mapstructure:"stat_interval_ms"`
	Strategy         string  `mapstructure:"strategy"`
	Control          string  `mapstructure:"control"`
	MaxQueueWaitMs   uint32  `mapstructure:"max_queue_wait_ms"`
	WarmUpSec        uint32  `mapstructure:"warmup_sec"`
	WarmUpColdFactor uint32  `mapstructure:"warmup_cold_factor"`
}

type BreakerConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Rules   []BreakerRule `mapstructure:"rules"`
}

type BreakerRule struct {
	Resource         string  `mapstructure:"resource"`
	Strategy         string  `mapstructure:"strategy"`
	Threshold        float64 `mapstructure:"threshold"`
	StatIntervalMs   uint32  `mapstructure:"stat_interval_ms"`
	MinRequestAmount uint64  `mapstructure:"min_request_amount"`
	RetryTimeoutMs   uint64  `mapstructure:"retry_timeout_ms"`
}

// InitSentinel 未启用时什么都不做，返回 false
func InitSentinel(sc *SentinelCfg) (bool, error) {
	if sc == nil || !sc.Enabled {
		return false, nil
	}
	if err := sentinels.InitDefault(); err != nil {
		return false, fmt.Errorf("init sentinel: %w", err)
	}

	if rules := FlowRules(sc); len(rules) > 0 {
		if _, err := flow.LoadRules(rules); err != nil {
			return false, fmt.Errorf("load flow rules: %w", err)
		}
	}
	if rules := BreakerRules(sc); len(rules) > 0 {
		if _, err := circuitbreaker.LoadRules(rules); err != nil {
			return false, fmt.Errorf("load circuit breaker rules: %w", err)
		}
	}

	logger.Info(context.Background(), "sentinel initialized")
	return true, nil
}

func FlowRules(sc *SentinelCfg) []*flow.Rule {
	if !sc.Flow.Enabled {
		return nil
	}
	var out []*flow.Rule
	for _, rule := range sc.Flow.Rules {
		if rule.Resource == "" {
			continue
		}
		r := &flow.Rule{
			Resource:         rule.Resource,
			Threshold:        rule.Threshold,
			StatIntervalInMs: rule.StatIntervalMs,
		}
		switch strings.ToLower(rule.Strategy) {
		case "warmup":
			r.TokenCalculateStrategy = flow.WarmUp
			r.WarmUpPeriodSec = rule.WarmUpSec
			r.WarmUpColdFactor = rule.WarmUpColdFactor
		case "memory_adaptive":
			r.TokenCalculateStrategy = flow.MemoryAdaptive
		default:
			r.TokenCalculateStrategy = flow.Direct
		}

		switch strings.ToLower(rule.Control) {
		case "throttling":
			r.ControlBehavior = flow.Throttling
			r.MaxQueueingTimeMs = rule.MaxQueueWaitMs
		default:
			r.ControlBehavior = flow.Reject
		}
		out = append(out, r)
	}
	return out
}

func BreakerRules(sc *SentinelCfg) []*circuitbreaker.Rule {
	if !sc.Breaker.Enabled {
		return nil
	}
	var out []*circuitbreaker.Rule
	for _, rule := range sc.Breaker.Rules {
		if rule.Resource == "" {
			continue
		}
		r := &circuitbreaker.Rule{
			Resource:         rule.Resource,
			Threshold:        rule.Threshold,
			StatIntervalMs:   rule.StatIntervalMs,
			MinRequestAmount: rule.MinRequestAmount,
			RetryTimeoutMs:   uint32(rule.RetryTimeoutMs),
		}
		switch strings.ToLower(rule.Strategy) {
		case "error_count":
			r.Strategy = circuitbreaker.ErrorCount
		case "slow_request_ratio":
			r.Strategy = circuitbreaker.SlowRequestRatio
		default:
			r.Strategy = circuitbreaker.ErrorRatio
		}
		out = append(out, r)
	}
	return out
}
