package app

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"predictex.com/internal/chain"
	"predictex.com/internal/oracle"
	"predictex.com/internal/referral"
	"predictex.com/internal/round"
	"predictex.com/internal/withdraw"
	"predictex.com/pkg/bootstrap"
	"predictex.com/pkg/logger"
	"predictex.com/pkg/orm"
	"predictex.com/pkg/ratelimit"
	"predictex.com/pkg/trace"
	"predictex.com/pkg/xredis"
)

const ServiceName = "ledger-service"

type Cfg struct {
	Name      string                `mapstructure:"name"`
	HTTP      HTTP                  `mapstructure:"http"`
	Log       Log                   `mapstructure:"log"`
	Db        DB                    `mapstructure:"db"`
	Redis     xredis.Config         `mapstructure:"redis"`
	OTel      trace.Config          `mapstructure:"otel"`
	Oracle    Oracle                `mapstructure:"oracle"`
	Round     Round                 `mapstructure:"round"`
	Withdraw  Withdraw              `mapstructure:"withdraw"`
	Treasury  Treasury              `mapstructure:"treasury"`
	Referral  Referral              `mapstructure:"referral"`
	Risk      Risk                  `mapstructure:"risk"`
	Admin     Admin                 `mapstructure:"admin"`
	RateLimit RateLimit             `mapstructure:"ratelimit"`
	Sentinel  bootstrap.SentinelCfg `mapstructure:"sentinel"`
}

type HTTP struct {
	Addr      string `mapstructure:"addr"`
	PprofAddr string `mapstructure:"pprof_addr"`
}

type Log struct {
	Level string            `mapstructure:"level"`
	File  logger.FileConfig `mapstructure:",squash"`
}

type DB struct {
	orm.Config  `mapstructure:",squash"`
	AutoMigrate bool `mapstructure:"auto_migrate"`
}

type Oracle struct {
	IntervalMs int               `mapstructure:"interval_ms"`
	TimeoutMs  int               `mapstructure:"timeout_ms"`
	HermesURL  string            `mapstructure:"hermes_url"`
	Providers  []string          `mapstructure:"providers"` // hermes / random_walk，按顺序降级
	Assets     map[string]string `mapstructure:"assets"`    // 资产 -> pyth feed id
	Breaker    ratelimit.Rule    `mapstructure:"breaker"`
}

type Round struct {
	SweepIntervalMs  int    `mapstructure:"sweep_interval_ms"`
	SweepBatch       int    `mapstructure:"sweep_batch"`
	MaxBoxMultiplier string `mapstructure:"max_box_multiplier"`
	MaxDurationSec   int    `mapstructure:"max_duration_sec"`
	SettleRetry      struct {
		BaseMs      int `mapstructure:"base_ms"`
		MaxMs       int `mapstructure:"max_ms"`
		Attempts    int `mapstructure:"attempts"`
		ManualAfter int `mapstructure:"manual_after"`
	} `mapstructure:"settle_retry"`
}

type Withdraw struct {
	FeeRate         string            `mapstructure:"fee_rate"`
	DefaultCurrency string            `mapstructure:"default_currency"`
	Currencies      map[string]string `mapstructure:"currencies"` // 币种 -> 链族
	LegacyFallback  map[string]string `mapstructure:"legacy_fallback"`
}

type Treasury struct {
	EVM struct {
		RPCURL     string `mapstructure:"rpc_url"`
		PrivateKey string `mapstructure:"private_key"`
		Mnemonic   string `mapstructure:"mnemonic"`
		Index      uint32 `mapstructure:"index"`
		Decimals   int32  `mapstructure:"decimals"`
	} `mapstructure:"evm"`
	Solana struct {
		RPCURL     string `mapstructure:"rpc_url"`
		PrivateKey string `mapstructure:"private_key"` // base58
		RPS        int    `mapstructure:"rps"`
	} `mapstructure:"solana"`
}

type Referral struct {
	Prefix         string   `mapstructure:"prefix"`
	LegacyPrefixes []string `mapstructure:"legacy_prefixes"`
}

type Risk struct {
	StreakThreshold int    `mapstructure:"streak_threshold"`
	ScanCron        string `mapstructure:"scan_cron"`
}

type Admin struct {
	Token string `mapstructure:"token"`
}

type RateLimit struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// withDefaults 最小配置也能跑：sqlite + 随机游走价格
func (c *Cfg) withDefaults() {
	if c.Name == "" {
		c.Name = ServiceName
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = "0.0.0.0:8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Db.Type == "" {
		c.Db.Type = orm.TypeSQLite
	}
	if c.Db.Type == orm.TypeSQLite && c.Db.DSN == "" {
		c.Db.DSN = "file:ledger.db?_busy_timeout=5000"
	}
	if c.Oracle.IntervalMs <= 0 {
		c.Oracle.IntervalMs = 1000
	}
	if c.Oracle.TimeoutMs <= 0 {
		c.Oracle.TimeoutMs = 3000
	}
	if len(c.Oracle.Providers) == 0 {
		c.Oracle.Providers = []string{"hermes", "random_walk"}
	}
	if len(c.Oracle.Assets) == 0 {
		c.Oracle.Assets = oracle.DefaultFeedIDs
	}
	if c.Round.SweepIntervalMs <= 0 {
		c.Round.SweepIntervalMs = 1000
	}
	if c.Withdraw.DefaultCurrency == "" {
		c.Withdraw.DefaultCurrency = withdraw.DefaultConfig().DefaultCurrency
	}
	if c.Risk.StreakThreshold <= 0 {
		c.Risk.StreakThreshold = 10
	}
}

func (c *Cfg) oracleTimeout() time.Duration {
	return time.Duration(c.Oracle.TimeoutMs) * time.Millisecond
}

func (c *Cfg) roundConfig() round.Config {
	out := round.Config{MaxDurationSec: c.Round.MaxDurationSec}
	if m, err := decimal.NewFromString(c.Round.MaxBoxMultiplier); err == nil {
		out.MaxBoxMultiplier = m
	}
	r := c.Round.SettleRetry
	if r.Attempts > 0 {
		out.Retry = round.RetryPolicy{
			Base:        time.Duration(r.BaseMs) * time.Millisecond,
			Max:         time.Duration(r.MaxMs) * time.Millisecond,
			Attempts:    r.Attempts,
			ManualAfter: r.ManualAfter,
		}
	}
	return out
}

func (c *Cfg) withdrawConfig() withdraw.Config {
	out := withdraw.Config{
		DefaultCurrency: strings.ToUpper(c.Withdraw.DefaultCurrency),
		LegacyFallback:  upperKeys(c.Withdraw.LegacyFallback),
	}
	if f, err := decimal.NewFromString(c.Withdraw.FeeRate); err == nil {
		out.FeeRate = f
	}
	return out
}

func (c *Cfg) referralConfig() referral.Config {
	return referral.Config{Prefix: c.Referral.Prefix, LegacyPrefixes: c.Referral.LegacyPrefixes}
}

// currencies 配置里的 "币种: 链族" 转成 chain.Family；空配置用默认表
func (c *Cfg) currencies() (map[string]chain.Family, error) {
	if len(c.Withdraw.Currencies) == 0 {
		return nil, nil
	}
	out := make(map[string]chain.Family, len(c.Withdraw.Currencies))
	for cur, fam := range c.Withdraw.Currencies {
		f, err := chain.ParseFamily(fam)
		if err != nil {
			return nil, err
		}
		out[strings.ToUpper(cur)] = f
	}
	return out, nil
}

func upperKeys(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToUpper(k)] = strings.ToUpper(v)
	}
	return out
}
