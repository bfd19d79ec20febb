package app

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"predictex.com/internal/chain"
	"predictex.com/internal/chain/evm"
	"predictex.com/internal/chain/solana"
	"predictex.com/internal/deposit"
	"predictex.com/internal/gateway"
	"predictex.com/internal/ledger"
	"predictex.com/internal/ledger/repo/gormdb"
	"predictex.com/internal/oracle"
	"predictex.com/internal/referral"
	"predictex.com/internal/risk"
	"predictex.com/internal/round"
	"predictex.com/internal/withdraw"
	"predictex.com/pkg/bootstrap"
	"predictex.com/pkg/config"
	"predictex.com/pkg/hdwallet"
	"predictex.com/pkg/logger"
	"predictex.com/pkg/metrics"
	"predictex.com/pkg/orm"
	"predictex.com/pkg/ratelimit"
	"predictex.com/pkg/safe"
	"predictex.com/pkg/trace"
	"predictex.com/pkg/xredis"
)

// App 组装好的依赖，Run 和测试共用
type App struct {
	DB      *gorm.DB
	Redis   *redis.Client
	State   *gateway.State
	Router  http.Handler
	Workers []bootstrap.Worker

	closers []func(ctx context.Context) error
}

// Run 启动账本服务：外层只需传入 ctx
func Run(ctx context.Context) error {
	cfg := &Cfg{}
	var adminToken atomic.Value
	_, err := config.LoadAndWatch(ServiceName, cfg, func() {
		adminToken.Store(cfg.Admin.Token)
	})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.withDefaults()
	adminToken.Store(cfg.Admin.Token)

	if cfg.Log.File.Path != "" {
		logger.InitWithFile(cfg.Name, cfg.Log.Level, cfg.Log.File)
	} else {
		logger.Init(cfg.Name, cfg.Log.Level)
	}
	defer logger.Sync()
	logger.Info(ctx, "服务开始启动", zap.String("db", cfg.Db.Type), zap.Bool("redis", cfg.Redis.Enabled))

	shutdownTracer, err := trace.InitTrace(cfg.Name, cfg.OTel)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	if _, err := bootstrap.InitSentinel(&cfg.Sentinel); err != nil {
		return err
	}

	a, err := Build(ctx, cfg, func() string {
		s, _ := adminToken.Load().(string)
		return s
	})
	if err != nil {
		_ = shutdownTracer(context.Background())
		return err
	}

	return bootstrap.Run(ctx, bootstrap.Options{
		ServiceName: cfg.Name,
		HTTPAddr:    cfg.HTTP.Addr,
		Handler:     a.Router,
		Workers:     a.Workers,
		OnShutdown:  append([]func(context.Context) error{shutdownTracer}, a.closers...), // 逆序执行，tracer 最后 flush
		PprofAddr:   cfg.HTTP.PprofAddr,
	})
}

// Build 按配置创建存储、链上能力、行情和业务服务
func Build(ctx context.Context, cfg *Cfg, adminToken func() string) (*App, error) {
	cfg.withDefaults()
	a := &App{}

	db, err := orm.Open(&cfg.Db.Config)
	if err != nil {
		return nil, err
	}
	a.DB = db
	if sqlDB, err := db.DB(); err == nil {
		a.closers = append(a.closers, func(context.Context) error { return sqlDB.Close() })
	}
	if cfg.Db.AutoMigrate {
		if err := db.AutoMigrate(models()...); err != nil {
			return nil, fmt.Errorf("auto migrate: %w", err)
		}
	}

	cache := ledger.NewNoopCache()
	idem := withdraw.NewMemoryIdempotency()
	var (
		sweepLeader round.Leader
		riskLeader  risk.Leader
	)
	if cfg.Redis.Enabled {
		rdb, err := xredis.NewRedis(&cfg.Redis)
		if err != nil {
			return nil, err
		}
		a.Redis = rdb
		a.closers = append(a.closers, func(context.Context) error { return rdb.Close() })
		cache = ledger.NewRedisCache(rdb)
		idem = withdraw.NewRedisIdempotency(rdb)
		lock := xredis.NewRedisLockMaster(rdb)
		sweepLeader, riskLeader = lock, lock
	}

	reg, err := buildRegistry(ctx, cfg)
	if err != nil {
		return nil, err
	}
	feed, err := buildFeed(cfg)
	if err != nil {
		return nil, err
	}

	ledgerSvc := ledger.NewService(gormdb.New(db), cache)
	store := round.NewStore(db)
	engine := round.NewEngine(store, ledgerSvc, feed, cfg.roundConfig())
	processor := withdraw.NewProcessor(ledgerSvc, reg, withdraw.NewEvents(db), idem, cfg.withdrawConfig())
	refs := referral.NewService(db, cfg.referralConfig())
	monitor := risk.NewMonitor(store, ledgerSvc, refs)

	if err := processor.SyncPendingGauge(ctx); err != nil {
		logger.Warn(ctx, "sync reconciliation gauge failed", zap.Error(err))
	}

	a.State = &gateway.State{
		Ledger:          ledgerSvc,
		Rounds:          engine,
		Withdraw:        processor,
		Deposits:        deposit.NewService(ledgerSvc, reg, cfg.Withdraw.DefaultCurrency),
		Referral:        refs,
		Risk:            monitor,
		Prices:          feed,
		DefaultCurrency: cfg.Withdraw.DefaultCurrency,
		StreakThreshold: cfg.Risk.StreakThreshold,
	}
	a.Router = gateway.NewRouter(ctx, a.State, gateway.Options{
		ServiceName: cfg.Name,
		Tracing:     cfg.OTel.Enabled,
		RateRPS:     cfg.RateLimit.RPS,
		RateBurst:   cfg.RateLimit.Burst,
		AdminToken:  adminToken,
	})

	sweeper := round.NewSweeper(engine, sweepLeader, time.Duration(cfg.Round.SweepIntervalMs)*time.Millisecond, cfg.Round.SweepBatch)
	scheduler := risk.NewScheduler(monitor, riskLeader, cfg.Risk.ScanCron, cfg.Risk.StreakThreshold)
	a.Workers = []bootstrap.Worker{
		{Name: "oracle-feed", Run: feed.Run},
		{Name: "round-sweeper", Run: sweeper.Run},
		{Name: "risk-scan", Run: scheduler.Run},
		{Name: "pool-stats", Run: a.observePools},
	}
	return a, nil
}

func models() []any {
	out := gormdb.Models()
	out = append(out, round.Models()...)
	out = append(out, withdraw.Models()...)
	return append(out, referral.Models()...)
}

// buildRegistry 没配置 rpc 的链族只做地址校验，转账返回 ErrTransferUnsupported
func buildRegistry(ctx context.Context, cfg *Cfg) (*chain.Registry, error) {
	currencies, err := cfg.currencies()
	if err != nil {
		return nil, err
	}
	reg := chain.NewRegistry(currencies)

	if t := cfg.Treasury.EVM; t.RPCURL != "" {
		key, err := hdwallet.EVMKey(t.PrivateKey, t.Mnemonic, t.Index)
		if err != nil {
			return nil, fmt.Errorf("evm treasury key: %w", err)
		}
		tr, err := evm.Dial(ctx, t.RPCURL, key, t.Decimals)
		if err != nil {
			return nil, err
		}
		reg.Register(tr)
		logger.Info(ctx, "evm treasury ready", zap.String("address", tr.Address().Hex()))
	}
	if t := cfg.Treasury.Solana; t.RPCURL != "" {
		tr, err := solana.Dial(t.RPCURL, t.PrivateKey, t.RPS)
		if err != nil {
			return nil, err
		}
		reg.Register(tr)
		logger.Info(ctx, "solana treasury ready", zap.String("address", tr.Address().String()))
	}
	return reg, nil
}

func buildFeed(cfg *Cfg) (*oracle.Feed, error) {
	providers := make([]oracle.Provider, 0, len(cfg.Oracle.Providers))
	for _, name := range cfg.Oracle.Providers {
		switch name {
		case "hermes":
			providers = append(providers, oracle.NewHermes(cfg.Oracle.HermesURL, cfg.Oracle.Assets,
				&http.Client{Timeout: cfg.oracleTimeout()}))
		case "random_walk":
			providers = append(providers, oracle.NewRandomWalk(uint64(time.Now().UnixNano()), 0.001, 0))
		default:
			return nil, fmt.Errorf("unknown oracle provider %q", name)
		}
	}
	assets := make([]string, 0, len(cfg.Oracle.Assets))
	for a := range cfg.Oracle.Assets {
		assets = append(assets, a)
	}
	breakers := ratelimit.NewManager(cfg.Oracle.Breaker, nil)
	ranked := oracle.NewRanked(cfg.oracleTimeout(), breakers, providers...)
	return oracle.NewFeed(ranked, assets, time.Duration(cfg.Oracle.IntervalMs)*time.Millisecond), nil
}

// observePools 采集 DB / Redis 连接池指标
func (a *App) observePools(ctx context.Context) error {
	sqlDB, err := a.DB.DB()
	if err != nil {
		return err
	}
	safe.Loop(ctx, 5*time.Second, func(context.Context) {
		st := sqlDB.Stats()
		metrics.DbPoolOpen.Set(float64(st.OpenConnections))
		metrics.DbPoolIdle.Set(float64(st.Idle))
		metrics.DbPoolInuse.Set(float64(st.InUse))
		metrics.DbPoolWaitCount.Set(float64(st.WaitCount))
		metrics.DbPoolWaitDuration.Set(st.WaitDuration.Seconds())

		if a.Redis != nil {
			rs := a.Redis.PoolStats()
			metrics.RedisPoolOpen.Set(float64(rs.TotalConns))
			metrics.RedisPoolIdle.Set(float64(rs.IdleConns))
			metrics.RedisPoolMiss.Set(float64(rs.Misses))
			metrics.RedisTimeouts.Set(float64(rs.Timeouts))
		}
	})
	return nil
}
