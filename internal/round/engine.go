package round

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"predictex.com/internal/chain"
	"predictex.com/internal/ledger"
	"predictex.com/internal/oracle"
	"predictex.com/pkg/logger"
	"predictex.com/pkg/metrics"
	"predictex.com/pkg/orm"
	"predictex.com/pkg/xerr"
)

// PriceSource 价格快照，oracle.Feed 实现
type PriceSource interface {
	Snapshot(asset string) (oracle.Snapshot, error)
	Tracks(asset string) bool
}

// Ledger 下注扣款、派奖入账
type Ledger interface {
	Debit(ctx context.Context, op ledger.Op) (*ledger.Receipt, error)
	Credit(ctx context.Context, op ledger.Op) (*ledger.Receipt, error)
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
	AccountStatus(ctx context.Context, address string) (string, error)
}

// RetryPolicy 结算时预言机不可用的退避参数
type RetryPolicy struct {
	Base     time.Duration // 第一次等待
	Max      time.Duration // 单次等待上限
	Attempts int           // 单次 Settle 内的尝试次数
	// ManualAfter 累计多少次 Settle 失败后转人工处理
	ManualAfter int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: 200 * time.Millisecond, Max: 2 * time.Second, Attempts: 4, ManualAfter: 10}
}

type Config struct {
	MaxBoxMultiplier decimal.Decimal
	MaxDurationSec   int
	Retry            RetryPolicy
}

type Engine struct {
	store  *Store
	ledger Ledger
	prices PriceSource
	cfg    Config
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewEngine(store *Store, l Ledger, prices PriceSource, cfg Config) *Engine {
	if cfg.MaxBoxMultiplier.IsZero() {
		cfg.MaxBoxMultiplier = decimal.NewFromInt(20)
	}
	if cfg.MaxDurationSec <= 0 {
		cfg.MaxDurationSec = 300
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	return &Engine{
		store:  store,
		ledger: l,
		prices: prices,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		sleep:  sleepCtx,
	}
}

type PlaceRequest struct {
	Address     string          `json:"address"`
	Asset       string          `json:"asset"`
	Direction   string          `json:"direction"`
	Mode        string          `json:"mode"`
	Currency    string          `json:"currency"`
	Network     string          `json:"network"`
	Amount      decimal.Decimal `json:"amount"`
	DurationSec int             `json:"duration"`
	// 格子模式下单时的倍率，下单后固定
	Multiplier decimal.Decimal `json:"multiplier"`
}

func (e *Engine) normalize(req *PlaceRequest) (decimal.Decimal, error) {
	req.Address = chain.Normalize(req.Address)
	req.Asset = oracle.NormalizeAsset(req.Asset)
	req.Direction = strings.ToUpper(strings.TrimSpace(req.Direction))
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	req.Network = strings.ToUpper(strings.TrimSpace(req.Network))
	if req.Mode == "" {
		req.Mode = ModeClassic
	}
	if req.Network == "" {
		req.Network = req.Currency
	}

	if ok, _ := chain.Validate(req.Address); !ok {
		return decimal.Zero, xerr.NewErrCode(xerr.InvalidAddress)
	}
	if req.Currency == "" {
		return decimal.Zero, xerr.New(xerr.RequestParamsError, "currency is required")
	}
	if !req.Amount.IsPositive() {
		return decimal.Zero, xerr.New(xerr.RequestParamsError, "amount must be positive")
	}
	if req.Direction != DirectionUp && req.Direction != DirectionDown {
		return decimal.Zero, xerr.New(xerr.RequestParamsError, "direction must be UP or DOWN")
	}
	if !e.prices.Tracks(req.Asset) {
		return decimal.Zero, xerr.New(xerr.RequestParamsError, fmt.Sprintf("asset %s is not tracked", req.Asset))
	}

	switch req.Mode {
	case ModeClassic:
		m, ok := ClassicMultiplier(req.DurationSec)
		if !ok {
			return decimal.Zero, xerr.New(xerr.RequestParamsError, fmt.Sprintf("unsupported duration %ds", req.DurationSec))
		}
		return m, nil
	case ModeBox:
		if req.DurationSec <= 0 || req.DurationSec > e.cfg.MaxDurationSec {
			return decimal.Zero, xerr.New(xerr.RequestParamsError, "invalid duration")
		}
		if req.Multiplier.LessThanOrEqual(decimal.NewFromInt(1)) || req.Multiplier.GreaterThan(e.cfg.MaxBoxMultiplier) {
			return decimal.Zero, xerr.New(xerr.RequestParamsError, "invalid box multiplier")
		}
		return req.Multiplier, nil
	default:
		return decimal.Zero, xerr.New(xerr.RequestParamsError, "unknown mode")
	}
}

// Place 校验后在一个事务里扣本金并写入 LOCKED 状态的下注
func (e *Engine) Place(ctx context.Context, req PlaceRequest) (*Bet, error) {
	multiplier, err := e.normalize(&req)
	if err != nil {
		return nil, err
	}

	status, err := e.ledger.AccountStatus(ctx, req.Address)
	if err != nil {
		return nil, err
	}
	if status == ledger.StatusBanned {
		return nil, xerr.New(xerr.Forbidden, "account is banned")
	}

	active, err := e.store.Active(ctx, req.Address)
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "load active bet failed")
	}
	if active != nil {
		return nil, xerr.NewErrCode(xerr.RoundInProgress)
	}

	snap, err := e.prices.Snapshot(req.Asset)
	if err != nil {
		return nil, err
	}
	if snap.Stale {
		// 下注必须用新鲜价格
		return nil, xerr.New(xerr.OracleUnavailable, "price is stale")
	}

	now := e.now()
	key := req.Address
	bet := &Bet{
		ID:            uuid.NewString(),
		WalletAddress: req.Address,
		Asset:         req.Asset,
		Direction:     req.Direction,
		Mode:          req.Mode,
		Currency:      req.Currency,
		Amount:        req.Amount,
		Multiplier:    multiplier,
		DurationSec:   req.DurationSec,
		EntryPrice:    snap.Price,
		Payout:        decimal.Zero,
		Network:       req.Network,
		State:         StateLocked,
		ActiveKey:     &key,
		CreatedAt:     now,
		ResolveAt:     now.Add(time.Duration(req.DurationSec) * time.Second),
	}

	err = e.ledger.InTx(ctx, func(ctx context.Context) error {
		if _, err := e.ledger.Debit(ctx, ledger.Op{
			Address:  req.Address,
			Currency: req.Currency,
			Amount:   req.Amount,
			Type:     ledger.OpBetStake,
			Ref:      bet.ID,
		}); err != nil {
			return err
		}
		if err := e.store.Create(ctx, bet); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return xerr.NewErrCode(xerr.RoundInProgress)
			}
			return xerr.Wrap(err, xerr.DbError, "create bet failed")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.BetsPlacedTotal.WithLabelValues(req.Mode).Inc()
	logger.Info(ctx, "bet placed",
		zap.String("bet_id", bet.ID),
		zap.String("address", bet.WalletAddress),
		zap.String("asset", bet.Asset),
		zap.String("direction", bet.Direction),
		zap.String("amount", bet.Amount.String()),
		zap.String("entry", bet.EntryPrice.String()))
	return bet, nil
}

// Settle 未到期直接返回；到期后读取退出价，条件更新 + 派奖在同一事务
func (e *Engine) Settle(ctx context.Context, id string) (*Bet, error) {
	bet, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if bet.State != StateLocked || e.now().Before(bet.ResolveAt) {
		return bet, nil
	}

	snap, err := e.exitSnapshot(ctx, bet.Asset)
	if err != nil {
		return nil, e.recordFailure(ctx, bet, err)
	}

	won := Outcome(bet.Direction, bet.EntryPrice, snap.Price)
	payout := Payout(bet.Amount, bet.Multiplier, won)
	settled, err := e.settle(ctx, bet, snap.Price, won, payout)
	if err != nil {
		logger.Error(ctx, "bet settlement failed", zap.String("bet_id", bet.ID), zap.Error(err))
		return nil, err
	}
	if settled {
		logger.Info(ctx, "bet settled",
			zap.String("bet_id", bet.ID),
			zap.String("exit", snap.Price.String()),
			zap.Bool("won", won),
			zap.String("payout", payout.String()),
			zap.Bool("stale_price", snap.Stale))
	}
	return e.Get(ctx, id)
}

// settle 条件更新和派奖同一事务；返回 false 说明已被别处结算
func (e *Engine) settle(ctx context.Context, bet *Bet, exit decimal.Decimal, won bool, payout decimal.Decimal) (bool, error) {
	settled := false
	err := e.ledger.InTx(ctx, func(ctx context.Context) error {
		ok, err := e.store.MarkSettled(ctx, bet.ID, exit, payout, won, e.now())
		if err != nil {
			return xerr.Wrap(err, xerr.DbError, "settle bet failed")
		}
		if !ok {
			return nil
		}
		settled = true
		if !won {
			return nil
		}
		_, err = e.ledger.Credit(ctx, ledger.Op{
			Address:  bet.WalletAddress,
			Currency: bet.Currency,
			Amount:   payout,
			Type:     ledger.OpBetPayout,
			Ref:      bet.ID,
		})
		return err
	})
	if err != nil || !settled {
		return false, err
	}
	outcome := "lost"
	if won {
		outcome = "won"
	}
	metrics.BetsSettledTotal.WithLabelValues(outcome).Inc()
	return true, nil
}

// ResolveRequest 人工处理一局：给出退出价按正常规则结算，或作废退回本金
type ResolveRequest struct {
	ExitPrice decimal.NullDecimal `json:"exitPrice"`
	Void      bool                `json:"void"`
}

// Resolve 预言机长期不可用时由运营给出结果。只处理到期且仍为 LOCKED 的局
func (e *Engine) Resolve(ctx context.Context, id string, req ResolveRequest) (*Bet, error) {
	if req.Void == req.ExitPrice.Valid {
		return nil, xerr.New(xerr.RequestParamsError, "exactly one of exitPrice or void is required")
	}
	if req.ExitPrice.Valid && !req.ExitPrice.Decimal.IsPositive() {
		return nil, xerr.New(xerr.RequestParamsError, "exitPrice must be positive")
	}
	bet, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if bet.State != StateLocked {
		return nil, xerr.New(xerr.DuplicateRequest, fmt.Sprintf("bet is already %s", bet.State))
	}
	if e.now().Before(bet.ResolveAt) {
		return nil, xerr.New(xerr.RequestParamsError, "bet is not due yet")
	}

	if req.Void {
		err = e.void(ctx, bet)
	} else {
		exit := req.ExitPrice.Decimal
		won := Outcome(bet.Direction, bet.EntryPrice, exit)
		var ok bool
		ok, err = e.settle(ctx, bet, exit, won, Payout(bet.Amount, bet.Multiplier, won))
		if err == nil && !ok {
			err = xerr.New(xerr.DuplicateRequest, "bet already resolved")
		}
	}
	if err != nil {
		return nil, err
	}
	logger.Warn(ctx, "bet resolved manually",
		zap.String("bet_id", bet.ID),
		zap.Bool("void", req.Void),
		zap.String("exit", req.ExitPrice.Decimal.String()),
		zap.Int("attempts", bet.SettleAttempts))
	return e.Get(ctx, id)
}

func (e *Engine) void(ctx context.Context, bet *Bet) error {
	err := e.ledger.InTx(ctx, func(ctx context.Context) error {
		ok, err := e.store.MarkVoid(ctx, bet.ID, e.now())
		if err != nil {
			return xerr.Wrap(err, xerr.DbError, "void bet failed")
		}
		if !ok {
			return xerr.New(xerr.DuplicateRequest, "bet already resolved")
		}
		_, err = e.ledger.Credit(ctx, ledger.Op{
			Address:  bet.WalletAddress,
			Currency: bet.Currency,
			Amount:   bet.Amount,
			Type:     ledger.OpBetRefund,
			Ref:      bet.ID,
		})
		return err
	})
	if err != nil {
		return err
	}
	metrics.BetsSettledTotal.WithLabelValues("void").Inc()
	return nil
}

// exitSnapshot 有界指数退避。缓存过期的价格也接受，结算不能卡住
func (e *Engine) exitSnapshot(ctx context.Context, asset string) (oracle.Snapshot, error) {
	p := e.cfg.Retry
	wait := p.Base
	var lastErr error
	for i := 0; i < p.Attempts; i++ {
		snap, err := e.prices.Snapshot(asset)
		if err == nil {
			return snap, nil
		}
		lastErr = err
		if i == p.Attempts-1 {
			break
		}
		if err := e.sleep(ctx, wait); err != nil {
			return oracle.Snapshot{}, err
		}
		wait *= 2
		if wait > p.Max {
			wait = p.Max
		}
	}
	return oracle.Snapshot{}, lastErr
}

// recordFailure 不会判输；累计到上限标记人工处理
func (e *Engine) recordFailure(ctx context.Context, bet *Bet, cause error) error {
	manual := bet.SettleAttempts+1 >= e.cfg.Retry.ManualAfter
	if err := e.store.RecordAttempt(ctx, bet.ID, manual); err != nil {
		logger.Error(ctx, "record settle attempt failed", zap.String("bet_id", bet.ID), zap.Error(err))
	}
	if manual {
		metrics.BetsSettledTotal.WithLabelValues("manual").Inc()
		logger.Error(ctx, "bet settlement needs manual resolution",
			zap.String("bet_id", bet.ID),
			zap.String("asset", bet.Asset),
			zap.Int("attempts", bet.SettleAttempts+1),
			zap.Error(cause))
	} else {
		logger.Warn(ctx, "oracle unavailable at settlement, will retry",
			zap.String("bet_id", bet.ID), zap.Error(cause))
	}
	if xerr.IsCode(cause, xerr.OracleUnavailable) {
		return cause
	}
	return xerr.Wrap(cause, xerr.OracleUnavailable, "price oracle unavailable")
}

func (e *Engine) Get(ctx context.Context, id string) (*Bet, error) {
	bet, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "load bet failed")
	}
	if bet == nil {
		return nil, xerr.New(xerr.RecordNotFound, "bet not found")
	}
	return bet, nil
}

func (e *Engine) RecentBets(ctx context.Context, address string, limit int) ([]Bet, error) {
	rows, err := e.store.Recent(ctx, chain.Normalize(address), orm.ClampLimit(limit, 20, 200))
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "load bets failed")
	}
	return rows, nil
}

// Leaderboard limit 默认 10
func (e *Engine) Leaderboard(ctx context.Context, limit int, network string) ([]LeaderRow, error) {
	rows, err := e.store.Leaderboard(ctx, orm.ClampLimit(limit, 10, 100), strings.ToUpper(network))
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "load leaderboard failed")
	}
	return rows, nil
}

// ManualQueue 需要人工结算的局
func (e *Engine) ManualQueue(ctx context.Context) ([]Bet, error) {
	rows, err := e.store.Manual(ctx)
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "load manual bets failed")
	}
	return rows, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
