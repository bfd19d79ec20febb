package withdraw

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
	"predictex.com/pkg/logger"
	"predictex.com/pkg/metrics"
	"predictex.com/pkg/orm"
	"predictex.com/pkg/xerr"
)

// ReconciliationMsg 告警规则按这个 message 匹配
const ReconciliationMsg = "ledger_reconciliation_required"

// Ledger 提现用到的账本能力
type Ledger interface {
	Lookup(ctx context.Context, address, currency string) (*ledger.BalanceView, error)
	Debit(ctx context.Context, op ledger.Op) (*ledger.Receipt, error)
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Transfers 按币种找到链上转账能力，chain.Registry 实现
type Transfers interface {
	FamilyOf(currency string) (chain.Family, bool)
	For(currency string) (chain.Capability, error)
}

type Config struct {
	FeeRate         decimal.Decimal
	Epsilon         decimal.Decimal
	DefaultCurrency string
	// LegacyFallback 账户不存在时尝试的历史币种键
	LegacyFallback map[string]string
	IdempotencyTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		FeeRate:         decimal.RequireFromString("0.02"),
		Epsilon:         decimal.New(1, -9),
		DefaultCurrency: "BCH",
		LegacyFallback:  map[string]string{"BCH": "ETH", "ETH": "BCH"},
		IdempotencyTTL:  24 * time.Hour,
	}
}

type Request struct {
	UserAddress string          `json:"userAddress"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	RequestID   string          `json:"-"`
}

// Result Success=true 且 Warning 非空表示转账已发出、账本待人工对账，调用方不可重试
type Result struct {
	Success    bool             `json:"success"`
	TxHash     string           `json:"txHash"`
	NewBalance *decimal.Decimal `json:"newBalance,omitempty"`
	Warning    string           `json:"warning,omitempty"`
	Error      string           `json:"error,omitempty"`
	EventID    string           `json:"eventId"`
	Currency   string           `json:"currency"`
	Fee        decimal.Decimal  `json:"fee"`
	NetAmount  decimal.Decimal  `json:"netAmount"`
}

type Processor struct {
	ledger    Ledger
	transfers Transfers
	events    *Events
	idem      Idempotency
	cfg       Config
}

func NewProcessor(l Ledger, transfers Transfers, events *Events, idem Idempotency, cfg Config) *Processor {
	def := DefaultConfig()
	if cfg.FeeRate.IsZero() {
		cfg.FeeRate = def.FeeRate
	}
	if cfg.Epsilon.IsZero() {
		cfg.Epsilon = def.Epsilon
	}
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = def.DefaultCurrency
	}
	if cfg.LegacyFallback == nil {
		cfg.LegacyFallback = def.LegacyFallback
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = def.IdempotencyTTL
	}
	if idem == nil {
		idem = NewMemoryIdempotency()
	}
	return &Processor{ledger: l, transfers: transfers, events: events, idem: idem, cfg: cfg}
}

// Withdraw 所有资金检查都在转账之前；转账发出后的任何错误都降级为告警
func (p *Processor) Withdraw(ctx context.Context, req Request) (*Result, error) {
	address := chain.Normalize(req.UserAddress)
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = p.cfg.DefaultCurrency
	}
	if address == "" {
		return nil, xerr.New(xerr.RequestParamsError, "userAddress is required")
	}
	if !req.Amount.IsPositive() {
		return nil, xerr.New(xerr.RequestParamsError, "withdrawal amount must be greater than zero")
	}

	if req.RequestID != "" {
		ok, err := p.idem.Claim(ctx, address, req.RequestID, p.cfg.IdempotencyTTL)
		if err != nil {
			return nil, xerr.Wrap(err, xerr.ServerCommonError, "系统繁忙")
		}
		if !ok {
			return nil, xerr.New(xerr.DuplicateRequest, "重复的请求，请稍后查询结果")
		}
	}

	res, sent, err := p.withdraw(ctx, address, currency, req)
	if err != nil && !sent && req.RequestID != "" {
		// 转账没发出，允许用同一个 request id 重试
		p.idem.Release(ctx, address, req.RequestID)
	}
	return res, err
}

func (p *Processor) withdraw(ctx context.Context, address, currency string, req Request) (*Result, bool, error) {
	// 1. 地址必须属于该币种的链族
	family, ok := p.transfers.FamilyOf(currency)
	if !ok {
		return nil, false, xerr.New(xerr.RequestParamsError, fmt.Sprintf("unsupported currency %s", currency))
	}
	if !chain.ValidateFor(address, family) {
		return nil, false, xerr.New(xerr.InvalidAddress, "invalid wallet address format")
	}

	// 2. 余额行，缺失时尝试历史币种键
	view, err := p.ledger.Lookup(ctx, address, currency)
	if xerr.IsCode(err, xerr.AccountNotFound) {
		if alt, ok := p.cfg.LegacyFallback[currency]; ok {
			view, err = p.ledger.Lookup(ctx, address, alt)
		}
	}
	if err != nil {
		return nil, false, err
	}
	resolved := view.Currency

	// 3. 冻结、封禁都不能提现
	if view.Status == ledger.StatusFrozen || view.Status == ledger.StatusBanned {
		return nil, false, xerr.New(xerr.Forbidden, fmt.Sprintf("account is %s, withdrawals are disabled", view.Status))
	}

	// 4. 业务层容差
	amount := req.Amount
	if view.Balance.LessThan(amount.Sub(p.cfg.Epsilon)) {
		return nil, false, xerr.New(xerr.InsufficientFunds, fmt.Sprintf("insufficient house balance in %s", resolved))
	}
	debit := amount
	if view.Balance.LessThan(amount) {
		// 容差内的差额不留到账本层，否则转账后必然扣款失败
		debit = view.Balance
	}

	// 5. 手续费留在金库
	fee := amount.Mul(p.cfg.FeeRate)
	net := amount.Sub(fee)

	capability, err := p.transfers.For(resolved)
	if err != nil {
		return nil, false, xerr.Wrap(err, xerr.TransferFailure, "transfer failed")
	}

	key := activeKey(address, resolved)
	ev := &Event{
		ID:                uuid.NewString(),
		RequestID:         req.RequestID,
		UserAddress:       address,
		Currency:          resolved,
		RequestedCurrency: currency,
		Amount:            amount,
		DebitAmount:       debit,
		Fee:               fee,
		NetAmount:         net,
		Status:            StatusRequested,
		ActiveKey:         &key,
	}
	if err := p.events.Create(ctx, ev); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, false, xerr.NewErrCode(xerr.WithdrawalInProgress)
		}
		return nil, false, xerr.Wrap(err, xerr.DbError, "create withdrawal event failed")
	}

	logger.Info(ctx, "withdrawal transfer start",
		zap.String("event_id", ev.ID),
		zap.String("address", address),
		zap.String("currency", resolved),
		zap.String("amount", amount.String()),
		zap.String("debit", debit.String()),
		zap.String("fee", fee.String()),
		zap.String("net", net.String()))

	// 6. 不可逆。从这里开始不再跟随请求取消
	ctx = context.WithoutCancel(ctx)
	txHash, err := capability.Transfer(ctx, address, net)
	if err != nil {
		if e := p.events.MarkFailed(ctx, ev.ID, err.Error()); e != nil {
			logger.Error(ctx, "mark withdrawal failed error", zap.String("event_id", ev.ID), zap.Error(e))
		}
		metrics.WithdrawalsTotal.WithLabelValues(resolved, "transfer_failed").Inc()
		logger.Error(ctx, "withdrawal transfer failed", zap.String("event_id", ev.ID), zap.Error(err))
		return nil, false, xerr.Wrap(err, xerr.TransferFailure, fmt.Sprintf("withdrawal failed: %v", err))
	}

	res := &Result{
		Success:   true,
		TxHash:    txHash,
		EventID:   ev.ID,
		Currency:  resolved,
		Fee:       fee,
		NetAmount: net,
	}

	// 7. 按总额扣款，和事件状态同一事务
	var rc *ledger.Receipt
	err = p.ledger.InTx(ctx, func(ctx context.Context) error {
		var err error
		rc, err = p.ledger.Debit(ctx, ledger.Op{
			Address:  address,
			Currency: resolved,
			Amount:   debit,
			Type:     ledger.OpWithdrawal,
			TxHash:   txHash,
			Ref:      ev.ID,
		})
		if err != nil {
			return err
		}
		ok, err := p.events.MarkApplied(ctx, ev.ID, StatusRequested, txHash)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("withdrawal event %s left requested state", ev.ID)
		}
		return nil
	})
	if err != nil {
		// 8. 资金已出金库，账本未更新
		p.flagReconciliation(ctx, ev, txHash, err)
		res.Warning = fmt.Sprintf("%s sent but balance update failed. Please contact support.", resolved)
		res.Error = err.Error()
		return res, true, nil
	}

	balance := rc.BalanceAfter
	res.NewBalance = &balance
	metrics.WithdrawalsTotal.WithLabelValues(resolved, "ok").Inc()
	logger.Info(ctx, "withdrawal applied",
		zap.String("event_id", ev.ID),
		zap.String("tx_hash", txHash),
		zap.String("new_balance", balance.String()))
	return res, true, nil
}

func (p *Processor) flagReconciliation(ctx context.Context, ev *Event, txHash string, cause error) {
	if err := p.events.MarkLedgerPending(ctx, ev.ID, txHash, cause.Error()); err != nil {
		logger.Error(ctx, "persist reconciliation state failed", zap.String("event_id", ev.ID), zap.Error(err))
	}
	metrics.WithdrawalsTotal.WithLabelValues(ev.Currency, "ledger_pending").Inc()
	metrics.ReconciliationPending.Inc()
	logger.Error(ctx, ReconciliationMsg,
		zap.String("event_id", ev.ID),
		zap.String("address", ev.UserAddress),
		zap.String("currency", ev.Currency),
		zap.String("amount", ev.Amount.String()),
		zap.String("tx_hash", txHash),
		zap.Int("code", xerr.LedgerReconciliation),
		zap.Error(cause))
}

// Resolve 人工对账：按记录的 tx hash 补扣事件上的实际扣款额
func (p *Processor) Resolve(ctx context.Context, eventID string) (*Event, error) {
	ev, err := p.events.Get(ctx, eventID)
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "load withdrawal event failed")
	}
	if ev == nil {
		return nil, xerr.New(xerr.RecordNotFound, "withdrawal event not found")
	}
	if ev.Status != StatusLedgerPending {
		return nil, xerr.New(xerr.RequestParamsError, fmt.Sprintf("event is %s, nothing to reconcile", ev.Status))
	}
	txHash := ""
	if ev.TxHash != nil {
		txHash = *ev.TxHash
	}
	debit := ev.DebitAmount
	if !debit.IsPositive() {
		// 加列之前写入的事件
		debit = ev.Amount
	}

	err = p.ledger.InTx(ctx, func(ctx context.Context) error {
		if _, err := p.ledger.Debit(ctx, ledger.Op{
			Address:  ev.UserAddress,
			Currency: ev.Currency,
			Amount:   debit,
			Type:     ledger.OpWithdrawal,
			TxHash:   txHash,
			Ref:      ev.ID,
		}); err != nil {
			return err
		}
		ok, err := p.events.MarkApplied(ctx, ev.ID, StatusLedgerPending, txHash)
		if err != nil {
			return xerr.Wrap(err, xerr.DbError, "update withdrawal event failed")
		}
		if !ok {
			return xerr.New(xerr.DuplicateRequest, "event already resolved")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.ReconciliationPending.Dec()
	logger.Info(ctx, "withdrawal reconciled", zap.String("event_id", ev.ID), zap.String("tx_hash", txHash))
	return p.events.Get(ctx, eventID)
}

// Pending 等待人工对账的提现
func (p *Processor) Pending(ctx context.Context, limit int) ([]Event, error) {
	rows, err := p.events.ListByStatus(ctx, StatusLedgerPending, orm.ClampLimit(limit, 100, 1000))
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "list pending withdrawals failed")
	}
	return rows, nil
}

// SyncPendingGauge 启动时按库里的待对账数初始化 gauge
func (p *Processor) SyncPendingGauge(ctx context.Context) error {
	n, err := p.events.CountByStatus(ctx, StatusLedgerPending)
	if err != nil {
		return err
	}
	metrics.ReconciliationPending.Set(float64(n))
	return nil
}
