package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	"predictex.com/internal/ledger/repo"
	"predictex.com/internal/ledger/repo/model"
	"predictex.com/pkg/logger"
	"predictex.com/pkg/metrics"
	"predictex.com/pkg/orm"
	"predictex.com/pkg/xerr"
)

const defaultRetries = 3

// errVersionConflict 乐观锁冲突，外层重试
var errVersionConflict = errors.New("ledger: balance version conflict")

// Service 余额唯一的写入方。Debit/Credit 各自是一个事务：锁行、校验、更新、写审计
type Service struct {
	repo    repo.Repo
	cache   Cache
	sf      singleflight.Group
	ttl     time.Duration
	retries int
	// gens 每次失效 +1，回填前后对比，防止旧读覆盖新值
	gens sync.Map
}

func NewService(r repo.Repo, cache Cache) *Service {
	if cache == nil {
		cache = NewNoopCache()
	}
	return &Service{
		repo:    r,
		cache:   cache,
		ttl:     10 * time.Minute,
		retries: defaultRetries,
	}
}

// Debit 余额不足（含账户不存在）返回 InsufficientFunds，这一层不做 epsilon 容差
func (s *Service) Debit(ctx context.Context, op Op) (*Receipt, error) {
	return s.apply(ctx, "debit", op)
}

// Credit 首次入账时建账户
func (s *Service) Credit(ctx context.Context, op Op) (*Receipt, error) {
	return s.apply(ctx, "credit", op)
}

// Deposit 充值入账，同一币种的 tx hash 只能入账一次，重复返回 DuplicateRequest
func (s *Service) Deposit(ctx context.Context, op Op) (*Receipt, error) {
	op.TxHash = strings.TrimSpace(op.TxHash)
	if op.TxHash == "" {
		return nil, xerr.New(xerr.RequestParamsError, "txHash is required")
	}
	op.Type = OpDeposit
	rc, err := s.apply(ctx, "deposit", op)
	if err != nil {
		return nil, err
	}
	logger.Info(ctx, "deposit credited",
		zap.String("address", rc.Address),
		zap.String("currency", rc.Currency),
		zap.String("amount", rc.Amount.String()),
		zap.String("tx_hash", op.TxHash))
	return rc, nil
}

func (s *Service) apply(ctx context.Context, kind string, op Op) (*Receipt, error) {
	op.Currency = strings.ToUpper(strings.TrimSpace(op.Currency))
	if op.Address == "" || op.Currency == "" {
		return nil, xerr.New(xerr.RequestParamsError, "address and currency are required")
	}
	if !op.Amount.IsPositive() {
		return nil, xerr.New(xerr.RequestParamsError, "amount must be positive")
	}

	start := time.Now()
	// 已在外层事务里时不能重试：冲突要让外层整体回滚
	attempts := s.retries
	if orm.InTx(ctx) {
		attempts = 1
	}

	var (
		rc  *Receipt
		err error
	)
	for i := 0; i < attempts; i++ {
		err = s.repo.Transaction(ctx, func(ctx context.Context) error {
			var e error
			rc, e = s.applyTx(ctx, kind, op)
			return e
		})
		if !errors.Is(err, errVersionConflict) {
			break
		}
	}
	metrics.LedgerOpDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())

	s.invalidate(ctx, op.Address, op.Currency)
	if err != nil {
		metrics.LedgerOpsTotal.WithLabelValues(kind, resultLabel(err)).Inc()
		if _, ok := xerr.As(err); ok {
			return nil, err
		}
		logger.Error(ctx, "ledger apply failed",
			zap.String("op", kind),
			zap.String("address", op.Address),
			zap.String("currency", op.Currency),
			zap.Error(err))
		return nil, xerr.Wrap(err, xerr.DbError, "ledger update failed")
	}
	metrics.LedgerOpsTotal.WithLabelValues(kind, "ok").Inc()
	return rc, nil
}

func (s *Service) applyTx(ctx context.Context, kind string, op Op) (*Receipt, error) {
	row, err := s.repo.FindBalanceForUpdate(ctx, op.Address, op.Currency)
	if err != nil {
		return nil, err
	}

	before := decimal.Zero
	var after decimal.Decimal
	switch {
	case row == nil && kind == "debit":
		return nil, xerr.NewErrCode(xerr.InsufficientFunds)
	case row == nil:
		after = op.Amount
		row = &model.UserBalance{
			UserAddress: op.Address,
			Currency:    op.Currency,
			Balance:     after,
			Status:      StatusActive,
			Tier:        TierFree,
		}
		if err := s.repo.CreateBalance(ctx, row); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				// 并发首次入账，重试时行已存在
				return nil, errVersionConflict
			}
			return nil, err
		}
	default:
		before = row.Balance
		if kind == "debit" {
			if before.LessThan(op.Amount) {
				return nil, xerr.NewErrCode(xerr.InsufficientFunds)
			}
			after = before.Sub(op.Amount)
		} else {
			after = before.Add(op.Amount)
		}
		ok, err := s.repo.UpdateBalance(ctx, row.ID, row.Version, after)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errVersionConflict
		}
	}

	entry := &model.AuditLogEntry{
		UserAddress:   op.Address,
		Currency:      op.Currency,
		OperationType: op.Type,
		Amount:        op.Amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Ref:           op.Ref,
	}
	if entry.OperationType == "" {
		entry.OperationType = OpManualAdjust
	}
	if op.TxHash != "" {
		h := op.TxHash
		entry.TxHash = &h
		if entry.OperationType == OpDeposit {
			k := depositKey(op.Currency, op.TxHash)
			entry.DepositKey = &k
		}
	}
	if err := s.repo.AppendAudit(ctx, entry); err != nil {
		if entry.DepositKey != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, xerr.New(xerr.DuplicateRequest, "transaction already credited")
		}
		return nil, err
	}
	touch(ctx, op.Address, op.Currency)

	return &Receipt{
		Address:       op.Address,
		Currency:      op.Currency,
		Amount:        op.Amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		AuditID:       entry.ID,
	}, nil
}

// GetBalance 读路径：缓存 -> singleflight -> DB。账户不存在返回 Exists=false 的零余额
func (s *Service) GetBalance(ctx context.Context, address, currency string) (*BalanceView, error) {
	currency = strings.ToUpper(currency)
	if v, ok, err := s.cache.GetBalance(ctx, address, currency); err == nil && ok {
		metrics.CacheHitsTotal.WithLabelValues("hit").Inc()
		return v, nil
	} else if err != nil {
		metrics.CacheHitsTotal.WithLabelValues("error").Inc()
		logger.Warn(ctx, "balance cache get failed", zap.Error(err))
	} else {
		metrics.CacheHitsTotal.WithLabelValues("miss").Inc()
	}

	// singleflight 防击穿
	key := address + ":" + currency
	v, err, _ := s.sf.Do(key, func() (interface{}, error) {
		gen := s.gen(key)
		seen := gen.Load()
		row, err := s.repo.FindBalance(ctx, address, currency)
		if err != nil {
			return nil, err
		}
		view := emptyView(address, currency)
		if row != nil {
			view = viewOf(row)
		}
		if err := s.cache.SetBalance(ctx, view, s.ttl); err != nil {
			logger.Warn(ctx, "balance cache set failed", zap.Error(err))
		}
		// 读库期间有写入提交，回填的可能是旧值
		if gen.Load() != seen {
			s.invalidate(ctx, address, currency)
		}
		return view, nil
	})
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "load balance failed")
	}
	return v.(*BalanceView).clone(), nil
}

// Lookup 不走缓存；账户不存在返回 AccountNotFound
func (s *Service) Lookup(ctx context.Context, address, currency string) (*BalanceView, error) {
	row, err := s.repo.FindBalance(ctx, address, strings.ToUpper(currency))
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "load balance failed")
	}
	if row == nil {
		return nil, xerr.NewErrCode(xerr.AccountNotFound)
	}
	return viewOf(row), nil
}

func (s *Service) ListBalances(ctx context.Context, address string) ([]*BalanceView, error) {
	rows, err := s.repo.ListBalances(ctx, address)
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "list balances failed")
	}
	out := make([]*BalanceView, 0, len(rows))
	for i := range rows {
		out = append(out, viewOf(&rows[i]))
	}
	return out, nil
}

// ListAccounts 按地址分页列出所有余额行，管理端使用
func (s *Service) ListAccounts(ctx context.Context, page, size int) ([]*BalanceView, error) {
	rows, err := s.repo.ListAccounts(ctx, page, size)
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "list accounts failed")
	}
	out := make([]*BalanceView, 0, len(rows))
	for i := range rows {
		out = append(out, viewOf(&rows[i]))
	}
	return out, nil
}

// AccountStatus 取地址的状态；多币种行状态一致，取第一行。无账户视为 active
func (s *Service) AccountStatus(ctx context.Context, address string) (string, error) {
	rows, err := s.repo.ListBalances(ctx, address)
	if err != nil {
		return "", xerr.Wrap(err, xerr.DbError, "load status failed")
	}
	if len(rows) == 0 {
		return StatusActive, nil
	}
	return rows[0].Status, nil
}

// SetStatus 修改该地址所有币种行的状态，不影响余额
func (s *Service) SetStatus(ctx context.Context, address, status string) error {
	if !ValidStatus(status) {
		return xerr.New(xerr.RequestParamsError, fmt.Sprintf("unknown status %q", status))
	}
	n, err := s.repo.UpdateStatus(ctx, address, status)
	if err != nil {
		return xerr.Wrap(err, xerr.DbError, "update status failed")
	}
	if n == 0 {
		return xerr.NewErrCode(xerr.AccountNotFound)
	}
	rows, err := s.repo.ListBalances(ctx, address)
	if err == nil {
		for _, r := range rows {
			s.invalidate(ctx, address, r.Currency)
		}
	}
	logger.Info(ctx, "account status changed", zap.String("address", address), zap.String("status", status))
	return nil
}

func (s *Service) AuditTrail(ctx context.Context, address string, limit int) ([]model.AuditLogEntry, error) {
	rows, err := s.repo.ListAudit(ctx, address, orm.ClampLimit(limit, 50, 500))
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "list audit failed")
	}
	return rows, nil
}

// InTx 在一个事务里组合余额变更和调用方自己的写入，提交后再清缓存
func (s *Service) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if orm.InTx(ctx) {
		return fn(ctx)
	}
	t := &touched{keys: map[[2]string]struct{}{}}
	err := s.repo.Transaction(context.WithValue(ctx, touchedKey{}, t), fn)
	for k := range t.keys {
		s.invalidate(ctx, k[0], k[1])
	}
	return err
}

// invalidate 先递增代数再删缓存，顺序不能反
func (s *Service) invalidate(ctx context.Context, address, currency string) {
	s.gen(address + ":" + currency).Add(1)
	if err := s.cache.DelBalance(ctx, address, currency); err != nil {
		logger.Warn(ctx, "balance cache del failed", zap.String("address", address), zap.Error(err))
	}
}

func (s *Service) gen(key string) *atomic.Uint64 {
	if g, ok := s.gens.Load(key); ok {
		return g.(*atomic.Uint64)
	}
	g, _ := s.gens.LoadOrStore(key, new(atomic.Uint64))
	return g.(*atomic.Uint64)
}

func depositKey(currency, txHash string) string {
	return currency + ":" + strings.ToLower(txHash)
}

type touchedKey struct{}

type touched struct {
	mu   sync.Mutex
	keys map[[2]string]struct{}
}

func touch(ctx context.Context, address, currency string) {
	if t, ok := ctx.Value(touchedKey{}).(*touched); ok {
		t.mu.Lock()
		t.keys[[2]string{address, currency}] = struct{}{}
		t.mu.Unlock()
	}
}

func resultLabel(err error) string {
	switch xerr.CodeOf(err) {
	case xerr.InsufficientFunds:
		return "insufficient"
	case xerr.RequestParamsError:
		return "invalid"
	}
	if errors.Is(err, errVersionConflict) {
		return "conflict"
	}
	return "error"
}
