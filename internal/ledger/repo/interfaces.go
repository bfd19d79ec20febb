package repo

import (
	"context"

	"github.com/shopspring/decimal"
	"predictex.com/internal/ledger/repo/model"
)

type BalancesRepo interface {
	// FindBalance 不存在返回 nil, nil
	FindBalance(ctx context.Context, address, currency string) (*model.UserBalance, error)
	// FindBalanceForUpdate 需要在事务 ctx 中调用
	FindBalanceForUpdate(ctx context.Context, address, currency string) (*model.UserBalance, error)
	ListBalances(ctx context.Context, address string) ([]model.UserBalance, error)
	ListAccounts(ctx context.Context, page, size int) ([]model.UserBalance, error)
	CreateBalance(ctx context.Context, row *model.UserBalance) error
	// UpdateBalance 版本号不匹配时返回 false
	UpdateBalance(ctx context.Context, id uint64, version int64, balance decimal.Decimal) (bool, error)
	UpdateStatus(ctx context.Context, address, status string) (int64, error)
}

type AuditRepo interface {
	AppendAudit(ctx context.Context, e *model.AuditLogEntry) error
	ListAudit(ctx context.Context, address string, limit int) ([]model.AuditLogEntry, error)
}

type Repo interface {
	BalancesRepo
	AuditRepo
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}
