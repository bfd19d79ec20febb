package gormdb

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"predictex.com/internal/ledger/repo/model"
	"predictex.com/pkg/orm"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (r *Repo) FindBalance(ctx context.Context, address, currency string) (*model.UserBalance, error) {
	return r.findBalance(r.getDb(ctx), address, currency)
}

func (r *Repo) FindBalanceForUpdate(ctx context.Context, address, currency string) (*model.UserBalance, error) {
	// sqlite 方言会忽略 FOR UPDATE，靠 version 兜底
	return r.findBalance(r.getDb(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), address, currency)
}

func (r *Repo) findBalance(db *gorm.DB, address, currency string) (*model.UserBalance, error) {
	var row model.UserBalance
	err := db.Where("user_address = ? AND currency = ?", address, currency).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

func (r *Repo) ListBalances(ctx context.Context, address string) ([]model.UserBalance, error) {
	var rows []model.UserBalance
	err := r.getDb(ctx).
		Where("user_address = ?", address).
		Order("currency ASC").
		Find(&rows).Error
	return rows, err
}

func (r *Repo) ListAccounts(ctx context.Context, page, size int) ([]model.UserBalance, error) {
	var rows []model.UserBalance
	q := r.getDb(ctx).Model(&model.UserBalance{}).Order("user_address ASC, currency ASC")
	err := orm.ApplyPagination(q, page, size).Find(&rows).Error
	return rows, err
}

func (r *Repo) CreateBalance(ctx context.Context, row *model.UserBalance) error {
	return r.getDb(ctx).Create(row).Error
}

func (r *Repo) UpdateBalance(ctx context.Context, id uint64, version int64, balance decimal.Decimal) (bool, error) {
	res := r.getDb(ctx).Model(&model.UserBalance{}).
		Where("id = ? AND version = ?", id, version).
		Updates(map[string]any{
			"balance":    balance,
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *Repo) UpdateStatus(ctx context.Context, address, status string) (int64, error) {
	// 只改 status，不碰 balance / version
	res := r.getDb(ctx).Model(&model.UserBalance{}).
		Where("user_address = ?", address).
		Updates(map[string]any{
			"status":     status,
			"updated_at": time.Now().UTC(),
		})
	return res.RowsAffected, res.Error
}
