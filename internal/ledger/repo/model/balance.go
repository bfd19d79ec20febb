package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// UserBalance 每个 (地址, 币种) 一行，只由 ledger 修改，不删除
type UserBalance struct {
	ID          uint64          `gorm:"column:id;primaryKey;autoIncrement"`
	UserAddress string          `gorm:"column:user_address;type:varchar(128);not null;uniqueIndex:uk_balance_addr_currency,priority:1"`
	Currency    string          `gorm:"column:currency;type:varchar(16);not null;uniqueIndex:uk_balance_addr_currency,priority:2"`
	Balance     decimal.Decimal `gorm:"column:balance;type:decimal(36,18);not null"`
	Status      string          `gorm:"column:status;type:varchar(16);not null;default:active"`
	Tier        string          `gorm:"column:tier;type:varchar(16);not null;default:free"`
	Version     int64           `gorm:"column:version;not null;default:0"` // 乐观锁
	CreatedAt   time.Time       `gorm:"column:created_at"`
	UpdatedAt   time.Time       `gorm:"column:updated_at"`
}

func (UserBalance) TableName() string {
	return "user_balances"
}
